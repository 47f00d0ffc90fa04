// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package backend implements the authoritative state view of a development
// node: locally committed accounts and storage, a registry of remote forks
// consulted read-through on local misses, a snapshot/revert journal, and a
// copy-on-write wrapper for speculative execution.
package backend

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/evm"
	"github.com/hearthlabs/hearth/fork"
	"github.com/hearthlabs/hearth/journal"
	"github.com/hearthlabs/hearth/log"
	"github.com/hearthlabs/hearth/metrics"
	"github.com/hearthlabs/hearth/state"
	"github.com/hearthlabs/hearth/statefile"
)

var (
	logger          = log.WithContext("pkg", "backend")
	metricSnapshots = metrics.LazyLoad(func() metrics.CountMeter { return metrics.Counter("backend_snapshots_total") })
	metricReverts   = metrics.LazyLoad(func() metrics.CountMeter { return metrics.Counter("backend_reverts_total") })
)

// Options configures a Backend. It is read once at construction; the offline
// flag and any loaded state determine the lookup policy for the backend's
// whole lifetime.
type Options struct {
	// Offline disables all outbound network calls; missing data resolves to
	// zero defaults. Requires an initial state.
	Offline bool
	// ForkURL, when set, registers and selects a fork at construction.
	ForkURL string
	// ForkBlock pins the initial fork. Nil means the chain head at first use.
	ForkBlock *uint64
	// StatePath points at a JSON state file loaded into the local store.
	StatePath string
	// PersistentAccounts are exempt from revert and fork-switch rollback from
	// the start (a test harness contract, the default caller, and so on).
	PersistentAccounts []common.Address
	// Dial overrides the remote client constructor. Nil means JSON-RPC.
	Dial func(url string) (fork.Client, error)
}

// Backend owns the account store and fork registry. Exactly one logical
// execution uses a Backend at a time; the only shared, internally locked
// structures are the fork memo caches, so a read-only Backend can serve
// concurrent copy-on-write trials.
type Backend struct {
	offline bool

	// memDB holds locally committed state when no fork is active.
	memDB    *state.State
	registry *fork.Registry
	// locals holds each fork's private write overlay: remote data stays
	// read-only in the fork cache, local writes land here.
	locals map[fork.ID]*state.State

	snaps           *snapshots
	snapshotFailure bool

	persistent      map[common.Address]struct{}
	cheatcodeAccess map[common.Address]struct{}
}

// New constructs a Backend per opts. Startup-fatal conditions (malformed
// state file, offline without an initial state) are reported as errors here
// and never degrade into runtime behavior.
func New(opts Options) (*Backend, error) {
	if opts.Offline && opts.StatePath == "" {
		return nil, errors.New("offline mode requires a state to be loaded")
	}

	b := &Backend{
		offline:         opts.Offline,
		memDB:           state.New(),
		registry:        fork.NewRegistry(opts.Dial),
		locals:          make(map[fork.ID]*state.State),
		snaps:           newSnapshots(),
		persistent:      make(map[common.Address]struct{}),
		cheatcodeAccess: make(map[common.Address]struct{}),
	}
	for _, addr := range opts.PersistentAccounts {
		b.persistent[addr] = struct{}{}
		b.cheatcodeAccess[addr] = struct{}{}
	}

	forkURL, forkBlock := opts.ForkURL, opts.ForkBlock
	if opts.StatePath != "" {
		file, err := statefile.Load(opts.StatePath)
		if err != nil {
			return nil, err
		}
		if err := file.ApplyTo(b.memDB); err != nil {
			return nil, errors.Wrapf(err, "state file %s", opts.StatePath)
		}
		if file.Fork != nil && forkURL == "" {
			forkURL = file.Fork.URL
			block := file.Fork.Block
			forkBlock = &block
		}
		logger.Info("initial state loaded", "path", opts.StatePath)
	}

	if forkURL != "" {
		id, err := b.CreateFork(forkURL, forkBlock)
		if err != nil {
			return nil, err
		}
		if _, err := b.registry.Select(id); err != nil {
			return nil, err
		}
		// Share the pre-fork local state with the launch fork so a loaded
		// state file is visible in forking mode too.
		b.locals[id] = b.memDB.Copy()
		if !b.offline {
			// warm-up: pin the fork now so shared read-only use later never
			// mutates the block pointer
			f := b.registry.Active()
			if _, err := f.Header(); err != nil {
				return nil, errors.Wrap(err, "fork warm-up")
			}
		}
		logger.Info("fork registered", "url", forkURL, "id", id)
	}

	return b, nil
}

// activeState returns the store writes are committed to: the active fork's
// local overlay, or the in-memory db when no fork is selected.
func (b *Backend) activeState() *state.State {
	if f := b.registry.Active(); f != nil {
		id, _ := b.registry.ActiveID()
		return b.locals[id]
	}
	return b.memDB
}

// activeFork returns the fork to consult on local misses, nil when lookups
// must resolve to defaults (no fork selected, or offline).
func (b *Backend) activeFork() *fork.Fork {
	if b.offline {
		return nil
	}
	return b.registry.Active()
}

// --- evm.Database ---

// Basic returns the account at addr: the local overlay first, then the
// active fork's memo cache, then one remote query. Absence is an empty
// account; only a failed remote fetch is an error.
func (b *Backend) Basic(addr common.Address) (state.AccountInfo, error) {
	db := b.activeState()
	if db.Exists(addr) {
		return db.GetAccount(addr), nil
	}
	f := b.activeFork()
	if f == nil {
		return state.NewAccountInfo(), nil
	}
	acc, err := f.Basic(addr)
	if err != nil {
		return state.AccountInfo{}, evm.NewDatabaseError("basic", err)
	}
	return acc, nil
}

// CodeByHash returns code known locally or memoized from fork fetches.
// There is no remote lookup by code hash, so absence is a nil result.
func (b *Backend) CodeByHash(hash common.Hash) ([]byte, error) {
	if code := b.activeState().CodeByHash(hash); code != nil {
		return code, nil
	}
	if code := b.memDB.CodeByHash(hash); code != nil {
		return code, nil
	}
	if f := b.registry.Active(); f != nil {
		if code, ok := f.CodeByHash(hash); ok {
			return code, nil
		}
	}
	return nil, nil
}

// Storage returns the word at (addr, slot), consulting the active fork when
// the slot was never written locally.
func (b *Backend) Storage(addr common.Address, slot common.Hash) (common.Hash, error) {
	if v, ok := b.activeState().GetStorage(addr, slot); ok {
		return v, nil
	}
	f := b.activeFork()
	if f == nil {
		return common.Hash{}, nil
	}
	v, err := f.Storage(addr, slot)
	if err != nil {
		return common.Hash{}, evm.NewDatabaseError("storage", err)
	}
	return v, nil
}

// BlockHash resolves a block number to its hash through the active fork.
// Without one the result is the zero hash; local block production is the RPC
// server's concern, not the state backend's.
func (b *Backend) BlockHash(number uint64) (common.Hash, error) {
	f := b.activeFork()
	if f == nil {
		return common.Hash{}, nil
	}
	h, err := f.BlockHash(number)
	if err != nil {
		return common.Hash{}, evm.NewDatabaseError("block hash", err)
	}
	return h, nil
}

// --- account store write surface ---

// GetAccount returns the locally committed account (zero default). Unlike
// Basic it never consults a fork.
func (b *Backend) GetAccount(addr common.Address) state.AccountInfo {
	return b.activeState().GetAccount(addr)
}

// SetAccount commits an account to the active store.
func (b *Backend) SetAccount(addr common.Address, acc state.AccountInfo) {
	b.activeState().SetAccount(addr, acc)
}

// SetBalance commits a balance, materializing the account if needed.
func (b *Backend) SetBalance(addr common.Address, balance *uint256.Int) {
	b.activeState().SetBalance(addr, balance)
}

// SetNonce commits a nonce, materializing the account if needed.
func (b *Backend) SetNonce(addr common.Address, nonce uint64) {
	b.activeState().SetNonce(addr, nonce)
}

// SetCode commits code, materializing the account if needed.
func (b *Backend) SetCode(addr common.Address, code []byte) {
	b.activeState().SetCode(addr, code)
}

// SetStorage commits one storage word.
func (b *Backend) SetStorage(addr common.Address, slot, value common.Hash) {
	b.activeState().SetStorage(addr, slot, value)
}

// RemoveAccount deletes the account and its storage from the active store.
// Self-destruct semantics are the interpreter's; this only reflects them.
func (b *Backend) RemoveAccount(addr common.Address) {
	b.activeState().RemoveAccount(addr)
}

// --- fork operations ---

// CreateFork registers a new fork without selecting it or contacting the
// remote. Only a malformed URL fails.
func (b *Backend) CreateFork(url string, block *uint64) (fork.ID, error) {
	id, err := b.registry.Create(url, block)
	if err != nil {
		return 0, err
	}
	b.locals[id] = state.New()
	return id, nil
}

// SelectFork makes id the active fork, carries the current view of the
// persistent accounts (committed state plus the in-flight journal) into its
// overlay and rewrites env's block context from the fork's header.
func (b *Backend) SelectFork(id fork.ID, env *evm.Env, j *journal.State) error {
	view := b.persistentView(b.activeState(), j)
	f, err := b.registry.Select(id)
	if err != nil {
		return err
	}
	b.absorbPersistent(view, b.locals[id])
	return b.applyBlockContext(f, env)
}

// CreateSelectFork is CreateFork followed by SelectFork.
func (b *Backend) CreateSelectFork(url string, block *uint64, env *evm.Env, j *journal.State) (fork.ID, error) {
	id, err := b.CreateFork(url, block)
	if err != nil {
		return 0, err
	}
	if err := b.SelectFork(id, env, j); err != nil {
		return 0, err
	}
	return id, nil
}

// CreateSelectForkAtTransaction registers and selects a fork of url positioned
// just before the given transaction, with its preceding block-mates replayed.
func (b *Backend) CreateSelectForkAtTransaction(url string, txHash common.Hash, env *evm.Env, runner evm.Runner) (fork.ID, error) {
	id, err := b.CreateFork(url, nil)
	if err != nil {
		return 0, err
	}
	// selection without the header-based env rewrite: the fork is still
	// unpinned, and RollForkToTransaction positions it and sets env itself
	view := b.persistentView(b.activeState(), nil)
	if _, err := b.registry.Select(id); err != nil {
		return 0, err
	}
	b.absorbPersistent(view, b.locals[id])
	if err := b.RollForkToTransaction(&id, txHash, env, runner); err != nil {
		return 0, err
	}
	return id, nil
}

// RollFork repositions a fork (the active one when id is nil) at the target
// block, dropping memo entries keyed to the old block. When the rolled fork
// is active the env block context follows, and the journaled values of the
// persistent accounts are committed to its overlay so they survive the roll.
func (b *Backend) RollFork(id *fork.ID, target uint64, env *evm.Env, j *journal.State) error {
	fid, err := b.registry.Ensure(id)
	if err != nil {
		return err
	}
	f, err := b.registry.Get(fid)
	if err != nil {
		return err
	}
	f.Roll(target)
	logger.Debug("fork rolled", "id", fid, "block", target)
	if active, ok := b.registry.ActiveID(); ok && active == fid {
		local := b.locals[fid]
		b.absorbPersistent(b.persistentView(local, j), local)
		return b.applyBlockContext(f, env)
	}
	return nil
}

// RollForkToTransaction rolls the fork to the block before the transaction's
// block, then replays every transaction preceding it in that block through
// the runner, committing their writes to the fork's overlay. On return env
// holds the transaction's block and tx context, so executing env reproduces
// the chain state the transaction originally saw.
func (b *Backend) RollForkToTransaction(id *fork.ID, txHash common.Hash, env *evm.Env, runner evm.Runner) error {
	if b.offline {
		return errors.Wrap(ErrOffline, "roll fork to transaction")
	}
	fid, err := b.registry.Ensure(id)
	if err != nil {
		return err
	}
	f, err := b.registry.Get(fid)
	if err != nil {
		return err
	}
	target, err := f.TransactionByHash(txHash)
	if err != nil {
		return evm.NewDatabaseError("roll fork to transaction", err)
	}
	if target.BlockNumber == nil {
		return errors.Errorf("backend: transaction %s is pending, cannot roll to it", txHash)
	}
	txBlock := target.BlockNumber.ToInt().Uint64()
	if txBlock == 0 {
		return errors.Errorf("backend: transaction %s is in the genesis block", txHash)
	}

	if err := b.RollFork(&fid, txBlock-1, env, nil); err != nil {
		return err
	}
	txs, err := f.BlockTransactions(txBlock)
	if err != nil {
		return evm.NewDatabaseError("roll fork to transaction", err)
	}

	// the replayed transactions execute in the target's block context
	header, err := f.Header()
	if err == nil {
		applyHeader(env, header)
	}
	env.Block.Number = txBlock

	local := b.locals[fid]
	for _, tx := range txs {
		if tx.Hash == txHash {
			break
		}
		replayEnv := env.Copy()
		applyTransaction(replayEnv, &tx)
		j := journal.NewState()
		if _, err := runner.Run(replayEnv, b, j, evm.NoopInspector{}); err != nil {
			return errors.Wrapf(err, "replay transaction %s", tx.Hash)
		}
		j.ApplyTo(local)
	}
	applyTransaction(env, target)
	return nil
}

// EnsureFork resolves the fork a fork-scoped cheatcode should use: the
// explicit id when given, otherwise the active fork.
func (b *Backend) EnsureFork(id *fork.ID) (fork.ID, error) {
	return b.registry.Ensure(id)
}

// ActiveForkID returns the active fork's id, if one is selected.
func (b *Backend) ActiveForkID() (fork.ID, bool) {
	return b.registry.ActiveID()
}

// ActiveForkURL returns the active fork's endpoint, if one is selected.
func (b *Backend) ActiveForkURL() (string, bool) {
	if f := b.registry.Active(); f != nil {
		return f.URL(), true
	}
	return "", false
}

// IsForkedMode reports whether a fork is currently active.
func (b *Backend) IsForkedMode() bool {
	return b.registry.Active() != nil
}

// applyBlockContext rewrites env's block fields to the fork's position and
// fills in the chain id when the caller left it unset. Offline mode skips the
// remote fetches and only moves the block number.
func (b *Backend) applyBlockContext(f *fork.Fork, env *evm.Env) error {
	if env == nil {
		return nil
	}
	if b.offline {
		if f.Pinned() {
			env.Block.Number = f.Block()
		}
		return nil
	}
	header, err := f.Header()
	if err != nil {
		return evm.NewDatabaseError("fork block context", err)
	}
	applyHeader(env, header)
	if env.ChainID == 0 {
		id, err := f.ChainID()
		if err != nil {
			return evm.NewDatabaseError("fork chain id", err)
		}
		env.ChainID = id
	}
	return nil
}

func applyHeader(env *evm.Env, header *fork.Header) {
	env.Block.Number = uint64(header.Number)
	env.Block.Timestamp = uint64(header.Timestamp)
	env.Block.GasLimit = uint64(header.GasLimit)
	env.Block.Coinbase = header.Miner
	env.Block.PrevRandao = header.MixHash
	if header.BaseFee != nil {
		basefee, _ := uint256.FromBig(header.BaseFee.ToInt())
		env.Block.BaseFee = basefee
	}
}

func applyTransaction(env *evm.Env, tx *fork.Transaction) {
	env.Tx.Origin = tx.From
	env.Tx.To = tx.To
	env.Tx.Nonce = uint64(tx.Nonce)
	env.Tx.GasLimit = uint64(tx.Gas)
	if tx.GasPrice != nil {
		gasPrice, _ := uint256.FromBig(tx.GasPrice.ToInt())
		env.Tx.GasPrice = gasPrice
	}
	if tx.Value != nil {
		value, _ := uint256.FromBig(tx.Value.ToInt())
		env.Tx.Value = value
	}
	env.Tx.Data = append([]byte(nil), tx.Input...)
}

// --- persistent accounts & cheatcode access ---

// persistentView captures the current view of src (committed state plus the
// in-flight journal, when given) so persistent accounts can be carried across
// a fork switch, roll or revert. Nil when nothing is persistent.
func (b *Backend) persistentView(src *state.State, j *journal.State) *state.State {
	if len(b.persistent) == 0 {
		return nil
	}
	view := src.Copy()
	if j != nil {
		j.ApplyTo(view)
	}
	return view
}

// absorbPersistent commits the captured view of every persistent account
// into dst.
func (b *Backend) absorbPersistent(view, dst *state.State) {
	if view == nil {
		return
	}
	for addr := range b.persistent {
		dst.Absorb(addr, view)
	}
}

// AddPersistentAccount exempts addr from revert and fork-switch rollback.
// It reports whether the set changed.
func (b *Backend) AddPersistentAccount(addr common.Address) bool {
	if _, ok := b.persistent[addr]; ok {
		return false
	}
	b.persistent[addr] = struct{}{}
	return true
}

// RemovePersistentAccount re-subjects addr to normal rollback rules.
// It reports whether the set changed.
func (b *Backend) RemovePersistentAccount(addr common.Address) bool {
	if _, ok := b.persistent[addr]; !ok {
		return false
	}
	delete(b.persistent, addr)
	return true
}

// IsPersistent reports whether addr survives reverts and fork switches.
func (b *Backend) IsPersistent(addr common.Address) bool {
	_, ok := b.persistent[addr]
	return ok
}

// AllowCheatcodeAccess grants addr privileged backend access.
func (b *Backend) AllowCheatcodeAccess(addr common.Address) {
	b.cheatcodeAccess[addr] = struct{}{}
}

// RevokeCheatcodeAccess withdraws a previous grant.
func (b *Backend) RevokeCheatcodeAccess(addr common.Address) {
	delete(b.cheatcodeAccess, addr)
}

// HasCheatcodeAccess reports whether addr was granted privileged access.
func (b *Backend) HasCheatcodeAccess(addr common.Address) bool {
	_, ok := b.cheatcodeAccess[addr]
	return ok
}

// EnsureCheatcodeAccess fails unless addr was granted privileged access.
// Only enforced in forked mode, where an unknown remote contract must not be
// able to manipulate the backend.
func (b *Backend) EnsureCheatcodeAccess(addr common.Address) error {
	if !b.IsForkedMode() {
		return nil
	}
	if !b.HasCheatcodeAccess(addr) {
		return &NoCheatcodeAccessError{Account: addr}
	}
	return nil
}

// --- snapshots ---

// Snapshot appends a checkpoint of the current state and returns its id.
// Ids increase monotonically and are never reused.
func (b *Backend) Snapshot(j *journal.State, env *evm.Env) uint64 {
	locals := make(map[fork.ID]*state.State, len(b.locals))
	for id, st := range b.locals {
		locals[id] = st.Copy()
	}
	active, _ := b.registry.ActiveID()
	id := b.snaps.insert(&backendSnapshot{
		mem:       b.memDB.Copy(),
		locals:    locals,
		blocks:    b.registry.BlockPointers(),
		active:    active,
		journaled: j.Copy(),
		env:       env.Copy(),
	})
	metricSnapshots().Add(1)
	logger.Debug("snapshot taken", "id", id)
	return id
}

// RevertSnapshot restores the checkpoint with the given id and returns the
// journaled state captured with it. The checkpoint and every later one are
// invalidated. Persistent accounts keep their current-at-revert-time values.
// An unknown or consumed id returns ErrUnknownSnapshot without mutating
// anything. A failure while reconstructing the checkpoint sets the sticky
// snapshot-failure flag.
func (b *Backend) RevertSnapshot(id uint64, j *journal.State, env *evm.Env) (*journal.State, error) {
	snap, ok := b.snaps.take(id)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSnapshot, "%d", id)
	}
	b.snaps.invalidateAfter(id)

	// view of the persistent accounts captured before anything is restored
	view := b.persistentView(b.activeState(), j)

	b.memDB = snap.mem
	// forks registered after the checkpoint keep their overlays; everything
	// captured is restored
	for fid, st := range snap.locals {
		b.locals[fid] = st
	}
	b.registry.RestoreBlockPointers(snap.blocks)
	if snap.active != 0 {
		if _, err := b.registry.Select(snap.active); err != nil {
			b.snapshotFailure = true
			return nil, errors.Wrap(err, "restore active fork")
		}
	} else {
		b.registry.Deselect()
	}

	b.absorbPersistent(view, b.activeState())

	*env = *snap.env
	metricReverts().Add(1)
	logger.Debug("snapshot reverted", "id", id)
	return snap.journaled, nil
}

// HasSnapshotFailure reports the sticky "an assertion failed inside a
// snapshot scope" flag.
func (b *Backend) HasSnapshotFailure() bool {
	return b.snapshotFailure
}

// SetSnapshotFailure forces the sticky failure flag, used by cheatcode
// collaborators that detect assertion failures themselves.
func (b *Backend) SetSnapshotFailure(failed bool) {
	if failed {
		b.snapshotFailure = true
	}
}

// --- duplication & persistence ---

// Clone duplicates the backend: deep copies of the local stores, snapshots
// and account sets, shared fork clients and memo caches. The clone is fully
// independent for every mutating operation.
func (b *Backend) Clone() *Backend {
	locals := make(map[fork.ID]*state.State, len(b.locals))
	for id, st := range b.locals {
		locals[id] = st.Copy()
	}
	persistent := make(map[common.Address]struct{}, len(b.persistent))
	for addr := range b.persistent {
		persistent[addr] = struct{}{}
	}
	access := make(map[common.Address]struct{}, len(b.cheatcodeAccess))
	for addr := range b.cheatcodeAccess {
		access[addr] = struct{}{}
	}
	return &Backend{
		offline:         b.offline,
		memDB:           b.memDB.Copy(),
		registry:        b.registry.Clone(),
		locals:          locals,
		snaps:           b.snaps.copy(),
		snapshotFailure: b.snapshotFailure,
		persistent:      persistent,
		cheatcodeAccess: access,
	}
}

// DumpState captures the active store (plus fork metadata when forked) as a
// writable state file.
func (b *Backend) DumpState() *statefile.File {
	var meta *statefile.ForkMeta
	if f := b.registry.Active(); f != nil {
		meta = &statefile.ForkMeta{URL: f.URL(), Block: f.Block()}
	}
	return statefile.FromState(b.activeState(), meta)
}

// LoadState applies a state file to the active store at runtime.
func (b *Backend) LoadState(file *statefile.File) error {
	return file.ApplyTo(b.activeState())
}

// SnapshotCount returns the number of revertable checkpoints.
func (b *Backend) SnapshotCount() int {
	return b.snaps.len()
}
