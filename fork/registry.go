// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package fork

import (
	"github.com/pkg/errors"
)

// ID is a process-unique handle for a registered fork. Once issued it refers
// to the same fork for the lifetime of the registry and its clones, and is
// never reused. The zero ID is never issued.
type ID uint64

// Registry errors. Callers test with errors.Is.
var (
	ErrUnknownFork  = errors.New("fork: unknown fork id")
	ErrNoActiveFork = errors.New("fork: no active fork")
)

// Registry maps fork IDs to forks and tracks the active one. A registry is
// owned by exactly one backend instance; clones share clients and caches but
// keep private block pointers and active-fork tracking.
type Registry struct {
	forks  map[ID]*Fork
	active ID // zero when none
	nextID ID
	pool   *Pool
	dial   func(url string) (Client, error)
}

// NewRegistry creates an empty registry dialing remotes with the given
// function (nil means the default JSON-RPC dialer).
func NewRegistry(dial func(url string) (Client, error)) *Registry {
	if dial == nil {
		dial = Dial
	}
	return &Registry{
		forks: make(map[ID]*Fork),
		pool:  NewPool(),
		dial:  dial,
	}
}

// Create registers a new fork of the given endpoint. A nil block pins the
// fork to the remote chain head on first use. The remote is not contacted
// (not even dialed, which handshakes for websocket endpoints); only a
// malformed URL fails. The dial happens on the fork's first remote use.
func (r *Registry) Create(url string, block *uint64) (ID, error) {
	if err := ValidateURL(url); err != nil {
		return 0, err
	}
	cli := newLazyClient(func() (Client, error) { return r.dial(url) })
	r.nextID++
	id := r.nextID
	var (
		pinned   bool
		blockNum uint64
	)
	if block != nil {
		pinned = true
		blockNum = *block
	}
	r.forks[id] = newFork(url, cli, r.pool, blockNum, pinned)
	logger.Debug("fork created", "id", id, "url", url, "pinned", pinned, "block", blockNum)
	return id, nil
}

// Get returns the fork registered under id.
func (r *Registry) Get(id ID) (*Fork, error) {
	f, ok := r.forks[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFork, "%d", id)
	}
	return f, nil
}

// Select makes id the active fork.
func (r *Registry) Select(id ID) (*Fork, error) {
	f, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	r.active = id
	return f, nil
}

// Deselect clears the active fork, returning to purely local state.
func (r *Registry) Deselect() {
	r.active = 0
}

// Active returns the active fork, or nil if none is selected.
func (r *Registry) Active() *Fork {
	if r.active == 0 {
		return nil
	}
	return r.forks[r.active]
}

// ActiveID returns the active fork's id, if any.
func (r *Registry) ActiveID() (ID, bool) {
	return r.active, r.active != 0
}

// Ensure resolves "the fork to use": the explicit id if non-nil, otherwise
// the active fork.
func (r *Registry) Ensure(id *ID) (ID, error) {
	if id != nil {
		if _, err := r.Get(*id); err != nil {
			return 0, err
		}
		return *id, nil
	}
	if r.active == 0 {
		return 0, ErrNoActiveFork
	}
	return r.active, nil
}

// ForEach iterates all registered forks.
func (r *Registry) ForEach(cb func(id ID, f *Fork) bool) {
	for id, f := range r.forks {
		if !cb(id, f) {
			return
		}
	}
}

// BlockPointer is one fork's captured position: the block it was pinned at,
// or not yet pinned at all.
type BlockPointer struct {
	Block  uint64
	Pinned bool
}

// BlockPointers captures every fork's current block pointer, for snapshots.
// Unpinned forks are captured too, so a revert can undo a later pin.
func (r *Registry) BlockPointers() map[ID]BlockPointer {
	blocks := make(map[ID]BlockPointer, len(r.forks))
	for id, f := range r.forks {
		blocks[id] = BlockPointer{Block: f.Block(), Pinned: f.Pinned()}
	}
	return blocks
}

// RestoreBlockPointers repositions forks to the captured block pointers.
// Forks registered after the capture keep their current position.
func (r *Registry) RestoreBlockPointers(blocks map[ID]BlockPointer) {
	for id, bp := range blocks {
		f, ok := r.forks[id]
		if !ok {
			continue
		}
		switch {
		case !bp.Pinned:
			if f.Pinned() {
				f.unpin()
			}
		case !f.Pinned() || f.Block() != bp.Block:
			f.Roll(bp.Block)
		}
	}
}

// Clone duplicates the registry for a backend clone. Clients, caches and the
// cache pool are shared; block pointers and the active selection are private.
func (r *Registry) Clone() *Registry {
	cpy := &Registry{
		forks:  make(map[ID]*Fork, len(r.forks)),
		active: r.active,
		nextID: r.nextID,
		pool:   r.pool,
		dial:   r.dial,
	}
	for id, f := range r.forks {
		cpy.forks[id] = f.shallowCopy()
	}
	return cpy
}
