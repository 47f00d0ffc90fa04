// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package journal

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/hearthlabs/hearth/state"
)

type keyKind uint8

const (
	kindAccount keyKind = iota
	kindStorage
)

type key struct {
	kind keyKind
	addr common.Address
	slot common.Hash
}

// State is the journaled execution state the interpreter works on during one
// transaction: accounts and storage writes staged per call frame, so an inner
// frame can be reverted without touching the outer one.
type State struct {
	sm *Stacked[key, any]
}

// NewState creates a journaled state with a single base frame.
func NewState() *State {
	s := &State{sm: NewStacked[key, any](nil)}
	s.sm.Push()
	return s
}

// Checkpoint opens a new frame and returns the depth to revert to.
func (s *State) Checkpoint() int {
	return s.sm.Push()
}

// RevertTo discards every write made since the checkpoint at depth.
func (s *State) RevertTo(depth int) {
	if depth < 1 {
		depth = 1 // the base frame always stays
	}
	s.sm.PopTo(depth)
}

// Commit collapses all frames into the base frame, keeping their writes.
func (s *State) Commit() {
	var entries []Entry[key, any]
	s.sm.Journal(func(k key, v any) bool {
		entries = append(entries, Entry[key, any]{k, v})
		return true
	})
	s.sm.PopTo(0)
	s.sm.Push()
	for _, e := range entries {
		s.sm.Put(e.Key, e.Value)
	}
}

// Depth returns the current frame depth.
func (s *State) Depth() int {
	return s.sm.Depth()
}

// GetAccount returns the journaled account for addr, if any frame wrote it.
func (s *State) GetAccount(addr common.Address) (state.AccountInfo, bool) {
	if v, ok := s.sm.Get(key{kind: kindAccount, addr: addr}); ok {
		acc := v.(state.AccountInfo)
		return acc.Copy(), true
	}
	return state.AccountInfo{}, false
}

// PutAccount stages an account write in the current frame.
func (s *State) PutAccount(addr common.Address, acc state.AccountInfo) {
	s.sm.Put(key{kind: kindAccount, addr: addr}, acc.Copy())
}

// GetStorage returns the journaled word at (addr, slot), if any frame wrote it.
func (s *State) GetStorage(addr common.Address, slot common.Hash) (common.Hash, bool) {
	if v, ok := s.sm.Get(key{kind: kindStorage, addr: addr, slot: slot}); ok {
		return v.(common.Hash), true
	}
	return common.Hash{}, false
}

// PutStorage stages a storage write in the current frame.
func (s *State) PutStorage(addr common.Address, slot, value common.Hash) {
	s.sm.Put(key{kind: kindStorage, addr: addr, slot: slot}, value)
}

// ApplyTo writes every journaled entry into the given account store,
// newest value winning. Storage of accounts never materialized is attached
// to empty accounts, matching lazy account creation on first write.
func (s *State) ApplyTo(st *state.State) {
	s.sm.Journal(func(k key, v any) bool {
		switch k.kind {
		case kindAccount:
			st.SetAccount(k.addr, v.(state.AccountInfo))
		case kindStorage:
			st.SetStorage(k.addr, k.slot, v.(common.Hash))
		}
		return true
	})
}

// Copy returns a deep copy of the journaled state.
func (s *State) Copy() *State {
	return &State{sm: s.sm.Copy()}
}
