// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package backend

import (
	"github.com/hearthlabs/hearth/evm"
	"github.com/hearthlabs/hearth/fork"
	"github.com/hearthlabs/hearth/journal"
	"github.com/hearthlabs/hearth/state"
)

// backendSnapshot captures everything a revert restores: the local stores,
// the fork selection and per-fork block pointers, the journaled execution
// state and the environment.
type backendSnapshot struct {
	mem       *state.State
	locals    map[fork.ID]*state.State
	blocks    map[fork.ID]fork.BlockPointer
	active    fork.ID // zero when no fork was active
	journaled *journal.State
	env       *evm.Env
}

func (s *backendSnapshot) copy() *backendSnapshot {
	locals := make(map[fork.ID]*state.State, len(s.locals))
	for id, st := range s.locals {
		locals[id] = st.Copy()
	}
	blocks := make(map[fork.ID]fork.BlockPointer, len(s.blocks))
	for id, bp := range s.blocks {
		blocks[id] = bp
	}
	return &backendSnapshot{
		mem:       s.mem.Copy(),
		locals:    locals,
		blocks:    blocks,
		active:    s.active,
		journaled: s.journaled.Copy(),
		env:       s.env.Copy(),
	}
}

// snapshots is the journal of checkpoints. Ids increase monotonically and are
// never reused; entries live in a map, not a stack, because reverting to a
// non-latest id is supported and invalidates everything after it.
type snapshots struct {
	nextID  uint64
	entries map[uint64]*backendSnapshot
}

func newSnapshots() *snapshots {
	return &snapshots{entries: make(map[uint64]*backendSnapshot)}
}

// insert appends a checkpoint and returns its id.
func (s *snapshots) insert(snap *backendSnapshot) uint64 {
	id := s.nextID
	s.nextID++
	s.entries[id] = snap
	return id
}

// take removes and returns the checkpoint with the given id. Reverting is
// one-shot: once taken, the id is spent.
func (s *snapshots) take(id uint64) (*backendSnapshot, bool) {
	snap, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	return snap, ok
}

// invalidateAfter drops every checkpoint with an id greater than id.
func (s *snapshots) invalidateAfter(id uint64) {
	for k := range s.entries {
		if k > id {
			delete(s.entries, k)
		}
	}
}

func (s *snapshots) len() int { return len(s.entries) }

func (s *snapshots) copy() *snapshots {
	cpy := &snapshots{
		nextID:  s.nextID,
		entries: make(map[uint64]*backendSnapshot, len(s.entries)),
	}
	for id, snap := range s.entries {
		cpy.entries[id] = snap.copy()
	}
	return cpy
}
