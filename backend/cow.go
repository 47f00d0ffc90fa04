// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package backend

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/hearthlabs/hearth/evm"
	"github.com/hearthlabs/hearth/journal"
	"github.com/hearthlabs/hearth/state"
)

// CowBackend lets many speculative trials run against one shared base
// backend. It serves reads from the base until the first mutating operation,
// at which point it privately clones the base and serves everything from the
// clone. The promotion is one-way for the wrapper's lifetime; the base is
// never observably mutated through the wrapper.
//
// The intended pattern is one base backend, constructed and warmed up once,
// with one CowBackend per fuzz/invariant worker. Trials that never mutate
// pay no copy cost; trials that do are fully isolated from their siblings.
type CowBackend struct {
	base  *Backend
	owned *Backend
	// initialized is cleared at the start of every call: env changes per
	// call, so clone bookkeeping derived from it must be refreshed.
	initialized bool

	// snapshotFailure belongs to the session, not the clone: the clone is
	// thrown away with the wrapper, so its flag is copied out after every
	// call to keep the failure signal alive.
	snapshotFailure bool
}

// NewCowBackend wraps a base backend without copying it.
func NewCowBackend(base *Backend) *CowBackend {
	return &CowBackend{base: base}
}

// RunReadOnly executes one transaction with the wrapper as the read/write
// surface. Mutating cheatcodes transparently promote the wrapper to a
// private clone; the base stays untouched either way.
func (c *CowBackend) RunReadOnly(env *evm.Env, insp evm.Inspector, runner evm.Runner) (*evm.Outcome, error) {
	c.initialized = false
	j := journal.NewState()
	outcome, err := runner.Run(env, c, j, insp)
	if c.owned != nil && c.owned.HasSnapshotFailure() {
		c.snapshotFailure = true
	}
	return outcome, err
}

// BackendForMutation is the single access point for mutating cheatcodes. The
// first invocation promotes the wrapper to a private clone of the base;
// within a call the clone is initialized for env exactly once. A failed
// refresh of the clone's fork block context fails the mutation rather than
// letting it run against a stale env; the next call retries the refresh.
func (c *CowBackend) BackendForMutation(env *evm.Env) (*Backend, error) {
	if c.owned == nil {
		logger.Debug("cloning backend for mutation")
		c.owned = c.base.Clone()
	}
	if !c.initialized {
		if active := c.owned.registry.Active(); active != nil {
			if err := c.owned.applyBlockContext(active, env); err != nil {
				return nil, err
			}
		}
		c.initialized = true
	}
	return c.owned, nil
}

// HasSnapshotFailure reports the session's sticky failure flag, including a
// failure recorded by a live private clone.
func (c *CowBackend) HasSnapshotFailure() bool {
	if c.snapshotFailure {
		return true
	}
	return c.owned != nil && c.owned.HasSnapshotFailure()
}

// reader returns the backend reads resolve against: the private clone once
// one exists, the shared base otherwise. Reads never trigger the clone.
func (c *CowBackend) reader() *Backend {
	if c.owned != nil {
		return c.owned
	}
	return c.base
}

// --- evm.Database ---

func (c *CowBackend) Basic(addr common.Address) (state.AccountInfo, error) {
	return c.reader().Basic(addr)
}

func (c *CowBackend) CodeByHash(hash common.Hash) ([]byte, error) {
	return c.reader().CodeByHash(hash)
}

func (c *CowBackend) Storage(addr common.Address, slot common.Hash) (common.Hash, error) {
	return c.reader().Storage(addr, slot)
}

func (c *CowBackend) BlockHash(number uint64) (common.Hash, error) {
	return c.reader().BlockHash(number)
}
