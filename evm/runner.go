// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package evm

import "github.com/hearthlabs/hearth/journal"

// Outcome is the result of executing one transaction.
type Outcome struct {
	Success  bool
	Reverted bool
	GasUsed  uint64
	Output   []byte
	// Err carries the recoverable cause of a failed trial, typically an
	// unwrapped *DatabaseError from a fork fetch.
	Err error
}

// Runner executes a single transaction against db under env, staging writes
// in j and reporting to insp. The opcode interpreter implements this; the
// backend only consumes it (fork-rolling replay and copy-on-write trials).
type Runner interface {
	Run(env *Env, db Database, j *journal.State, insp Inspector) (*Outcome, error)
}
