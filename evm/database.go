// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hearthlabs/hearth/state"
)

// Database is the read surface the interpreter executes against. Absence of
// data is a zero-valued result; an error is returned only when a remote fetch
// genuinely fails.
type Database interface {
	// Basic returns the account at addr, or an empty account.
	Basic(addr common.Address) (state.AccountInfo, error)
	// CodeByHash returns the code with the given hash, or nil.
	CodeByHash(hash common.Hash) ([]byte, error)
	// Storage returns the word at (addr, slot), or the zero word.
	Storage(addr common.Address, slot common.Hash) (common.Hash, error)
	// BlockHash returns the hash of the given block number, or the zero hash.
	BlockHash(number uint64) (common.Hash, error)
}

// DatabaseError is the recoverable failure of a remote-backed read. The
// interpreter decides whether it is fatal for the current transaction; the
// backend stays usable.
type DatabaseError struct {
	Op    string
	Cause error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database: %s: %v", e.Op, e.Cause)
}

func (e *DatabaseError) Unwrap() error { return e.Cause }

// NewDatabaseError wraps a remote failure of the given operation.
func NewDatabaseError(op string, cause error) error {
	return &DatabaseError{Op: op, Cause: cause}
}
