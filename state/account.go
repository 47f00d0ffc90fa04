// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// EmptyCodeHash is the keccak256 hash of empty code.
var EmptyCodeHash = common.Hash(crypto.Keccak256Hash(nil))

// AccountInfo holds the basic account fields the interpreter reads and writes.
// The zero value (via NewAccountInfo or GetAccount on an absent address)
// represents an empty account, which is a valid EVM account, not an error.
type AccountInfo struct {
	Balance  *uint256.Int
	Nonce    uint64
	CodeHash common.Hash
	Code     []byte
}

// NewAccountInfo returns an empty account.
func NewAccountInfo() AccountInfo {
	return AccountInfo{
		Balance:  new(uint256.Int),
		CodeHash: EmptyCodeHash,
	}
}

// IsEmpty reports whether the account is indistinguishable from an absent one.
func (a *AccountInfo) IsEmpty() bool {
	balanceZero := a.Balance == nil || a.Balance.IsZero()
	codeEmpty := len(a.Code) == 0 && (a.CodeHash == EmptyCodeHash || a.CodeHash == (common.Hash{}))
	return balanceZero && a.Nonce == 0 && codeEmpty
}

// Copy returns a deep copy of the account.
func (a *AccountInfo) Copy() AccountInfo {
	cpy := *a
	if a.Balance != nil {
		cpy.Balance = new(uint256.Int).Set(a.Balance)
	} else {
		cpy.Balance = new(uint256.Int)
	}
	if a.Code != nil {
		cpy.Code = append([]byte(nil), a.Code...)
	}
	return cpy
}

// Normalize fixes the account up in place: a nil balance becomes zero and
// the code hash is derived from the code when unset.
func (a *AccountInfo) Normalize() {
	if a.Balance == nil {
		a.Balance = new(uint256.Int)
	}
	if a.CodeHash == (common.Hash{}) {
		if len(a.Code) > 0 {
			a.CodeHash = crypto.Keccak256Hash(a.Code)
		} else {
			a.CodeHash = EmptyCodeHash
		}
	}
}
