// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// State is the in-memory store of locally committed accounts and storage.
// Absence is a valid zero-valued result, never a failure. All operations are
// I/O free; a State is owned by exactly one execution at a time.
type State struct {
	accounts map[common.Address]AccountInfo
	storage  map[common.Address]map[common.Hash]common.Hash
	code     map[common.Hash][]byte // code hash -> code, for code-by-hash reads
}

// New creates an empty state.
func New() *State {
	return &State{
		accounts: make(map[common.Address]AccountInfo),
		storage:  make(map[common.Address]map[common.Hash]common.Hash),
		code:     make(map[common.Hash][]byte),
	}
}

// Exists reports whether the address has been materialized locally.
func (s *State) Exists(addr common.Address) bool {
	_, ok := s.accounts[addr]
	return ok
}

// GetAccount returns the account for addr, or an empty account if absent.
func (s *State) GetAccount(addr common.Address) AccountInfo {
	if acc, ok := s.accounts[addr]; ok {
		return acc.Copy()
	}
	return NewAccountInfo()
}

// SetAccount stores the account for addr, deriving the code hash when unset.
func (s *State) SetAccount(addr common.Address, acc AccountInfo) {
	acc = acc.Copy()
	acc.Normalize()
	if len(acc.Code) > 0 {
		s.code[acc.CodeHash] = acc.Code
	}
	s.accounts[addr] = acc
}

// SetBalance updates only the balance, materializing the account if needed.
func (s *State) SetBalance(addr common.Address, balance *uint256.Int) {
	acc := s.GetAccount(addr)
	acc.Balance = new(uint256.Int).Set(balance)
	s.SetAccount(addr, acc)
}

// SetNonce updates only the nonce, materializing the account if needed.
func (s *State) SetNonce(addr common.Address, nonce uint64) {
	acc := s.GetAccount(addr)
	acc.Nonce = nonce
	s.SetAccount(addr, acc)
}

// SetCode updates only the code, materializing the account if needed.
func (s *State) SetCode(addr common.Address, code []byte) {
	acc := s.GetAccount(addr)
	acc.Code = append([]byte(nil), code...)
	acc.CodeHash = common.Hash{}
	s.SetAccount(addr, acc)
}

// CodeByHash returns the code for the given hash, or nil if unknown.
func (s *State) CodeByHash(hash common.Hash) []byte {
	if hash == EmptyCodeHash || hash == (common.Hash{}) {
		return nil
	}
	return s.code[hash]
}

// HasCode reports whether code for the given hash is known locally.
func (s *State) HasCode(hash common.Hash) bool {
	_, ok := s.code[hash]
	return ok
}

// GetStorage returns the stored word at (addr, slot), or the zero word.
// The second return value reports whether the slot was written locally,
// so callers can distinguish "locally zero" from "never seen".
func (s *State) GetStorage(addr common.Address, slot common.Hash) (common.Hash, bool) {
	if slots, ok := s.storage[addr]; ok {
		if v, ok := slots[slot]; ok {
			return v, true
		}
	}
	return common.Hash{}, false
}

// SetStorage writes the word at (addr, slot).
func (s *State) SetStorage(addr common.Address, slot, value common.Hash) {
	slots, ok := s.storage[addr]
	if !ok {
		slots = make(map[common.Hash]common.Hash)
		s.storage[addr] = slots
	}
	slots[slot] = value
}

// StorageOf returns a copy of all locally written slots of addr.
func (s *State) StorageOf(addr common.Address) map[common.Hash]common.Hash {
	slots := s.storage[addr]
	cpy := make(map[common.Hash]common.Hash, len(slots))
	for k, v := range slots {
		cpy[k] = v
	}
	return cpy
}

// RemoveAccount deletes the account and all its storage.
func (s *State) RemoveAccount(addr common.Address) {
	delete(s.accounts, addr)
	delete(s.storage, addr)
}

// ForEachAccount iterates all materialized accounts in unspecified order,
// stopping early when cb returns false.
func (s *State) ForEachAccount(cb func(addr common.Address, acc AccountInfo) bool) {
	for addr, acc := range s.accounts {
		if !cb(addr, acc.Copy()) {
			return
		}
	}
}

// Copy returns a deep copy of the state.
func (s *State) Copy() *State {
	cpy := New()
	for addr, acc := range s.accounts {
		cpy.accounts[addr] = acc.Copy()
	}
	for addr, slots := range s.storage {
		m := make(map[common.Hash]common.Hash, len(slots))
		for k, v := range slots {
			m[k] = v
		}
		cpy.storage[addr] = m
	}
	for h, code := range s.code {
		cpy.code[h] = append([]byte(nil), code...)
	}
	return cpy
}

// Absorb copies addr's account and storage from other into s, overwriting or
// deleting as needed. Used to carry persistent accounts across a revert.
func (s *State) Absorb(addr common.Address, other *State) {
	if acc, ok := other.accounts[addr]; ok {
		s.accounts[addr] = acc.Copy()
		if len(acc.Code) > 0 {
			s.code[acc.CodeHash] = append([]byte(nil), acc.Code...)
		}
	} else {
		delete(s.accounts, addr)
	}
	if slots, ok := other.storage[addr]; ok {
		m := make(map[common.Hash]common.Hash, len(slots))
		for k, v := range slots {
			m[k] = v
		}
		s.storage[addr] = m
	} else {
		delete(s.storage, addr)
	}
}
