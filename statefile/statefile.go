// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package statefile reads and writes the JSON snapshot of backend state that
// can be loaded at startup. A loaded state plus offline mode guarantees zero
// outbound network calls.
package statefile

import (
	"encoding/json"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/state"
)

// Account is one serialized account record.
type Account struct {
	Balance *hexutil.Big                `json:"balance"`
	Nonce   hexutil.Uint64              `json:"nonce"`
	Code    hexutil.Bytes               `json:"code,omitempty"`
	Storage map[common.Hash]common.Hash `json:"storage,omitempty"`
}

// ForkMeta records the fork a state was captured against.
type ForkMeta struct {
	URL   string `json:"url"`
	Block uint64 `json:"block"`
}

// File is the on-disk document: address -> account, plus optional fork metadata.
type File struct {
	Accounts map[common.Address]Account `json:"accounts"`
	Fork     *ForkMeta                  `json:"fork,omitempty"`
}

// Load reads and decodes a state file. Any decode failure is fatal to node
// startup, so the error carries the path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read state file %s", path)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "malformed state file %s", path)
	}
	return &f, nil
}

// Write encodes the file as indented JSON at path.
func (f *File) Write(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode state file")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write state file %s", path)
	}
	return nil
}

// ApplyTo materializes every recorded account and storage slot in st.
func (f *File) ApplyTo(st *state.State) error {
	for addr, rec := range f.Accounts {
		acc := state.NewAccountInfo()
		if rec.Balance != nil {
			bal, overflow := uint256.FromBig(rec.Balance.ToInt())
			if overflow {
				return errors.Errorf("account %s: balance overflows 256 bits", addr)
			}
			acc.Balance = bal
		}
		acc.Nonce = uint64(rec.Nonce)
		if len(rec.Code) > 0 {
			acc.Code = rec.Code
			acc.CodeHash = common.Hash{}
		}
		st.SetAccount(addr, acc)
		for slot, value := range rec.Storage {
			st.SetStorage(addr, slot, value)
		}
	}
	return nil
}

// FromState captures st (and optional fork metadata) as a writable File.
func FromState(st *state.State, fork *ForkMeta) *File {
	f := &File{
		Accounts: make(map[common.Address]Account),
		Fork:     fork,
	}
	st.ForEachAccount(func(addr common.Address, acc state.AccountInfo) bool {
		rec := Account{
			Balance: (*hexutil.Big)(acc.Balance.ToBig()),
			Nonce:   hexutil.Uint64(acc.Nonce),
			Code:    acc.Code,
		}
		if slots := st.StorageOf(addr); len(slots) > 0 {
			rec.Storage = slots
		}
		f.Accounts[addr] = rec
		return true
	})
	return f
}
