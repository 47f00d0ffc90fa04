// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package evm

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BlockEnv is the block context a transaction executes in. Selecting or
// rolling a fork rewrites it from the fork's block header.
type BlockEnv struct {
	Number     uint64
	Timestamp  uint64
	Coinbase   common.Address
	GasLimit   uint64
	BaseFee    *uint256.Int
	PrevRandao common.Hash
}

// TxEnv is the transaction context.
type TxEnv struct {
	Origin   common.Address
	To       *common.Address // nil means contract creation
	Nonce    uint64
	GasLimit uint64
	GasPrice *uint256.Int
	Value    *uint256.Int
	Data     []byte
}

// Env is the execution environment captured by snapshots and refreshed per
// copy-on-write call.
type Env struct {
	ChainID uint64
	Block   BlockEnv
	Tx      TxEnv
}

// Copy returns a deep copy of the environment.
func (e *Env) Copy() *Env {
	cpy := *e
	if e.Block.BaseFee != nil {
		cpy.Block.BaseFee = new(uint256.Int).Set(e.Block.BaseFee)
	}
	if e.Tx.GasPrice != nil {
		cpy.Tx.GasPrice = new(uint256.Int).Set(e.Tx.GasPrice)
	}
	if e.Tx.Value != nil {
		cpy.Tx.Value = new(uint256.Int).Set(e.Tx.Value)
	}
	if e.Tx.To != nil {
		to := *e.Tx.To
		cpy.Tx.To = &to
	}
	if e.Tx.Data != nil {
		cpy.Tx.Data = append([]byte(nil), e.Tx.Data...)
	}
	return &cpy
}
