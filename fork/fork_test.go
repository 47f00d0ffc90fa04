// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package fork_test

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearth/fork"
	"github.com/hearthlabs/hearth/state"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	slot1 = common.BytesToHash([]byte{1})
)

// fakeClient serves scripted per-block chain data and counts remote calls.
type fakeClient struct {
	mu       sync.Mutex
	head     uint64
	balances map[uint64]map[common.Address]uint64 // block -> addr -> balance
	codes    map[uint64]map[common.Address][]byte
	storage  map[uint64]map[common.Address]map[common.Hash]common.Hash
	txs      map[uint64][]fork.Transaction
	err      error
	calls    int
}

func newFakeClient(head uint64) *fakeClient {
	return &fakeClient{
		head:     head,
		balances: make(map[uint64]map[common.Address]uint64),
		codes:    make(map[uint64]map[common.Address][]byte),
		storage:  make(map[uint64]map[common.Address]map[common.Hash]common.Hash),
		txs:      make(map[uint64][]fork.Transaction),
	}
}

func (c *fakeClient) setBalance(block uint64, addr common.Address, balance uint64) {
	if c.balances[block] == nil {
		c.balances[block] = make(map[common.Address]uint64)
	}
	c.balances[block][addr] = balance
}

func (c *fakeClient) setCode(block uint64, addr common.Address, code []byte) {
	if c.codes[block] == nil {
		c.codes[block] = make(map[common.Address][]byte)
	}
	c.codes[block][addr] = code
}

func (c *fakeClient) setStorage(block uint64, addr common.Address, slot, value common.Hash) {
	if c.storage[block] == nil {
		c.storage[block] = make(map[common.Address]map[common.Hash]common.Hash)
	}
	if c.storage[block][addr] == nil {
		c.storage[block][addr] = make(map[common.Hash]common.Hash)
	}
	c.storage[block][addr][slot] = value
}

func (c *fakeClient) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeClient) AccountAt(_ context.Context, addr common.Address, block uint64) (state.AccountInfo, error) {
	if err := c.begin(); err != nil {
		return state.AccountInfo{}, err
	}
	acc := state.NewAccountInfo()
	acc.Balance = uint256.NewInt(c.balances[block][addr])
	if code := c.codes[block][addr]; len(code) > 0 {
		// like the real client: code without its hash derived
		acc.Code = code
		acc.CodeHash = common.Hash{}
	}
	return acc, nil
}

func (c *fakeClient) StorageAt(_ context.Context, addr common.Address, slot common.Hash, block uint64) (common.Hash, error) {
	if err := c.begin(); err != nil {
		return common.Hash{}, err
	}
	return c.storage[block][addr][slot], nil
}

func (c *fakeClient) HeaderByNumber(_ context.Context, number *uint64) (*fork.Header, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	n := c.head
	if number != nil {
		n = *number
	}
	return &fork.Header{
		Number:    hexutil.Uint64(n),
		Hash:      common.BytesToHash([]byte{byte(n)}),
		Timestamp: hexutil.Uint64(1_700_000_000 + n),
		GasLimit:  hexutil.Uint64(30_000_000),
	}, nil
}

func (c *fakeClient) BlockTransactions(_ context.Context, number uint64) ([]fork.Transaction, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	return c.txs[number], nil
}

func (c *fakeClient) TransactionByHash(_ context.Context, hash common.Hash) (*fork.Transaction, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	for _, txs := range c.txs {
		for i := range txs {
			if txs[i].Hash == hash {
				return &txs[i], nil
			}
		}
	}
	return nil, errors.Errorf("tx %s not found", hash)
}

func (c *fakeClient) ChainID(context.Context) (uint64, error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *fakeClient) Close() {}

// dialer validates like the real dialer but hands out the given fake.
func dialer(client *fakeClient) func(string) (fork.Client, error) {
	return func(url string) (fork.Client, error) {
		if err := fork.ValidateURL(url); err != nil {
			return nil, err
		}
		return client, nil
	}
}

func pinned(block uint64) *uint64 { return &block }

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://rpc.example", true},
		{"http://localhost:8545", true},
		{"ws://localhost:8546", true},
		{"wss://rpc.example/ws", true},
		{"ftp://rpc.example", false},
		{"rpc.example", false},
		{"http://", false},
		{"://nope", false},
	}
	for _, test := range tests {
		err := fork.ValidateURL(test.url)
		if test.ok {
			assert.NoError(t, err, test.url)
		} else {
			assert.Error(t, err, test.url)
		}
	}
}

func TestRegistryLifecycle(t *testing.T) {
	client := newFakeClient(100)
	r := fork.NewRegistry(dialer(client))

	_, err := r.Create("ftp://bad", nil)
	assert.Error(t, err)

	id1, err := r.Create("https://rpc.example", pinned(50))
	require.NoError(t, err)
	id2, err := r.Create("https://rpc.example", pinned(60))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Greater(t, uint64(id2), uint64(id1))

	// no eager remote contact on create
	assert.Equal(t, 0, client.callCount())

	_, err = r.Select(fork.ID(999))
	assert.ErrorIs(t, err, fork.ErrUnknownFork)

	_, ok := r.ActiveID()
	assert.False(t, ok)
	_, err = r.Ensure(nil)
	assert.ErrorIs(t, err, fork.ErrNoActiveFork)

	_, err = r.Select(id1)
	require.NoError(t, err)
	active, ok := r.ActiveID()
	assert.True(t, ok)
	assert.Equal(t, id1, active)

	got, err := r.Ensure(nil)
	require.NoError(t, err)
	assert.Equal(t, id1, got)

	got, err = r.Ensure(&id2)
	require.NoError(t, err)
	assert.Equal(t, id2, got)

	bad := fork.ID(999)
	_, err = r.Ensure(&bad)
	assert.ErrorIs(t, err, fork.ErrUnknownFork)
}

func TestForkMemoizesLookups(t *testing.T) {
	client := newFakeClient(100)
	client.setBalance(50, addrA, 1234)
	client.setStorage(50, addrA, slot1, common.BytesToHash([]byte{0x2a}))

	r := fork.NewRegistry(dialer(client))
	id, err := r.Create("https://rpc.example", pinned(50))
	require.NoError(t, err)
	f, err := r.Get(id)
	require.NoError(t, err)

	acc, err := f.Basic(addrA)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), acc.Balance.Uint64())
	calls := client.callCount()

	acc, err = f.Basic(addrA)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), acc.Balance.Uint64())
	assert.Equal(t, calls, client.callCount(), "second lookup must be served from the memo table")

	v, err := f.Storage(addrA, slot1)
	require.NoError(t, err)
	assert.Equal(t, common.BytesToHash([]byte{0x2a}), v)
	calls = client.callCount()
	_, err = f.Storage(addrA, slot1)
	require.NoError(t, err)
	assert.Equal(t, calls, client.callCount())
}

func TestForkMemoizesConfirmedAbsence(t *testing.T) {
	client := newFakeClient(100)
	r := fork.NewRegistry(dialer(client))
	id, _ := r.Create("https://rpc.example", pinned(50))
	f, _ := r.Get(id)

	// addrA does not exist at block 50; the empty result is memoized
	acc, err := f.Basic(addrA)
	require.NoError(t, err)
	assert.True(t, acc.IsEmpty())
	calls := client.callCount()

	_, err = f.Basic(addrA)
	require.NoError(t, err)
	assert.Equal(t, calls, client.callCount())

	// zero storage words are memoized too
	v, err := f.Storage(addrA, slot1)
	require.NoError(t, err)
	assert.Equal(t, common.Hash{}, v)
	calls = client.callCount()
	_, err = f.Storage(addrA, slot1)
	require.NoError(t, err)
	assert.Equal(t, calls, client.callCount())
}

func TestForkRollSwitchesCache(t *testing.T) {
	client := newFakeClient(100)
	client.setBalance(50, addrA, 1)
	client.setBalance(60, addrA, 2)

	r := fork.NewRegistry(dialer(client))
	id, _ := r.Create("https://rpc.example", pinned(50))
	f, _ := r.Get(id)

	acc, err := f.Basic(addrA)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acc.Balance.Uint64())

	f.Roll(60)
	assert.Equal(t, uint64(60), f.Block())
	acc, err = f.Basic(addrA)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), acc.Balance.Uint64())

	// rolling back reuses the block-50 memo table: no new remote call
	f.Roll(50)
	calls := client.callCount()
	acc, err = f.Basic(addrA)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acc.Balance.Uint64())
	assert.Equal(t, calls, client.callCount())
}

func TestForkPinsAtHeadOnFirstUse(t *testing.T) {
	client := newFakeClient(777)
	r := fork.NewRegistry(dialer(client))
	id, _ := r.Create("https://rpc.example", nil)
	f, _ := r.Get(id)

	assert.False(t, f.Pinned())
	assert.Equal(t, 0, client.callCount())

	_, err := f.Basic(addrA)
	require.NoError(t, err)
	assert.True(t, f.Pinned())
	assert.Equal(t, uint64(777), f.Block())
}

func TestRegistryCloneSharesCachesNotPointers(t *testing.T) {
	client := newFakeClient(100)
	client.setBalance(50, addrA, 5)
	client.setBalance(60, addrA, 6)

	r := fork.NewRegistry(dialer(client))
	id, _ := r.Create("https://rpc.example", pinned(50))
	_, err := r.Select(id)
	require.NoError(t, err)

	base, _ := r.Get(id)
	_, err = base.Basic(addrA)
	require.NoError(t, err)

	cloned := r.Clone()
	clonedFork, err := cloned.Get(id)
	require.NoError(t, err)

	// the clone's lookup at the same block hits the shared memo table
	calls := client.callCount()
	acc, err := clonedFork.Basic(addrA)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), acc.Balance.Uint64())
	assert.Equal(t, calls, client.callCount())

	// rolling the clone's fork leaves the base pointer alone
	clonedFork.Roll(60)
	assert.Equal(t, uint64(60), clonedFork.Block())
	assert.Equal(t, uint64(50), base.Block())
}

func TestForkRemoteFailureSurfaces(t *testing.T) {
	client := newFakeClient(100)
	client.err = errors.New("connection refused")

	r := fork.NewRegistry(dialer(client))
	id, _ := r.Create("https://rpc.example", pinned(50))
	f, _ := r.Get(id)

	_, err := f.Basic(addrA)
	assert.ErrorContains(t, err, "connection refused")

	// the backend stays usable: clearing the fault heals lookups
	client.mu.Lock()
	client.err = nil
	client.mu.Unlock()
	_, err = f.Basic(addrA)
	assert.NoError(t, err)
}

func TestBlockPointersRoundtrip(t *testing.T) {
	client := newFakeClient(100)
	r := fork.NewRegistry(dialer(client))
	id1, _ := r.Create("https://rpc.example", pinned(50))
	id2, _ := r.Create("https://rpc.example", pinned(60))

	captured := r.BlockPointers()
	assert.Equal(t, map[fork.ID]fork.BlockPointer{
		id1: {Block: 50, Pinned: true},
		id2: {Block: 60, Pinned: true},
	}, captured)

	f1, _ := r.Get(id1)
	f1.Roll(55)
	r.RestoreBlockPointers(captured)
	assert.Equal(t, uint64(50), f1.Block())
}

func TestRestoreBlockPointersUnpins(t *testing.T) {
	client := newFakeClient(100)
	r := fork.NewRegistry(dialer(client))
	id, _ := r.Create("https://rpc.example", nil)
	f, _ := r.Get(id)

	// captured before the fork ever touched the remote
	captured := r.BlockPointers()
	assert.Equal(t, map[fork.ID]fork.BlockPointer{id: {}}, captured)

	_, err := f.Basic(addrA)
	require.NoError(t, err)
	require.True(t, f.Pinned())

	// restoring returns the fork to its created-at-head state
	r.RestoreBlockPointers(captured)
	assert.False(t, f.Pinned())
	assert.Equal(t, uint64(0), f.Block())

	// and the next use resolves the chain head again
	client.mu.Lock()
	client.head = 200
	client.mu.Unlock()
	_, err = f.Basic(addrA)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), f.Block())
}

func TestForkCachesConfirmedTransactions(t *testing.T) {
	txHash := common.BytesToHash([]byte{0xee})
	blockNum := (*hexutil.Big)(uint256.NewInt(70).ToBig())

	client := newFakeClient(100)
	client.txs[70] = []fork.Transaction{
		{Hash: txHash, Nonce: 2, Gas: 42000, BlockNumber: blockNum},
	}

	r := fork.NewRegistry(dialer(client))
	id, _ := r.Create("https://rpc.example", pinned(50))
	f, _ := r.Get(id)

	tx, err := f.TransactionByHash(txHash)
	require.NoError(t, err)
	assert.Equal(t, txHash, tx.Hash)
	calls := client.callCount()

	_, err = f.TransactionByHash(txHash)
	require.NoError(t, err)
	assert.Equal(t, calls, client.callCount())

	txs, err := f.BlockTransactions(70)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	calls = client.callCount()

	// tx lists survive rolls: confirmed chain data does not move with the
	// block pointer
	f.Roll(60)
	_, err = f.BlockTransactions(70)
	require.NoError(t, err)
	assert.Equal(t, calls, client.callCount())
}

func TestForkNormalizesFetchedCode(t *testing.T) {
	code := []byte{0x60, 0x0a, 0x60, 0x0c, 0x60, 0x00, 0x39}
	client := newFakeClient(100)
	client.setBalance(50, addrA, 7)
	client.setCode(50, addrA, code)

	r := fork.NewRegistry(dialer(client))
	id, _ := r.Create("https://rpc.example", pinned(50))
	f, _ := r.Get(id)

	// the very first fetch must already carry the derived code hash, so the
	// interpreter's follow-up code lookup resolves
	acc, err := f.Basic(addrA)
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash(code), acc.CodeHash)
	assert.Equal(t, code, acc.Code)

	got, ok := f.CodeByHash(acc.CodeHash)
	assert.True(t, ok)
	assert.Equal(t, code, got)

	// the memoized copy is identical to the first result
	again, err := f.Basic(addrA)
	require.NoError(t, err)
	assert.Equal(t, acc, again)
}

func TestRegistryCreateDoesNotDial(t *testing.T) {
	var dials int
	fail := errors.New("handshake failed")
	r := fork.NewRegistry(func(url string) (fork.Client, error) {
		dials++
		return nil, fail
	})

	// an unreachable endpoint must not fail registration
	id, err := r.Create("wss://unreachable.example", pinned(50))
	require.NoError(t, err)
	assert.Equal(t, 0, dials)

	// a malformed URL still fails without dialing
	_, err = r.Create("ftp://bad", nil)
	assert.Error(t, err)
	assert.Equal(t, 0, dials)

	// the dial failure surfaces at first remote use instead
	f, _ := r.Get(id)
	_, err = f.Basic(addrA)
	assert.ErrorContains(t, err, "handshake failed")
	assert.Greater(t, dials, 0)
}

func TestForkChainIDFetchedOnce(t *testing.T) {
	client := newFakeClient(100)
	r := fork.NewRegistry(dialer(client))
	id, _ := r.Create("https://rpc.example", pinned(50))
	f, _ := r.Get(id)

	cid, err := f.ChainID()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cid)
	calls := client.callCount()

	_, err = f.ChainID()
	require.NoError(t, err)
	assert.Equal(t, calls, client.callCount())

	// clones inherit the memoized id
	clone, _ := r.Clone().Get(id)
	_, err = clone.ChainID()
	require.NoError(t, err)
	assert.Equal(t, calls, client.callCount())
}
