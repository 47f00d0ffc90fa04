// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package fork

import (
	"context"
	"net/url"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/state"
)

// Header is the subset of a remote block header needed to position a fork
// and rewrite the execution environment's block context.
type Header struct {
	Number    hexutil.Uint64 `json:"number"`
	Hash      common.Hash    `json:"hash"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
	GasLimit  hexutil.Uint64 `json:"gasLimit"`
	Miner     common.Address `json:"miner"`
	MixHash   common.Hash    `json:"mixHash"`
	BaseFee   *hexutil.Big   `json:"baseFeePerGas"`
}

// Transaction is the subset of a remote transaction needed to replay it
// through the interpreter when rolling a fork to a transaction.
type Transaction struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Nonce       hexutil.Uint64  `json:"nonce"`
	Gas         hexutil.Uint64  `json:"gas"`
	GasPrice    *hexutil.Big    `json:"gasPrice"`
	Value       *hexutil.Big    `json:"value"`
	Input       hexutil.Bytes   `json:"input"`
	BlockNumber *hexutil.Big    `json:"blockNumber"`
}

// Client is the remote chain client a fork pulls through. Implementations
// must be safe for concurrent use.
type Client interface {
	// AccountAt fetches balance, nonce and code of addr at the given block.
	AccountAt(ctx context.Context, addr common.Address, block uint64) (state.AccountInfo, error)
	// StorageAt fetches the word at (addr, slot) at the given block.
	StorageAt(ctx context.Context, addr common.Address, slot common.Hash, block uint64) (common.Hash, error)
	// HeaderByNumber fetches a block header. A nil number means latest.
	HeaderByNumber(ctx context.Context, number *uint64) (*Header, error)
	// BlockTransactions fetches the transactions of the given block in order.
	BlockTransactions(ctx context.Context, number uint64) ([]Transaction, error)
	// TransactionByHash locates a transaction and the block containing it.
	TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error)
	// ChainID fetches the remote chain id.
	ChainID(ctx context.Context) (uint64, error)
	// Close releases the underlying transport.
	Close()
}

// ValidateURL rejects endpoints a fork client cannot dial. This is the only
// failure CreateFork can produce; no connection is attempted here.
func ValidateURL(rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return errors.Wrap(err, "malformed fork url")
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.Errorf("malformed fork url %q: unsupported scheme %q", rawurl, u.Scheme)
	}
	if u.Host == "" {
		return errors.Errorf("malformed fork url %q: missing host", rawurl)
	}
	return nil
}

// lazyClient defers dialing until the first remote call, so registering a
// fork never contacts the endpoint (a websocket dial handshakes
// synchronously). A failed dial is not sticky; the next call retries it.
// Shared across backend clones of the same fork.
type lazyClient struct {
	dial func() (Client, error)

	mu     sync.Mutex
	client Client
}

func newLazyClient(dial func() (Client, error)) *lazyClient {
	return &lazyClient{dial: dial}
}

func (l *lazyClient) get() (Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		c, err := l.dial()
		if err != nil {
			return nil, err
		}
		l.client = c
	}
	return l.client, nil
}

// rpcClient implements Client over a JSON-RPC endpoint using the standard
// eth_ namespace.
type rpcClient struct {
	inner *rpc.Client
}

// Dial opens a JSON-RPC client for the endpoint. Websocket endpoints
// handshake here, which is why forks hold the client behind lazyClient.
func Dial(rawurl string) (Client, error) {
	if err := ValidateURL(rawurl); err != nil {
		return nil, err
	}
	inner, err := rpc.Dial(rawurl)
	if err != nil {
		return nil, errors.Wrap(err, "dial fork url")
	}
	return &rpcClient{inner: inner}, nil
}

func blockArg(block uint64) string {
	return hexutil.EncodeUint64(block)
}

func (c *rpcClient) AccountAt(ctx context.Context, addr common.Address, block uint64) (state.AccountInfo, error) {
	var (
		balance hexutil.Big
		nonce   hexutil.Uint64
		code    hexutil.Bytes
	)
	batch := []rpc.BatchElem{
		{Method: "eth_getBalance", Args: []any{addr, blockArg(block)}, Result: &balance},
		{Method: "eth_getTransactionCount", Args: []any{addr, blockArg(block)}, Result: &nonce},
		{Method: "eth_getCode", Args: []any{addr, blockArg(block)}, Result: &code},
	}
	if err := c.inner.BatchCallContext(ctx, batch); err != nil {
		return state.AccountInfo{}, errors.Wrap(err, "fetch account")
	}
	for _, elem := range batch {
		if elem.Error != nil {
			return state.AccountInfo{}, errors.Wrapf(elem.Error, "fetch account: %s", elem.Method)
		}
	}
	acc := state.NewAccountInfo()
	bal, overflow := uint256.FromBig(balance.ToInt())
	if overflow {
		return state.AccountInfo{}, errors.New("fetch account: balance overflows 256 bits")
	}
	acc.Balance = bal
	acc.Nonce = uint64(nonce)
	if len(code) > 0 {
		acc.Code = code
		acc.CodeHash = common.Hash{} // derived when stored
	}
	return acc, nil
}

func (c *rpcClient) StorageAt(ctx context.Context, addr common.Address, slot common.Hash, block uint64) (common.Hash, error) {
	var value hexutil.Bytes
	if err := c.inner.CallContext(ctx, &value, "eth_getStorageAt", addr, slot, blockArg(block)); err != nil {
		return common.Hash{}, errors.Wrap(err, "fetch storage")
	}
	return common.BytesToHash(value), nil
}

func (c *rpcClient) HeaderByNumber(ctx context.Context, number *uint64) (*Header, error) {
	arg := "latest"
	if number != nil {
		arg = blockArg(*number)
	}
	var header *Header
	if err := c.inner.CallContext(ctx, &header, "eth_getBlockByNumber", arg, false); err != nil {
		return nil, errors.Wrap(err, "fetch header")
	}
	if header == nil {
		return nil, errors.Errorf("fetch header: block %s not found", arg)
	}
	return header, nil
}

func (c *rpcClient) BlockTransactions(ctx context.Context, number uint64) ([]Transaction, error) {
	var block struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.inner.CallContext(ctx, &block, "eth_getBlockByNumber", blockArg(number), true); err != nil {
		return nil, errors.Wrap(err, "fetch block transactions")
	}
	return block.Transactions, nil
}

func (c *rpcClient) TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error) {
	var tx *Transaction
	if err := c.inner.CallContext(ctx, &tx, "eth_getTransactionByHash", hash); err != nil {
		return nil, errors.Wrap(err, "fetch transaction")
	}
	if tx == nil {
		return nil, errors.Errorf("fetch transaction: %s not found", hash)
	}
	return tx, nil
}

func (c *rpcClient) ChainID(ctx context.Context) (uint64, error) {
	var id hexutil.Uint64
	if err := c.inner.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return 0, errors.Wrap(err, "fetch chain id")
	}
	return uint64(id), nil
}

func (c *rpcClient) Close() {
	c.inner.Close()
}
