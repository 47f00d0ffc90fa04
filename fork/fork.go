// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package fork

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/hearthlabs/hearth/cache"
	"github.com/hearthlabs/hearth/log"
	"github.com/hearthlabs/hearth/metrics"
	"github.com/hearthlabs/hearth/state"
)

var (
	logger           = log.WithContext("pkg", "fork")
	metricRemoteCall = metrics.LazyLoad(func() metrics.CountMeter { return metrics.Counter("fork_remote_calls_total") })
	metricRetry      = metrics.LazyLoad(func() metrics.CountMeter { return metrics.Counter("fork_remote_retries_total") })
)

const (
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 3
	retryBackoff    = 200 * time.Millisecond

	txCacheLimit = 512
)

// Config is the logical identity of a fork: endpoint plus pinned block.
// Two forks sharing a Config share a memo cache.
type Config struct {
	URL   string
	Block uint64
}

func (c Config) String() string {
	return fmt.Sprintf("%s@%d", c.URL, c.Block)
}

// Fork positions a remote chain at one block and answers lookups through a
// memo cache. The client handle, cache and pool are shared across backend
// clones; the block pointer is private to each clone, so one clone rolling
// its fork never repositions a sibling's.
type Fork struct {
	url      string
	cli      *lazyClient
	pool     *Pool
	cache    *Cache
	block    uint64
	pinned   bool // false until a block is resolved from the remote
	timeout  time.Duration
	attempts int
	sf       *singleflight.Group
	// txCache holds confirmed transactions and block tx lists. They never
	// change with the block pointer, so the cache survives rolls and is
	// shared with clones, but stays bounded since tx bodies are large.
	txCache *cache.LRU
	// chainID is fetched once per endpoint; shared with clones.
	chainID *atomic.Uint64
}

func newFork(url string, cli *lazyClient, pool *Pool, block uint64, pinned bool) *Fork {
	txCache, _ := cache.NewLRU(txCacheLimit)
	f := &Fork{
		url:      url,
		cli:      cli,
		pool:     pool,
		block:    block,
		pinned:   pinned,
		timeout:  defaultTimeout,
		attempts: defaultAttempts,
		sf:       new(singleflight.Group),
		txCache:  txCache,
		chainID:  new(atomic.Uint64),
	}
	if pinned {
		f.cache = pool.Get(Config{URL: url, Block: block})
	}
	return f
}

// URL returns the remote endpoint.
func (f *Fork) URL() string { return f.url }

// Block returns the fork's current block pointer. It is zero until the fork
// is pinned, either explicitly or on first remote use.
func (f *Fork) Block() uint64 { return f.block }

// Pinned reports whether the block pointer has been resolved.
func (f *Fork) Pinned() bool { return f.pinned }

// Config returns the fork's logical identity.
func (f *Fork) Config() Config { return Config{URL: f.url, Block: f.block} }

// shallowCopy duplicates the fork for a backend clone: shared client handle,
// cache and pool, private block pointer.
func (f *Fork) shallowCopy() *Fork {
	cpy := *f
	cpy.sf = new(singleflight.Group)
	return &cpy
}

// retry runs fn up to the attempt budget with a flat backoff between tries.
func (f *Fork) retry(op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < f.attempts; attempt++ {
		if attempt > 0 {
			metricRetry().Add(1)
			time.Sleep(retryBackoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		metricRemoteCall().Add(1)
		err = fn(ctx)
		cancel()
		if err == nil {
			return nil
		}
		logger.Debug("remote call failed", "op", op, "attempt", attempt+1, "err", err)
	}
	return errors.Wrapf(err, "%s (%d attempts)", op, f.attempts)
}

// ensurePinned resolves the fork's block pointer from the remote chain head
// when the fork was created without one.
func (f *Fork) ensurePinned() error {
	if f.pinned {
		return nil
	}
	var header *Header
	err := f.retry("resolve latest block", func(ctx context.Context) error {
		client, err := f.cli.get()
		if err != nil {
			return err
		}
		h, err := client.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		header = h
		return nil
	})
	if err != nil {
		return err
	}
	f.pin(uint64(header.Number))
	f.cache.PutHeader(header)
	return nil
}

func (f *Fork) pin(block uint64) {
	f.block = block
	f.pinned = true
	f.cache = f.pool.Get(Config{URL: f.url, Block: block})
	logger.Debug("fork pinned", "url", f.url, "block", block)
}

// unpin returns the fork to its created-at-head state: the next remote use
// resolves the chain head again. Used when reverting to a snapshot taken
// before the fork was pinned.
func (f *Fork) unpin() {
	f.block = 0
	f.pinned = false
	f.cache = nil
	logger.Debug("fork unpinned", "url", f.url)
}

// Basic returns the account at addr on the fork, memoizing the result.
func (f *Fork) Basic(addr common.Address) (state.AccountInfo, error) {
	if err := f.ensurePinned(); err != nil {
		return state.AccountInfo{}, err
	}
	if acc, ok := f.cache.GetAccount(addr); ok {
		return acc, nil
	}
	v, err, _ := f.sf.Do("acct:"+addr.Hex(), func() (any, error) {
		var acc state.AccountInfo
		err := f.retry("fetch account", func(ctx context.Context) error {
			client, err := f.cli.get()
			if err != nil {
				return err
			}
			fetched, err := client.AccountAt(ctx, addr, f.block)
			if err != nil {
				return err
			}
			acc = fetched
			return nil
		})
		if err != nil {
			return nil, err
		}
		// the client leaves the code hash underived; callers and the memo
		// table must see the same normalized account
		acc.Normalize()
		f.cache.PutAccount(addr, acc)
		return acc, nil
	})
	if err != nil {
		return state.AccountInfo{}, err
	}
	return v.(state.AccountInfo), nil
}

// Storage returns the word at (addr, slot) on the fork, memoizing the result.
func (f *Fork) Storage(addr common.Address, slot common.Hash) (common.Hash, error) {
	if err := f.ensurePinned(); err != nil {
		return common.Hash{}, err
	}
	if v, ok := f.cache.GetStorage(addr, slot); ok {
		return v, nil
	}
	v, err, _ := f.sf.Do("slot:"+addr.Hex()+slot.Hex(), func() (any, error) {
		var word common.Hash
		err := f.retry("fetch storage", func(ctx context.Context) error {
			client, err := f.cli.get()
			if err != nil {
				return err
			}
			fetched, err := client.StorageAt(ctx, addr, slot, f.block)
			if err != nil {
				return err
			}
			word = fetched
			return nil
		})
		if err != nil {
			return common.Hash{}, err
		}
		f.cache.PutStorage(addr, slot, word)
		return word, nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return v.(common.Hash), nil
}

// BlockHash returns the hash of the given block number on the fork.
func (f *Fork) BlockHash(number uint64) (common.Hash, error) {
	if err := f.ensurePinned(); err != nil {
		return common.Hash{}, err
	}
	if h, ok := f.cache.GetBlockHash(number); ok {
		return h, nil
	}
	v, err, _ := f.sf.Do(fmt.Sprintf("bh:%d", number), func() (any, error) {
		var hash common.Hash
		err := f.retry("fetch block hash", func(ctx context.Context) error {
			client, err := f.cli.get()
			if err != nil {
				return err
			}
			header, err := client.HeaderByNumber(ctx, &number)
			if err != nil {
				return err
			}
			hash = header.Hash
			return nil
		})
		if err != nil {
			return common.Hash{}, err
		}
		f.cache.PutBlockHash(number, hash)
		return hash, nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return v.(common.Hash), nil
}

// CodeByHash returns code memoized from earlier account fetches. There is no
// remote query by code hash, so absence is final.
func (f *Fork) CodeByHash(hash common.Hash) ([]byte, bool) {
	if f.cache == nil {
		return nil, false
	}
	return f.cache.CodeByHash(hash)
}

// Header returns the fork's own block header (for block-context rewrites),
// memoized alongside the account and storage entries.
func (f *Fork) Header() (*Header, error) {
	if err := f.ensurePinned(); err != nil {
		return nil, err
	}
	if h, ok := f.cache.GetHeader(); ok {
		return h, nil
	}
	var header *Header
	err := f.retry("fetch fork header", func(ctx context.Context) error {
		client, err := f.cli.get()
		if err != nil {
			return err
		}
		h, err := client.HeaderByNumber(ctx, &f.block)
		if err != nil {
			return err
		}
		header = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	f.cache.PutHeader(header)
	return header, nil
}

// ChainID returns the remote chain id, fetched once per endpoint.
func (f *Fork) ChainID() (uint64, error) {
	if id := f.chainID.Load(); id != 0 {
		return id, nil
	}
	var id uint64
	err := f.retry("fetch chain id", func(ctx context.Context) error {
		client, err := f.cli.get()
		if err != nil {
			return err
		}
		fetched, err := client.ChainID(ctx)
		if err != nil {
			return err
		}
		id = fetched
		return nil
	})
	if err != nil {
		return 0, err
	}
	f.chainID.Store(id)
	return id, nil
}

// Roll repositions the fork at the target block. The memo cache is swapped
// for the target block's instance, dropping every entry keyed to the old one.
func (f *Fork) Roll(target uint64) {
	f.pin(target)
}

// blockTxsKey keys a block's tx list in the tx cache, distinct from the
// common.Hash keys of single transactions.
type blockTxsKey uint64

// TransactionByHash locates a transaction on the remote chain.
func (f *Fork) TransactionByHash(hash common.Hash) (*Transaction, error) {
	if v, ok := f.txCache.Get(hash); ok {
		return v.(*Transaction), nil
	}
	var tx *Transaction
	err := f.retry("fetch transaction", func(ctx context.Context) error {
		client, err := f.cli.get()
		if err != nil {
			return err
		}
		fetched, err := client.TransactionByHash(ctx, hash)
		if err != nil {
			return err
		}
		tx = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	if tx.BlockNumber != nil {
		// pending txs can still move; only confirmed ones are cacheable
		f.txCache.Add(hash, tx)
	}
	return tx, nil
}

// BlockTransactions returns the ordered transactions of the given block.
func (f *Fork) BlockTransactions(number uint64) ([]Transaction, error) {
	v, err := f.txCache.GetOrLoad(blockTxsKey(number), func(any) (any, error) {
		var txs []Transaction
		err := f.retry("fetch block transactions", func(ctx context.Context) error {
			client, err := f.cli.get()
			if err != nil {
				return err
			}
			fetched, err := client.BlockTransactions(ctx, number)
			if err != nil {
				return err
			}
			txs = fetched
			return nil
		})
		if err != nil {
			return nil, err
		}
		return txs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Transaction), nil
}
