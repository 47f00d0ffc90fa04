// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package fork

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hearthlabs/hearth/metrics"
	"github.com/hearthlabs/hearth/state"
)

var (
	metricCacheHit = metrics.LazyLoad(func() metrics.CountVecMeter { return metrics.CounterVec("fork_cache_total", []string{"result"}) })
	labelsHit      = map[string]string{"result": "hit"}
	labelsMiss     = map[string]string{"result": "miss"}
)

type storageKey struct {
	addr common.Address
	slot common.Hash
}

// Cache memoizes remote lookups for one (endpoint, block) pair. Entries are
// never invalidated: a fork rolling to a different block switches to another
// Cache instance instead (see Pool). Accounts confirmed absent are memoized
// as empty accounts, so repeated misses cost a single remote query.
//
// A Cache is shared by every backend clone positioned at the same block, so
// all accessors lock.
type Cache struct {
	mu          sync.RWMutex
	block       uint64
	header      *Header
	accounts    map[common.Address]state.AccountInfo
	storage     map[storageKey]common.Hash
	blockHashes map[uint64]common.Hash
	code        map[common.Hash][]byte
}

// NewCache creates an empty memo table pinned to the given block.
func NewCache(block uint64) *Cache {
	return &Cache{
		block:       block,
		accounts:    make(map[common.Address]state.AccountInfo),
		storage:     make(map[storageKey]common.Hash),
		blockHashes: make(map[uint64]common.Hash),
		code:        make(map[common.Hash][]byte),
	}
}

// Block returns the block every entry is keyed to.
func (c *Cache) Block() uint64 { return c.block }

// GetAccount returns the memoized account for addr.
func (c *Cache) GetAccount(addr common.Address) (state.AccountInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if acc, ok := c.accounts[addr]; ok {
		metricCacheHit().AddWithLabel(1, labelsHit)
		return acc.Copy(), true
	}
	metricCacheHit().AddWithLabel(1, labelsMiss)
	return state.AccountInfo{}, false
}

// PutAccount memoizes the fetched account, indexing its code by hash.
func (c *Cache) PutAccount(addr common.Address, acc state.AccountInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acc = acc.Copy()
	acc.Normalize()
	if len(acc.Code) > 0 {
		c.code[acc.CodeHash] = acc.Code
	}
	c.accounts[addr] = acc
}

// GetStorage returns the memoized word at (addr, slot).
func (c *Cache) GetStorage(addr common.Address, slot common.Hash) (common.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.storage[storageKey{addr, slot}]
	if ok {
		metricCacheHit().AddWithLabel(1, labelsHit)
	} else {
		metricCacheHit().AddWithLabel(1, labelsMiss)
	}
	return v, ok
}

// PutStorage memoizes the fetched word, zero values included ("confirmed absent").
func (c *Cache) PutStorage(addr common.Address, slot common.Hash, value common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storage[storageKey{addr, slot}] = value
}

// GetHeader returns the memoized header of the pinned block.
func (c *Cache) GetHeader() (*Header, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.header == nil {
		return nil, false
	}
	cpy := *c.header
	return &cpy, true
}

// PutHeader memoizes the pinned block's header.
func (c *Cache) PutHeader(header *Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cpy := *header
	c.header = &cpy
}

// GetBlockHash returns the memoized hash of the given block number.
func (c *Cache) GetBlockHash(number uint64) (common.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.blockHashes[number]
	return h, ok
}

// PutBlockHash memoizes a block hash.
func (c *Cache) PutBlockHash(number uint64, hash common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockHashes[number] = hash
}

// CodeByHash returns code previously fetched as part of an account lookup.
func (c *Cache) CodeByHash(hash common.Hash) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	code, ok := c.code[hash]
	return code, ok
}

// Pool shares Cache instances across backend clones, keyed by logical fork
// identity (endpoint + block). Rolling a fork swaps its Cache for the target
// block's instance, so entries keyed to the old block drop out of the fork's
// view while clones still pinned there keep theirs.
type Pool struct {
	mu     sync.Mutex
	caches map[Config]*Cache
}

// NewPool creates an empty cache pool.
func NewPool() *Pool {
	return &Pool{caches: make(map[Config]*Cache)}
}

// Get returns the cache for cfg, creating it on first use.
func (p *Pool) Get(cfg Config) *Cache {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.caches[cfg]; ok {
		return c
	}
	c := NewCache(cfg.Block)
	p.caches[cfg] = c
	return c
}
