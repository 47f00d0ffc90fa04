// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package cache

import lru "github.com/hashicorp/golang-lru"

// LRU is a bounded cache with a load-through helper.
type LRU struct {
	*lru.Cache
}

// NewLRU creates an LRU cache holding at most maxSize entries.
// maxSize should be > 0, or an error is returned.
func NewLRU(maxSize int) (*LRU, error) {
	c, err := lru.New(maxSize)
	if err != nil {
		return nil, err
	}
	return &LRU{c}, nil
}

// Loader loads the value for key on cache miss.
type Loader func(key any) (any, error)

// GetOrLoad returns the cached value for key, invoking loader and caching
// its result on miss. Load errors are not cached.
func (l *LRU) GetOrLoad(key any, loader Loader) (any, error) {
	if v, ok := l.Get(key); ok {
		return v, nil
	}
	v, err := loader(key)
	if err != nil {
		return nil, err
	}
	l.Add(key, v)
	return v, nil
}
