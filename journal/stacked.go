// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package journal

// Getter supplies values for keys not written at any level.
type Getter[K comparable, V any] func(key K) (V, bool)

// Entry records one Put operation.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

type level[K comparable, V any] struct {
	kvs     map[K]V
	entries []Entry[K, V]
}

// Stacked maintains key/value maps in a stack. Each level inherits the
// key/value pairs of the levels below it, giving save/restore semantics:
// popping a level reverts every Put made since the matching push.
type Stacked[K comparable, V any] struct {
	src       Getter[K, V]
	levels    []*level[K, V]
	revisions map[K][]int
}

// NewStacked creates a stacked map reading through to src on miss.
func NewStacked[K comparable, V any](src Getter[K, V]) *Stacked[K, V] {
	return &Stacked[K, V]{
		src:       src,
		revisions: make(map[K][]int),
	}
}

// Depth returns the current number of levels.
func (s *Stacked[K, V]) Depth() int {
	return len(s.levels)
}

// Push adds a level and returns the depth before the push.
func (s *Stacked[K, V]) Push() int {
	s.levels = append(s.levels, &level[K, V]{kvs: make(map[K]V)})
	return len(s.levels) - 1
}

// Pop discards the top level, reverting all Put operations since the last Push.
func (s *Stacked[K, V]) Pop() {
	top := s.levels[len(s.levels)-1]
	for key := range top.kvs {
		revs := s.revisions[key]
		revs = revs[:len(revs)-1]
		if len(revs) == 0 {
			delete(s.revisions, key)
		} else {
			s.revisions[key] = revs
		}
	}
	s.levels = s.levels[:len(s.levels)-1]
}

// PopTo pops levels until the depth reaches depth.
func (s *Stacked[K, V]) PopTo(depth int) {
	for len(s.levels) > depth {
		s.Pop()
	}
}

// Get returns the value most recently Put for key, falling back to the source.
func (s *Stacked[K, V]) Get(key K) (V, bool) {
	if revs, ok := s.revisions[key]; ok {
		lvl := s.levels[revs[len(revs)-1]]
		if v, ok := lvl.kvs[key]; ok {
			return v, true
		}
	}
	if s.src != nil {
		return s.src(key)
	}
	var zero V
	return zero, false
}

// Put writes key/value at the top level. It panics if the stack is empty.
func (s *Stacked[K, V]) Put(key K, value V) {
	top := s.levels[len(s.levels)-1]
	// one revision per key per level: Pop drops exactly one per key it holds
	if _, written := top.kvs[key]; !written {
		s.revisions[key] = append(s.revisions[key], len(s.levels)-1)
	}
	top.kvs[key] = value
	top.entries = append(top.entries, Entry[K, V]{key, value})
}

// Journal invokes cb with every Put recorded across all levels, oldest first,
// stopping early when cb returns false.
func (s *Stacked[K, V]) Journal(cb func(key K, value V) bool) {
	for _, lvl := range s.levels {
		for _, e := range lvl.entries {
			if !cb(e.Key, e.Value) {
				return
			}
		}
	}
}

// Copy returns a deep copy sharing only the read-through source.
func (s *Stacked[K, V]) Copy() *Stacked[K, V] {
	cpy := &Stacked[K, V]{
		src:       s.src,
		levels:    make([]*level[K, V], 0, len(s.levels)),
		revisions: make(map[K][]int, len(s.revisions)),
	}
	for _, lvl := range s.levels {
		kvs := make(map[K]V, len(lvl.kvs))
		for k, v := range lvl.kvs {
			kvs[k] = v
		}
		cpy.levels = append(cpy.levels, &level[K, V]{
			kvs:     kvs,
			entries: append([]Entry[K, V](nil), lvl.entries...),
		})
	}
	for k, revs := range s.revisions {
		cpy.revisions[k] = append([]int(nil), revs...)
	}
	return cpy
}
