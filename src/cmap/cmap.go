// Package cmap contains a thread-safe concurrent awaitable map.
// It is optimised for large maps (e.g. tens of thousands of entries) in highly
// contended environments; for smaller maps another implementation may do better.
//
// It is specifically useful in cases where a caller wants to be able to await
// items entering the map (and not having to poll it to find out when another
// goroutine may insert them) — e.g. several goroutines independently hashing
// overlapping sets of declared inputs and wanting to dedup concurrent work on
// the same path.
package cmap

import (
	"fmt"
	"sync"
)

// DefaultShardCount is a reasonable default shard count for large maps.
const DefaultShardCount = 1 << 8

// A Map is the top-level map type. All functions on it are threadsafe.
// It should be constructed via New() rather than creating an instance directly.
type Map[K comparable, V any] struct {
	shards []shard[K, V]
	hasher func(K) uint64
	mask   uint64
}

// New creates a new Map using the given hasher to hash items in it.
// The shard count must be a power of 2; it will panic if not.
func New[K comparable, V any](shardCount uint64, hasher func(K) uint64) *Map[K, V] {
	mask := shardCount - 1
	if shardCount&mask != 0 {
		panic(fmt.Sprintf("shard count %d is not a power of 2", shardCount))
	}
	m := &Map[K, V]{
		shards: make([]shard[K, V], shardCount),
		mask:   mask,
		hasher: hasher,
	}
	for i := range m.shards {
		m.shards[i].m = map[K]awaitableValue[V]{}
	}
	return m
}

func (m *Map[K, V]) shardFor(key K) *shard[K, V] {
	return &m.shards[m.hasher(key)&m.mask]
}

// Add inserts a value if the key is not already present.
// It returns true if the item was inserted, false if it already existed.
func (m *Map[K, V]) Add(key K, val V) bool {
	return m.shardFor(key).Add(key, val)
}

// Set unconditionally overwrites any value the key previously had.
func (m *Map[K, V]) Set(key K, val V) {
	m.shardFor(key).Set(key, val)
}

// Get returns the value for a key, or its zero value if not present.
func (m *Map[K, V]) Get(key K) V {
	v, _, _ := m.shardFor(key).GetOrWait(key)
	return v
}

// Contains reports whether key currently has a settled value, without
// creating a wait entry for it if absent (unlike Get/GetOrWait).
func (m *Map[K, V]) Contains(key K) bool {
	return m.shardFor(key).Contains(key)
}

// GetOrWait returns the value or, if the key isn't present, a channel that
// can be waited on for it to arrive. The caller must call GetOrWait again
// after the channel closes. first is true only for the caller that caused
// the wait channel to be created.
func (m *Map[K, V]) GetOrWait(key K) (val V, wait <-chan struct{}, first bool) {
	return m.shardFor(key).GetOrWait(key)
}

// Values returns a snapshot of all values currently present in the map.
// No particular consistency guarantees are made across shards.
func (m *Map[K, V]) Values() []V {
	ret := []V{}
	for i := range m.shards {
		ret = append(ret, m.shards[i].Values()...)
	}
	return ret
}

type awaitableValue[V any] struct {
	Val  V
	Wait chan struct{}
}

type shard[K comparable, V any] struct {
	m map[K]awaitableValue[V]
	l sync.Mutex
}

func (s *shard[K, V]) Add(key K, val V) bool {
	s.l.Lock()
	defer s.l.Unlock()
	if existing, present := s.m[key]; present {
		if existing.Wait == nil {
			return false
		}
		s.m[key] = awaitableValue[V]{Val: val}
		close(existing.Wait)
		return true
	}
	s.m[key] = awaitableValue[V]{Val: val}
	return true
}

func (s *shard[K, V]) Set(key K, val V) {
	s.l.Lock()
	defer s.l.Unlock()
	if existing, present := s.m[key]; present && existing.Wait != nil {
		close(existing.Wait)
	}
	s.m[key] = awaitableValue[V]{Val: val}
}

func (s *shard[K, V]) Contains(key K) bool {
	s.l.Lock()
	defer s.l.Unlock()
	v, ok := s.m[key]
	return ok && v.Wait == nil
}

func (s *shard[K, V]) GetOrWait(key K) (val V, wait <-chan struct{}, first bool) {
	s.l.Lock()
	defer s.l.Unlock()
	if v, ok := s.m[key]; ok {
		if v.Wait == nil {
			return v.Val, nil, false
		}
		return v.Val, v.Wait, false
	}
	ch := make(chan struct{})
	s.m[key] = awaitableValue[V]{Wait: ch}
	return val, ch, true
}

func (s *shard[K, V]) Values() []V {
	s.l.Lock()
	defer s.l.Unlock()
	ret := make([]V, 0, len(s.m))
	for _, v := range s.m {
		if v.Wait == nil {
			ret = append(ret, v.Val)
		}
	}
	return ret
}
