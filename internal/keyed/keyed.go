// Package keyed provides a sharded, process-scoped key-value store whose
// entries are mutated under their own lock. Unrelated keys never contend on
// the same mutex once the shard lookup has returned.
package keyed

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 32

// Entry guards a single value. Callers lock it through Map.With and Map.View.
type Entry[V any] struct {
	mu    sync.Mutex
	value V
}

type shard[V any] struct {
	mu      sync.RWMutex
	entries map[string]*Entry[V]
}

// Map is a sharded map of per-key locked entries.
type Map[V any] struct {
	shards []*shard[V]
}

// New creates a Map with n shards (a default is used when n <= 0).
func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = defaultShards
	}
	m := &Map[V]{shards: make([]*shard[V], n)}
	for i := range m.shards {
		m.shards[i] = &shard[V]{entries: make(map[string]*Entry[V])}
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Insert stores value under key. It returns false if the key already exists.
func (m *Map[V]) Insert(key string, value V) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return false
	}
	s.entries[key] = &Entry[V]{value: value}
	return true
}

func (m *Map[V]) lookup(key string) *Entry[V] {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key]
}

// With runs fn with exclusive access to the value stored under key.
// It returns false without calling fn if the key is absent.
func (m *Map[V]) With(key string, fn func(v *V)) bool {
	e := m.lookup(key)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.value)
	return true
}

// View is With for read-only callers; fn must not retain the pointer.
func (m *Map[V]) View(key string, fn func(v *V)) bool {
	return m.With(key, fn)
}

// Has reports whether key is present.
func (m *Map[V]) Has(key string) bool {
	return m.lookup(key) != nil
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Keys returns a snapshot of all keys in no particular order.
func (m *Map[V]) Keys() []string {
	var keys []string
	for _, s := range m.shards {
		s.mu.RLock()
		for k := range s.entries {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	return keys
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
