// Package cache provides a generic, thread-safe memo with hit/miss metrics.
package cache

import (
	"sync"
	"sync/atomic"
)

// Memo is an unbounded, thread-safe memoization table. Entries are never
// evicted; callers memoize values derived from read-only data.
type Memo[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V

	// Metrics (lock-free using atomics)
	hits   atomic.Uint64
	misses atomic.Uint64
	sets   atomic.Uint64
}

// New creates an empty Memo.
func New[K comparable, V any]() *Memo[K, V] {
	return &Memo[K, V]{items: make(map[K]V)}
}

// Get retrieves a value. Returns the value and true if found, zero value and
// false otherwise.
func (m *Memo[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	v, ok := m.items[key]
	m.mu.RUnlock()

	if ok {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
	return v, ok
}

// Set stores a value, replacing any previous one.
func (m *Memo[K, V]) Set(key K, value V) {
	m.sets.Add(1)
	m.mu.Lock()
	m.items[key] = value
	m.mu.Unlock()
}

// GetOrCompute returns the memoized value for key or computes it with fn.
// Errors are returned to the caller and not memoized, so a failed lookup
// (e.g. a cancelled context) is retried on the next call.
//
// fn runs outside the lock; when two goroutines race on the same key the
// first stored value wins and both callers receive it.
func (m *Memo[K, V]) GetOrCompute(key K, fn func() (V, error)) (V, error) {
	if v, ok := m.Get(key); ok {
		return v, nil
	}

	value, err := fn()
	if err != nil {
		var zero V
		return zero, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.items[key]; ok {
		return existing, nil
	}
	m.items[key] = value
	m.sets.Add(1)
	return value, nil
}

// Delete removes an entry.
func (m *Memo[K, V]) Delete(key K) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Len returns the number of memoized entries.
func (m *Memo[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Clear removes all entries.
func (m *Memo[K, V]) Clear() {
	m.mu.Lock()
	m.items = make(map[K]V)
	m.mu.Unlock()
}

// Stats holds memo statistics.
type Stats struct {
	Size    int
	Hits    uint64
	Misses  uint64
	Sets    uint64
	HitRate float64
}

// Stats returns memo statistics.
func (m *Memo[K, V]) Stats() Stats {
	size := m.Len()
	hits := m.hits.Load()
	misses := m.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Size:    size,
		Hits:    hits,
		Misses:  misses,
		Sets:    m.sets.Load(),
		HitRate: hitRate,
	}
}
