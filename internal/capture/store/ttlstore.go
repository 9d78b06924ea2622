// Package store provides in-memory TTL storage and the persistence
// sinks that receive session, stream and chunk records.
package store

import (
	"sync"
	"time"
)

// Entry wraps a value with its expiry.
type Entry[T any] struct {
	Value     T
	ExpiresAt time.Time
}

// TTLStore is a generic map whose entries expire. A background loop
// removes expired entries and reports them to the eviction callback.
type TTLStore[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*Entry[V]
	now      func() time.Time
	onEvict  func(key K, value V)
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// TTLOption configures a TTLStore.
type TTLOption[K comparable, V any] func(*TTLStore[K, V])

// WithEvict registers a callback for entries removed by expiry.
func WithEvict[K comparable, V any](fn func(key K, value V)) TTLOption[K, V] {
	return func(s *TTLStore[K, V]) { s.onEvict = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock[K comparable, V any](now func() time.Time) TTLOption[K, V] {
	return func(s *TTLStore[K, V]) { s.now = now }
}

// NewTTLStore creates a store. A cleanupInterval of zero disables the
// background loop; call Sweep to expire entries manually.
func NewTTLStore[K comparable, V any](cleanupInterval time.Duration, opts ...TTLOption[K, V]) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:    make(map[K]*Entry[V]),
		now:      time.Now,
		interval: cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s
}

func (s *TTLStore[K, V]) expired(e *Entry[V]) bool {
	return s.now().After(e.ExpiresAt)
}

// Set stores value for ttl.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &Entry[V]{Value: value, ExpiresAt: s.now().Add(ttl)}
}

// SetIfAbsent stores value only when key is missing or expired.
// Returns true when the value was stored.
func (s *TTLStore[K, V]) SetIfAbsent(key K, value V, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok && !s.expired(e) {
		return false
	}
	s.items[key] = &Entry[V]{Value: value, ExpiresAt: s.now().Add(ttl)}
	return true
}

// Get returns a live value.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[key]
	if !ok || s.expired(e) {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Has reports whether key holds a live value.
func (s *TTLStore[K, V]) Has(key K) bool {
	_, ok := s.Get(key)
	return ok
}

// Take removes and returns a live value. Exactly one concurrent caller
// observes ok == true for a given entry.
func (s *TTLStore[K, V]) Take(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(s.items, key)
	if s.expired(e) {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Delete removes key. Returns false when it was not present.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	return true
}

// Len counts live entries.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.items {
		if !s.expired(e) {
			n++
		}
	}
	return n
}

// All returns a copy of the live entries.
func (s *TTLStore[K, V]) All() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[K]V, len(s.items))
	for k, e := range s.items {
		if !s.expired(e) {
			out[k] = e.Value
		}
	}
	return out
}

// Sweep removes expired entries, calls the eviction callback outside
// the lock, and returns how many were removed.
func (s *TTLStore[K, V]) Sweep() int {
	type evicted struct {
		key   K
		value V
	}

	s.mu.Lock()
	var gone []evicted
	for k, e := range s.items {
		if s.expired(e) {
			gone = append(gone, evicted{k, e.Value})
			delete(s.items, k)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, g := range gone {
			onEvict(g.key, g.value)
		}
	}
	return len(gone)
}

// Close stops the cleanup loop and drops all entries. Safe to call twice.
func (s *TTLStore[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.items = make(map[K]*Entry[V])
	s.mu.Unlock()
}

func (s *TTLStore[K, V]) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}
