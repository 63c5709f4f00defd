// Package continuation provides a process-wide, time-bounded store for
// opaque provider continuation state. Some providers emit encrypted
// reasoning artifacts (thinking signatures, reasoning item references) that
// must be echoed back on a later turn of the same conversation to preserve
// model-side context. Entries live for a short window and are lazily expired
// on access; no background sweeper runs because the working set is bounded
// by the number of concurrently active conversations.
package continuation

import (
	"sync"
	"time"
)

// DefaultTTL is the entry lifetime applied by New.
const DefaultTTL = 30 * time.Minute

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a namespaced key/value store with per-entry absolute expiry.
// Safe for concurrent use. The zero value is not usable; construct with New.
type Cache[V any] struct {
	mu        sync.RWMutex
	namespace string
	ttl       time.Duration
	entries   map[string]entry[V]

	// now is swappable for tests.
	now func() time.Time
}

// New creates a cache for the given provider namespace with DefaultTTL.
func New[V any](namespace string) *Cache[V] {
	return NewWithTTL[V](namespace, DefaultTTL)
}

// NewWithTTL creates a cache with an explicit entry lifetime.
func NewWithTTL[V any](namespace string, ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		namespace: namespace,
		ttl:       ttl,
		entries:   make(map[string]entry[V]),
		now:       time.Now,
	}
}

// Namespace returns the provider namespace this cache serves.
func (c *Cache[V]) Namespace() string {
	return c.namespace
}

// Set stores value under key with an absolute expiry of now + TTL,
// overwriting any prior entry for the key.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{
		value:     value,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Get returns the value for key and true when present and unexpired.
// An expired entry is treated as absent and purged.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}

	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock: a concurrent Set may have
		// refreshed the entry since the read.
		if cur, still := c.entries[key]; still && c.now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}

	return e.value, true
}

// Delete removes the entry for key, if any.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of entries currently held, including any that have
// expired but not yet been purged by Get.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
