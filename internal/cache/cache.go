// Package cache provides a bounded-staleness TTL cache for latest-value
// reads. It is not correctness-critical: writes do not invalidate entries,
// readers tolerate staleness up to the TTL plus the blanket flush tick.
package cache

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type entry struct {
	value     *decimal.Decimal
	expiresAt time.Time
}

// ValueCache caches latest values keyed by subject+field+format.
type ValueCache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// New builds a ValueCache with the given TTL. A non-positive TTL yields a
// cache that never hits.
func New(ttl time.Duration) *ValueCache {
	return &ValueCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Key builds the cache key from subject key, field, and render format.
func Key(subjectKey, field, format string) string {
	return subjectKey + "|" + field + "|" + format
}

// Get returns the cached value and whether the entry is live. A cached
// nil (key observed to have no value) is a valid hit.
func (c *ValueCache) Get(key string) (*decimal.Decimal, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores a value until the TTL elapses.
func (c *ValueCache) Set(key string, value *decimal.Decimal) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Flush drops every entry. Bulk imports and validate-all call this; the
// scheduler also runs it as a blanket tick.
func (c *ValueCache) Flush() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Len reports the live entry count (expired entries may still be counted
// until touched).
func (c *ValueCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
