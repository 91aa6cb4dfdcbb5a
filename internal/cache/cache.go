package cache

import (
	"path"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Package cache provides bounded in-memory caching for expensive calls.
//
// Responsibilities:
//   - Cache schematic analyses (keyed by content hash, avoids repeat vision calls)
//   - Bound memory with LRU eviction and a per-cache TTL
//   - Report hit/miss counts for the metrics endpoint
//
// Cache Key Strategy:
//   - Callers hash their inputs into fixed-size keys
//   - Keys may carry a prefix ("schematic:<sha256>") so Invalidate can match globs

// Default sizing
const (
	DefaultSize = 256
	DefaultTTL  = 24 * time.Hour
)

// Stats reports cache effectiveness.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// Cache is a size-bounded LRU whose entries expire after a fixed TTL. It is
// safe for concurrent use.
type Cache[V any] struct {
	lru    *expirable.LRU[string, V]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache. Non-positive arguments select the defaults.
func New[V any](size int, ttl time.Duration) *Cache[V] {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

// Get retrieves a cached value by key.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Set stores a value.
func (c *Cache[V]) Set(key string, value V) {
	c.lru.Add(key, value)
}

// Delete removes a key.
func (c *Cache[V]) Delete(key string) {
	c.lru.Remove(key)
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.lru.Purge()
}

// Invalidate removes every key matching the glob pattern (e.g. "schematic:*")
// and returns how many were dropped.
func (c *Cache[V]) Invalidate(pattern string) int {
	n := 0
	for _, k := range c.lru.Keys() {
		if ok, _ := path.Match(pattern, k); ok {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

// Stats returns cache statistics.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.lru.Len(),
	}
}
