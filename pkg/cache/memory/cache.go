// Package memory is an in-process analysis cache with per-entry TTL and an
// optional LRU capacity bound.
package memory

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/pario-ai/persona/pkg/models"
)

// ErrInvalidTTL is returned by Put for a non-positive ttl.
var ErrInvalidTTL = errors.New("cache ttl must be positive")

type entry struct {
	result     models.AnalysisResult
	createdAt  time.Time
	expiresAt  time.Time
	lastAccess time.Time
}

func (e *entry) snapshot(key string) models.CacheEntry {
	return models.CacheEntry{
		Fingerprint: key,
		Result:      e.result,
		CreatedAt:   e.createdAt,
		ExpiresAt:   e.expiresAt,
		LastAccess:  e.lastAccess,
	}
}

// Cache is safe for concurrent use. Lookups that miss only take the read
// lock; a hit takes the write lock because it moves the entry to the front
// of the recency list.
type Cache struct {
	mu       sync.RWMutex
	lru      *simplelru.LRU[string, *entry]
	capacity int
	now      func() time.Time

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache holding at most capacity entries. A capacity of zero
// or less means unbounded; only expiry removes entries then.
func New(capacity int, opts ...Option) *Cache {
	size := capacity
	if size <= 0 {
		capacity, size = 0, math.MaxInt
	}
	// NewLRU only fails for a non-positive size.
	l, _ := simplelru.NewLRU[string, *entry](size, nil)
	c := &Cache{lru: l, capacity: capacity, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Capacity returns the configured bound, 0 when unbounded.
func (c *Cache) Capacity() int { return c.capacity }

// Get returns the cached result for key. Expired entries are removed and
// reported as absent.
func (c *Cache) Get(key string) (models.AnalysisResult, bool) {
	c.mu.RLock()
	_, ok := c.lru.Peek(key)
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return models.AnalysisResult{}, false
	}

	now := c.now()
	c.mu.Lock()
	e, ok := c.lru.Get(key)
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return models.AnalysisResult{}, false
	}
	if !now.Before(e.expiresAt) {
		c.lru.Remove(key)
		c.mu.Unlock()
		c.expirations.Add(1)
		c.misses.Add(1)
		return models.AnalysisResult{}, false
	}
	e.lastAccess = now
	res := e.result
	c.mu.Unlock()

	c.hits.Add(1)
	return res, true
}

// Put inserts or overwrites key with expiry now+ttl. Inserting counts as an
// access. When the cache is full the least recently used entry is evicted.
func (c *Cache) Put(key string, result models.AnalysisResult, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	now := c.now()
	e := &entry{result: result, createdAt: now, expiresAt: now.Add(ttl), lastAccess: now}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacity > 0 && !c.lru.Contains(key) && c.lru.Len() >= c.capacity {
		// Prefer dropping an already expired victim over a live one.
		if k, old, ok := c.lru.GetOldest(); ok && !now.Before(old.expiresAt) {
			c.lru.Remove(k)
			c.expirations.Add(1)
		}
	}
	if evicted := c.lru.Add(key, e); evicted {
		c.evictions.Add(1)
	}
	return nil
}

// Peek returns the entry for key without touching its recency or counters.
func (c *Cache) Peek(key string) (models.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.lru.Peek(key)
	if !ok || !c.now().Before(e.expiresAt) {
		return models.CacheEntry{}, false
	}
	return e.snapshot(key), true
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// DeleteExpired removes every expired entry and returns how many were dropped.
func (c *Cache) DeleteExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && !now.Before(e.expiresAt) {
			c.lru.Remove(k)
			n++
		}
	}
	c.expirations.Add(int64(n))
	return n
}

// Purge drops all entries. Counters are kept.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included until they
// are looked up or swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

// Stats returns cumulative counters since construction.
func (c *Cache) Stats() (models.CacheStats, error) {
	return models.CacheStats{
		Entries:     int64(c.Len()),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}, nil
}

// Clear mirrors the sqlite cache so both backends serve `cache clear`.
func (c *Cache) Clear(expiredOnly bool) error {
	if expiredOnly {
		c.DeleteExpired()
		return nil
	}
	c.Purge()
	return nil
}

// Close is a no-op.
func (c *Cache) Close() error { return nil }
