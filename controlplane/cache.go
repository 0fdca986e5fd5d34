package controlplane

import (
	"sync"
	"time"

	"github.com/aponysus/rerun/policy"
)

type cacheEntry struct {
	entries   []policy.Entry
	expiresAt time.Time
	found     bool // false marks a negative cache entry
}

// EntryCache is a thread-safe TTL cache of remote entry lists keyed by Query.
type EntryCache struct {
	mu      sync.RWMutex
	entries map[Query]cacheEntry
	nowFn   func() time.Time
}

// NewEntryCache creates a new, empty EntryCache.
func NewEntryCache() *EntryCache {
	return &EntryCache{
		entries: make(map[Query]cacheEntry),
	}
}

// Get returns the cached entries for q.
// foundInCache is false when the key is missing or expired; isNegativeCache is
// true when the service previously reported that q has no flaky tests.
func (c *EntryCache) Get(q Query) (entries []policy.Entry, foundInCache bool, isNegativeCache bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[q]
	if !ok {
		return nil, false, false
	}

	if c.now().After(entry.expiresAt) {
		return nil, false, false
	}

	return entry.entries, true, !entry.found
}

// Set adds or updates the entries for q.
func (c *EntryCache) Set(q Query, entries []policy.Entry, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[q] = cacheEntry{
		entries:   entries,
		expiresAt: c.now().Add(ttl),
		found:     true,
	}
}

// SetMissing records a negative cache entry.
func (c *EntryCache) SetMissing(q Query, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[q] = cacheEntry{
		expiresAt: c.now().Add(ttl),
		found:     false,
	}
}

// Invalidate removes q from the cache.
func (c *EntryCache) Invalidate(q Query) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, q)
}

func (c *EntryCache) now() time.Time {
	if c.nowFn != nil {
		return c.nowFn()
	}
	return time.Now()
}
