package runbook

import (
	"sync"
	"time"
)

// cacheEntry holds a cached spec with a timestamp for TTL expiration.
type cacheEntry struct {
	spec     *Spec
	cachedAt time.Time
}

// Cache is a thread-safe in-memory spec cache with TTL expiration.
// Expired entries are cleaned up lazily on Get(); no background goroutine.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

// NewCache creates a new cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// key builds the cache key for a runbook at a version.
func key(runbookID, version string) string {
	return runbookID + "@" + version
}

// Get returns a cached spec if present and not expired.
func (c *Cache) Get(runbookID, version string) (*Spec, bool) {
	k := key(runbookID, version)

	c.mu.RLock()
	entry, ok := c.entries[k]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Since(entry.cachedAt) > c.ttl {
		// Expired, clean up lazily. Re-check under write lock: a concurrent
		// Set() may have replaced the entry with a fresh one.
		c.mu.Lock()
		if current, ok := c.entries[k]; ok && time.Since(current.cachedAt) > c.ttl {
			delete(c.entries, k)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.spec, true
}

// Set stores a spec with the current timestamp.
func (c *Cache) Set(spec *Spec) {
	c.mu.Lock()
	c.entries[key(spec.RunbookID, spec.Version)] = &cacheEntry{
		spec:     spec,
		cachedAt: time.Now(),
	}
	c.mu.Unlock()
}
