package apiclient

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// cacheEntry memoizes one successful GET response body.
type cacheEntry struct {
	data      []byte
	timestamp time.Time
	ttl       time.Duration
}

// responseCache is a TTL cache of GET response bodies keyed by request URL.
// Expired entries are deleted lazily on the next lookup rather than swept.
type responseCache struct {
	enabled    bool
	defaultTTL time.Duration
	clock      clockwork.Clock

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newResponseCache(enabled bool, defaultTTL time.Duration, clock clockwork.Clock) *responseCache {
	return &responseCache{
		enabled:    enabled,
		defaultTTL: defaultTTL,
		clock:      clock,
		entries:    make(map[string]cacheEntry),
	}
}

func (c *responseCache) get(key string) ([]byte, bool) {
	if !c.enabled {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock.Since(entry.timestamp) > entry.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.data, true
}

// put stores a response body. A ttl of zero uses the cache default.
func (c *responseCache) put(key string, data []byte, ttl time.Duration) {
	if !c.enabled {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{data: data, timestamp: c.clock.Now(), ttl: ttl}
}

func (c *responseCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *responseCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
