package fetcher

import (
	"sync"
	"time"

	"github.com/tunevault/harvester/internal/harvest"
)

// responseCache is a TTL-bounded, size-bounded cache of normalized records
// keyed by track id. A hit bypasses the network entirely.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type cacheEntry struct {
	rec harvest.Metadata
	at  time.Time
}

func newResponseCache(ttl time.Duration, maxSize int, now func() time.Time) *responseCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 100
	}
	if now == nil {
		now = time.Now
	}
	return &responseCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
	}
}

func (c *responseCache) get(id string) (harvest.Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return harvest.Metadata{}, false
	}
	if c.now().Sub(entry.at) > c.ttl {
		delete(c.entries, id)
		return harvest.Metadata{}, false
	}
	return entry.rec, true
}

func (c *responseCache) put(id string, rec harvest.Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[id] = cacheEntry{rec: rec, at: c.now()}
}

func (c *responseCache) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for key, entry := range c.entries {
		if oldestKey == "" || entry.at.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.at
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *responseCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
