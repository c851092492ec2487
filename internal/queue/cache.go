package queue

import (
	"sync"
	"time"
)

// configCache is the in-process TTL cache backing GetConfig. Only the three
// hot-path fields are cached; entries are dropped on mutation or expiry.
type configCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	cfg     Config
	expires time.Time
}

func newConfigCache(ttl time.Duration) *configCache {
	return &configCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *configCache) get(name string) (Config, bool) {
	c.mu.RLock()
	entry, ok := c.entries[name]
	c.mu.RUnlock()

	if !ok || c.now().After(entry.expires) {
		return Config{}, false
	}
	return entry.cfg, true
}

func (c *configCache) set(name string, cfg Config) {
	c.mu.Lock()
	c.entries[name] = cacheEntry{cfg: cfg, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *configCache) invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}
