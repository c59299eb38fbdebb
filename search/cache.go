package search

import (
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/subscriptions_backend/config"
)

// resultCache keeps ranked matches per (strategy, criteria) key. Entries go to Redis
// when connected (shared across replicas) and always to a local TTL map so the cache
// still works in single-process deployments. Redis errors are ignored: a cache must
// never fail a search.
type resultCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	matches   []Match
	expiresAt time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *resultCache) get(key string) ([]Match, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && entry.expiresAt.After(time.Now()) {
		return entry.matches, true
	}

	var matches []Match
	found, err := config.GetRedisObject(key, &matches)
	if err != nil || !found {
		return nil, false
	}
	c.put(key, matches)
	return matches, true
}

func (c *resultCache) put(key string, matches []Match) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{matches: matches, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	_ = config.SetRedisObject(key, matches, c.ttl)
}

// sweep drops expired local entries and returns how many were removed. Redis entries
// expire on their own TTL.
func (c *resultCache) sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed int
	for key, entry := range c.entries {
		if !entry.expiresAt.After(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
