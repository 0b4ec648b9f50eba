// Package cache provides a sharded in-memory cache with per-entry TTL.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// TTLCache is a sharded key/value cache. Entries expire after the configured
// TTL; expired entries read as misses and are dropped lazily or via Cleanup.
type TTLCache struct {
	shards [numShards]*shard
	ttl    time.Duration
	now    func() time.Time
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	value    any
	storedAt time.Time
}

// New creates a TTLCache with the given entry lifetime.
func New(ttl time.Duration) *TTLCache {
	c := &TTLCache{ttl: ttl, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	return c
}

// SetClock overrides the time source; used by tests to age entries.
func (c *TTLCache) SetClock(now func() time.Time) { c.now = now }

func (c *TTLCache) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a value under key, resetting its TTL.
func (c *TTLCache) Set(key string, value any) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry{value: value, storedAt: c.now()}
	s.mu.Unlock()
}

// Get returns the value for key if present and not expired.
func (c *TTLCache) Get(key string) (any, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Delete removes a key from the cache.
func (c *TTLCache) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total live items across all shards (expired entries included
// until cleaned up).
func (c *TTLCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes expired entries and returns the number removed.
func (c *TTLCache) Cleanup() int {
	removed := 0
	cutoff := c.now().Add(-c.ttl)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.storedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
