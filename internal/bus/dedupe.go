package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys so channel reconnects and
// provider redeliveries do not process the same platform message twice.
type DedupeCache struct {
	ttl time.Duration
	max int

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &DedupeCache{
		ttl:  ttl,
		max:  maxEntries,
		seen: make(map[string]time.Time),
	}
}

// IsDuplicate reports whether the key was seen within the TTL and
// records it either way.
func (c *DedupeCache) IsDuplicate(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.seen[key]
	dup := ok && now.Sub(at) < c.ttl
	c.seen[key] = now

	if len(c.seen) > c.max {
		c.evict(now)
	}
	return dup
}

// evict drops expired entries, then oldest entries until back under the
// cap. Called with the lock held.
func (c *DedupeCache) evict(now time.Time) {
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
		}
	}
	for len(c.seen) > c.max {
		var oldestKey string
		var oldest time.Time
		for k, at := range c.seen {
			if oldestKey == "" || at.Before(oldest) {
				oldestKey, oldest = k, at
			}
		}
		delete(c.seen, oldestKey)
	}
}
