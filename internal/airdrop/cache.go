package airdrop

import (
	"sync"
	"time"

	"airdrop/internal/metrics"

	"github.com/jonboulle/clockwork"
)

// ParticipationCache maps a post id to the set of account ids that reposted it.
type ParticipationCache interface {
	Get(postID string) (map[string]struct{}, bool)
	Set(postID string, participants map[string]struct{}, ttl time.Duration)
}

type cacheEntry struct {
	participants map[string]struct{}
	expiresAt    time.Time
}

// TTLCache is an in-process ParticipationCache. Entries are replaced whole, so a reader sees
// either the old set or the new one. Concurrent misses may both fetch; the last Set wins.
type TTLCache struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewTTLCache(clock clockwork.Clock) *TTLCache {
	return &TTLCache{clock: clock, entries: make(map[string]cacheEntry)}
}

func (c *TTLCache) Get(postID string) (map[string]struct{}, bool) {
	c.mu.RLock()
	entry, ok := c.entries[postID]
	c.mu.RUnlock()

	if !ok || !c.clock.Now().Before(entry.expiresAt) {
		metrics.ParticipationCache.WithLabelValues("miss").Inc()
		return nil, false
	}

	metrics.ParticipationCache.WithLabelValues("hit").Inc()
	return entry.participants, true
}

func (c *TTLCache) Set(postID string, participants map[string]struct{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, entry := range c.entries {
		if id != postID && !c.clock.Now().Before(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
	c.entries[postID] = cacheEntry{participants: participants, expiresAt: c.clock.Now().Add(ttl)}
}
