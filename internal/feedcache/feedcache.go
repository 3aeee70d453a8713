// Package feedcache holds rendered feed documents in memory for a
// short TTL (spec §4.7), keyed by scope ("channel:<id>" or "combined")
// and artifact type, so repeat requests for the same feed within the
// TTL window avoid re-querying the store and re-rendering XML.
package feedcache

import (
	"sync"
	"time"

	"relaypod/internal/feed"
)

type entryKey struct {
	scope    string
	artifact string
}

type entry struct {
	rendered  feed.Rendered
	expiresAt time.Time
}

// Cache is a TTL-expiring, channel-scoped-invalidation map of rendered
// feeds. The zero value is not usable; construct with New.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[entryKey]entry
}

// New builds a Cache with the given TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[entryKey]entry)}
}

// Get returns a cached rendering for (scope, artifact) if present and
// unexpired, reading the map once under the read lock.
func (c *Cache) Get(scope, artifact string) (feed.Rendered, bool) {
	key := entryKey{scope, artifact}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.rendered, true
	}
	return feed.Rendered{}, false
}

// Set stores a rendering for (scope, artifact), expiring after the
// cache's TTL.
func (c *Cache) Set(scope, artifact string, r feed.Rendered) {
	key := entryKey{scope, artifact}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{rendered: r, expiresAt: time.Now().Add(c.ttl)}
}

// InvalidateChannel drops every cached entry scoped to a single
// channel. Combined-feed entries are intentionally left alone — they
// expire on TTL only (spec §4.7 Open Question resolution): a single
// channel's refresh is not worth a full combined-feed re-render.
func (c *Cache) InvalidateChannel(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.scope == "channel:"+channelID {
			delete(c.entries, key)
		}
	}
}

// Len reports how many entries are currently stored, expired or not —
// used by tests.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
