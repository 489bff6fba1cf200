package cache

import (
	"sync"
	"time"
)

// DefaultTTL applies when a caller passes a zero TTL.
const DefaultTTL = time.Hour

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a process-local TTL cache. It backs the coordinator's broadcast
// and profile caches and the worker-side plugin cache handler. Eventually
// consistent with nothing: contents are lost on restart by design.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	stopCh  chan struct{}
}

// New creates a cache and starts its expiry janitor.
func New() *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		stopCh:  make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Stop stops the janitor
func (c *Cache) Stop() {
	close(c.stopCh)
}

// Set stores a value with the given TTL (DefaultTTL when zero).
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Get returns a live value and whether it was present.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Delete removes a key
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Snapshot returns all live entries. Used by the broadcast cache endpoint.
func (c *Cache) Snapshot() map[string]any {
	now := time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any, len(c.entries))
	for k, e := range c.entries {
		if now.Before(e.expiresAt) {
			out[k] = e.value
		}
	}
	return out
}

// Len returns the number of live entries
func (c *Cache) Len() int {
	return len(c.Snapshot())
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}
