package cache

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	value   []byte
	expires time.Time
}

// LocalCache implements Cache using an in-process map.
// Suitable for single-instance deployments.
type LocalCache struct {
	mu      sync.RWMutex
	entries map[string]localEntry
}

// NewLocalCache creates a new in-memory cache.
func NewLocalCache() *LocalCache {
	return &LocalCache{entries: make(map[string]localEntry)}
}

// Get retrieves a value, treating expired entries as absent.
func (c *LocalCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, found := c.entries[key]
	c.mu.RUnlock()

	if !found {
		return nil, false, nil
	}
	if !entry.expires.IsZero() && time.Now().After(entry.expires) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key with the given ttl (zero means no expiry).
func (c *LocalCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = localEntry{value: value, expires: expires}
	c.mu.Unlock()
	return nil
}

// Close is a no-op for the local cache.
func (c *LocalCache) Close() error {
	return nil
}
