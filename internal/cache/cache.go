// Package cache provides an optional keyed cache for HTTPRequestFilter
// classifier results, so repeated queries against the same remote scorer
// don't pay the network round trip twice. Supports local (in-process) and
// Redis backends for multi-instance deployments.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque byte values under a string key with a per-entry TTL.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get retrieves a value. ok is false if the key is absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores a value with the given time-to-live.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Close releases any resources held by the cache.
	Close() error
}
