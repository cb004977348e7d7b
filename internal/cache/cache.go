// Package cache stores completed (non-streamed) completion responses keyed by
// request fingerprint.
//
// Entries are immutable once written and expire by TTL only; concurrent
// writers for the same digest may race safely because a digest always maps to
// a semantically equivalent payload. Two backends are available:
//
//   - RedisCache  — shared across replicas, recommended for production.
//   - MemoryCache — in-process TTL map for single-instance or dev setups.
package cache

import (
	"context"
	"time"
)

// Cache is the response-cache contract used by the gateway.
type Cache interface {
	// Get returns the payload stored under digest, or (nil, false) on a miss.
	Get(ctx context.Context, digest string) ([]byte, bool)
	// Put stores payload under digest for ttl. Implementations degrade
	// gracefully: a failed write never fails the request.
	Put(ctx context.Context, digest string, payload []byte, ttl time.Duration) error
	// Delete removes digest. Used by tests and operational tooling.
	Delete(ctx context.Context, digest string) error
}
