package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// opTimeout bounds every cache operation so the fast store can never stall
// the gateway hot path.
const opTimeout = 500 * time.Millisecond

// RedisCache implements Cache on the shared fast store.
//
// All operations degrade gracefully when Redis is unavailable: Get reports a
// miss and Put returns nil, so the proxy keeps serving without a cache.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache wraps an existing Redis client. The caller owns the client
// lifecycle.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// Get retrieves the payload for digest. Returns (nil, false) on a miss or on
// any store error; errors are logged at WARN and never propagated.
func (c *RedisCache) Get(ctx context.Context, digest string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.rdb.Get(ctx, digest).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("digest", digest),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return val, true
}

// Put stores payload under digest with the given TTL. Always returns nil;
// a failed write only loses a future cache hit.
func (c *RedisCache) Put(ctx context.Context, digest string, payload []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, digest, payload, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_put_error",
			slog.String("digest", digest),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Delete removes digest from the store and surfaces the underlying error.
func (c *RedisCache) Delete(ctx context.Context, digest string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Del(ctx, digest).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", digest, err)
	}
	return nil
}
