package cache

import (
	"context"
	"sync"
	"time"
)

const sweepInterval = 5 * time.Minute

type memEntry struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with per-entry TTL. Safe for concurrent
// use; a background sweeper drops expired entries so memory stays bounded.
// Not shared across replicas — use RedisCache for multi-instance deployments.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	done    chan struct{}
}

// NewMemoryCache creates a MemoryCache and starts its sweeper. The sweeper
// stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memEntry),
		done:    make(chan struct{}),
	}
	go c.sweep(ctx)
	return c
}

func (c *MemoryCache) Get(_ context.Context, digest string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[digest]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		// Lazy expiry on access.
		c.mu.Lock()
		delete(c.entries, digest)
		c.mu.Unlock()
		return nil, false
	}
	return e.payload, true
}

func (c *MemoryCache) Put(_ context.Context, digest string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.mu.Lock()
	c.entries[digest] = memEntry{payload: payload, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, digest string) error {
	c.mu.Lock()
	delete(c.entries, digest)
	c.mu.Unlock()
	return nil
}

// Len reports the current entry count, counting not-yet-swept expired entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the sweeper goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

func (c *MemoryCache) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
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
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}
