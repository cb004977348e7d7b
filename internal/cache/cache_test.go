package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisCache(rdb), mr
}

func TestRedisCache_MissThenHit(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "resp:absent"); ok {
		t.Fatal("expected miss for absent digest")
	}

	payload := []byte(`{"usage":{"total_tokens":42}}`)
	if err := c.Put(ctx, "resp:abc", payload, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := c.Get(ctx, "resp:abc")
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if string(got) != string(payload) {
		t.Fatalf("Get = %q, want %q", got, payload)
	}
}

func TestRedisCache_ExpiresAfterTTL(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "resp:ttl", []byte("x"), 10*time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := c.Get(ctx, "resp:ttl"); !ok {
		t.Fatal("entry should exist before TTL")
	}

	mr.FastForward(11 * time.Second)

	if _, ok := c.Get(ctx, "resp:ttl"); ok {
		t.Fatal("entry should have expired after TTL")
	}
}

func TestRedisCache_DegradesWhenStoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c := NewRedisCache(rdb)
	mr.Close()

	ctx := context.Background()
	if _, ok := c.Get(ctx, "resp:x"); ok {
		t.Fatal("expected miss when store is down")
	}
	if err := c.Put(ctx, "resp:x", []byte("y"), time.Hour); err != nil {
		t.Fatalf("Put must degrade silently, got %v", err)
	}
}

func TestMemoryCache_PutGetDelete(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()
	ctx := context.Background()

	if err := c.Put(ctx, "d1", []byte("v1"), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got, ok := c.Get(ctx, "d1"); !ok || string(got) != "v1" {
		t.Fatalf("Get = %q/%v, want v1/true", got, ok)
	}
	if err := c.Delete(ctx, "d1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "d1"); ok {
		t.Fatal("expected miss after Delete")
	}
}

func TestMemoryCache_LazyExpiry(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()
	ctx := context.Background()

	if err := c.Put(ctx, "d1", []byte("v1"), time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get(ctx, "d1"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not removed on access, len = %d", c.Len())
	}
}
