package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func TestMemoryCacheGetSetAndExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Set(ctx, "k2", "v2", 10*time.Millisecond); err != nil {
		t.Fatalf("set error: %v", err)
	}
	got, err := c.Get(ctx, "k2")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got != "v2" {
		t.Fatalf("expected v2, got %q", got)
	}

	if err := c.Set(ctx, "forever", "v", 0); err != nil {
		t.Fatalf("set error: %v", err)
	}

	now = now.Add(15 * time.Millisecond)
	_, err = c.Get(ctx, "k2")
	if !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil after ttl, got %v", err)
	}
	if !IsMiss(err) {
		t.Fatal("expected IsMiss to recognise the miss")
	}
	if got, err := c.Get(ctx, "forever"); err != nil || got != "v" {
		t.Fatalf("expected zero ttl entry to survive, got %q %v", got, err)
	}
}

func TestPrefixedCacheNamespacesKeys(t *testing.T) {
	mem := NewMemoryCache()
	ctx := context.Background()
	a := Prefixed(mem, "a:")
	b := Prefixed(mem, "b:")

	if err := a.Set(ctx, "k", "1", time.Minute); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if _, err := b.Get(ctx, "k"); !IsMiss(err) {
		t.Fatalf("b should not see a's key, got %v", err)
	}
	if got, _ := mem.Get(ctx, "a:k"); got != "1" {
		t.Fatalf("expected a:k=1, got %q", got)
	}
	if err := b.Set(ctx, "k", "3", time.Minute); err != nil {
		t.Fatalf("set b: %v", err)
	}
	if got, _ := b.Get(ctx, "k"); got != "3" {
		t.Fatalf("expected b:k=3, got %q", got)
	}
	if got, _ := a.Get(ctx, "k"); got != "1" {
		t.Fatalf("expected a:k to keep 1, got %q", got)
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	cache := NewCache(ctx, nil, zaptest.NewLogger(t))
	if _, ok := cache.(*MemoryCache); !ok {
		t.Fatalf("expected MemoryCache fallback for nil redis client, got %T", cache)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
	})
	defer redisClient.Close()

	cache = NewCache(ctx, redisClient, nil)
	if _, ok := cache.(*MemoryCache); !ok {
		t.Fatalf("expected MemoryCache fallback on redis ping failure, got %T", cache)
	}
}

func TestNewCacheUsesRedisWhenAvailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	cache := NewCache(ctx, redisClient, nil)
	if _, ok := cache.(*RedisCache); !ok {
		t.Fatalf("expected RedisCache when redis ping succeeds, got %T", cache)
	}
}

func TestRedisCacheMethods(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cache := NewRedisCache(client)
	ctx := context.Background()

	_, err = cache.Get(ctx, "k2")
	if !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil before set, got %v", err)
	}
	if err := cache.Set(ctx, "k2", "v2", time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := cache.Get(ctx, "k2")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != "v2" {
		t.Fatalf("expected v2, got %q", got)
	}
	if ttl := mr.TTL("k2"); ttl != time.Minute {
		t.Fatalf("expected 1m ttl, got %v", ttl)
	}
}
