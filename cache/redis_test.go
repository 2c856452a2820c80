package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type cachedOrder struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

func setupCacheTest(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisCache(rdb), mr
}

func TestRedisCache_SetGetDelete(t *testing.T) {
	c, _ := setupCacheTest(t)
	ctx := context.Background()

	if err := c.Set(ctx, OrderKey(1), cachedOrder{ID: 1, Status: "Pending"}, time.Minute); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}

	var got cachedOrder
	ok, err := c.Get(ctx, OrderKey(1), &got)
	if err != nil || !ok {
		t.Fatalf("Expected cache hit, got ok=%v err=%v", ok, err)
	}
	if got.Status != "Pending" {
		t.Errorf("Expected status Pending, got %s", got.Status)
	}

	if err := c.Delete(ctx, OrderKey(1)); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	ok, err = c.Get(ctx, OrderKey(1), &got)
	if err != nil || ok {
		t.Errorf("Expected cache miss after delete, got ok=%v err=%v", ok, err)
	}
}

func TestRedisCache_TTL(t *testing.T) {
	c, mr := setupCacheTest(t)
	ctx := context.Background()

	if err := c.Set(ctx, OrderKey(2), cachedOrder{ID: 2}, 10*time.Second); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	mr.FastForward(11 * time.Second)

	var got cachedOrder
	if ok, _ := c.Get(ctx, OrderKey(2), &got); ok {
		t.Errorf("Expected key to expire")
	}
}

func TestRedisCache_FlushKeepsForeignKeys(t *testing.T) {
	c, mr := setupCacheTest(t)
	ctx := context.Background()

	for i := int64(0); i < 150; i++ {
		if err := c.Set(ctx, OrderKey(i), cachedOrder{ID: i}, time.Minute); err != nil {
			t.Fatalf("Failed to set: %v", err)
		}
	}
	if err := mr.Set("other:key", "x"); err != nil {
		t.Fatalf("Failed to seed foreign key: %v", err)
	}

	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}

	if mr.Exists(keyPrefix + OrderKey(3)) {
		t.Errorf("Expected own keys to be flushed")
	}
	if !mr.Exists("other:key") {
		t.Errorf("Expected foreign key to survive flush")
	}
}

func TestRedisCache_FillSkipsAfterInvalidation(t *testing.T) {
	c, _ := setupCacheTest(t)
	ctx := context.Background()

	version, err := c.Version(ctx, OrderKey(3))
	if err != nil {
		t.Fatalf("Failed to read version: %v", err)
	}

	// A writer invalidates while the reader is still loading.
	if err := c.Delete(ctx, OrderKey(3)); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	stored, err := c.Fill(ctx, OrderKey(3), cachedOrder{ID: 3, Status: "Pending"}, time.Minute, version)
	if err != nil {
		t.Fatalf("Failed to fill: %v", err)
	}
	if stored {
		t.Errorf("Expected stale fill to be dropped")
	}
	var got cachedOrder
	if ok, _ := c.Get(ctx, OrderKey(3), &got); ok {
		t.Errorf("Expected cache miss, got %+v", got)
	}

	version, _ = c.Version(ctx, OrderKey(3))
	stored, err = c.Fill(ctx, OrderKey(3), cachedOrder{ID: 3, Status: "Shipped"}, time.Minute, version)
	if err != nil || !stored {
		t.Fatalf("Expected fill with current version to succeed, got stored=%v err=%v", stored, err)
	}
	if ok, _ := c.Get(ctx, OrderKey(3), &got); !ok || got.Status != "Shipped" {
		t.Errorf("Expected Shipped from cache, got ok=%v %+v", ok, got)
	}
}
