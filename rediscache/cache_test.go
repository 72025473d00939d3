package rediscache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pagepipe/pagepipe"
)

var testClient *redis.Client

func TestMain(m *testing.M) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	testClient = redis.NewClient(&redis.Options{Addr: addr, DB: 9})
	if err := testClient.Ping(context.Background()).Err(); err != nil {
		fmt.Printf("skipping Redis tests: %v\n", err)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c := New(testClient)
	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset failed with %v", err)
	}
	t.Cleanup(func() { c.Reset(context.Background()) })
	return c
}

func TestRedisGetRecordsAccess(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	if err := c.Put(ctx, "doc-1", pagepipe.Result{Key: "pages/doc-1", PageCount: 3, SizeBytes: 1024}, 0); err != nil {
		t.Fatalf("Put failed with %v", err)
	}
	for i := 1; i <= 3; i++ {
		entry, err := c.Get(ctx, "doc-1")
		if err != nil {
			t.Fatalf("Get failed with %v", err)
		}
		if want, have := int64(i), entry.AccessCount; want != have {
			t.Fatalf("AccessCount = %d, want %d", have, want)
		}
	}
	// Peek does not bump the counter.
	if _, err := c.Peek(ctx, "doc-1"); err != nil {
		t.Fatalf("Peek failed with %v", err)
	}
	entry, err := c.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Get failed with %v", err)
	}
	if want, have := int64(4), entry.AccessCount; want != have {
		t.Fatalf("AccessCount = %d, want %d", have, want)
	}
}

func TestRedisGetMiss(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	if _, err := c.Get(ctx, "never-cached"); !errors.Is(err, pagepipe.ErrCacheMiss) {
		t.Fatalf("Get = %v, want ErrCacheMiss", err)
	}
}

func TestRedisTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	if err := c.Put(ctx, "doc-1", pagepipe.Result{SizeBytes: 1}, 50*time.Millisecond); err != nil {
		t.Fatalf("Put failed with %v", err)
	}
	if _, err := c.Get(ctx, "doc-1"); err != nil {
		t.Fatalf("Get before expiry failed with %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := c.Get(ctx, "doc-1"); !errors.Is(err, pagepipe.ErrCacheMiss) {
		t.Fatalf("Get after expiry = %v, want ErrCacheMiss", err)
	}
}

func TestRedisInvalidate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	c.Put(ctx, "doc-1", pagepipe.Result{SizeBytes: 1}, 0)
	if removed, err := c.Invalidate(ctx, "doc-1"); err != nil || !removed {
		t.Fatalf("first Invalidate = (%t, %v), want (true, nil)", removed, err)
	}
	if removed, err := c.Invalidate(ctx, "doc-1"); err != nil || removed {
		t.Fatalf("second Invalidate = (%t, %v), want (false, nil)", removed, err)
	}
}

func TestRedisInvalidateAll(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	for _, id := range []string{"a", "b", "c"} {
		c.Put(ctx, id, pagepipe.Result{SizeBytes: 1}, 0)
	}
	if n, err := c.InvalidateAll(ctx); err != nil || n != 3 {
		t.Fatalf("InvalidateAll = (%d, %v), want (3, nil)", n, err)
	}
	if n, err := c.InvalidateAll(ctx); err != nil || n != 0 {
		t.Fatalf("second InvalidateAll = (%d, %v), want (0, nil)", n, err)
	}
}

func TestRedisPopularSurvivesInvalidation(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	c.Put(ctx, "hot", pagepipe.Result{SizeBytes: 1}, 0)
	c.Put(ctx, "cold", pagepipe.Result{SizeBytes: 1}, 0)
	for i := 0; i < 5; i++ {
		c.Get(ctx, "hot")
	}
	c.Get(ctx, "cold")
	if _, err := c.Invalidate(ctx, "hot"); err != nil {
		t.Fatalf("Invalidate failed with %v", err)
	}
	popular, err := c.Popular(ctx, 10)
	if err != nil {
		t.Fatalf("Popular failed with %v", err)
	}
	if len(popular) != 2 {
		t.Fatalf("len(popular) = %d, want 2", len(popular))
	}
	if want, have := "hot", popular[0].DocumentID; want != have {
		t.Fatalf("top document = %q, want %q", have, want)
	}
	if popular[0].Cached {
		t.Fatal("invalidated document reported as cached")
	}
	if !popular[1].Cached {
		t.Fatal("live document not reported as cached")
	}
}

func TestRedisStats(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	c.Put(ctx, "a", pagepipe.Result{SizeBytes: 100}, 0)
	c.Put(ctx, "b", pagepipe.Result{SizeBytes: 200}, 0)
	c.Get(ctx, "a")
	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed with %v", err)
	}
	if want, have := 2, stats.TotalEntries; want != have {
		t.Fatalf("TotalEntries = %d, want %d", have, want)
	}
	if want, have := int64(300), stats.TotalSizeBytes; want != have {
		t.Fatalf("TotalSizeBytes = %d, want %d", have, want)
	}
}
