// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pagepipe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCacheGetRecordsAccess(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	if err := c.Put(ctx, "doc-1", Result{Key: "pages/doc-1", PageCount: 3, SizeBytes: 1024}, 0); err != nil {
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
		if entry.LastAccessedAt.IsZero() {
			t.Fatal("LastAccessedAt not set")
		}
	}
}

func TestCachePeekDoesNotRecordAccess(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	if err := c.Put(ctx, "doc-1", Result{SizeBytes: 1}, 0); err != nil {
		t.Fatalf("Put failed with %v", err)
	}
	if _, err := c.Peek(ctx, "doc-1"); err != nil {
		t.Fatalf("Peek failed with %v", err)
	}
	entry, err := c.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Get failed with %v", err)
	}
	if want, have := int64(1), entry.AccessCount; want != have {
		t.Fatalf("AccessCount = %d, want %d", have, want)
	}
}

func TestCacheLazyExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	if err := c.Put(ctx, "doc-1", Result{SizeBytes: 1}, time.Minute); err != nil {
		t.Fatalf("Put failed with %v", err)
	}
	if _, err := c.Get(ctx, "doc-1"); err != nil {
		t.Fatalf("Get before expiry failed with %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := c.Get(ctx, "doc-1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get after expiry = %v, want ErrCacheMiss", err)
	}
	// Lazy expiry leaves the stale entry in place for CleanupExpired.
	if n, err := c.CleanupExpired(ctx); err != nil || n != 1 {
		t.Fatalf("CleanupExpired = (%d, %v), want (1, nil)", n, err)
	}
	if n, err := c.CleanupExpired(ctx); err != nil || n != 0 {
		t.Fatalf("second CleanupExpired = (%d, %v), want (0, nil)", n, err)
	}
}

func TestCacheInvalidateIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	if err := c.Put(ctx, "doc-1", Result{SizeBytes: 1}, 0); err != nil {
		t.Fatalf("Put failed with %v", err)
	}
	if removed, err := c.Invalidate(ctx, "doc-1"); err != nil || !removed {
		t.Fatalf("first Invalidate = (%t, %v), want (true, nil)", removed, err)
	}
	if removed, err := c.Invalidate(ctx, "doc-1"); err != nil || removed {
		t.Fatalf("second Invalidate = (%t, %v), want (false, nil)", removed, err)
	}
	if removed, err := c.Invalidate(ctx, "never-cached"); err != nil || removed {
		t.Fatalf("Invalidate of unknown = (%t, %v), want (false, nil)", removed, err)
	}
}

func TestCacheInvalidateAll(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	for _, id := range []string{"a", "b", "c"} {
		if err := c.Put(ctx, id, Result{SizeBytes: 1}, 0); err != nil {
			t.Fatalf("Put failed with %v", err)
		}
	}
	if n, err := c.InvalidateAll(ctx); err != nil || n != 3 {
		t.Fatalf("InvalidateAll = (%d, %v), want (3, nil)", n, err)
	}
	if n, err := c.InvalidateAll(ctx); err != nil || n != 0 {
		t.Fatalf("second InvalidateAll = (%d, %v), want (0, nil)", n, err)
	}
}

func TestCachePopularSurvivesInvalidation(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	c.Put(ctx, "hot", Result{SizeBytes: 1}, 0)
	c.Put(ctx, "cold", Result{SizeBytes: 1}, 0)
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

func TestCacheStats(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	c.Put(ctx, "a", Result{SizeBytes: 100}, 0)
	c.Put(ctx, "b", Result{SizeBytes: 200}, 0)
	c.Get(ctx, "a")       // hit
	c.Get(ctx, "a")       // hit
	c.Get(ctx, "unknown") // miss
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
	// 2 hits out of 3 lookups.
	if stats.HitRate < 66 || stats.HitRate > 67 {
		t.Fatalf("HitRate = %v, want ~66.7", stats.HitRate)
	}
}

func TestCachePutOverwrites(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	c.Put(ctx, "doc-1", Result{Key: "v1", SizeBytes: 1}, 0)
	c.Get(ctx, "doc-1")
	c.Put(ctx, "doc-1", Result{Key: "v2", SizeBytes: 2}, 0)
	entry, err := c.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Get failed with %v", err)
	}
	if want, have := "v2", entry.Result.Key; want != have {
		t.Fatalf("Result.Key = %q, want %q", have, want)
	}
	// A fresh result starts its own access count.
	if want, have := int64(1), entry.AccessCount; want != have {
		t.Fatalf("AccessCount = %d, want %d", have, want)
	}
}
