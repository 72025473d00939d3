// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pagepipe

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryCache is a simple in-memory cache implementation.
// It implements the Cache interface. The popularity ranking is kept
// separately from the entries so it survives invalidation and expiry.
type InMemoryCache struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
	access  map[string]*accessRecord
	hits    int64
	misses  int64

	now func() time.Time // test hook
}

type accessRecord struct {
	count int64
	last  time.Time
}

// NewInMemoryCache creates a new InMemoryCache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		entries: make(map[string]*CacheEntry),
		access:  make(map[string]*accessRecord),
		now:     time.Now,
	}
}

func cloneEntry(e *CacheEntry) *CacheEntry {
	c := *e
	return &c
}

// Get returns the live entry for a document and records the access.
func (c *InMemoryCache) Get(ctx context.Context, documentID string) (*CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	entry, found := c.entries[documentID]
	if !found || entry.Expired(now) {
		c.misses++
		return nil, ErrCacheMiss
	}
	c.hits++
	entry.AccessCount++
	entry.LastAccessedAt = now
	rec, ok := c.access[documentID]
	if !ok {
		rec = &accessRecord{}
		c.access[documentID] = rec
	}
	rec.count++
	rec.last = now
	return cloneEntry(entry), nil
}

// Peek returns the live entry without recording an access.
func (c *InMemoryCache) Peek(ctx context.Context, documentID string) (*CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.entries[documentID]
	if !found || entry.Expired(c.now()) {
		return nil, ErrCacheMiss
	}
	return cloneEntry(entry), nil
}

// Put upserts the result for a document. Last write wins.
func (c *InMemoryCache) Put(ctx context.Context, documentID string, result Result, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	entry := &CacheEntry{
		DocumentID: documentID,
		Result:     result,
		CreatedAt:  now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	c.entries[documentID] = entry
	return nil
}

// Invalidate removes the entry if present and reports whether one existed.
func (c *InMemoryCache) Invalidate(ctx context.Context, documentID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, found := c.entries[documentID]
	delete(c.entries, documentID)
	return found, nil
}

// InvalidateAll drops every entry and returns the number removed.
func (c *InMemoryCache) InvalidateAll(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := len(c.entries)
	c.entries = make(map[string]*CacheEntry)
	return count, nil
}

// CleanupExpired removes entries past their TTL.
func (c *InMemoryCache) CleanupExpired(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var count int
	for id, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, id)
			count++
		}
	}
	return count, nil
}

// Entries returns all live entries.
func (c *InMemoryCache) Entries(ctx context.Context) ([]*CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]*CacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		if entry.Expired(now) {
			continue
		}
		out = append(out, cloneEntry(entry))
	}
	return out, nil
}

// Popular returns up to n documents by access count, descending.
func (c *InMemoryCache) Popular(ctx context.Context, n int) ([]PopularDocument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]PopularDocument, 0, len(c.access))
	for id, rec := range c.access {
		entry, found := c.entries[id]
		out = append(out, PopularDocument{
			DocumentID:     id,
			AccessCount:    rec.count,
			LastAccessedAt: rec.last,
			Cached:         found && !entry.Expired(now),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccessCount != out[j].AccessCount {
			return out[i].AccessCount > out[j].AccessCount
		}
		return out[i].LastAccessedAt.After(out[j].LastAccessedAt)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Stats summarizes the cache. HitRate is a percentage over all lookups
// since the cache was created.
func (c *InMemoryCache) Stats(ctx context.Context) (*CacheStats, error) {
	popular, err := c.Popular(ctx, popularLimit)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	stats := &CacheStats{PopularDocuments: popular}
	for _, entry := range c.entries {
		if entry.Expired(now) {
			continue
		}
		stats.TotalEntries++
		stats.TotalSizeBytes += entry.Result.SizeBytes
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats, nil
}

// popularLimit is the number of documents reported in CacheStats.
const popularLimit = 5
