// Package rediscache provides a Redis-backed pagepipe.Cache so multiple
// pipeline nodes can share one result cache.
//
// Entries are stored as JSON under "pagepipe:cache:<documentID>" with
// the TTL enforced server-side. The popularity ranking lives in a
// sorted set that deliberately outlives entry invalidation and expiry,
// so cache warming can target documents that are popular but no longer
// cached. Hit/miss counters are process-local.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pagepipe/pagepipe"
)

const (
	entryPrefix  = "pagepipe:cache:"
	popularKey   = "pagepipe:popular"
	lastAccessed = "pagepipe:last_accessed"
)

// Cache is a Redis-backed implementation of pagepipe.Cache.
type Cache struct {
	client *redis.Client

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Redis-backed cache on the given client.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// entry is the Redis-internal representation of a cache entry.
// TTL state stays in Redis itself; access counts live in the sorted set.
type entry struct {
	DocumentID string          `json:"document_id"`
	Result     pagepipe.Result `json:"result"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at,omitempty"`
}

// Get returns the live entry for a document and records the access.
func (c *Cache) Get(ctx context.Context, documentID string) (*pagepipe.CacheEntry, error) {
	e, err := c.load(ctx, documentID)
	if err != nil {
		if errors.Is(err, pagepipe.ErrCacheMiss) {
			c.misses.Add(1)
		}
		return nil, err
	}
	c.hits.Add(1)

	now := time.Now()
	pipe := c.client.Pipeline()
	count := pipe.ZIncrBy(ctx, popularKey, 1, documentID)
	pipe.HSet(ctx, lastAccessed, documentID, now.UnixNano())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	e.AccessCount = int64(count.Val())
	e.LastAccessedAt = now
	return e, nil
}

// Peek returns the live entry without recording an access.
func (c *Cache) Peek(ctx context.Context, documentID string) (*pagepipe.CacheEntry, error) {
	return c.load(ctx, documentID)
}

func (c *Cache) load(ctx context.Context, documentID string) (*pagepipe.CacheEntry, error) {
	data, err := c.client.Get(ctx, entryPrefix+documentID).Bytes()
	if err == redis.Nil {
		return nil, pagepipe.ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	out := &pagepipe.CacheEntry{
		DocumentID: e.DocumentID,
		Result:     e.Result,
		CreatedAt:  e.CreatedAt,
		ExpiresAt:  e.ExpiresAt,
	}
	pipe := c.client.Pipeline()
	score := pipe.ZScore(ctx, popularKey, documentID)
	last := pipe.HGet(ctx, lastAccessed, documentID)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	if score.Err() == nil {
		out.AccessCount = int64(score.Val())
	}
	if last.Err() == nil {
		if nanos, err := last.Int64(); err == nil {
			out.LastAccessedAt = time.Unix(0, nanos)
		}
	}
	return out, nil
}

// Put upserts the result for a document. A ttl of zero keeps the entry
// until explicit invalidation.
func (c *Cache) Put(ctx context.Context, documentID string, result pagepipe.Result, ttl time.Duration) error {
	now := time.Now()
	e := entry{
		DocumentID: documentID,
		Result:     result,
		CreatedAt:  now,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	// A fresh result starts its own access count.
	pipe := c.client.Pipeline()
	pipe.Set(ctx, entryPrefix+documentID, data, ttl)
	pipe.ZAdd(ctx, popularKey, redis.Z{Score: 0, Member: documentID})
	_, err = pipe.Exec(ctx)
	return err
}

// Invalidate removes the entry if present. The popularity ranking is
// kept so warming still sees the document.
func (c *Cache) Invalidate(ctx context.Context, documentID string) (bool, error) {
	n, err := c.client.Del(ctx, entryPrefix+documentID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InvalidateAll drops every entry and returns the number removed.
func (c *Cache) InvalidateAll(ctx context.Context) (int, error) {
	keys, err := c.scanKeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.client.Del(ctx, keys...).Result()
	return int(n), err
}

// CleanupExpired is a no-op: Redis evicts expired entries server-side.
func (c *Cache) CleanupExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// Entries returns all live entries.
func (c *Cache) Entries(ctx context.Context) ([]*pagepipe.CacheEntry, error) {
	keys, err := c.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]*pagepipe.CacheEntry, 0, len(keys))
	for _, key := range keys {
		e, err := c.load(ctx, key[len(entryPrefix):])
		if err != nil {
			if errors.Is(err, pagepipe.ErrCacheMiss) {
				// Expired between SCAN and GET.
				continue
			}
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Popular returns up to n documents ranked by access count, descending.
func (c *Cache) Popular(ctx context.Context, n int) ([]pagepipe.PopularDocument, error) {
	if n <= 0 {
		return nil, nil
	}
	ranked, err := c.client.ZRevRangeWithScores(ctx, popularKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	popular := make([]pagepipe.PopularDocument, 0, len(ranked))
	for _, z := range ranked {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		p := pagepipe.PopularDocument{
			DocumentID:  id,
			AccessCount: int64(z.Score),
		}
		exists, err := c.client.Exists(ctx, entryPrefix+id).Result()
		if err != nil {
			return nil, err
		}
		p.Cached = exists > 0
		if nanos, err := c.client.HGet(ctx, lastAccessed, id).Int64(); err == nil {
			p.LastAccessedAt = time.Unix(0, nanos)
		}
		popular = append(popular, p)
	}
	return popular, nil
}

// Stats summarizes the cache. Hit/miss rates cover lookups made through
// this process.
func (c *Cache) Stats(ctx context.Context) (*pagepipe.CacheStats, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return nil, err
	}
	stats := &pagepipe.CacheStats{
		TotalEntries: len(entries),
	}
	for _, e := range entries {
		stats.TotalSizeBytes += e.Result.SizeBytes
	}
	hits, misses := c.hits.Load(), c.misses.Load()
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total) * 100
	}
	popular, err := c.Popular(ctx, 5)
	if err != nil {
		return nil, err
	}
	stats.PopularDocuments = popular
	return stats, nil
}

// Reset drops the entries and the popularity ranking. Used by tests.
func (c *Cache) Reset(ctx context.Context) error {
	keys, err := c.scanKeys(ctx)
	if err != nil {
		return err
	}
	keys = append(keys, popularKey, lastAccessed)
	return c.client.Del(ctx, keys...).Err()
}

func (c *Cache) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, entryPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
