// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pagepipe

import (
	"context"
	"time"
)

// CacheEntry is a stored conversion result keyed by document.
// An entry exists iff the most recent completed conversion of the
// document has neither been invalidated nor expired; the cache is the
// single source of truth for "is this document already converted".
type CacheEntry struct {
	DocumentID     string    `json:"document_id"`
	Result         Result    `json:"result"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"` // zero = never expires until explicit invalidation
	AccessCount    int64     `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at,omitempty"`
}

// Expired reports whether the entry is past its TTL at the given time.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// PopularDocument is one element of the popularity ranking.
type PopularDocument struct {
	DocumentID     string    `json:"document_id"`
	AccessCount    int64     `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at,omitempty"`
	Cached         bool      `json:"cached"` // whether a live entry currently exists
}

// CacheEfficiency estimates what the cache saved: bytes not re-rendered
// and wall-clock time not spent in the rasterizer. TimeSaved uses the
// average processing time observed by the metrics collector.
type CacheEfficiency struct {
	StorageSavedBytes int64         `json:"storage_saved_bytes"`
	TimeSaved         time.Duration `json:"time_saved"`
}

// CacheStats describes the state and effectiveness of the result cache.
// HitRate is a percentage over all counted lookups since the cache was
// created. Efficiency is filled in by the scheduler, which knows the
// observed processing times.
type CacheStats struct {
	TotalEntries     int               `json:"total_entries"`
	HitRate          float64           `json:"hit_rate"`
	TotalSizeBytes   int64             `json:"total_size_bytes"`
	PopularDocuments []PopularDocument `json:"popular_documents"`
	Efficiency       CacheEfficiency   `json:"efficiency"`
}

// Cache implements storage of conversion results. The scheduler is the
// only writer; it guarantees there is never more than one in-flight
// conversion per document, so Put does not need to coordinate
// concurrent writers for the same key.
type Cache interface {
	// Get returns the live entry for a document and records the access
	// (bumping AccessCount and LastAccessedAt). Entries past their TTL
	// are treated as a miss without requiring synchronous cleanup.
	// ErrCacheMiss is returned when there is no live entry.
	Get(ctx context.Context, documentID string) (*CacheEntry, error)

	// Peek returns the live entry without recording an access. Used by
	// status reporting so polling does not skew the popularity ranking.
	Peek(ctx context.Context, documentID string) (*CacheEntry, error)

	// Put upserts the result for a document. A ttl of zero means the
	// entry never expires until explicitly invalidated.
	Put(ctx context.Context, documentID string, result Result, ttl time.Duration) error

	// Invalidate removes the entry if present and reports whether one
	// existed. Invalidating an absent document is a no-op, not an error.
	Invalidate(ctx context.Context, documentID string) (bool, error)

	// InvalidateAll drops every entry and returns the number removed.
	InvalidateAll(ctx context.Context) (int, error)

	// CleanupExpired scans all entries, removes those past their TTL and
	// returns the removed count. Designed to run on a periodic or
	// operator-triggered schedule, keeping the read path flat.
	CleanupExpired(ctx context.Context) (int, error)

	// Entries returns all live entries, e.g. for computing efficiency.
	Entries(ctx context.Context) ([]*CacheEntry, error)

	// Popular returns up to n documents ranked by access count,
	// descending. The ranking survives invalidation and expiry so that
	// warming can target popular documents that are no longer cached.
	Popular(ctx context.Context, n int) ([]PopularDocument, error)

	// Stats summarizes the cache. Efficiency is left zero; the scheduler
	// fills it in.
	Stats(ctx context.Context) (*CacheStats, error)
}
