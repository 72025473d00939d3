// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pagepipe

import (
	"context"
	"time"
)

// Result is the outcome of rasterizing a document: an opaque reference
// to the rendered page artifacts plus their size.
type Result struct {
	Key       string    `json:"key"`        // where the rendered pages live, opaque to the pipeline
	PageCount int       `json:"page_count"` // number of pages rendered
	SizeBytes int64     `json:"size_bytes"` // total size of the artifacts
	CreatedAt time.Time `json:"created_at"`
}

// ProgressFunc is called by a Rasterizer to report progress. A negative
// percent tells the scheduler to fall back to the stage's fixed
// checkpoint; rasterizers that track finer-grained progress pass an
// explicit value instead.
type ProgressFunc func(stage Stage, percent int)

// Rasterizer converts a document into per-page rendered artifacts.
// Errors are retried per the scheduler's RetryPolicy unless wrapped
// with Permanent.
type Rasterizer interface {
	Rasterize(ctx context.Context, documentID string, progress ProgressFunc) (*Result, error)
}

// RasterizerFunc turns a function into a Rasterizer.
type RasterizerFunc func(ctx context.Context, documentID string, progress ProgressFunc) (*Result, error)

// Rasterize calls f.
func (f RasterizerFunc) Rasterize(ctx context.Context, documentID string, progress ProgressFunc) (*Result, error) {
	return f(ctx, documentID, progress)
}
