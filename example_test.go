// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pagepipe_test

import (
	"context"
	"fmt"
	"time"

	"github.com/pagepipe/pagepipe"
)

func ExampleScheduler() {
	// The rasterizer turns a document into page artifacts. Production
	// setups use e.g. pdfrast.New; here we fake an instant conversion.
	rast := pagepipe.RasterizerFunc(func(ctx context.Context, documentID string, progress pagepipe.ProgressFunc) (*pagepipe.Result, error) {
		progress(pagepipe.StageExtractingPages, -1)
		return &pagepipe.Result{
			Key:       "pages/" + documentID,
			PageCount: 12,
			SizeBytes: 48 * 1024,
			CreatedAt: time.Now(),
		}, nil
	})

	s := pagepipe.New(
		pagepipe.SetRasterizer(rast),
		pagepipe.SetConcurrency(2),
		pagepipe.SetCacheTTL(24*time.Hour),
	)
	if err := s.Start(); err != nil {
		fmt.Println(err)
		return
	}
	defer s.Stop()

	ctx := context.Background()
	res, err := s.Submit(ctx, pagepipe.SubmitRequest{
		DocumentID:  "report-2026-08",
		RequesterID: "alice",
		Priority:    pagepipe.PriorityHigh,
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Printf("cached=%t position=%d\n", res.Cached, res.QueuePosition)

	// Poll until the conversion lands in the cache.
	for {
		status, err := s.Status(ctx, "report-2026-08")
		if err != nil {
			fmt.Println(err)
			return
		}
		if status.HasCachedResult {
			fmt.Printf("pages=%d\n", status.CachedResult.PageCount)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Output:
	// cached=false position=1
	// pages=12
}
