// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pagepipe

import (
	"context"
	"time"
)

// Store implements storage of conversion jobs.
type Store interface {
	// Start is called when the scheduler starts up.
	// This is a good time for cleanup. E.g. a persistent store will
	// requeue jobs a previous run left in the processing state.
	Start(ctx context.Context) error

	// Create adds a job to the store.
	Create(ctx context.Context, job *Job) error

	// Update updates a job in the store. This is called frequently as
	// jobs are processed.
	Update(ctx context.Context, job *Job) error

	// Delete removes a job from the store.
	Delete(ctx context.Context, job *Job) error

	// Next picks the next job to dispatch: the highest-priority queued
	// job whose ready time has elapsed, ties broken by earliest
	// submission time.
	//
	// If no job is ready to be executed, e.g. the queue is idle, the
	// store must return nil for both the job and the error.
	Next(ctx context.Context) (*Job, error)

	// Lookup returns the job with the specified identifier.
	// If the job could not be found, ErrNotFound must be returned.
	Lookup(ctx context.Context, id string) (*Job, error)

	// ActiveByDocument returns the non-terminal job (queued or
	// processing) for the given document, or ErrNotFound if there is
	// none. The scheduler relies on this to enforce the
	// one-active-job-per-document invariant.
	ActiveByDocument(ctx context.Context, documentID string) (*Job, error)

	// QueuePosition returns the 1-based position of the given queued job
	// in dispatch order (priority, then submission time). ErrNotFound is
	// returned for unknown jobs; non-queued jobs report position 0.
	QueuePosition(ctx context.Context, id string) (int, error)

	// List returns jobs matching the parameters in the request.
	List(ctx context.Context, request *ListRequest) (*ListResponse, error)

	// Stats returns counts of jobs per lifecycle state.
	Stats(ctx context.Context) (*Stats, error)

	// PurgeTerminal removes terminal jobs that completed before the given
	// cutoff and returns the number of jobs removed.
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error)
}

// Stats returns information about the number of managed jobs.
type Stats struct {
	Queued     int `json:"queued"`     // jobs waiting to be dispatched
	Processing int `json:"processing"` // jobs claimed by a worker
	Completed  int `json:"completed"`  // successfully converted jobs
	Failed     int `json:"failed"`     // failed jobs (even after retries)
	Cancelled  int `json:"cancelled"`  // jobs cancelled by a caller
}

// ListRequest specifies a filter for listing jobs.
type ListRequest struct {
	DocumentID  string // filter by document
	RequesterID string // filter by submitting actor
	Status      Status // filter by lifecycle state
	Limit       int    // maximum number of jobs to return
	Offset      int    // number of jobs to skip (for pagination)
}

// ListResponse is the outcome of invoking List on the Store.
type ListResponse struct {
	Total int    // total number of jobs found, excluding pagination
	Jobs  []*Job // list of jobs
}
