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

// InMemoryStore is a simple in-memory store implementation.
// It implements the Store interface and is the default for a
// single-process scheduler. Jobs do not survive a restart; use the
// mysql or sqlite subpackages for durability.
type InMemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs: make(map[string]*Job),
	}
}

// Start the store.
func (st *InMemoryStore) Start(ctx context.Context) error {
	return nil
}

// Create adds a new job.
func (st *InMemoryStore) Create(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.jobs[job.ID] = job.Clone()
	return nil
}

// Update updates the job.
func (st *InMemoryStore) Update(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.jobs[job.ID]; !found {
		return ErrNotFound
	}
	st.jobs[job.ID] = job.Clone()
	return nil
}

// Delete removes the job.
func (st *InMemoryStore) Delete(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.jobs, job.ID)
	return nil
}

// Next picks the next job to dispatch: highest priority first, then
// earliest submission. Jobs whose backoff delay has not elapsed are
// invisible.
func (st *InMemoryStore) Next(ctx context.Context) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()
	var next *Job
	for _, job := range st.jobs {
		if job.Status != StatusQueued || job.ReadyAt.After(now) {
			continue
		}
		if next == nil || dispatchBefore(job, next) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}
	return next.Clone(), nil
}

// dispatchBefore reports whether a runs before b in dispatch order.
func dispatchBefore(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.SubmittedAt.Before(b.SubmittedAt)
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Lookup(ctx context.Context, id string) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// ActiveByDocument returns the queued or processing job for the document
// (or ErrNotFound).
func (st *InMemoryStore) ActiveByDocument(ctx context.Context, documentID string) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, job := range st.jobs {
		if job.DocumentID == documentID && !job.Status.Terminal() {
			return job.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// QueuePosition returns the 1-based dispatch position of a queued job.
func (st *InMemoryStore) QueuePosition(ctx context.Context, id string) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return 0, ErrNotFound
	}
	if job.Status != StatusQueued {
		return 0, nil
	}
	pos := 1
	for _, other := range st.jobs {
		if other.ID == job.ID || other.Status != StatusQueued {
			continue
		}
		if dispatchBefore(other, job) {
			pos++
		}
	}
	return pos, nil
}

// List finds matching jobs, most recently submitted first.
func (st *InMemoryStore) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var matches []*Job
	for _, job := range st.jobs {
		if req.DocumentID != "" && job.DocumentID != req.DocumentID {
			continue
		}
		if req.RequesterID != "" && job.RequesterID != req.RequesterID {
			continue
		}
		if req.Status != "" && job.Status != req.Status {
			continue
		}
		matches = append(matches, job)
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].SubmittedAt.After(matches[j].SubmittedAt)
	})
	rsp := &ListResponse{Total: len(matches)}
	if req.Offset > 0 {
		if req.Offset >= len(matches) {
			return rsp, nil
		}
		matches = matches[req.Offset:]
	}
	if req.Limit > 0 && len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}
	for _, job := range matches {
		rsp.Jobs = append(rsp.Jobs, job.Clone())
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (st *InMemoryStore) Stats(ctx context.Context) (*Stats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stats := &Stats{}
	for _, job := range st.jobs {
		switch job.Status {
		case StatusQueued:
			stats.Queued++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// PurgeTerminal evicts terminal jobs past the retention window.
func (st *InMemoryStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var count int
	for id, job := range st.jobs {
		if job.Status.Terminal() && !job.CompletedAt.IsZero() && job.CompletedAt.Before(olderThan) {
			delete(st.jobs, id)
			count++
		}
	}
	return count, nil
}
