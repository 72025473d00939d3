// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pagepipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type stringLogger struct {
	mu    sync.Mutex
	Lines []string
}

func (l *stringLogger) Printf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Lines = append(l.Lines, fmt.Sprintf(format, v...))
}

// okRasterizer returns a fixed result for every document.
func okRasterizer(result Result) Rasterizer {
	return RasterizerFunc(func(ctx context.Context, documentID string, progress ProgressFunc) (*Result, error) {
		progress(StageExtractingPages, -1)
		progress(StageFinalizing, -1)
		r := result
		return &r, nil
	})
}

// fastOptions make lifecycle tests snappy.
func fastOptions(extra ...SchedulerOption) []SchedulerOption {
	options := []SchedulerOption{
		SetScheduleInterval(10 * time.Millisecond),
		SetRetryPolicy(RetryPolicy{
			MaxRetries:   3,
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     50 * time.Millisecond,
		}),
	}
	return append(options, extra...)
}

func TestSchedulerDefaults(t *testing.T) {
	s := New(SetRasterizer(okRasterizer(Result{})))
	if s.st == nil {
		t.Fatal("Store is nil")
	}
	if s.cache == nil {
		t.Fatal("Cache is nil")
	}
	if have, want := s.concurrency, defaultConcurrency; have != want {
		t.Fatalf("concurrency = %v, want %v", have, want)
	}
	if have, want := s.started, false; have != want {
		t.Fatalf("started = %t, want %t", have, want)
	}
	if have, want := len(s.workers), 0; have != want {
		t.Fatalf("len(workers) = %d, want %d", have, want)
	}
}

func TestSchedulerStartRequiresRasterizer(t *testing.T) {
	s := New()
	if err := s.Start(); err == nil {
		t.Fatal("expected Start to fail without a rasterizer")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := New(fastOptions(SetRasterizer(okRasterizer(Result{})))...)
	started := make(chan struct{}, 1)
	stopped := make(chan struct{}, 1)
	s.testSchedulerStarted = func() { started <- struct{}{} }
	s.testSchedulerStopped = func() { stopped <- struct{}{} }

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	select {
	case <-started:
	case <-time.After(1 * time.Second):
		t.Fatal("Start timed out")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed with %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop timed out")
	}
}

// TestJobSuccess is the green case where a conversion runs through and
// the result lands in the cache.
func TestJobSuccess(t *testing.T) {
	scheduled := make(chan struct{}, 1)
	started := make(chan struct{}, 1)
	succeeded := make(chan struct{}, 1)

	s := New(fastOptions(SetRasterizer(okRasterizer(Result{Key: "pages/doc-1", PageCount: 4, SizeBytes: 2048})))...)
	s.testJobScheduled = func() { scheduled <- struct{}{} }
	s.testJobStarted = func() { started <- struct{}{} }
	s.testJobSucceeded = func() { succeeded <- struct{}{} }

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer s.Stop()

	ctx := context.Background()
	res, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-1", RequesterID: "alice", Priority: PriorityNormal})
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	if res.Cached {
		t.Fatal("fresh submission reported as cached")
	}
	if res.Job == nil || res.Job.ID == "" {
		t.Fatalf("Submit returned no job: %+v", res)
	}
	if want, have := 1, res.QueuePosition; want != have {
		t.Fatalf("QueuePosition = %d, want %d", have, want)
	}

	timeout := 2 * time.Second
	select {
	case <-scheduled:
	case <-time.After(timeout):
		t.Fatal("Scheduler timed out")
	}
	select {
	case <-started:
	case <-time.After(timeout):
		t.Fatal("Job start timed out")
	}
	select {
	case <-succeeded:
	case <-time.After(timeout):
		t.Fatal("Job completion timed out")
	}

	job, err := s.Lookup(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if want, have := StatusCompleted, job.Status; want != have {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if want, have := 100, job.Progress; want != have {
		t.Fatalf("Progress = %d, want %d", have, want)
	}
	entry, err := s.cache.Peek(ctx, "doc-1")
	if err != nil {
		t.Fatalf("expected cache entry after success, got %v", err)
	}
	if want, have := 4, entry.Result.PageCount; want != have {
		t.Fatalf("cached PageCount = %d, want %d", have, want)
	}
}

// TestJobPermanentFailure checks that a non-recoverable failure is not
// retried, regardless of the retry policy.
func TestJobPermanentFailure(t *testing.T) {
	failed := make(chan struct{}, 1)
	retried := make(chan struct{}, 8)

	l := &stringLogger{}
	rast := RasterizerFunc(func(ctx context.Context, documentID string, progress ProgressFunc) (*Result, error) {
		return nil, Permanent(errors.New("document corrupt"))
	})
	s := New(fastOptions(SetRasterizer(rast), SetLogger(l))...)
	s.testJobFailed = func() { failed <- struct{}{} }
	s.testJobRetry = func() { retried <- struct{}{} }

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer s.Stop()

	ctx := context.Background()
	res, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-bad"})
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("Job failure timed out")
	}
	select {
	case <-retried:
		t.Fatal("permanent failure must not be retried")
	default:
	}
	job, err := s.Lookup(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if want, have := StatusFailed, job.Status; want != have {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if job.ErrorMessage == "" {
		t.Fatal("ErrorMessage not set on failed job")
	}
	if want, have := 0, job.RetryCount; want != have {
		t.Fatalf("RetryCount = %d, want %d", have, want)
	}
}

// TestJobSuccessAfterRetry schedules a conversion that fails on the 1st
// call but succeeds on the 2nd.
func TestJobSuccessAfterRetry(t *testing.T) {
	retried := make(chan struct{}, 1)
	succeeded := make(chan struct{}, 1)

	var mu sync.Mutex
	var calls int
	rast := RasterizerFunc(func(ctx context.Context, documentID string, progress ProgressFunc) (*Result, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("rasterizer hiccup")
		}
		return &Result{Key: "pages/doc-1", PageCount: 1}, nil
	})
	s := New(fastOptions(SetRasterizer(rast))...)
	s.testJobRetry = func() { retried <- struct{}{} }
	s.testJobSucceeded = func() { succeeded <- struct{}{} }

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer s.Stop()

	ctx := context.Background()
	res, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	timeout := 2 * time.Second
	select {
	case <-retried:
	case <-time.After(timeout):
		t.Fatal("Job retry timed out")
	}
	select {
	case <-succeeded:
	case <-time.After(timeout):
		t.Fatal("Job success timed out")
	}
	job, err := s.Lookup(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if want, have := StatusCompleted, job.Status; want != have {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if want, have := 1, job.RetryCount; want != have {
		t.Fatalf("RetryCount = %d, want %d", have, want)
	}
}

// TestRetryBound checks that a job whose rasterizer always fails
// recoverably is requeued exactly MaxRetries times.
func TestRetryBound(t *testing.T) {
	failed := make(chan struct{}, 1)
	retries := make(chan struct{}, 16)

	rast := RasterizerFunc(func(ctx context.Context, documentID string, progress ProgressFunc) (*Result, error) {
		return nil, errors.New("always failing")
	})
	s := New(fastOptions(SetRasterizer(rast))...)
	s.testJobFailed = func() { failed <- struct{}{} }
	s.testJobRetry = func() { retries <- struct{}{} }

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer s.Stop()

	ctx := context.Background()
	res, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("Job failure timed out")
	}
	if want, have := 3, len(retries); want != have {
		t.Fatalf("retries = %d, want exactly %d", have, want)
	}
	job, err := s.Lookup(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if want, have := 3, job.RetryCount; want != have {
		t.Fatalf("RetryCount = %d, want %d", have, want)
	}
}

// TestSubmitCacheFirst checks that a live cached result short-circuits
// submission unless the caller forces a reconversion.
func TestSubmitCacheFirst(t *testing.T) {
	s := New(SetRasterizer(okRasterizer(Result{})))
	ctx := context.Background()
	if err := s.cache.Put(ctx, "doc-1", Result{Key: "pages/doc-1", PageCount: 2}, 0); err != nil {
		t.Fatalf("Put failed with %v", err)
	}

	res, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	if !res.Cached {
		t.Fatal("expected cache hit")
	}
	if res.Job != nil {
		t.Fatal("cache hit must not create a job")
	}
	if _, err := s.JobByDocument(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("JobByDocument = %v, want ErrNotFound", err)
	}

	// force=true converts again even though cached.
	res, err = s.Submit(ctx, SubmitRequest{DocumentID: "doc-1", Force: true})
	if err != nil {
		t.Fatalf("forced Submit failed with %v", err)
	}
	if res.Cached || res.Job == nil {
		t.Fatalf("forced Submit = %+v, want a fresh job", res)
	}
}

// TestSubmitConflict checks the one-active-job-per-document invariant.
func TestSubmitConflict(t *testing.T) {
	s := New(SetRasterizer(okRasterizer(Result{})))
	ctx := context.Background()
	res, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	_, err = s.Submit(ctx, SubmitRequest{DocumentID: "doc-1"})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second Submit = %v, want ConflictError", err)
	}
	if want, have := res.Job.ID, conflict.JobID; want != have {
		t.Fatalf("conflict JobID = %q, want %q", have, want)
	}
}

// TestSubmitConcurrentDedup submits the same document from many
// goroutines and expects exactly one job.
func TestSubmitConcurrentDedup(t *testing.T) {
	s := New(SetRasterizer(okRasterizer(Result{})))
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var jobIDs []string
	var conflicts int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-1"})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if IsConflict(err) {
					conflicts++
				} else {
					t.Errorf("Submit failed with %v", err)
				}
				return
			}
			jobIDs = append(jobIDs, res.Job.ID)
		}()
	}
	wg.Wait()
	if want, have := 1, len(jobIDs); want != have {
		t.Fatalf("created %d jobs, want %d", have, want)
	}
	if want, have := n-1, conflicts; want != have {
		t.Fatalf("conflicts = %d, want %d", have, want)
	}
}

func TestSubmitValidation(t *testing.T) {
	s := New(SetRasterizer(okRasterizer(Result{})))
	_, err := s.Submit(context.Background(), SubmitRequest{})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Submit with empty document = %v, want ValidationError", err)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	s := New(SetRasterizer(okRasterizer(Result{})))
	ctx := context.Background()
	res, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	if err := s.Cancel(ctx, res.Job.ID); err != nil {
		t.Fatalf("Cancel failed with %v", err)
	}
	job, err := s.Lookup(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if want, have := StatusCancelled, job.Status; want != have {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	// Cancelling a terminal job is rejected.
	if err := s.Cancel(ctx, res.Job.ID); !IsConflict(err) {
		t.Fatalf("second Cancel = %v, want ConflictError", err)
	}
	// The document is free for a new submission again.
	if _, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Submit after cancel failed with %v", err)
	}
}

// TestCancelDiscardsResult cancels a job mid-rasterization and checks
// that the finished result is discarded instead of cached.
func TestCancelDiscardsResult(t *testing.T) {
	rasterizing := make(chan string, 1)
	release := make(chan struct{})
	cancelled := make(chan struct{}, 2)

	rast := RasterizerFunc(func(ctx context.Context, documentID string, progress ProgressFunc) (*Result, error) {
		rasterizing <- documentID
		<-release
		return &Result{Key: "pages/" + documentID}, nil
	})
	s := New(fastOptions(SetRasterizer(rast))...)
	s.testJobCancelled = func() { cancelled <- struct{}{} }

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer s.Stop()

	ctx := context.Background()
	res, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	select {
	case <-rasterizing:
	case <-time.After(2 * time.Second):
		t.Fatal("rasterizer was never invoked")
	}
	if err := s.Cancel(ctx, res.Job.ID); err != nil {
		t.Fatalf("Cancel failed with %v", err)
	}
	<-cancelled // Cancel itself
	close(release)

	// Wait for the worker to observe the cancellation.
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never discarded the cancelled job")
	}
	if _, err := s.cache.Peek(ctx, "doc-1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("cache Peek = %v, want ErrCacheMiss for cancelled job", err)
	}
}

// listHookStore lets a test interleave work between a status listing
// and whatever the caller does with the returned snapshot.
type listHookStore struct {
	Store
	onList func()
}

func (st *listHookStore) List(ctx context.Context, request *ListRequest) (*ListResponse, error) {
	rsp, err := st.Store.List(ctx, request)
	if err == nil && st.onList != nil {
		st.onList()
	}
	return rsp, err
}

// claimStalled marks a queued job as processing with a start time far
// past any stall cutoff, as if its worker had gone silent long ago.
func claimStalled(t *testing.T, st Store, jobID string) *Job {
	t.Helper()
	ctx := context.Background()
	job, err := st.Lookup(ctx, jobID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	job.Status = StatusProcessing
	job.Stage = StageInitializing
	job.Progress = StageInitializing.Progress()
	job.StartedAt = time.Now().Add(-time.Hour)
	job.Attempt++
	if err := st.Update(ctx, job); err != nil {
		t.Fatalf("Update failed with %v", err)
	}
	return job
}

// TestStallSweepRequeuesStalledJob checks that the sweep returns a
// long-silent processing job to the queue while leaving a freshly
// started one alone.
func TestStallSweepRequeuesStalledJob(t *testing.T) {
	retried := make(chan struct{}, 2)

	st := NewInMemoryStore()
	s := New(SetStore(st), SetRasterizer(okRasterizer(Result{})), SetStallTimeout(time.Minute))
	s.testJobRetry = func() { retried <- struct{}{} }

	ctx := context.Background()
	stale, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-stale"})
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	claimStalled(t, st, stale.Job.ID)

	fresh, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-fresh"})
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	job, err := st.Lookup(ctx, fresh.Job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	job.Status = StatusProcessing
	job.StartedAt = time.Now()
	job.Attempt++
	if err := st.Update(ctx, job); err != nil {
		t.Fatalf("Update failed with %v", err)
	}

	s.sweepStalled()

	if want, have := 1, len(retried); want != have {
		t.Fatalf("requeued %d jobs, want %d", have, want)
	}
	job, err = s.Lookup(ctx, stale.Job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if want, have := StatusQueued, job.Status; want != have {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if want, have := 1, job.RetryCount; want != have {
		t.Fatalf("RetryCount = %d, want %d", have, want)
	}
	if !job.StartedAt.IsZero() {
		t.Fatalf("StartedAt = %v, want zero after requeue", job.StartedAt)
	}
	job, err = s.Lookup(ctx, fresh.Job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if want, have := StatusProcessing, job.Status; want != have {
		t.Fatalf("fresh job Status = %q, want %q", have, want)
	}
}

// TestStallSweepIgnoresJobFinishedMeanwhile lands a worker's result
// between the sweep's status listing and its requeue decision. The
// completed job must stay completed instead of being resurrected.
func TestStallSweepIgnoresJobFinishedMeanwhile(t *testing.T) {
	retried := make(chan struct{}, 1)

	inner := NewInMemoryStore()
	hooked := &listHookStore{Store: inner}
	s := New(SetStore(hooked), SetRasterizer(okRasterizer(Result{})), SetStallTimeout(time.Minute))
	s.testJobRetry = func() { retried <- struct{}{} }

	ctx := context.Background()
	res, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	job := claimStalled(t, inner, res.Job.ID)

	hooked.onList = func() {
		if err := s.finish(job, job.Attempt, &Result{Key: "pages/doc-1", PageCount: 1}, nil); err != nil {
			t.Errorf("finish failed with %v", err)
		}
	}
	s.sweepStalled()

	select {
	case <-retried:
		t.Fatal("completed job was requeued by the sweep")
	default:
	}
	current, err := s.Lookup(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if want, have := StatusCompleted, current.Status; want != have {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if want, have := 0, current.RetryCount; want != have {
		t.Fatalf("RetryCount = %d, want %d", have, want)
	}
	if _, err := s.cache.Peek(ctx, "doc-1"); err != nil {
		t.Fatalf("expected cached result to survive the sweep, got %v", err)
	}
}

// TestStallSweepIgnoresJobCancelledMeanwhile is the cancellation twin:
// a job cancelled between the listing and the requeue stays cancelled,
// so it is never re-run and nothing reaches the cache.
func TestStallSweepIgnoresJobCancelledMeanwhile(t *testing.T) {
	inner := NewInMemoryStore()
	hooked := &listHookStore{Store: inner}
	s := New(SetStore(hooked), SetRasterizer(okRasterizer(Result{})), SetStallTimeout(time.Minute))

	ctx := context.Background()
	res, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	claimStalled(t, inner, res.Job.ID)

	hooked.onList = func() {
		if err := s.Cancel(ctx, res.Job.ID); err != nil {
			t.Errorf("Cancel failed with %v", err)
		}
	}
	s.sweepStalled()

	current, err := s.Lookup(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if want, have := StatusCancelled, current.Status; want != have {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if want, have := 0, current.RetryCount; want != have {
		t.Fatalf("RetryCount = %d, want %d", have, want)
	}
	if _, err := s.cache.Peek(ctx, "doc-1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("cache Peek = %v, want ErrCacheMiss for cancelled job", err)
	}
}

// TestStallTimeoutRequeuesAndDiscardsLateResult runs a conversion whose
// first attempt hangs past the stall timeout. The sweep requeues it, a
// second attempt completes, and the hung attempt's late result is
// discarded when it finally reports in.
func TestStallTimeoutRequeuesAndDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	retried := make(chan struct{}, 4)
	succeeded := make(chan struct{}, 1)

	var mu sync.Mutex
	var calls int
	rast := RasterizerFunc(func(ctx context.Context, documentID string, progress ProgressFunc) (*Result, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-release
			return &Result{Key: "pages/stale", PageCount: 1}, nil
		}
		return &Result{Key: "pages/fresh", PageCount: 2}, nil
	})
	s := New(fastOptions(SetRasterizer(rast), SetStallTimeout(50*time.Millisecond))...)
	s.testJobRetry = func() { retried <- struct{}{} }
	s.testJobSucceeded = func() { succeeded <- struct{}{} }

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer s.Stop()

	ctx := context.Background()
	res, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	select {
	case <-retried:
	case <-time.After(2 * time.Second):
		t.Fatal("stalled job was never requeued")
	}
	select {
	case <-succeeded:
	case <-time.After(2 * time.Second):
		t.Fatal("second attempt never completed")
	}

	// Unblock the first attempt; its result arrives after the job has
	// already completed and must be thrown away.
	close(release)
	time.Sleep(100 * time.Millisecond)

	job, err := s.Lookup(ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if want, have := StatusCompleted, job.Status; want != have {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if job.RetryCount == 0 {
		t.Fatal("RetryCount = 0, want the stalled attempt counted")
	}
	entry, err := s.cache.Peek(ctx, "doc-1")
	if err != nil {
		t.Fatalf("expected cache entry after success, got %v", err)
	}
	if want, have := "pages/fresh", entry.Result.Key; want != have {
		t.Fatalf("cached Key = %q, want %q", have, want)
	}
}

func TestWarmCache(t *testing.T) {
	s := New(SetRasterizer(okRasterizer(Result{})))
	ctx := context.Background()

	// doc-a is already cached, doc-b is already in flight.
	if err := s.cache.Put(ctx, "doc-a", Result{SizeBytes: 1}, 0); err != nil {
		t.Fatalf("Put failed with %v", err)
	}
	if _, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-b"}); err != nil {
		t.Fatalf("Submit failed with %v", err)
	}

	warmed, err := s.WarmCache(ctx, []string{"doc-a", "doc-b", "doc-c", "doc-c", ""})
	if err != nil {
		t.Fatalf("WarmCache failed with %v", err)
	}
	if want, have := 1, warmed; want != have {
		t.Fatalf("warmed = %d, want %d", have, want)
	}
	if _, err := s.JobByDocument(ctx, "doc-c"); err != nil {
		t.Fatalf("expected job for doc-c, got %v", err)
	}
}

func TestWarmCachePopularFallback(t *testing.T) {
	s := New(SetRasterizer(okRasterizer(Result{})))
	ctx := context.Background()

	// Make doc-hot popular, then drop it from the cache.
	s.cache.Put(ctx, "doc-hot", Result{SizeBytes: 1}, 0)
	for i := 0; i < 3; i++ {
		s.cache.Get(ctx, "doc-hot")
	}
	s.cache.Invalidate(ctx, "doc-hot")
	// doc-cold stays cached and must not be re-warmed.
	s.cache.Put(ctx, "doc-cold", Result{SizeBytes: 1}, 0)
	s.cache.Get(ctx, "doc-cold")

	warmed, err := s.WarmCache(ctx, nil)
	if err != nil {
		t.Fatalf("WarmCache failed with %v", err)
	}
	if want, have := 1, warmed; want != have {
		t.Fatalf("warmed = %d, want %d", have, want)
	}
	if _, err := s.JobByDocument(ctx, "doc-hot"); err != nil {
		t.Fatalf("expected job for doc-hot, got %v", err)
	}
	if _, err := s.JobByDocument(ctx, "doc-cold"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("doc-cold must not be re-warmed, got %v", err)
	}
}

func TestInvalidateCacheMultiple(t *testing.T) {
	s := New(SetRasterizer(okRasterizer(Result{})))
	ctx := context.Background()
	s.cache.Put(ctx, "a", Result{SizeBytes: 1}, 0)
	s.cache.Put(ctx, "b", Result{SizeBytes: 1}, 0)

	count, err := s.InvalidateCacheMultiple(ctx, []string{"a", "a", "", "b", "missing"})
	if err != nil {
		t.Fatalf("InvalidateCacheMultiple failed with %v", err)
	}
	if want, have := 2, count; want != have {
		t.Fatalf("invalidated = %d, want %d", have, want)
	}
	if _, err := s.InvalidateCacheMultiple(ctx, []string{"", ""}); err == nil {
		t.Fatal("expected ValidationError for blank-only input")
	}
}

func TestSystemStatusUtilization(t *testing.T) {
	tests := []struct {
		Active, Capacity, Expected int
	}{
		{0, 3, 0},
		{1, 3, 33},
		{2, 3, 67}, // rounds, not truncates
		{3, 3, 100},
	}
	for _, test := range tests {
		if want, have := test.Expected, utilizationPercent(test.Active, test.Capacity); want != have {
			t.Errorf("utilizationPercent(%d, %d) = %d, want %d", test.Active, test.Capacity, have, want)
		}
	}
}

func TestStatusReportsActiveJob(t *testing.T) {
	s := New(SetRasterizer(okRasterizer(Result{})))
	ctx := context.Background()
	res, err := s.Submit(ctx, SubmitRequest{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	status, err := s.Status(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Status failed with %v", err)
	}
	if status.HasCachedResult {
		t.Fatal("unexpected cached result")
	}
	if status.CurrentJob == nil || status.CurrentJob.ID != res.Job.ID {
		t.Fatalf("CurrentJob = %+v, want job %s", status.CurrentJob, res.Job.ID)
	}
	if want, have := 1, status.Queue.Depth; want != have {
		t.Fatalf("Queue.Depth = %d, want %d", have, want)
	}
}

func TestCacheStatsEfficiency(t *testing.T) {
	s := New(SetRasterizer(okRasterizer(Result{})))
	ctx := context.Background()
	s.metrics.Record(10*time.Second, true)

	s.cache.Put(ctx, "doc-1", Result{SizeBytes: 1000}, 0)
	for i := 0; i < 3; i++ { // 2 repeat views
		s.cache.Get(ctx, "doc-1")
	}
	stats, err := s.CacheStats(ctx)
	if err != nil {
		t.Fatalf("CacheStats failed with %v", err)
	}
	if want, have := int64(2000), stats.Efficiency.StorageSavedBytes; want != have {
		t.Fatalf("StorageSavedBytes = %d, want %d", have, want)
	}
	if want, have := 20*time.Second, stats.Efficiency.TimeSaved; want != have {
		t.Fatalf("TimeSaved = %v, want %v", have, want)
	}
}
