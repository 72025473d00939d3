// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pagepipe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency       = 3
	defaultCacheTTL          = 24 * time.Hour
	defaultStallTimeout      = 10 * time.Minute
	defaultRetention         = 1 * time.Hour
	defaultMetricsWindow     = 100
	defaultMinProcessingTime = 30 * time.Second
	defaultWarmCount         = 10
	defaultScheduleInterval  = 250 * time.Millisecond
	purgeInterval            = 1 * time.Minute
)

func nop() {}

// Scheduler owns the conversion queue and the worker pool. It admits
// job submissions, enforces one active job per document, dispatches to
// workers in priority-then-FIFO order, applies the retry policy on
// failure and writes completed results into the cache. Create a new
// scheduler via New.
type Scheduler struct {
	logger       Logger
	st           Store
	cache        Cache
	rast         Rasterizer
	retry        RetryPolicy
	thresholds   HealthThresholds
	metrics      *MetricsCollector
	cacheTTL     time.Duration
	stallTimeout time.Duration
	retention    time.Duration
	interval     time.Duration
	minProcTime  time.Duration

	mu          sync.Mutex // guards the following block
	concurrency int        // number of parallel workers
	working     int        // number of busy workers
	started     bool
	workers     []*worker
	stopSched   chan struct{} // stop signal for scheduler
	workersWg   sync.WaitGroup
	jobc        chan *Job
	lastPurge   time.Time

	testSchedulerStarted func() // testing hook
	testSchedulerStopped func() // testing hook
	testDispatchLoop     func() // testing hook
	testJobAdded         func() // testing hook
	testJobScheduled     func() // testing hook
	testJobStarted       func() // testing hook
	testJobRetry         func() // testing hook
	testJobFailed        func() // testing hook
	testJobSucceeded     func() // testing hook
	testJobCancelled     func() // testing hook
}

// New creates a new scheduler. Pass options to configure it; a
// Rasterizer must be set before Start.
func New(options ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		logger:               stdLogger{},
		st:                   NewInMemoryStore(),
		cache:                NewInMemoryCache(),
		retry:                DefaultRetryPolicy(),
		thresholds:           DefaultHealthThresholds(),
		metrics:              NewMetricsCollector(defaultMetricsWindow),
		cacheTTL:             defaultCacheTTL,
		stallTimeout:         defaultStallTimeout,
		retention:            defaultRetention,
		interval:             defaultScheduleInterval,
		minProcTime:          defaultMinProcessingTime,
		concurrency:          defaultConcurrency,
		testSchedulerStarted: nop,
		testSchedulerStopped: nop,
		testDispatchLoop:     nop,
		testJobAdded:         nop,
		testJobScheduled:     nop,
		testJobStarted:       nop,
		testJobRetry:         nop,
		testJobFailed:        nop,
		testJobSucceeded:     nop,
		testJobCancelled:     nop,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// -- Configuration --

// SchedulerOption is the signature of an options provider.
type SchedulerOption func(*Scheduler)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// SetStore specifies the backing Store implementation for the scheduler.
func SetStore(store Store) SchedulerOption {
	return func(s *Scheduler) {
		s.st = store
	}
}

// SetCache specifies the result cache implementation.
func SetCache(cache Cache) SchedulerOption {
	return func(s *Scheduler) {
		s.cache = cache
	}
}

// SetRasterizer specifies the page-rasterization routine invoked by the
// workers. Start fails without one.
func SetRasterizer(r Rasterizer) SchedulerOption {
	return func(s *Scheduler) {
		s.rast = r
	}
}

// SetRetryPolicy specifies how failed jobs are retried.
func SetRetryPolicy(p RetryPolicy) SchedulerOption {
	return func(s *Scheduler) {
		s.retry = p
	}
}

// SetHealthThresholds specifies the bands used to classify pipeline health.
func SetHealthThresholds(t HealthThresholds) SchedulerOption {
	return func(s *Scheduler) {
		s.thresholds = t
	}
}

// SetConcurrency sets the number of workers that will run at the same
// time. Concurrency must be greater or equal to 1 and is 3 by default.
func SetConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n < 1 {
			n = 1
		}
		s.concurrency = n
	}
}

// SetCacheTTL specifies how long completed results stay cached. A zero
// TTL keeps entries until explicit invalidation.
func SetCacheTTL(ttl time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.cacheTTL = ttl
	}
}

// SetStallTimeout specifies how long a job may sit in the processing
// state before the scheduler treats it as a recoverable failure and
// requeues it.
func SetStallTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.stallTimeout = d
		}
	}
}

// SetRetention specifies how long terminal jobs stay in the job table
// before being evicted.
func SetRetention(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.retention = d
		}
	}
}

// SetMetricsWindow specifies how many terminal jobs the metrics
// collector keeps.
func SetMetricsWindow(n int) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = NewMetricsCollector(n)
	}
}

// SetMinProcessingTime specifies the floor used for wait estimates when
// the metrics window is cold.
func SetMinProcessingTime(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.minProcTime = d
		}
	}
}

// SetScheduleInterval specifies how often the dispatch loop wakes up.
func SetScheduleInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// -- Start and Stop --

// Start runs the scheduler. Use Stop, Close, or CloseWithTimeout to stop it.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("pagepipe: scheduler already started")
	}
	if s.rast == nil {
		return errors.New("pagepipe: no rasterizer configured")
	}

	// Initialize Store
	err := s.st.Start(context.Background())
	if err != nil {
		return err
	}

	s.jobc = make(chan *Job, s.concurrency)
	s.workers = make([]*worker, s.concurrency)
	for i := 0; i < s.concurrency; i++ {
		s.workersWg.Add(1)
		s.workers[i] = newWorker(s, s.jobc)
	}

	s.stopSched = make(chan struct{})
	s.lastPurge = time.Now()
	go s.schedule()

	s.started = true

	return nil
}

// Stop stops the scheduler. It waits for working jobs to finish.
func (s *Scheduler) Stop() error {
	return s.Close()
}

// Close is an alias to Stop. It stops the scheduler and waits for
// working jobs to finish.
func (s *Scheduler) Close() error {
	return s.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops the scheduler. It waits for the specified
// timeout, then closes down, even if there are still jobs working. If
// the timeout is negative, the scheduler waits forever for all working
// jobs to end.
func (s *Scheduler) CloseWithTimeout(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Stop accepting new jobs
	s.stopSched <- struct{}{}
	<-s.stopSched
	close(s.stopSched)
	close(s.jobc)

	// Wait for all workers to complete?
	if timeout.Nanoseconds() < 0 {
		// Yes: Wait forever
		s.workersWg.Wait()
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return nil
	}

	// Wait with timeout
	complete := make(chan struct{}, 1)
	go func() {
		// Stop workers
		s.workersWg.Wait()
		close(complete)
	}()
	var err error
	select {
	case <-complete: // Completed in time
	case <-time.After(timeout):
		err = errors.New("pagepipe: close timed out")
	}

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return err
}

// -- Submit --

// SubmitRequest asks the scheduler to convert a document.
type SubmitRequest struct {
	DocumentID  string
	RequesterID string
	Priority    Priority
	Metadata    map[string]any // passed through to the job, not interpreted
	Force       bool           // bypass the cache and convert again
}

// SubmitResult is the outcome of a submission: either a cache hit (no
// job created) or a freshly queued job with its position and estimated
// wait.
type SubmitResult struct {
	Cached        bool          `json:"cached"`
	Entry         *CacheEntry   `json:"entry,omitempty"`
	Job           *Job          `json:"job,omitempty"`
	QueuePosition int           `json:"queue_position,omitempty"`
	EstimatedWait time.Duration `json:"estimated_wait,omitempty"`
}

// Submit admits a conversion request. If the document has a live cached
// result and the request is not forced, the cached result is returned
// and no job is created. If a queued or processing job already exists
// for the document, a ConflictError is returned. Otherwise the job is
// created in the queued state.
//
// Submit may block briefly on the scheduler lock but never on the
// rasterizer; rasterization happens only inside a worker.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.DocumentID == "" {
		return nil, &ValidationError{Field: "documentId", Reason: "must not be empty"}
	}

	// Cache-first: repeat views of already-converted documents cost
	// nothing. A stale or expired entry counts as a miss.
	if !req.Force {
		entry, err := s.cache.Get(ctx, req.DocumentID)
		if err == nil {
			return &SubmitResult{Cached: true, Entry: entry}, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// At most one non-terminal job per document. The check and the
	// create happen under the same lock so concurrent submissions
	// observe a consistent view.
	active, err := s.st.ActiveByDocument(ctx, req.DocumentID)
	if err == nil {
		return nil, &ConflictError{
			JobID:    active.ID,
			Progress: active.Progress,
			Reason:   "conversion already in progress for document " + req.DocumentID,
		}
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	job := &Job{
		ID:          uuid.NewString(),
		DocumentID:  req.DocumentID,
		RequesterID: req.RequesterID,
		Priority:    req.Priority,
		Status:      StatusQueued,
		Stage:       StageQueued,
		Progress:    StageQueued.Progress(),
		Metadata:    req.Metadata,
		SubmittedAt: now,
		ReadyAt:     now,
	}
	if err := s.st.Create(ctx, job); err != nil {
		return nil, err
	}

	pos, err := s.st.QueuePosition(ctx, job.ID)
	if err != nil {
		pos = 0
	}
	stats, err := s.st.Stats(ctx)
	if err != nil {
		return nil, err
	}
	m := s.metrics.Snapshot(stats.Queued, stats.Processing)
	wait := s.estimator().Estimate(pos, m)
	avg := m.AverageProcessingTime
	if avg < s.minProcTime {
		avg = s.minProcTime
	}
	job.EstimatedCompletion = now.Add(wait + avg)
	if err := s.st.Update(ctx, job); err != nil {
		return nil, err
	}

	s.testJobAdded() // testing hook

	return &SubmitResult{
		Job:           job.Clone(),
		QueuePosition: pos,
		EstimatedWait: wait,
	}, nil
}

func (s *Scheduler) estimator() WaitEstimator {
	return WaitEstimator{Capacity: s.concurrency, MinProcessingTime: s.minProcTime}
}

// -- Cancel --

// Cancel marks a queued or processing job as cancelled. Cancellation is
// cooperative: a worker mid-rasterization finishes its call and then
// discards the result; the cache is never written for a cancelled job.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.st.Lookup(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return &ConflictError{
			JobID:    job.ID,
			Progress: job.Progress,
			Reason:   fmt.Sprintf("job is already %s and cannot be cancelled", job.Status),
		}
	}
	job.Status = StatusCancelled
	job.CompletedAt = time.Now()
	if err := s.st.Update(ctx, job); err != nil {
		return err
	}
	s.testJobCancelled() // testing hook
	return nil
}

// -- Lookup and List --

// Lookup returns the job with the specified identifier.
// If no such job exists, ErrNotFound is returned.
func (s *Scheduler) Lookup(ctx context.Context, id string) (*Job, error) {
	return s.st.Lookup(ctx, id)
}

// JobByDocument returns the active (queued or processing) job for a
// document, or ErrNotFound. Used to detect in-flight work and report
// progress back to callers.
func (s *Scheduler) JobByDocument(ctx context.Context, documentID string) (*Job, error) {
	return s.st.ActiveByDocument(ctx, documentID)
}

// List returns all jobs matching the parameters in the request.
func (s *Scheduler) List(ctx context.Context, request *ListRequest) (*ListResponse, error) {
	return s.st.List(ctx, request)
}

// JobStats returns counts of jobs per lifecycle state.
func (s *Scheduler) JobStats(ctx context.Context) (*Stats, error) {
	return s.st.Stats(ctx)
}

// -- Observability --

// Metrics derives the current queue metrics from the job table and the
// trailing window of terminal jobs.
func (s *Scheduler) Metrics(ctx context.Context) (*QueueMetrics, error) {
	stats, err := s.st.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return s.metrics.Snapshot(stats.Queued, stats.Processing), nil
}

// Health classifies the current metrics snapshot.
func (s *Scheduler) Health(ctx context.Context) (*Health, error) {
	m, err := s.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	return s.thresholds.Classify(m), nil
}

// QueueSummary describes the queue as seen by a caller polling a
// document's conversion status.
type QueueSummary struct {
	Depth                 int           `json:"depth"`
	ActiveJobs            int           `json:"active_jobs"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
}

// ConversionStatus reports whether a document is converted, being
// converted, or neither.
type ConversionStatus struct {
	DocumentID      string       `json:"document_id"`
	HasCachedResult bool         `json:"has_cached_result"`
	CachedResult    *Result      `json:"cached_result,omitempty"`
	CurrentJob      *Job         `json:"current_job,omitempty"`
	Queue           QueueSummary `json:"queue"`
}

// Status reports the conversion state of a single document. The cache
// lookup does not count as an access, so polling does not skew the
// popularity ranking.
func (s *Scheduler) Status(ctx context.Context, documentID string) (*ConversionStatus, error) {
	if documentID == "" {
		return nil, &ValidationError{Field: "documentId", Reason: "must not be empty"}
	}
	st := &ConversionStatus{DocumentID: documentID}
	if entry, err := s.cache.Peek(ctx, documentID); err == nil {
		st.HasCachedResult = true
		st.CachedResult = &entry.Result
	} else if !errors.Is(err, ErrCacheMiss) {
		return nil, err
	}
	if job, err := s.st.ActiveByDocument(ctx, documentID); err == nil {
		st.CurrentJob = job
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	m, err := s.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	st.Queue = QueueSummary{
		Depth:                 m.QueueDepth,
		ActiveJobs:            m.ActiveJobs,
		AverageProcessingTime: m.AverageProcessingTime,
	}
	return st, nil
}

// SystemQueue describes pool utilization for operators.
type SystemQueue struct {
	Depth              int `json:"depth"`
	ActiveJobs         int `json:"active_jobs"`
	Capacity           int `json:"capacity"`
	UtilizationPercent int `json:"utilization_percent"`
}

// SystemPerformance describes recent pipeline performance.
type SystemPerformance struct {
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	SuccessRate           float64       `json:"success_rate"`
	FailureRate           float64       `json:"failure_rate"`
}

// SystemStatus is the operator-facing view of the pipeline.
type SystemStatus struct {
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	Healthy     bool              `json:"healthy"`
	Queue       SystemQueue       `json:"queue"`
	Performance SystemPerformance `json:"performance"`
}

// SystemStatus classifies pipeline health and reports queue utilization
// and recent performance.
func (s *Scheduler) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	m, err := s.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	h := s.thresholds.Classify(m)
	s.mu.Lock()
	capacity := s.concurrency
	s.mu.Unlock()
	return &SystemStatus{
		Status:  h.Status,
		Message: h.Message,
		Healthy: h.Healthy,
		Queue: SystemQueue{
			Depth:              m.QueueDepth,
			ActiveJobs:         m.ActiveJobs,
			Capacity:           capacity,
			UtilizationPercent: utilizationPercent(m.ActiveJobs, capacity),
		},
		Performance: SystemPerformance{
			AverageProcessingTime: m.AverageProcessingTime,
			SuccessRate:           m.SuccessRate,
			FailureRate:           m.FailureRate,
		},
	}, nil
}

// utilizationPercent rounds, rather than truncates: 2 of 3 workers busy
// is 67%, not 66%.
func utilizationPercent(active, capacity int) int {
	if capacity <= 0 {
		return 0
	}
	return int(math.Round(float64(active) / float64(capacity) * 100))
}

// -- Cache operations --

// CacheStats summarizes the result cache, including the estimated
// savings from serving repeat views out of the cache.
func (s *Scheduler) CacheStats(ctx context.Context) (*CacheStats, error) {
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.cache.Entries(ctx)
	if err != nil {
		return nil, err
	}
	m, err := s.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	var repeats int64
	for _, e := range entries {
		if e.AccessCount > 1 {
			stats.Efficiency.StorageSavedBytes += e.Result.SizeBytes * (e.AccessCount - 1)
			repeats += e.AccessCount - 1
		}
	}
	stats.Efficiency.TimeSaved = m.AverageProcessingTime * time.Duration(repeats)
	return stats, nil
}

// WarmCache proactively converts the given documents so their results
// are cached before anyone asks. With no ids, the most popular
// uncached documents are warmed. Returns the number of conversions
// actually triggered; documents already cached or already in flight
// are skipped via the normal submission path.
func (s *Scheduler) WarmCache(ctx context.Context, documentIDs []string) (int, error) {
	ids := dedupIDs(documentIDs)
	if len(ids) == 0 {
		popular, err := s.cache.Popular(ctx, defaultWarmCount)
		if err != nil {
			return 0, err
		}
		for _, p := range popular {
			if !p.Cached {
				ids = append(ids, p.DocumentID)
			}
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var (
		warmMu sync.Mutex
		warmed int
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			res, err := s.Submit(ctx, SubmitRequest{
				DocumentID:  id,
				RequesterID: "cache-warmer",
				Priority:    PriorityLow,
				Metadata:    map[string]any{"reason": "cache warming"},
			})
			if err != nil {
				if IsConflict(err) {
					// Already in flight; warming must not duplicate work.
					return nil
				}
				return err
			}
			if !res.Cached {
				warmMu.Lock()
				warmed++
				warmMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return warmed, err
	}
	return warmed, nil
}

// CleanupCache removes expired cache entries and returns the count.
func (s *Scheduler) CleanupCache(ctx context.Context) (int, error) {
	return s.cache.CleanupExpired(ctx)
}

// InvalidateCache removes the cached result for a document and reports
// whether one existed.
func (s *Scheduler) InvalidateCache(ctx context.Context, documentID string) (bool, error) {
	if documentID == "" {
		return false, &ValidationError{Field: "documentId", Reason: "must not be empty"}
	}
	return s.cache.Invalidate(ctx, documentID)
}

// InvalidateCacheMultiple invalidates each of the given documents
// (deduplicated, blank entries filtered) and returns the count actually
// removed. Invalidating an absent document is a no-op, not an error.
func (s *Scheduler) InvalidateCacheMultiple(ctx context.Context, documentIDs []string) (int, error) {
	ids := dedupIDs(documentIDs)
	if len(ids) == 0 {
		return 0, &ValidationError{Field: "documentIds", Reason: "must contain at least one document id"}
	}
	var count int
	for _, id := range ids {
		removed, err := s.cache.Invalidate(ctx, id)
		if err != nil {
			return count, err
		}
		if removed {
			count++
		}
	}
	return count, nil
}

// ClearCache drops every cached result and returns the count removed.
// Access control is the caller's concern; the pipeline trusts that the
// operation has been gated.
func (s *Scheduler) ClearCache(ctx context.Context) (int, error) {
	return s.cache.InvalidateAll(ctx)
}

func dedupIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// -- Scheduler loop --

// schedule periodically picks up ready jobs and passes them to idle
// workers, requeues stalled jobs and evicts terminal jobs past the
// retention window.
func (s *Scheduler) schedule() {
	s.testSchedulerStarted()       // testing hook
	defer s.testSchedulerStopped() // testing hook

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweepStalled()
			s.maybePurge()
			s.dispatch()
		case <-s.stopSched:
			s.stopSched <- struct{}{}
			return
		}
	}
}

// dispatch fills up available worker slots with ready jobs.
func (s *Scheduler) dispatch() {
	ctx := context.Background()
	s.testDispatchLoop() // testing hook
	for {
		s.mu.Lock()
		if s.working >= s.concurrency {
			// All workers busy
			s.mu.Unlock()
			return
		}
		job, err := s.st.Next(ctx)
		if err != nil {
			s.mu.Unlock()
			s.logger.Printf("pagepipe: error picking next job to schedule: %v", err)
			return
		}
		if job == nil {
			s.mu.Unlock()
			return
		}
		// Claim: the attempt counter lets a worker detect that its job
		// was requeued (e.g. by the stall sweep) while it was running.
		job.Status = StatusProcessing
		job.Stage = StageInitializing
		job.Progress = StageInitializing.Progress()
		job.StartedAt = time.Now()
		job.Attempt++
		if err := s.st.Update(ctx, job); err != nil {
			s.mu.Unlock()
			s.logger.Printf("pagepipe: error updating job: %v", err)
			return
		}
		s.working++
		s.mu.Unlock()
		s.testJobScheduled() // testing hook
		s.jobc <- job
	}
}

// sweepStalled requeues jobs that have been processing past the stall
// timeout, attributing the stall to a recoverable failure.
func (s *Scheduler) sweepStalled() {
	ctx := context.Background()
	cutoff := time.Now().Add(-s.stallTimeout)
	rsp, err := s.st.List(ctx, &ListRequest{Status: StatusProcessing})
	if err != nil {
		s.logger.Printf("pagepipe: error listing processing jobs: %v", err)
		return
	}
	for _, job := range rsp.Jobs {
		if job.StartedAt.IsZero() || job.StartedAt.After(cutoff) {
			continue
		}
		s.mu.Lock()
		// The listing above ran without the lock, so the job may have
		// finished or been cancelled in the meantime. Requeue only if
		// the very claim we observed is still stalled.
		current, err := s.st.Lookup(ctx, job.ID)
		if err != nil || current.Status != StatusProcessing ||
			current.Attempt != job.Attempt ||
			current.StartedAt.IsZero() || current.StartedAt.After(cutoff) {
			s.mu.Unlock()
			continue
		}
		if err := s.retryOrFail(ctx, current, fmt.Errorf("processing stalled after %v", s.stallTimeout)); err != nil {
			s.logger.Printf("pagepipe: error requeuing stalled job %v: %v", current.ID, err)
		}
		s.mu.Unlock()
	}
}

// maybePurge evicts terminal jobs past the retention window, at most
// once per purge interval.
func (s *Scheduler) maybePurge() {
	s.mu.Lock()
	due := time.Since(s.lastPurge) >= purgeInterval
	if due {
		s.lastPurge = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}
	ctx := context.Background()
	n, err := s.st.PurgeTerminal(ctx, time.Now().Add(-s.retention))
	if err != nil {
		s.logger.Printf("pagepipe: error purging terminal jobs: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("pagepipe: evicted %d terminal jobs past retention", n)
	}
}

// -- Job completion (called from workers) --

// finish applies a worker's result. Results for jobs that were
// cancelled or reclaimed while the worker was running are discarded.
func (s *Scheduler) finish(job *Job, attempt int, result *Result, rerr error) error {
	ctx := context.Background()
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.st.Lookup(ctx, job.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Evicted while running; nothing to record.
			return nil
		}
		return err
	}
	if current.Status == StatusCancelled {
		// Cooperative cancellation: the result is discarded and the
		// cache is not written.
		s.testJobCancelled() // testing hook
		return nil
	}
	if current.Status != StatusProcessing || current.Attempt != attempt {
		// Stale claim: the stall sweep requeued this job and another
		// worker owns it now.
		return nil
	}

	if rerr != nil {
		if IsPermanent(rerr) {
			return s.failJob(ctx, current, rerr)
		}
		return s.retryOrFail(ctx, current, rerr)
	}

	now := time.Now()
	current.Status = StatusCompleted
	current.Stage = StageCompleted
	current.Progress = StageCompleted.Progress()
	current.CompletedAt = now
	current.ErrorMessage = ""
	if err := s.st.Update(ctx, current); err != nil {
		return err
	}
	// The cache write follows the terminal status update under the same
	// lock, so no caller observes "completed" without a cache hit.
	if err := s.cache.Put(ctx, current.DocumentID, *result, s.cacheTTL); err != nil {
		s.logger.Printf("pagepipe: error caching result for document %v: %v", current.DocumentID, err)
	}
	s.metrics.Record(now.Sub(current.StartedAt), true)
	s.testJobSucceeded() // testing hook
	return nil
}

// retryOrFail requeues a recoverably failed job with backoff, or fails
// it once the retry policy gives up. Callers hold s.mu.
func (s *Scheduler) retryOrFail(ctx context.Context, job *Job, cause error) error {
	delay, ok := s.retry.Next(job.RetryCount)
	if !ok {
		return s.failJob(ctx, job, fmt.Errorf("%v (retries exhausted after %d attempts)", cause, job.RetryCount))
	}
	job.RetryCount++
	job.Status = StatusQueued
	job.Stage = StageQueued
	job.Progress = StageQueued.Progress()
	job.ReadyAt = time.Now().Add(delay)
	job.StartedAt = time.Time{}
	if err := s.st.Update(ctx, job); err != nil {
		return err
	}
	s.testJobRetry() // testing hook
	return nil
}

// failJob marks a job as terminally failed. Callers hold s.mu.
func (s *Scheduler) failJob(ctx context.Context, job *Job, cause error) error {
	now := time.Now()
	job.Status = StatusFailed
	job.Stage = StageFailed
	job.Progress = StageFailed.Progress()
	job.ErrorMessage = cause.Error()
	job.CompletedAt = now
	if err := s.st.Update(ctx, job); err != nil {
		return err
	}
	if !job.StartedAt.IsZero() {
		s.metrics.Record(now.Sub(job.StartedAt), false)
	} else {
		s.metrics.Record(0, false)
	}
	s.testJobFailed() // testing hook
	return nil
}

// reportProgress updates a processing job's stage and progress. The
// progress percentage never decreases.
func (s *Scheduler) reportProgress(jobID string, attempt int, stage Stage, percent int) {
	ctx := context.Background()
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.st.Lookup(ctx, jobID)
	if err != nil || job.Status != StatusProcessing || job.Attempt != attempt {
		return
	}
	if percent < 0 {
		percent = stage.Progress()
	}
	if percent > 100 {
		percent = 100
	}
	if percent < job.Progress {
		percent = job.Progress
	}
	job.Stage = stage
	job.Progress = percent
	if err := s.st.Update(ctx, job); err != nil {
		s.logger.Printf("pagepipe: error updating job progress: %v", err)
	}
}
