// Package pagepipe manages converting uploaded documents into per-page
// rendered artifacts under concurrent load.
//
// Applications using pagepipe first create a Scheduler via New and give
// it a Rasterizer, the routine that consumes a document and emits page
// images. The scheduler owns everything around that call: admission,
// queuing, execution, retry, result caching and health reporting.
//
// Once started, the scheduler runs a fixed pool of workers. New
// conversions are admitted via Submit. If the document already has a
// live cached result and the request is not forced, the cached result
// is returned and no job is created; repeat views of already-converted
// documents cost nothing. At most one queued-or-processing job exists
// per document at any time; colliding submissions receive a
// ConflictError carrying the active job's id and progress.
//
// A dispatch loop inside the scheduler periodically hands ready jobs to
// idle workers, highest priority first, ties broken by submission time.
// The number of concurrent workers is set via SetConcurrency.
//
// A job is always in one of five states: queued, processing, completed,
// failed, or cancelled. Failed rasterizer calls are retried with capped
// exponential backoff (see RetryPolicy); the backoff delay is realized
// by making the job invisible to dispatch until it elapses, so no
// worker slot is held while waiting. Errors wrapped with Permanent are
// never retried. Jobs stuck in processing past the stall timeout are
// requeued as if they had failed recoverably.
//
// The scheduler has a Store for jobs and a Cache for results. By
// default both live in memory. There are MySQL- and SQLite-based
// persistent stores in the "mysql" and "sqlite" packages and a
// Redis-based cache in the "rediscache" package. Notice that you are
// responsible to prevent two concurrent schedulers from working on the
// same database.
//
// Metrics (queue depth, active jobs, rolling average processing time,
// success and failure rates) are derived on demand from a trailing
// window of terminal jobs, and HealthThresholds classify them into
// excellent, good, warning, or critical for operators.
package pagepipe
