package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/pagepipe/pagepipe"
)

const mysqlSchema = `CREATE TABLE IF NOT EXISTS pagepipe_jobs (
id varchar(36) primary key,
document_id varchar(255),
requester_id varchar(255),
priority bigint,
state varchar(30),
stage varchar(30),
progress integer,
retry_count integer,
attempt integer,
error_message text,
metadata text,
submitted bigint,
ready bigint,
started bigint,
completed bigint,
estimated bigint,
last_mod bigint,
index ix_jobs_document_id (document_id),
index ix_jobs_state (state),
index ix_jobs_requester_id (requester_id),
index ix_jobs_dispatch (state, priority, submitted),
index ix_jobs_completed (completed),
index ix_jobs_last_mod (last_mod));`

// Store represents a persistent MySQL storage implementation.
// It implements the pagepipe.Store interface.
type Store struct {
	db    *sql.DB
	debug bool
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore initializes a new MySQL-based storage.
func NewStore(url string, options ...StoreOption) (*Store, error) {
	st := &Store{}
	for _, opt := range options {
		opt(st)
	}
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("no database specified")
	}
	// First connect without DB name
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	// Create database
	_, err = setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
	if err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name
	st.db, err = sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}

	// Create schema
	_, err = st.db.Exec(mysqlSchema)
	if err != nil {
		return nil, err
	}

	return st, nil
}

// SetDebug indicates whether to enable or disable debugging (which will
// output SQL to the console).
func SetDebug(enabled bool) StoreOption {
	return func(s *Store) {
		s.debug = enabled
	}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runWithRetry(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return backoff.Retry(fn, b)
}

// Start is called when the scheduler starts up.
// Jobs a previous run left in the processing state are put back into
// the queue so they get dispatched again.
func (s *Store) Start(ctx context.Context) error {
	// TODO This will fail if we have two or more schedulers working on the same database!
	query, args, err := sq.Update("pagepipe_jobs").
		Set("state", string(pagepipe.StatusQueued)).
		Set("stage", string(pagepipe.StageQueued)).
		Set("progress", 0).
		Set("started", 0).
		Set("ready", time.Now().UnixNano()).
		Set("last_mod", time.Now().UnixNano()).
		Where(sq.Eq{"state": string(pagepipe.StatusProcessing)}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// Create adds a new job to the store.
func (s *Store) Create(ctx context.Context, job *pagepipe.Job) error {
	j, err := newJob(job)
	if err != nil {
		return err
	}
	j.LastMod = time.Now().UnixNano()
	query, args, err := sq.Insert("pagepipe_jobs").
		Columns(jobColumns...).
		Values(j.values()...).
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// Update updates the job in the store.
func (s *Store) Update(ctx context.Context, job *pagepipe.Job) error {
	j, err := newJob(job)
	if err != nil {
		return err
	}
	j.LastMod = time.Now().UnixNano()
	query, args, err := sq.Update("pagepipe_jobs").
		Set("document_id", j.DocumentID).
		Set("requester_id", j.RequesterID).
		Set("priority", j.Priority).
		Set("state", j.State).
		Set("stage", j.Stage).
		Set("progress", j.Progress).
		Set("retry_count", j.RetryCount).
		Set("attempt", j.Attempt).
		Set("error_message", j.ErrorMessage).
		Set("metadata", j.Metadata).
		Set("submitted", j.Submitted).
		Set("ready", j.Ready).
		Set("started", j.Started).
		Set("completed", j.Completed).
		Set("estimated", j.Estimated).
		Set("last_mod", j.LastMod).
		Where(sq.Eq{"id": j.ID}).
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			// Either gone or unchanged; distinguish the two.
			var one int
			err := s.db.QueryRowContext(ctx, "SELECT 1 FROM pagepipe_jobs WHERE id = ?", j.ID).Scan(&one)
			if err == sql.ErrNoRows {
				return backoff.Permanent(pagepipe.ErrNotFound)
			}
			return err
		}
		return nil
	})
}

// Delete removes a job from the store.
func (s *Store) Delete(ctx context.Context, job *pagepipe.Job) error {
	query, args, err := sq.Delete("pagepipe_jobs").Where(sq.Eq{"id": job.ID}).ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// Next picks the next job to dispatch, or nil if no queued job is ready.
func (s *Store) Next(ctx context.Context) (*pagepipe.Job, error) {
	query, args, err := sq.Select(jobColumns...).
		From("pagepipe_jobs").
		Where(sq.Eq{"state": string(pagepipe.StatusQueued)}).
		Where(sq.LtOrEq{"ready": time.Now().UnixNano()}).
		OrderBy("priority desc", "submitted asc").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}
	j, err := s.scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j.ToJob()
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*pagepipe.Job, error) {
	query, args, err := sq.Select(jobColumns...).
		From("pagepipe_jobs").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	j, err := s.scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, pagepipe.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j.ToJob()
}

// ActiveByDocument returns the queued or processing job for a document.
func (s *Store) ActiveByDocument(ctx context.Context, documentID string) (*pagepipe.Job, error) {
	query, args, err := sq.Select(jobColumns...).
		From("pagepipe_jobs").
		Where(sq.Eq{"document_id": documentID}).
		Where(sq.Eq{"state": []string{
			string(pagepipe.StatusQueued),
			string(pagepipe.StatusProcessing),
		}}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}
	j, err := s.scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, pagepipe.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j.ToJob()
}

// QueuePosition returns the 1-based dispatch position of a queued job.
func (s *Store) QueuePosition(ctx context.Context, id string) (int, error) {
	job, err := s.Lookup(ctx, id)
	if err != nil {
		return 0, err
	}
	if job.Status != pagepipe.StatusQueued {
		return 0, nil
	}
	query, args, err := sq.Select("COUNT(*)").
		From("pagepipe_jobs").
		Where(sq.Eq{"state": string(pagepipe.StatusQueued)}).
		Where(sq.Or{
			sq.Gt{"priority": int64(job.Priority)},
			sq.And{
				sq.Eq{"priority": int64(job.Priority)},
				sq.Lt{"submitted": job.SubmittedAt.UnixNano()},
			},
		}).
		ToSql()
	if err != nil {
		return 0, err
	}
	var ahead int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&ahead); err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

// List returns a list of all jobs stored in the data store.
func (s *Store) List(ctx context.Context, request *pagepipe.ListRequest) (*pagepipe.ListResponse, error) {
	rsp := &pagepipe.ListResponse{}

	filter := func(qry sq.SelectBuilder) sq.SelectBuilder {
		if request.DocumentID != "" {
			qry = qry.Where(sq.Eq{"document_id": request.DocumentID})
		}
		if request.RequesterID != "" {
			qry = qry.Where(sq.Eq{"requester_id": request.RequesterID})
		}
		if request.Status != "" {
			qry = qry.Where(sq.Eq{"state": string(request.Status)})
		}
		return qry
	}

	// Count
	query, args, err := filter(sq.Select("COUNT(*)").From("pagepipe_jobs")).ToSql()
	if err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&rsp.Total); err != nil {
		return nil, err
	}

	// Find
	qry := filter(sq.Select(jobColumns...).From("pagepipe_jobs")).
		OrderBy("submitted desc")
	if request.Offset > 0 {
		qry = qry.Offset(uint64(request.Offset))
	}
	if request.Limit > 0 {
		qry = qry.Limit(uint64(request.Limit))
	}
	query, args, err = qry.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		job, err := j.ToJob()
		if err != nil {
			return nil, err
		}
		rsp.Jobs = append(rsp.Jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context) (*pagepipe.Stats, error) {
	query, args, err := sq.Select("state", "COUNT(*)").
		From("pagepipe_jobs").
		GroupBy("state").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := new(pagepipe.Stats)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		switch pagepipe.Status(state) {
		case pagepipe.StatusQueued:
			stats.Queued = count
		case pagepipe.StatusProcessing:
			stats.Processing = count
		case pagepipe.StatusCompleted:
			stats.Completed = count
		case pagepipe.StatusFailed:
			stats.Failed = count
		case pagepipe.StatusCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

// PurgeTerminal removes terminal jobs that completed before the cutoff.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	query, args, err := sq.Delete("pagepipe_jobs").
		Where(sq.Eq{"state": []string{
			string(pagepipe.StatusCompleted),
			string(pagepipe.StatusFailed),
			string(pagepipe.StatusCancelled),
		}}).
		Where(sq.Gt{"completed": 0}).
		Where(sq.Lt{"completed": olderThan.UnixNano()}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// -- MySQL-internal representation of a job --

var jobColumns = []string{
	"id",
	"document_id",
	"requester_id",
	"priority",
	"state",
	"stage",
	"progress",
	"retry_count",
	"attempt",
	"error_message",
	"metadata",
	"submitted",
	"ready",
	"started",
	"completed",
	"estimated",
	"last_mod",
}

type Job struct {
	ID           string
	DocumentID   string
	RequesterID  sql.NullString
	Priority     int64
	State        string
	Stage        string
	Progress     int
	RetryCount   int
	Attempt      int
	ErrorMessage sql.NullString
	Metadata     sql.NullString
	Submitted    int64
	Ready        int64
	Started      int64
	Completed    int64
	Estimated    int64
	LastMod      int64
}

func (j *Job) values() []interface{} {
	return []interface{}{
		j.ID,
		j.DocumentID,
		j.RequesterID,
		j.Priority,
		j.State,
		j.Stage,
		j.Progress,
		j.RetryCount,
		j.Attempt,
		j.ErrorMessage,
		j.Metadata,
		j.Submitted,
		j.Ready,
		j.Started,
		j.Completed,
		j.Estimated,
		j.LastMod,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanJob(row rowScanner) (*Job, error) {
	j := new(Job)
	err := row.Scan(
		&j.ID,
		&j.DocumentID,
		&j.RequesterID,
		&j.Priority,
		&j.State,
		&j.Stage,
		&j.Progress,
		&j.RetryCount,
		&j.Attempt,
		&j.ErrorMessage,
		&j.Metadata,
		&j.Submitted,
		&j.Ready,
		&j.Started,
		&j.Completed,
		&j.Estimated,
		&j.LastMod,
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func newJob(job *pagepipe.Job) (*Job, error) {
	var metadata string
	if job.Metadata != nil {
		v, err := json.Marshal(job.Metadata)
		if err != nil {
			return nil, err
		}
		metadata = string(v)
	}
	return &Job{
		ID:           job.ID,
		DocumentID:   job.DocumentID,
		RequesterID:  sql.NullString{String: job.RequesterID, Valid: job.RequesterID != ""},
		Priority:     int64(job.Priority),
		State:        string(job.Status),
		Stage:        string(job.Stage),
		Progress:     job.Progress,
		RetryCount:   job.RetryCount,
		Attempt:      job.Attempt,
		ErrorMessage: sql.NullString{String: job.ErrorMessage, Valid: job.ErrorMessage != ""},
		Metadata:     sql.NullString{String: metadata, Valid: metadata != ""},
		Submitted:    encodeTime(job.SubmittedAt),
		Ready:        encodeTime(job.ReadyAt),
		Started:      encodeTime(job.StartedAt),
		Completed:    encodeTime(job.CompletedAt),
		Estimated:    encodeTime(job.EstimatedCompletion),
	}, nil
}

func (j *Job) ToJob() (*pagepipe.Job, error) {
	var metadata map[string]interface{}
	if j.Metadata.Valid && j.Metadata.String != "" {
		if err := json.Unmarshal([]byte(j.Metadata.String), &metadata); err != nil {
			return nil, err
		}
	}
	job := &pagepipe.Job{
		ID:                  j.ID,
		DocumentID:          j.DocumentID,
		RequesterID:         j.RequesterID.String,
		Priority:            pagepipe.Priority(j.Priority),
		Status:              pagepipe.Status(j.State),
		Stage:               pagepipe.Stage(j.Stage),
		Progress:            j.Progress,
		RetryCount:          j.RetryCount,
		Attempt:             j.Attempt,
		ErrorMessage:        j.ErrorMessage.String,
		Metadata:            metadata,
		SubmittedAt:         decodeTime(j.Submitted),
		ReadyAt:             decodeTime(j.Ready),
		StartedAt:           decodeTime(j.Started),
		CompletedAt:         decodeTime(j.Completed),
		EstimatedCompletion: decodeTime(j.Estimated),
	}
	return job, nil
}

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func decodeTime(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
