// Package sqlite provides a file-backed pagepipe.Store for single-node
// deployments that need persistence without running a database server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pagepipe/pagepipe"
)

const schema = `CREATE TABLE IF NOT EXISTS pagepipe_jobs (
id text primary key,
document_id text,
requester_id text,
priority integer,
state text,
stage text,
progress integer,
retry_count integer,
attempt integer,
error_message text,
metadata text,
submitted integer,
ready integer,
started integer,
completed integer,
estimated integer,
last_mod integer);
CREATE INDEX IF NOT EXISTS ix_jobs_document_id ON pagepipe_jobs (document_id);
CREATE INDEX IF NOT EXISTS ix_jobs_state ON pagepipe_jobs (state);
CREATE INDEX IF NOT EXISTS ix_jobs_dispatch ON pagepipe_jobs (state, priority, submitted);
CREATE INDEX IF NOT EXISTS ix_jobs_completed ON pagepipe_jobs (completed);`

const jobColumns = `id, document_id, requester_id, priority, state, stage, progress,
retry_count, attempt, error_message, metadata, submitted, ready, started,
completed, estimated, last_mod`

// Store is a SQLite-backed implementation of pagepipe.Store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the SQLite database at path and prepares
// the schema. Use ":memory:" for an ephemeral store.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The driver does not support concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Start requeues jobs a previous run left in the processing state.
func (s *Store) Start(ctx context.Context) error {
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		UPDATE pagepipe_jobs
		SET state = ?, stage = ?, progress = 0, started = 0, ready = ?, last_mod = ?
		WHERE state = ?`,
		string(pagepipe.StatusQueued), string(pagepipe.StageQueued), now, now,
		string(pagepipe.StatusProcessing))
	return err
}

// Create adds a new job to the store.
func (s *Store) Create(ctx context.Context, job *pagepipe.Job) error {
	j, err := newRow(job)
	if err != nil {
		return err
	}
	j.LastMod = time.Now().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pagepipe_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.DocumentID, j.RequesterID, j.Priority, j.State, j.Stage,
		j.Progress, j.RetryCount, j.Attempt, j.ErrorMessage, j.Metadata,
		j.Submitted, j.Ready, j.Started, j.Completed, j.Estimated, j.LastMod)
	return err
}

// Update updates the job in the store.
func (s *Store) Update(ctx context.Context, job *pagepipe.Job) error {
	j, err := newRow(job)
	if err != nil {
		return err
	}
	j.LastMod = time.Now().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE pagepipe_jobs
		SET document_id = ?, requester_id = ?, priority = ?, state = ?,
		    stage = ?, progress = ?, retry_count = ?, attempt = ?,
		    error_message = ?, metadata = ?, submitted = ?, ready = ?,
		    started = ?, completed = ?, estimated = ?, last_mod = ?
		WHERE id = ?`,
		j.DocumentID, j.RequesterID, j.Priority, j.State, j.Stage,
		j.Progress, j.RetryCount, j.Attempt, j.ErrorMessage, j.Metadata,
		j.Submitted, j.Ready, j.Started, j.Completed, j.Estimated,
		j.LastMod, j.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return pagepipe.ErrNotFound
	}
	return nil
}

// Delete removes a job from the store.
func (s *Store) Delete(ctx context.Context, job *pagepipe.Job) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pagepipe_jobs WHERE id = ?`, job.ID)
	return err
}

// Next picks the next job to dispatch, or nil if no queued job is ready.
func (s *Store) Next(ctx context.Context) (*pagepipe.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM pagepipe_jobs
		WHERE state = ? AND ready <= ?
		ORDER BY priority DESC, submitted ASC
		LIMIT 1`,
		string(pagepipe.StatusQueued), time.Now().UnixNano())
	j, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j.toJob()
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*pagepipe.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM pagepipe_jobs WHERE id = ?`, id)
	j, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, pagepipe.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j.toJob()
}

// ActiveByDocument returns the queued or processing job for a document.
func (s *Store) ActiveByDocument(ctx context.Context, documentID string) (*pagepipe.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM pagepipe_jobs
		WHERE document_id = ? AND state IN (?, ?)
		LIMIT 1`,
		documentID, string(pagepipe.StatusQueued), string(pagepipe.StatusProcessing))
	j, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, pagepipe.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j.toJob()
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
	var ahead int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM pagepipe_jobs
		WHERE state = ?
		  AND (priority > ? OR (priority = ? AND submitted < ?))`,
		string(pagepipe.StatusQueued),
		int64(job.Priority), int64(job.Priority), job.SubmittedAt.UnixNano()).
		Scan(&ahead)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

// List returns jobs matching the parameters in the request.
func (s *Store) List(ctx context.Context, request *pagepipe.ListRequest) (*pagepipe.ListResponse, error) {
	where := " WHERE 1=1"
	var args []interface{}
	if request.DocumentID != "" {
		where += " AND document_id = ?"
		args = append(args, request.DocumentID)
	}
	if request.RequesterID != "" {
		where += " AND requester_id = ?"
		args = append(args, request.RequesterID)
	}
	if request.Status != "" {
		where += " AND state = ?"
		args = append(args, string(request.Status))
	}

	rsp := &pagepipe.ListResponse{}
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pagepipe_jobs`+where, args...).
		Scan(&rsp.Total)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + jobColumns + ` FROM pagepipe_jobs` + where + ` ORDER BY submitted DESC`
	if request.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, request.Limit)
		if request.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, request.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		j, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		job, err := j.toJob()
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

// Stats returns counts of jobs per lifecycle state.
func (s *Store) Stats(ctx context.Context) (*pagepipe.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM pagepipe_jobs GROUP BY state`)
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
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pagepipe_jobs
		WHERE state IN (?, ?, ?) AND completed > 0 AND completed < ?`,
		string(pagepipe.StatusCompleted), string(pagepipe.StatusFailed),
		string(pagepipe.StatusCancelled), olderThan.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// -- SQLite-internal representation of a job --

type row struct {
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(sc rowScanner) (*row, error) {
	j := new(row)
	err := sc.Scan(
		&j.ID, &j.DocumentID, &j.RequesterID, &j.Priority, &j.State,
		&j.Stage, &j.Progress, &j.RetryCount, &j.Attempt, &j.ErrorMessage,
		&j.Metadata, &j.Submitted, &j.Ready, &j.Started, &j.Completed,
		&j.Estimated, &j.LastMod)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func newRow(job *pagepipe.Job) (*row, error) {
	var metadata string
	if job.Metadata != nil {
		v, err := json.Marshal(job.Metadata)
		if err != nil {
			return nil, err
		}
		metadata = string(v)
	}
	return &row{
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

func (j *row) toJob() (*pagepipe.Job, error) {
	var metadata map[string]interface{}
	if j.Metadata.Valid && j.Metadata.String != "" {
		if err := json.Unmarshal([]byte(j.Metadata.String), &metadata); err != nil {
			return nil, err
		}
	}
	return &pagepipe.Job{
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
	}, nil
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
