// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pagepipe

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound must be returned from Store implementations when a
	// certain job could not be found in the specific data store.
	ErrNotFound = errors.New("pagepipe: job not found")

	// ErrCacheMiss is returned from Cache implementations when there is
	// no live entry for a document.
	ErrCacheMiss = errors.New("pagepipe: cache miss")
)

// ConflictError is returned when a submission collides with an active job
// for the same document, or when an operation is not valid for the job's
// current state. It carries enough context for the caller to decide
// whether to force a reconversion.
type ConflictError struct {
	JobID    string // identifier of the conflicting job
	Progress int    // its current progress in percent
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("pagepipe: %s (job %s at %d%%)", e.Reason, e.JobID, e.Progress)
	}
	return "pagepipe: " + e.Reason
}

// ValidationError is returned when a request is missing or carries
// malformed fields. It is always recoverable by the caller fixing its
// input and is never retried internally.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pagepipe: invalid %s: %s", e.Field, e.Reason)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// permanentError marks a rasterizer failure as non-recoverable. Jobs
// failing with a permanent error are not retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the scheduler fails the job immediately instead
// of consulting the retry policy. Use it for errors that cannot succeed
// on retry, e.g. a corrupt document.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err has been marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
