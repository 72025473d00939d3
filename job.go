// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pagepipe

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority is the scheduling weight of a conversion job. Among queued
// jobs, higher priorities get dispatched first; ties are broken by
// submission time (FIFO).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "normal"
}

// ParsePriority maps the external name of a priority level onto the
// Priority type. Unknown names are rejected.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return PriorityNormal, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
}

// MarshalJSON serializes priorities by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON deserializes priorities by name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Status is the lifecycle state of a conversion job.
type Status string

const (
	// StatusQueued is the state of jobs waiting to be dispatched.
	StatusQueued Status = "queued"
	// StatusProcessing is the state of jobs claimed by a worker.
	StatusProcessing Status = "processing"
	// StatusCompleted is the terminal state of successful jobs.
	StatusCompleted Status = "completed"
	// StatusFailed is the terminal state of jobs that failed, even after retries.
	StatusFailed Status = "failed"
	// StatusCancelled is the terminal state of jobs cancelled by a caller.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Stage is the coarse phase a job moves through while being converted.
// Each stage maps to a fixed progress checkpoint, used when the
// rasterizer does not report fine-grained progress.
type Stage string

const (
	StageQueued          Stage = "queued"
	StageInitializing    Stage = "initializing"
	StageExtractingPages Stage = "extracting_pages"
	StageProcessingPages Stage = "processing_pages"
	StageUploadingPages  Stage = "uploading_pages"
	StageFinalizing      Stage = "finalizing"
	StageCompleted       Stage = "completed"
	StageFailed          Stage = "failed"
)

var stageProgress = map[Stage]int{
	StageQueued:          0,
	StageInitializing:    10,
	StageExtractingPages: 25,
	StageProcessingPages: 60,
	StageUploadingPages:  85,
	StageFinalizing:      95,
	StageCompleted:       100,
	StageFailed:          0,
}

// Progress returns the progress checkpoint of the stage in percent.
func (s Stage) Progress() int {
	return stageProgress[s]
}

// Job is one request to convert a document into rendered page artifacts.
// At most one non-terminal job exists per document at any time.
type Job struct {
	ID                  string         `json:"id"`                             // internal identifier
	DocumentID          string         `json:"document_id"`                    // document to convert
	RequesterID         string         `json:"requester_id,omitempty"`         // identity of the submitting actor, opaque to the pipeline
	Priority            Priority       `json:"priority"`                       // dispatch weight
	Status              Status         `json:"status"`                         // current lifecycle state
	Stage               Stage          `json:"stage"`                          // current conversion phase
	Progress            int            `json:"progress"`                       // 0..100, non-decreasing while processing
	RetryCount          int            `json:"retry_count"`                    // number of requeues after recoverable failures
	Attempt             int            `json:"-"`                              // claim counter, guards against stale worker results
	ErrorMessage        string         `json:"error_message,omitempty"`        // set when Status is failed
	Metadata            map[string]any `json:"metadata,omitempty"`             // pass-through, not interpreted by the scheduler
	SubmittedAt         time.Time      `json:"submitted_at"`                   // time of Submit
	ReadyAt             time.Time      `json:"-"`                              // earliest dispatch time (backoff delay)
	StartedAt           time.Time      `json:"started_at,omitempty"`           // time a worker claimed the job
	CompletedAt         time.Time      `json:"completed_at,omitempty"`         // time the job reached a terminal state
	EstimatedCompletion time.Time      `json:"estimated_completion,omitempty"` // best-effort estimate made at submission
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	if j.Metadata != nil {
		c.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
