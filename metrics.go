// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pagepipe

import (
	"sync"
	"time"
)

// QueueMetrics is a point-in-time snapshot of the pipeline: the current
// queue plus rates computed over a trailing window of terminal jobs.
// It is recomputed on demand and never persisted.
type QueueMetrics struct {
	QueueDepth            int           `json:"queue_depth"`
	ActiveJobs            int           `json:"active_jobs"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	SuccessRate           float64       `json:"success_rate"` // percent
	FailureRate           float64       `json:"failure_rate"` // percent
}

// MetricsCollector keeps a trailing window of terminal job outcomes and
// derives rates from it. Cancelled jobs are not recorded; they say
// nothing about pipeline health.
type MetricsCollector struct {
	mu     sync.Mutex
	window []outcome // ring buffer
	next   int
	filled bool
}

type outcome struct {
	duration time.Duration
	success  bool
}

// NewMetricsCollector creates a collector over the last windowSize
// terminal jobs.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = defaultMetricsWindow
	}
	return &MetricsCollector{
		window: make([]outcome, windowSize),
	}
}

// Record adds a terminal job outcome to the window.
func (c *MetricsCollector) Record(duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window[c.next] = outcome{duration: duration, success: success}
	c.next++
	if c.next == len(c.window) {
		c.next = 0
		c.filled = true
	}
}

// Snapshot derives the current metrics. Queue depth and active job
// counts come from the caller, which owns the job table. On an empty
// window the success rate is 100: a pipeline that has not failed yet is
// not failing.
func (c *MetricsCollector) Snapshot(queueDepth, activeJobs int) *QueueMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := &QueueMetrics{
		QueueDepth:  queueDepth,
		ActiveJobs:  activeJobs,
		SuccessRate: 100,
	}
	n := c.next
	if c.filled {
		n = len(c.window)
	}
	if n == 0 {
		return m
	}
	var completed, failed int
	var totalTime time.Duration
	for i := 0; i < n; i++ {
		o := c.window[i]
		if o.success {
			completed++
			totalTime += o.duration
		} else {
			failed++
		}
	}
	if completed > 0 {
		m.AverageProcessingTime = totalTime / time.Duration(completed)
	}
	m.SuccessRate = float64(completed) / float64(completed+failed) * 100
	m.FailureRate = 100 - m.SuccessRate
	return m
}
