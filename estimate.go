// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pagepipe

import "time"

// WaitEstimator estimates how long a queued job waits before a worker
// claims it. It models the queue as draining at the currently free
// parallel capacity, one average processing time per step. This is an
// approximation, not a simulation.
type WaitEstimator struct {
	Capacity          int           // worker pool size
	MinProcessingTime time.Duration // floor for the assumed processing time on a cold metrics window
}

// Estimate returns the expected time until a job at the given 1-based
// queue position is claimed. Position 1 (or less) is next up and waits
// zero time.
func (e WaitEstimator) Estimate(queuePosition int, m *QueueMetrics) time.Duration {
	if queuePosition <= 1 {
		return 0
	}
	capacity := e.Capacity
	if capacity <= 0 {
		capacity = defaultConcurrency
	}
	parallel := capacity - m.ActiveJobs
	if parallel < 1 {
		parallel = 1
	}
	avg := m.AverageProcessingTime
	floor := e.MinProcessingTime
	if floor <= 0 {
		floor = defaultMinProcessingTime
	}
	if avg < floor {
		avg = floor
	}
	effective := (queuePosition + parallel - 1) / parallel // ceil(position / parallel)
	return time.Duration(effective) * avg
}
