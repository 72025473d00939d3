// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pagepipe

import "fmt"

// HealthStatus is a coarse classification of pipeline condition.
type HealthStatus string

const (
	HealthExcellent HealthStatus = "excellent"
	HealthGood      HealthStatus = "good"
	HealthWarning   HealthStatus = "warning"
	HealthCritical  HealthStatus = "critical"
)

// Health is the classified condition of the pipeline with a
// human-readable explanation for operators.
type Health struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message"`
	Healthy bool         `json:"healthy"` // true only for excellent and good
}

// HealthThresholds are the operator-tunable bands used to classify a
// metrics snapshot. The rule ordering is fixed; only the values vary.
type HealthThresholds struct {
	CriticalFailureRate  float64 // failure rate (percent) at or above which the pipeline is critical
	CriticalQueueDepth   int     // queue depth at or above which the pipeline is critical
	WarningFailureRate   float64 // failure rate (percent) at or above which the pipeline warrants attention
	ExcellentQueueDepth  int     // queue depth at or below which the pipeline can be excellent
	ExcellentSuccessRate float64 // success rate (percent) at or above which the pipeline can be excellent
}

// DefaultHealthThresholds returns the standard bands.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		CriticalFailureRate:  50,
		CriticalQueueDepth:   100,
		WarningFailureRate:   20,
		ExcellentQueueDepth:  3,
		ExcellentSuccessRate: 95,
	}
}

// Classify maps a metrics snapshot to a discrete health status. Rules
// are evaluated in order; the first match wins.
func (t HealthThresholds) Classify(m *QueueMetrics) *Health {
	switch {
	case m.FailureRate >= t.CriticalFailureRate:
		return &Health{
			Status:  HealthCritical,
			Message: fmt.Sprintf("High failure rate: %.0f%% of recent conversions failed", m.FailureRate),
		}
	case m.QueueDepth >= t.CriticalQueueDepth:
		return &Health{
			Status:  HealthCritical,
			Message: fmt.Sprintf("Conversion queue is severely backlogged with %d waiting jobs", m.QueueDepth),
		}
	case m.FailureRate >= t.WarningFailureRate:
		return &Health{
			Status:  HealthWarning,
			Message: fmt.Sprintf("Elevated failure rate: %.0f%% of recent conversions failed", m.FailureRate),
		}
	case m.QueueDepth <= t.ExcellentQueueDepth && m.SuccessRate >= t.ExcellentSuccessRate:
		return &Health{
			Status:  HealthExcellent,
			Message: "Conversion pipeline is operating optimally",
			Healthy: true,
		}
	default:
		return &Health{
			Status:  HealthGood,
			Message: "Conversion pipeline is operating normally",
			Healthy: true,
		}
	}
}
