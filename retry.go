// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pagepipe

import (
	"math"
	"time"
)

// RetryPolicy decides whether a failed job is retried and how long to
// wait before the next attempt. Delays grow exponentially and are capped
// at MaxDelay, so repeated failures space out rather than hammering the
// rasterizer.
type RetryPolicy struct {
	MaxRetries   int           // number of requeues before giving up
	InitialDelay time.Duration // delay before the first retry
	Multiplier   float64       // growth factor per retry
	MaxDelay     time.Duration // upper bound for the delay
}

// DefaultRetryPolicy returns the standard policy: three retries spaced
// at 1s, 2s and 4s, with delays capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
}

// Next returns the backoff delay for a job that has already been retried
// retryCount times. The second return value is false once the policy
// gives up.
func (p RetryPolicy) Next(retryCount int) (time.Duration, bool) {
	if retryCount >= p.MaxRetries {
		return 0, false
	}
	return p.Delay(retryCount), true
}

// Delay computes min(InitialDelay * Multiplier^retryCount, MaxDelay).
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retryCount)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
