/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package orchestrator

import (
	"context"
	"sync"
	"time"
)

// RateLimiter limits task starts to maxRequests per sliding period.
// A nil RateLimiter, or one with maxRequests <= 0, never waits.
type RateLimiter struct {
	maxRequests int
	period      time.Duration
	starts      []time.Time
	mu          sync.Mutex
	now         func() time.Time
}

// NewRateLimiter creates a limiter allowing maxRequests starts per periodSeconds
func NewRateLimiter(maxRequests, periodSeconds int) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		period:      time.Duration(periodSeconds) * time.Second,
		starts:      make([]time.Time, 0, max(maxRequests, 0)),
		now:         time.Now,
	}
}

// Wait blocks until a start is allowed or ctx is done, and returns the time waited
func (r *RateLimiter) Wait(ctx context.Context) (time.Duration, error) {
	if r == nil || r.maxRequests <= 0 {
		return 0, nil
	}

	var waited time.Duration
	for {
		r.mu.Lock()
		now := r.now()
		r.expire(now)
		if len(r.starts) < r.maxRequests {
			r.starts = append(r.starts, now)
			r.mu.Unlock()
			return waited, nil
		}
		delay := r.starts[0].Add(r.period).Sub(now)
		r.mu.Unlock()

		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
			waited += delay
		}
	}
}

// Available returns the number of starts allowed before the limiter waits
func (r *RateLimiter) Available() int {
	if r == nil || r.maxRequests <= 0 {
		return -1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expire(r.now())
	return r.maxRequests - len(r.starts)
}

// expire drops starts older than the period. Caller holds r.mu.
func (r *RateLimiter) expire(now time.Time) {
	cutoff := now.Add(-r.period)
	kept := r.starts[:0]
	for _, t := range r.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.starts = kept
}
