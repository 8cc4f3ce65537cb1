// Package ratelimit implements the optional, disabled-by-default global
// ingress guard described in SPEC_FULL.md §4.6. Adapted from the
// teacher's per-project token-bucket limiter: one process-wide bucket
// instead of one per project id, and non-blocking (Allow only, never Wait) so
// it can never introduce the queueing spec.md explicitly disclaims for
// session traffic.
package ratelimit

import (
	"golang.org/x/time/rate"
)

// Limiter is a no-op when rate is zero.
type Limiter struct {
	limiter *rate.Limiter
	enabled bool
}

// New builds a Limiter. ratePerSecond <= 0 disables it entirely: Allow
// always returns true.
func New(ratePerSecond float64) *Limiter {
	if ratePerSecond <= 0 {
		return &Limiter{enabled: false}
	}
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		enabled: true,
	}
}

// Allow reports whether the current request may proceed. It never
// blocks.
func (l *Limiter) Allow() bool {
	if !l.enabled {
		return true
	}
	return l.limiter.Allow()
}
