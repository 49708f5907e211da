// Package retry computes exponential-backoff delays for failed jobs.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy holds the backoff parameters captured from queue configuration.
// Zero JitterPercent disables jitter.
type Policy struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent float64 // fraction of the delay, in [0,1]
}

// Delay returns the wait before the next attempt for the attempt count the
// caller passes as the exponent: min(base * 2^attempts, max), with an
// optional uniform perturbation in ±JitterPercent·delay, never below one second.
func (p Policy) Delay(attempts int) time.Duration {
	// Compare in float64 space so large exponents cap instead of overflowing
	// the int64 duration.
	raw := float64(p.BaseDelay) * math.Pow(2, float64(attempts))
	delay := p.MaxDelay
	if raw >= 0 && raw < float64(p.MaxDelay) {
		delay = time.Duration(raw)
	}
	if p.JitterPercent > 0 && p.JitterPercent <= 1 {
		span := float64(delay) * p.JitterPercent
		jitter := (rand.Float64()*2 - 1) * span //nolint:gosec // backoff jitter is not security-sensitive
		delay = time.Duration(float64(delay) + jitter)
		if delay < time.Second {
			delay = time.Second
		}
	}
	return delay
}

// ShouldRetry reports whether a job with the given completed attempt count may
// run again before being moved to the DLQ.
func ShouldRetry(attempts, maxRetries int) bool {
	return attempts < maxRetries
}
