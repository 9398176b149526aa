package ingest

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// defaultPenalty is the throttle applied after a rate-limit response that
// carries no Retry-After hint.
const defaultPenalty = 2 * time.Second

// RateLimiter paces embedding provider calls process-wide. It combines a
// token bucket at the provider's requests-per-minute budget with a semaphore
// capping concurrent in-flight calls. One instance is shared by every job's
// batcher, because the provider's limit applies to the whole process, not to
// a single job.
type RateLimiter struct {
	bucket *rate.Limiter
	sem    *semaphore.Weighted

	mu           sync.Mutex
	penaltyUntil time.Time
}

// NewRateLimiter builds a limiter allowing requestsPerMinute calls per minute
// and at most maxInFlight concurrent calls. Non-positive arguments select
// 60 rpm and 4 in-flight.
func NewRateLimiter(requestsPerMinute, maxInFlight int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if maxInFlight <= 0 {
		maxInFlight = 4
	}
	// Burst of roughly one second of budget, at least 1.
	burst := requestsPerMinute / 60
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		bucket: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst),
		sem:    semaphore.NewWeighted(int64(maxInFlight)),
	}
}

// Acquire blocks until a call permit is available: an in-flight slot, any
// active penalty elapsed, and a token from the rate bucket. The returned
// release function must be called when the provider call finishes.
func (l *RateLimiter) Acquire(ctx context.Context) (release func(), err error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := l.waitPenalty(ctx); err != nil {
		l.sem.Release(1)
		return nil, err
	}
	if err := l.bucket.Wait(ctx); err != nil {
		l.sem.Release(1)
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}

// Penalize pushes the next permit out by d in response to a provider
// rate-limit signal. d <= 0 applies a default penalty. Overlapping penalties
// extend to the furthest deadline rather than stacking.
func (l *RateLimiter) Penalize(d time.Duration) {
	if d <= 0 {
		d = defaultPenalty
	}
	until := time.Now().Add(d)
	l.mu.Lock()
	if until.After(l.penaltyUntil) {
		l.penaltyUntil = until
	}
	l.mu.Unlock()
}

func (l *RateLimiter) waitPenalty(ctx context.Context) error {
	for {
		l.mu.Lock()
		wait := time.Until(l.penaltyUntil)
		l.mu.Unlock()
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			// Re-check: another 429 may have extended the penalty meanwhile.
		}
	}
}
