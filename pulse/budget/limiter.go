// Package budget paces calls to the external chat provider.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/digest/errors"
)

// Limiter enforces max calls per minute with a token bucket.
// The bucket holds a full minute of calls and refills continuously.
type Limiter struct {
	maxCallsPerMinute int
	mu                sync.Mutex
	bucket            *rate.Limiter
	timeNow           func() time.Time // Injectable for testing
}

// NewLimiter creates a rate limiter with real time.
// maxCallsPerMinute <= 0 disables limiting.
func NewLimiter(maxCallsPerMinute int) *Limiter {
	return NewLimiterWithClock(maxCallsPerMinute, time.Now)
}

// NewLimiterWithClock creates a rate limiter with injectable clock (for testing)
func NewLimiterWithClock(maxCallsPerMinute int, timeNow func() time.Time) *Limiter {
	return &Limiter{
		maxCallsPerMinute: maxCallsPerMinute,
		bucket:            newBucket(maxCallsPerMinute),
		timeNow:           timeNow,
	}
}

func newBucket(maxCallsPerMinute int) *rate.Limiter {
	if maxCallsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(maxCallsPerMinute)), maxCallsPerMinute)
}

// Allow takes a token if one is available.
// Returns error if rate limit exceeded
func (r *Limiter) Allow() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bucket.AllowN(r.timeNow(), 1) {
		return nil
	}

	err := errors.Newf("rate limit exceeded: %d calls per minute", r.maxCallsPerMinute)
	err = errors.WithDetail(err, fmt.Sprintf("Max calls per minute: %d", r.maxCallsPerMinute))
	return err
}

// Wait blocks until a call is allowed under rate limits
// Returns error if context is cancelled
func (r *Limiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	now := r.timeNow()
	reservation := r.bucket.ReserveN(now, 1)
	r.mu.Unlock()

	if !reservation.OK() {
		return errors.Newf("rate limiter cannot grant a call (limit %d per minute)", r.maxCallsPerMinute)
	}

	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		r.mu.Lock()
		reservation.CancelAt(r.timeNow())
		r.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stats returns calls consumed from the current bucket and the calls still available
func (r *Limiter) Stats() (callsInWindow int, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxCallsPerMinute <= 0 {
		return 0, 0
	}

	remaining = int(r.bucket.TokensAt(r.timeNow()))
	if remaining < 0 {
		remaining = 0
	}
	return r.maxCallsPerMinute - remaining, remaining
}

// SetLimit replaces the per-minute limit and refills the bucket.
// Calls already waiting keep their reservations.
func (r *Limiter) SetLimit(maxCallsPerMinute int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if maxCallsPerMinute == r.maxCallsPerMinute {
		return
	}
	r.maxCallsPerMinute = maxCallsPerMinute
	r.bucket = newBucket(maxCallsPerMinute)
}

// Limit returns the current per-minute limit; 0 means unlimited
func (r *Limiter) Limit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxCallsPerMinute
}
