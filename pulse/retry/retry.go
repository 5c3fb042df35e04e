// Package retry holds the exponential backoff policy shared by the
// per-call loop and the per-batch loop. Each loop owns its own Policy,
// so their budgets never mix.
package retry

import (
	"context"
	"time"
)

// Policy is a capped exponential backoff with a retry budget
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Attempts is the total number of tries: the first one plus MaxRetries
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay returns min(BaseDelay * 2^attempt, MaxDelay) for a 0-based attempt
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.BaseDelay <= 0 {
		return 0
	}

	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		// stop doubling before it can overflow
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepFunc matches Sleep; loops take one so tests can skip real waiting
type SleepFunc func(ctx context.Context, d time.Duration) error
