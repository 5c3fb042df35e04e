package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 8 * time.Second},
		{200, 8 * time.Second},
		{-1, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDelayWithoutCapDoesNotOverflow(t *testing.T) {
	p := Policy{BaseDelay: time.Second}
	assert.Positive(t, p.Delay(100))
}

func TestAttempts(t *testing.T) {
	assert.Equal(t, 3, Policy{MaxRetries: 2}.Attempts())
	assert.Equal(t, 1, Policy{MaxRetries: 0}.Attempts())
	assert.Equal(t, 1, Policy{MaxRetries: -4}.Attempts())
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
}
