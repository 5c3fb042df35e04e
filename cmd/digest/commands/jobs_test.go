package commands

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	digesttest "github.com/teranos/digest/internal/testing"
	"github.com/teranos/digest/pulse/async"
)

func TestWaitTerminal_FollowsUpdates(t *testing.T) {
	queue := async.NewQueue(digesttest.CreateTestDB(t))
	job := async.NewJob("in.csv", 12, 5)
	require.NoError(t, queue.Enqueue(job))

	updates := queue.Subscribe()
	defer queue.Unsubscribe(updates)

	go func() {
		other := async.NewJob("other.csv", 1, 1)
		_ = queue.Enqueue(other)

		running := job.Clone()
		running.Start(3)
		_ = queue.UpdateJob(running)

		done := running.Clone()
		done.SetProgress(3)
		done.Complete()
		_ = queue.UpdateJob(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := waitTerminal(ctx, queue, updates, job)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, async.JobStatusDone, got.Status)
	assert.Equal(t, 3, got.CompletedBatches)
}

func TestWaitTerminal_PollsWithoutUpdates(t *testing.T) {
	queue := async.NewQueue(digesttest.CreateTestDB(t))
	job := async.NewJob("in.csv", 4, 2)
	require.NoError(t, queue.Enqueue(job))

	failed := job.Clone()
	failed.Failf("1 batch(es) failed")
	require.NoError(t, queue.UpdateJob(failed))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Nothing arrives on the channel; the poll picks up the stored status
	got, err := waitTerminal(ctx, queue, make(chan *async.Job), job)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusFailed, got.Status)
	assert.Equal(t, "1 batch(es) failed", got.Error)
}

func TestWaitTerminal_Cancelled(t *testing.T) {
	queue := async.NewQueue(digesttest.CreateTestDB(t))
	job := async.NewJob("in.csv", 4, 2)
	require.NoError(t, queue.Enqueue(job))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := waitTerminal(ctx, queue, make(chan *async.Job), job)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "-", formatTime(nil))

	at := time.Date(2026, 3, 10, 9, 30, 0, 0, time.Local)
	assert.Equal(t, "2026-03-10 09:30", formatTime(&at))
}
