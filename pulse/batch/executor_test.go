package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/ingest"
	digesttest "github.com/teranos/digest/internal/testing"
	"github.com/teranos/digest/pulse"
	"github.com/teranos/digest/pulse/retry"
)

// echoRunner turns every row into one post and fails the indices in failing
type echoRunner struct {
	mu      sync.Mutex
	failing map[int]bool
	calls   map[int]int
}

func newEchoRunner(failing ...int) *echoRunner {
	r := &echoRunner{failing: map[int]bool{}, calls: map[int]int{}}
	for _, i := range failing {
		r.failing[i] = true
	}
	return r
}

func (r *echoRunner) Run(ctx context.Context, index int, rows []ingest.Row) (*UnitResult, error) {
	r.mu.Lock()
	r.calls[index]++
	fail := r.failing[index]
	r.mu.Unlock()

	if fail {
		return nil, &UnitError{Index: index, Err: errors.New("provider unavailable")}
	}
	posts := make([]Post, len(rows))
	for i, row := range rows {
		posts[i] = Post{"username": row["Handle"], "text": "post"}
	}
	return &UnitResult{Index: index, Posts: posts, Attempts: 1}, nil
}

func (r *echoRunner) heal(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failing, index)
}

func makeRows(n int) []ingest.Row {
	rows := make([]ingest.Row, n)
	for i := range rows {
		rows[i] = ingest.Row{"Handle": fmt.Sprintf("user%02d", i)}
	}
	return rows
}

type progressRecorder struct {
	mu     sync.Mutex
	events [][2]int
}

func (p *progressRecorder) BatchProgress(completed, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, [2]int{completed, total})
}

func newTestExecutor(t *testing.T, runner UnitRunner) (*Executor, *Store) {
	store := NewStore(digesttest.CreateTestDB(t))
	exec := NewExecutor(runner, store, ExecutorConfig{
		Retry: retry.Policy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		Sleep: func(ctx context.Context, d time.Duration) error { return nil },
	})
	return exec, store
}

func TestExecute_AllSucceed(t *testing.T) {
	exec, store := newTestExecutor(t, newEchoRunner())
	progress := &progressRecorder{}

	posts, err := exec.Execute(context.Background(), "job-1", makeRows(23), 10, 3, progress)
	require.NoError(t, err)

	require.Len(t, posts, 23)
	for i, p := range posts {
		assert.Equal(t, fmt.Sprintf("user%02d", i), p["username"], "merge keeps index order")
	}

	statuses, err := store.List("job-1")
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	for i, st := range statuses {
		assert.Equal(t, i, st.Index)
		assert.Equal(t, StateSucceeded, st.State)
		assert.Equal(t, 1, st.Attempts)
		assert.Equal(t, 3, st.MaxAttempts)
		assert.Empty(t, st.Error)
		assert.NotNil(t, st.StartedAt)
		assert.NotNil(t, st.FinishedAt)
	}

	rowCounts := []int{10, 10, 3}
	for i, want := range rowCounts {
		out, err := store.GetOutput("job-1", i)
		require.NoError(t, err)
		assert.Equal(t, want, out.RowCount)
	}

	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, progress.events)
}

func TestExecute_FailureIsIsolated(t *testing.T) {
	runner := newEchoRunner(1)
	exec, store := newTestExecutor(t, runner)

	posts, err := exec.Execute(context.Background(), "job-2", makeRows(23), 10, 2, nil)
	require.NoError(t, err)
	assert.Len(t, posts, 13, "batch 1 contributes nothing")

	failed, err := store.Get("job-2", 1)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, 3, failed.Attempts)
	assert.Contains(t, failed.Error, "provider unavailable")
	assert.Equal(t, 3, runner.calls[1])

	counts, err := store.Counts("job-2")
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 3, Succeeded: 2, Failed: 1}, counts)

	_, err = store.GetOutput("job-2", 1)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestExecute_SleepsBetweenAttempts(t *testing.T) {
	store := NewStore(digesttest.CreateTestDB(t))
	var delays []time.Duration
	exec := NewExecutor(newEchoRunner(0), store, ExecutorConfig{
		Retry: retry.Policy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	})

	_, err := exec.Execute(context.Background(), "job-3", makeRows(5), 10, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestExecute_InvalidBatchSize(t *testing.T) {
	exec, _ := newTestExecutor(t, newEchoRunner())

	_, err := exec.Execute(context.Background(), "job-4", makeRows(3), 0, 1, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestExecuteBatch_RetryOneIndex(t *testing.T) {
	runner := newEchoRunner(2)
	exec, store := newTestExecutor(t, runner)
	rows := makeRows(23)

	_, err := exec.Execute(context.Background(), "job-5", rows, 10, 3, pulse.NopProgress{})
	require.NoError(t, err)

	before, err := store.Get("job-5", 0)
	require.NoError(t, err)

	runner.heal(2)
	res, err := exec.ExecuteBatch(context.Background(), "job-5", 2, Chunk(rows, 10)[2])
	require.NoError(t, err)
	assert.Len(t, res.Posts, 3)

	retried, err := store.Get("job-5", 2)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, retried.State)
	assert.Equal(t, 1, retried.Attempts)
	assert.Empty(t, retried.Error)

	after, err := store.Get("job-5", 0)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt, "other records untouched")

	counts, err := store.Counts("job-5")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Succeeded)
	assert.Equal(t, 0, counts.Failed)
}

func TestExecuteBatch_StillFailing(t *testing.T) {
	exec, _ := newTestExecutor(t, newEchoRunner(0))

	_, err := exec.ExecuteBatch(context.Background(), "job-6", 0, makeRows(2))
	require.Error(t, err)

	var unitErr *UnitError
	require.True(t, errors.As(err, &unitErr))
	assert.Equal(t, 0, unitErr.Index)
	assert.Contains(t, err.Error(), "provider unavailable")
}

// staggeredRunner sleeps longer for lower indices so batches finish out of
// order, and records how many run at once
type staggeredRunner struct {
	step time.Duration
	n    int

	mu       sync.Mutex
	inflight int
	peak     int
	finished []int
}

func (r *staggeredRunner) Run(ctx context.Context, index int, rows []ingest.Row) (*UnitResult, error) {
	r.mu.Lock()
	r.inflight++
	if r.inflight > r.peak {
		r.peak = r.inflight
	}
	r.mu.Unlock()

	time.Sleep(time.Duration(r.n-index) * r.step)

	r.mu.Lock()
	r.inflight--
	r.finished = append(r.finished, index)
	r.mu.Unlock()

	posts := make([]Post, len(rows))
	for i, row := range rows {
		posts[i] = Post{"username": row["Handle"], "text": "post"}
	}
	return &UnitResult{Index: index, Posts: posts, Attempts: 1}, nil
}

func TestExecute_BoundedAndOrderedWhenFinishingOutOfOrder(t *testing.T) {
	runner := &staggeredRunner{step: 20 * time.Millisecond, n: 6}
	exec, _ := newTestExecutor(t, runner)
	progress := &progressRecorder{}

	posts, err := exec.Execute(context.Background(), "job-7", makeRows(12), 2, 3, progress)
	require.NoError(t, err)

	assert.LessOrEqual(t, runner.peak, 3, "never more batches in flight than the limit")
	assert.Equal(t, 3, runner.peak)

	require.Len(t, runner.finished, 6)
	assert.NotEqual(t, 0, runner.finished[0], "a later batch finished first")

	require.Len(t, posts, 12)
	for i, p := range posts {
		assert.Equal(t, fmt.Sprintf("user%02d", i), p["username"], "merge keeps index order")
	}

	require.Len(t, progress.events, 6)
	for i, ev := range progress.events {
		assert.Equal(t, [2]int{i + 1, 6}, ev)
	}
}
