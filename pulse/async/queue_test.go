package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	digesttest "github.com/teranos/digest/internal/testing"
)

func receive(t *testing.T, ch <-chan *Job) *Job {
	t.Helper()
	select {
	case job := <-ch:
		return job
	case <-time.After(time.Second):
		t.Fatal("no job update received")
		return nil
	}
}

func TestQueue_SubscribersSeeEveryTransition(t *testing.T) {
	q := NewQueue(digesttest.CreateTestDB(t))
	updates := q.Subscribe()
	defer q.Unsubscribe(updates)

	job := NewJobWithID("job-1", "in.csv", 23, 10)
	require.NoError(t, q.Enqueue(job))

	job.Start(3)
	require.NoError(t, q.UpdateJob(job))

	job.Complete()
	require.NoError(t, q.UpdateJob(job))

	assert.Equal(t, JobStatusQueued, receive(t, updates).Status)
	assert.Equal(t, JobStatusRunning, receive(t, updates).Status)
	assert.Equal(t, JobStatusDone, receive(t, updates).Status)
}

func TestQueue_SubscribersGetCopies(t *testing.T) {
	q := NewQueue(digesttest.CreateTestDB(t))
	updates := q.Subscribe()
	defer q.Unsubscribe(updates)

	job := NewJobWithID("job-1", "in.csv", 1, 1)
	require.NoError(t, q.Enqueue(job))

	got := receive(t, updates)
	job.Status = JobStatusFailed
	assert.Equal(t, JobStatusQueued, got.Status)
}

func TestQueue_FullSubscriberDoesNotBlock(t *testing.T) {
	q := NewQueue(digesttest.CreateTestDB(t))
	updates := q.Subscribe()
	defer q.Unsubscribe(updates)

	job := NewJobWithID("job-1", "in.csv", 1, 1)
	require.NoError(t, q.Enqueue(job))
	for i := 0; i < SubscriberChannelBufferSize+10; i++ {
		require.NoError(t, q.UpdateJob(job))
	}

	assert.Len(t, updates, SubscriberChannelBufferSize)
}

func TestQueue_UnsubscribeClosesChannel(t *testing.T) {
	q := NewQueue(digesttest.CreateTestDB(t))
	updates := q.Subscribe()
	q.Unsubscribe(updates)

	_, ok := <-updates
	assert.False(t, ok)

	// no panic sending after unsubscribe
	require.NoError(t, q.Enqueue(NewJob("in.csv", 1, 1)))
}

func TestQueue_FailedWriteDoesNotNotify(t *testing.T) {
	q := NewQueue(digesttest.CreateTestDB(t))
	updates := q.Subscribe()
	defer q.Unsubscribe(updates)

	err := q.UpdateJob(NewJobWithID("ghost", "in.csv", 1, 1))
	require.Error(t, err)
	assert.Len(t, updates, 0)
}

func TestQueue_GetStats(t *testing.T) {
	q := NewQueue(digesttest.CreateTestDB(t))

	a := NewJob("a.csv", 1, 1)
	b := NewJob("b.csv", 1, 1)
	c := NewJob("c.csv", 1, 1)
	for _, j := range []*Job{a, b, c} {
		require.NoError(t, q.Enqueue(j))
	}
	b.Start(1)
	require.NoError(t, q.UpdateJob(b))
	c.Failf("interrupted by restart")
	require.NoError(t, q.UpdateJob(c))

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 3, stats.Total)
}

func TestObserverFunc(t *testing.T) {
	var seen []JobStatus
	var obs Observer = ObserverFunc(func(job *Job) { seen = append(seen, job.Status) })

	obs.JobUpdated(&Job{Status: JobStatusRunning})
	assert.Equal(t, []JobStatus{JobStatusRunning}, seen)
}
