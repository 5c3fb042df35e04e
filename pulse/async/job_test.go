package async

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/digest/errors"
)

func TestNewJob(t *testing.T) {
	job := NewJob("data/uploads/a.csv", 23, 10)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, 23, job.TotalUsers)
	assert.Equal(t, 10, job.BatchSize)
	assert.Nil(t, job.SucceededBatches)
	assert.Nil(t, job.FailedBatches)
	assert.Nil(t, job.StartedAt)
	assert.NotEqual(t, job.ID, NewJob("x", 1, 1).ID)
}

func TestJobLifecycle(t *testing.T) {
	job := NewJobWithID("job-1", "in.csv", 23, 10)

	job.Start(3)
	assert.Equal(t, JobStatusRunning, job.Status)
	assert.Equal(t, 3, job.TotalBatches)
	require.NotNil(t, job.StartedAt)
	started := *job.StartedAt

	job.SetProgress(3)
	job.SetCounts(2, 1)
	assert.Equal(t, 3, job.CompletedBatches)
	assert.Equal(t, 2, *job.SucceededBatches)
	assert.Equal(t, 1, *job.FailedBatches)

	job.Failf("%d batch(es) failed", 1)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "1 batch(es) failed", job.Error)
	assert.True(t, job.Status.IsTerminal())
	require.NotNil(t, job.CompletedAt)

	// a later run keeps the first start time and clears the failure
	job.Start(3)
	assert.Equal(t, started, *job.StartedAt)
	assert.Empty(t, job.Error)
	assert.Nil(t, job.CompletedAt)

	job.Complete()
	assert.Equal(t, JobStatusDone, job.Status)
}

func TestJobFail(t *testing.T) {
	job := NewJob("in.csv", 1, 1)
	job.Fail(errors.New("no successful batches to aggregate"))
	assert.Equal(t, "no successful batches to aggregate", job.Error)
}

func TestJobStatusIsTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusRetrying, JobStatusAggregating, JobStatusSummarizing} {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.True(t, JobStatusDone.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
}

func TestJobCloneIsDeep(t *testing.T) {
	job := NewJob("in.csv", 5, 2)
	job.Start(3)
	job.SetCounts(1, 0)

	c := job.Clone()
	*c.SucceededBatches = 9
	c.StartedAt = nil

	assert.Equal(t, 1, *job.SucceededBatches)
	assert.NotNil(t, job.StartedAt)
}
