package async

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/digest/errors"
	digesttest "github.com/teranos/digest/internal/testing"
)

func TestStore_CreateAndGet(t *testing.T) {
	store := NewStore(digesttest.CreateTestDB(t))

	job := NewJobWithID("job-1", "data/uploads/job-1.csv", 23, 10)
	job.SubscriptionID = "sub-1"
	require.NoError(t, store.CreateJob(job))

	got, err := store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, "data/uploads/job-1.csv", got.Source)
	assert.Equal(t, "sub-1", got.SubscriptionID)
	assert.Equal(t, 23, got.TotalUsers)
	assert.Nil(t, got.SucceededBatches)
	assert.Nil(t, got.FailedBatches)
	assert.Nil(t, got.StartedAt)
	assert.Empty(t, got.Error)
}

func TestStore_UpdateRoundTripsNullables(t *testing.T) {
	store := NewStore(digesttest.CreateTestDB(t))

	job := NewJobWithID("job-1", "in.csv", 23, 10)
	require.NoError(t, store.CreateJob(job))

	job.Start(3)
	job.SetProgress(3)
	job.SetCounts(2, 1)
	job.Failf("1 batch(es) failed")
	require.NoError(t, store.UpdateJob(job))

	got, err := store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, 3, got.TotalBatches)
	assert.Equal(t, 3, got.CompletedBatches)
	require.NotNil(t, got.SucceededBatches)
	assert.Equal(t, 2, *got.SucceededBatches)
	require.NotNil(t, got.FailedBatches)
	assert.Equal(t, 1, *got.FailedBatches)
	assert.Equal(t, "1 batch(es) failed", got.Error)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestStore_NotFound(t *testing.T) {
	store := NewStore(digesttest.CreateTestDB(t))

	_, err := store.GetJob("missing")
	assert.True(t, errors.IsNotFoundError(err))

	err = store.UpdateJob(NewJobWithID("missing", "in.csv", 1, 1))
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_ListJobs(t *testing.T) {
	store := NewStore(digesttest.CreateTestDB(t))

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		job := NewJobWithID(id, "in.csv", 1, 1)
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		job.SubscriptionID = "sub-1"
		require.NoError(t, store.CreateJob(job))
	}
	done, err := store.GetJob("mid")
	require.NoError(t, err)
	done.Complete()
	require.NoError(t, store.UpdateJob(done))

	all, err := store.ListJobs(nil, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "old", all[2].ID)

	queued := JobStatusQueued
	onlyQueued, err := store.ListJobs(&queued, 10)
	require.NoError(t, err)
	assert.Len(t, onlyQueued, 2)

	unfinished, err := store.ListNonTerminalJobs()
	require.NoError(t, err)
	require.Len(t, unfinished, 2)
	assert.Equal(t, "old", unfinished[0].ID)

	bySub, err := store.ListJobsBySubscription("sub-1", 2)
	require.NoError(t, err)
	assert.Len(t, bySub, 2)
}

func TestStore_DatabaseErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	store := NewStore(conn)

	mock.ExpectExec("INSERT INTO jobs").WillReturnError(errors.New("disk I/O error"))
	err = store.CreateJob(NewJobWithID("job-1", "in.csv", 1, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create job job-1")

	mock.ExpectQuery("SELECT (.+) FROM jobs").WillReturnError(errors.New("database is locked"))
	_, err = store.ListJobs(nil, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list jobs")

	mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	err = store.UpdateJob(NewJobWithID("job-1", "in.csv", 1, 1))
	assert.True(t, errors.IsNotFoundError(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}
