package async

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a digest job
type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"      // Created, waiting for launch
	JobStatusRunning     JobStatus = "running"     // Batches executing
	JobStatusRetrying    JobStatus = "retrying"    // Single-batch retry submitted
	JobStatusAggregating JobStatus = "aggregating" // Manual aggregation submitted
	JobStatusSummarizing JobStatus = "summarizing" // Merged output being summarized
	JobStatusDone        JobStatus = "done"
	JobStatusFailed      JobStatus = "failed"
)

// IsTerminal reports whether no further transition is expected without
// an explicit retry or aggregate request.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// Job is the persisted record of one pipeline run.
// SucceededBatches and FailedBatches are nil until first derived from the
// batch records; they are never incremented in place.
type Job struct {
	ID               string     `json:"id"`
	Status           JobStatus  `json:"status"`
	Source           string     `json:"source"`                    // Persisted input path
	SubscriptionID   string     `json:"subscription_id,omitempty"` // Empty for manual jobs
	BatchSize        int        `json:"batch_size"`
	TotalUsers       int        `json:"total_users"`
	TotalBatches     int        `json:"total_batches"`
	CompletedBatches int        `json:"completed_batches"`
	SucceededBatches *int       `json:"succeeded_batches"`
	FailedBatches    *int       `json:"failed_batches"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NewJob creates a queued job with a fresh id
func NewJob(source string, totalUsers, batchSize int) *Job {
	return NewJobWithID(uuid.NewString(), source, totalUsers, batchSize)
}

// NewJobWithID creates a queued job under a caller-chosen id.
// Recurring runs pick the id up front so bookkeeping can reference it
// before the job exists.
func NewJobWithID(id, source string, totalUsers, batchSize int) *Job {
	now := time.Now()
	return &Job{
		ID:         id,
		Status:     JobStatusQueued,
		Source:     source,
		BatchSize:  batchSize,
		TotalUsers: totalUsers,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Start marks the job as running
func (j *Job) Start(totalBatches int) {
	now := time.Now()
	j.Status = JobStatusRunning
	j.TotalBatches = totalBatches
	j.Error = ""
	j.CompletedAt = nil
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.UpdatedAt = now
}

// SetStatus moves the job to a non-terminal status
func (j *Job) SetStatus(status JobStatus) {
	j.Status = status
	j.UpdatedAt = time.Now()
}

// SetProgress records the completed count from a progress event
func (j *Job) SetProgress(completed int) {
	j.CompletedBatches = completed
	j.UpdatedAt = time.Now()
}

// SetCounts records counts derived from the batch records
func (j *Job) SetCounts(succeeded, failed int) {
	j.SucceededBatches = &succeeded
	j.FailedBatches = &failed
	j.UpdatedAt = time.Now()
}

// Complete marks the job as done
func (j *Job) Complete() {
	now := time.Now()
	j.Status = JobStatusDone
	j.Error = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job as failed with an error message
func (j *Job) Fail(err error) {
	j.Failf("%v", err)
}

// Failf marks the job as failed with a formatted message
func (j *Job) Failf(format string, args ...interface{}) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.Error = fmt.Sprintf(format, args...)
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Clone returns a copy safe to hand to another goroutine
func (j *Job) Clone() *Job {
	c := *j
	if j.SucceededBatches != nil {
		v := *j.SucceededBatches
		c.SucceededBatches = &v
	}
	if j.FailedBatches != nil {
		v := *j.FailedBatches
		c.FailedBatches = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}
