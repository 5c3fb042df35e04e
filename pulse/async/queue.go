package async

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/teranos/digest/errors"
)

const (
	// MaxJobsLimit caps list queries
	MaxJobsLimit = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Observer is told about every persisted job transition
type Observer interface {
	JobUpdated(job *Job)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(job *Job)

// JobUpdated calls f
func (f ObserverFunc) JobUpdated(job *Job) {
	f(job)
}

// Queue persists job transitions and fans them out to subscribers.
// Subscribers receive copies after the store write and outside the lock;
// a full subscriber channel drops the update rather than stall the writer.
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		subscribers: make([]chan *Job, 0),
	}
}

// Store returns the underlying job store
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue persists a new job
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	err := q.store.CreateJob(job)
	q.mu.Unlock()

	if err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Source: %s", job.Source))
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.GetJob(id)
}

// UpdateJob persists a job transition and notifies subscribers
func (q *Queue) UpdateJob(job *Job) error {
	q.mu.Lock()
	err := q.store.UpdateJob(job)
	q.mu.Unlock()

	if err != nil {
		err = errors.Wrap(err, "failed to update job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", job.Status))
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// ListJobs returns jobs, optionally filtered by status
func (q *Queue) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if limit <= 0 || limit > MaxJobsLimit {
		limit = MaxJobsLimit
	}
	return q.store.ListJobs(status, limit)
}

// ListNonTerminalJobs returns jobs that never reached done or failed
func (q *Queue) ListNonTerminalJobs() ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListNonTerminalJobs()
}

// Subscribe returns a channel that receives a copy of every job update
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (q *Queue) notifySubscribers(job *Job) {
	// RLock keeps Unsubscribe from closing a channel mid-send
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- job.Clone():
		default:
			// Subscriber channel full, skip
		}
	}
}

// QueueStats counts jobs by status
type QueueStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Retrying    int `json:"retrying"`
	Aggregating int `json:"aggregating"`
	Summarizing int `json:"summarizing"`
	Done        int `json:"done"`
	Failed      int `json:"failed"`
	Total       int `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats() (*QueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := &QueueStats{}
	counts := map[JobStatus]*int{
		JobStatusQueued:      &stats.Queued,
		JobStatusRunning:     &stats.Running,
		JobStatusRetrying:    &stats.Retrying,
		JobStatusAggregating: &stats.Aggregating,
		JobStatusSummarizing: &stats.Summarizing,
		JobStatusDone:        &stats.Done,
		JobStatusFailed:      &stats.Failed,
	}

	for status, dst := range counts {
		jobs, err := q.store.ListJobs(&status, MaxJobsLimit)
		if err != nil {
			err = errors.Wrapf(err, "failed to count %s jobs", status)
			err = errors.WithDetail(err, fmt.Sprintf("Status: %s", status))
			return nil, err
		}
		*dst = len(jobs)
		stats.Total += len(jobs)
	}

	return stats, nil
}
