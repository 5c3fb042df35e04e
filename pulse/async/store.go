package async

import (
	"database/sql"

	"github.com/teranos/digest/errors"
)

// Store handles persistence of job records
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(job *Job) error {
	query := `
		INSERT INTO jobs (
			id, status, source, subscription_id, batch_size,
			total_users, total_batches, completed_batches,
			succeeded_batches, failed_batches, error,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		job.ID,
		job.Status,
		job.Source,
		nullString(job.SubscriptionID),
		job.BatchSize,
		job.TotalUsers,
		job.TotalBatches,
		job.CompletedBatches,
		job.SucceededBatches,
		job.FailedBatches,
		nullString(job.Error),
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create job %s", job.ID)
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE id = ?`

	job, err := ScanJob(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	return job, nil
}

// UpdateJob rewrites the mutable columns of an existing job
func (s *Store) UpdateJob(job *Job) error {
	query := `
		UPDATE jobs
		SET status = ?,
		    total_users = ?,
		    total_batches = ?,
		    completed_batches = ?,
		    succeeded_batches = ?,
		    failed_batches = ?,
		    error = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		job.Status,
		job.TotalUsers,
		job.TotalBatches,
		job.CompletedBatches,
		job.SucceededBatches,
		job.FailedBatches,
		nullString(job.Error),
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job not found: %s", job.ID)
	}

	return nil
}

// ListJobs returns jobs newest first, optionally filtered by status
func (s *Store) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	var query string
	var args []interface{}

	baseQuery := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs`
	if status != nil {
		query = baseQuery + ` WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListNonTerminalJobs returns every job not in done or failed, oldest first
func (s *Store) ListNonTerminalJobs() ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		WHERE status NOT IN ('done', 'failed')
		ORDER BY created_at ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list unfinished jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "unfinished jobs")
}

// ListJobsBySubscription returns the jobs a subscription triggered, newest first
func (s *Store) ListJobsBySubscription(subscriptionID string, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		WHERE subscription_id = ?
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, subscriptionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list subscription jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "subscription jobs")
}

// scanJobs scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := ScanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
