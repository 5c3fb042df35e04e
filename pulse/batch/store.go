package batch

import (
	"database/sql"
	"time"

	"github.com/teranos/digest/errors"
)

// Store persists batch records and outputs
type Store struct {
	db *sql.DB
}

// NewStore creates a new batch store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Seed inserts a pending record for every index that has none.
// Existing records are left alone so a re-run never erases history.
func (s *Store) Seed(jobID string, total, maxAttempts int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin seed")
	}
	defer tx.Rollback()

	now := time.Now()
	for i := 0; i < total; i++ {
		_, err := tx.Exec(`
			INSERT INTO batch_statuses (job_id, batch_index, status, attempts, max_attempts, updated_at)
			VALUES (?, ?, ?, 0, ?, ?)
			ON CONFLICT(job_id, batch_index) DO NOTHING`,
			jobID, i, StatePending, maxAttempts, now)
		if err != nil {
			return errors.Wrapf(err, "failed to seed batch %d", i)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit seed")
	}
	return nil
}

// Upsert writes the full record for (JobID, Index)
func (s *Store) Upsert(st *Status) error {
	st.UpdatedAt = time.Now()

	_, err := s.db.Exec(`
		INSERT INTO batch_statuses (
			job_id, batch_index, status, attempts, max_attempts, error,
			started_at, finished_at, last_attempt_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, batch_index) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			max_attempts = excluded.max_attempts,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			last_attempt_at = excluded.last_attempt_at,
			updated_at = excluded.updated_at`,
		st.JobID, st.Index, st.State, st.Attempts, st.MaxAttempts,
		nullString(st.Error), st.StartedAt, st.FinishedAt, st.LastAttemptAt, st.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert batch %d of job %s", st.Index, st.JobID)
	}
	return nil
}

const statusColumns = `job_id, batch_index, status, attempts, max_attempts, error,
	started_at, finished_at, last_attempt_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanStatus(row scanner) (*Status, error) {
	var st Status
	var errMsg sql.NullString
	var startedAt, finishedAt, lastAttemptAt sql.NullTime

	if err := row.Scan(&st.JobID, &st.Index, &st.State, &st.Attempts, &st.MaxAttempts, &errMsg,
		&startedAt, &finishedAt, &lastAttemptAt, &st.UpdatedAt); err != nil {
		return nil, err
	}

	st.Error = errMsg.String
	st.StartedAt = nullTimePtr(startedAt)
	st.FinishedAt = nullTimePtr(finishedAt)
	st.LastAttemptAt = nullTimePtr(lastAttemptAt)
	return &st, nil
}

// Get returns one batch record
func (s *Store) Get(jobID string, index int) (*Status, error) {
	row := s.db.QueryRow(`SELECT `+statusColumns+` FROM batch_statuses WHERE job_id = ? AND batch_index = ?`, jobID, index)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("batch %d of job %s not found", index, jobID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get batch")
	}
	return st, nil
}

// List returns a job's batch records sorted by index
func (s *Store) List(jobID string) ([]*Status, error) {
	rows, err := s.db.Query(`SELECT `+statusColumns+` FROM batch_statuses WHERE job_id = ? ORDER BY batch_index`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list batches")
	}
	defer rows.Close()

	var statuses []*Status
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan batch")
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

// Counts derives the per-state totals from the records
func (s *Store) Counts(jobID string) (Counts, error) {
	var c Counts
	err := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status = 'running' THEN 1 END),
			COUNT(CASE WHEN status = 'succeeded' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END)
		FROM batch_statuses WHERE job_id = ?`, jobID,
	).Scan(&c.Total, &c.Pending, &c.Running, &c.Succeeded, &c.Failed)
	if err != nil {
		return Counts{}, errors.Wrapf(err, "failed to count batches of job %s", jobID)
	}
	return c, nil
}

// FailUnfinished marks pending and running records of a job as failed.
// Returns the number of records changed.
func (s *Store) FailUnfinished(jobID, reason string) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE batch_statuses
		SET status = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE job_id = ? AND status IN ('pending', 'running')`,
		StateFailed, reason, now, now, jobID)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to fail unfinished batches of job %s", jobID)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveOutput stores the CSV of a succeeded batch
func (s *Store) SaveOutput(out *Output) error {
	out.CreatedAt = time.Now()
	_, err := s.db.Exec(`
		INSERT INTO batch_outputs (job_id, batch_index, csv, row_count, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id, batch_index) DO UPDATE SET
			csv = excluded.csv,
			row_count = excluded.row_count,
			created_at = excluded.created_at`,
		out.JobID, out.Index, out.CSV, out.RowCount, out.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to save output of batch %d", out.Index)
	}
	return nil
}

// GetOutput loads a batch output; ErrNotFound when none was saved
func (s *Store) GetOutput(jobID string, index int) (*Output, error) {
	var out Output
	err := s.db.QueryRow(`
		SELECT job_id, batch_index, csv, row_count, created_at
		FROM batch_outputs WHERE job_id = ? AND batch_index = ?`, jobID, index,
	).Scan(&out.JobID, &out.Index, &out.CSV, &out.RowCount, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no output for batch %d of job %s", index, jobID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get batch output")
	}
	return &out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
