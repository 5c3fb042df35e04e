package digest

import (
	"database/sql"
	"time"

	"github.com/teranos/digest/errors"
)

// JobOutput is the merged CSV and optional summary of a job
type JobOutput struct {
	JobID     string    `json:"job_id"`
	CSV       string    `json:"csv,omitempty"`
	RowCount  int       `json:"row_count"`
	Summary   string    `json:"summary,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OutputStore persists job outputs. CSV and summary are written
// independently; saving one never clears the other.
type OutputStore struct {
	db *sql.DB
}

// NewOutputStore creates an output store
func NewOutputStore(db *sql.DB) *OutputStore {
	return &OutputStore{db: db}
}

// SaveCSV stores the merged CSV of a job
func (s *OutputStore) SaveCSV(jobID, csv string, rowCount int) error {
	_, err := s.db.Exec(`
		INSERT INTO job_outputs (job_id, csv, row_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			csv = excluded.csv,
			row_count = excluded.row_count,
			updated_at = excluded.updated_at`,
		jobID, csv, rowCount, time.Now())
	if err != nil {
		return errors.Wrapf(err, "failed to save merged output of job %s", jobID)
	}
	return nil
}

// SaveSummary stores the summary text of a job
func (s *OutputStore) SaveSummary(jobID, summary string) error {
	_, err := s.db.Exec(`
		INSERT INTO job_outputs (job_id, summary, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			summary = excluded.summary,
			updated_at = excluded.updated_at`,
		jobID, summary, time.Now())
	if err != nil {
		return errors.Wrapf(err, "failed to save summary of job %s", jobID)
	}
	return nil
}

// Get returns the outputs of a job
func (s *OutputStore) Get(jobID string) (*JobOutput, error) {
	var out JobOutput
	var csv, summary sql.NullString

	err := s.db.QueryRow(`
		SELECT job_id, csv, row_count, summary, updated_at
		FROM job_outputs WHERE job_id = ?`, jobID).
		Scan(&out.JobID, &csv, &out.RowCount, &summary, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no output for job %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job output")
	}

	out.CSV = csv.String
	out.Summary = summary.String
	return &out, nil
}

// CSV returns the merged CSV, or ErrNotFound when none was stored
func (s *OutputStore) CSV(jobID string) (string, error) {
	out, err := s.Get(jobID)
	if err != nil {
		return "", err
	}
	if out.CSV == "" {
		return "", errors.NewNotFoundError("output CSV not found for job %s", jobID)
	}
	return out.CSV, nil
}

// Summary returns the summary text, or ErrNotFound when none was stored
func (s *OutputStore) Summary(jobID string) (string, error) {
	out, err := s.Get(jobID)
	if err != nil {
		return "", err
	}
	if out.Summary == "" {
		return "", errors.NewNotFoundError("summary not found for job %s", jobID)
	}
	return out.Summary, nil
}
