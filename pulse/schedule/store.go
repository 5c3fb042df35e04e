package schedule

import (
	"database/sql"
	"time"

	"github.com/teranos/digest/errors"
)

// Store handles persistence of subscriptions
type Store struct {
	db *sql.DB
}

// NewStore creates a new subscription store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const subscriptionColumns = `id, name, input_filename, input_path,
	schedule_hour, schedule_minute, enabled, total_users,
	created_at, updated_at, last_run, next_run,
	last_job_id, last_status, last_error`

// Create inserts a new subscription
func (s *Store) Create(sub *Subscription) error {
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	_, err := s.db.Exec(`INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Name, sub.InputFilename, sub.InputPath,
		sub.ScheduleHour, sub.ScheduleMinute, sub.Enabled, sub.TotalUsers,
		sub.CreatedAt, sub.UpdatedAt, sub.LastRun, sub.NextRun,
		nullString(sub.LastJobID), nullString(sub.LastStatus), nullString(sub.LastError),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create subscription %s", sub.ID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	var sub Subscription
	var lastRun, nextRun sql.NullTime
	var lastJobID, lastStatus, lastError sql.NullString

	err := row.Scan(
		&sub.ID, &sub.Name, &sub.InputFilename, &sub.InputPath,
		&sub.ScheduleHour, &sub.ScheduleMinute, &sub.Enabled, &sub.TotalUsers,
		&sub.CreatedAt, &sub.UpdatedAt, &lastRun, &nextRun,
		&lastJobID, &lastStatus, &lastError,
	)
	if err != nil {
		return nil, err
	}

	if lastRun.Valid {
		sub.LastRun = &lastRun.Time
	}
	if nextRun.Valid {
		sub.NextRun = &nextRun.Time
	}
	sub.LastJobID = lastJobID.String
	sub.LastStatus = lastStatus.String
	sub.LastError = lastError.String
	return &sub, nil
}

// Get retrieves a subscription by ID
func (s *Store) Get(id string) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("subscription not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get subscription")
	}
	return sub, nil
}

// List returns all subscriptions, oldest first
func (s *Store) List() ([]*Subscription, error) {
	return s.list(`SELECT ` + subscriptionColumns + ` FROM subscriptions ORDER BY created_at ASC`)
}

// ListEnabled returns the subscriptions that should be scheduled
func (s *Store) ListEnabled() ([]*Subscription, error) {
	return s.list(`SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE enabled = 1 ORDER BY created_at ASC`)
}

func (s *Store) list(query string) ([]*Subscription, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list subscriptions")
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan subscription")
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating subscriptions")
	}
	return subs, nil
}

// Update rewrites the user-editable fields of a subscription
func (s *Store) Update(sub *Subscription) error {
	sub.UpdatedAt = time.Now()
	result, err := s.db.Exec(`
		UPDATE subscriptions
		SET name = ?, schedule_hour = ?, schedule_minute = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		sub.Name, sub.ScheduleHour, sub.ScheduleMinute, sub.Enabled, sub.UpdatedAt, sub.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to update subscription %s", sub.ID)
	}
	return requireRow(result, sub.ID)
}

// Delete removes a subscription
func (s *Store) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete subscription %s", id)
	}
	return requireRow(result, id)
}

// SetNextRun persists the next activation; nil clears it
func (s *Store) SetNextRun(id string, next *time.Time) error {
	_, err := s.db.Exec(`UPDATE subscriptions SET next_run = ? WHERE id = ?`, next, id)
	if err != nil {
		return errors.Wrapf(err, "failed to set next run of subscription %s", id)
	}
	return nil
}

// RecordRun writes the bookkeeping of a launched run. The status is
// optimistic; the job's own transitions overwrite it.
func (s *Store) RecordRun(id, jobID string, at time.Time, totalUsers int) error {
	_, err := s.db.Exec(`
		UPDATE subscriptions
		SET last_run = ?, last_job_id = ?, last_status = ?, last_error = NULL,
		    total_users = ?, updated_at = ?
		WHERE id = ?`,
		at, jobID, "running", totalUsers, at, id)
	if err != nil {
		return errors.Wrapf(err, "failed to record run of subscription %s", id)
	}
	return nil
}

// RecordRunFailure writes a run that failed before a job existed
func (s *Store) RecordRunFailure(id string, at time.Time, message string) error {
	_, err := s.db.Exec(`
		UPDATE subscriptions
		SET last_run = ?, last_status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		at, "failed", message, at, id)
	if err != nil {
		return errors.Wrapf(err, "failed to record run failure of subscription %s", id)
	}
	return nil
}

// UpdateLastStatus records a job transition, but only while jobID is still
// the subscription's latest run. Reports whether a row changed.
func (s *Store) UpdateLastStatus(id, jobID, status, message string) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE subscriptions
		SET last_status = ?, last_error = ?
		WHERE id = ? AND last_job_id = ?`,
		status, nullString(message), id, jobID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to update last status of subscription %s", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

func requireRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("subscription not found: %s", id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
