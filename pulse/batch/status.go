package batch

import "time"

// State is the lifecycle state of one batch
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// IsTerminal reports whether the batch has finished its retry loop
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Status is the persisted record of one batch, keyed by (JobID, Index).
// It is rewritten in place on every attempt.
type Status struct {
	JobID         string     `json:"job_id"`
	Index         int        `json:"index"`
	State         State      `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	Error         string     `json:"error,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Output is the CSV produced by a succeeded batch
type Output struct {
	JobID     string    `json:"job_id"`
	Index     int       `json:"index"`
	CSV       string    `json:"csv"`
	RowCount  int       `json:"row_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Counts summarizes a job's batch records
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Completed is the number of batches in a terminal state
func (c Counts) Completed() int {
	return c.Succeeded + c.Failed
}
