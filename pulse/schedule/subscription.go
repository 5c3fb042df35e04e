// Package schedule re-runs the digest pipeline for subscriptions at a
// fixed local time every day.
package schedule

import "time"

// Subscription is a stored input that is launched as a job once a day
type Subscription struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	InputFilename  string     `json:"input_filename"`
	InputPath      string     `json:"-"`
	ScheduleHour   int        `json:"schedule_hour"`
	ScheduleMinute int        `json:"schedule_minute"`
	Enabled        bool       `json:"enabled"`
	TotalUsers     int        `json:"total_users"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastRun        *time.Time `json:"last_run"`
	NextRun        *time.Time `json:"next_run"`
	LastJobID      string     `json:"last_job_id,omitempty"`
	LastStatus     string     `json:"last_status,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// Update is a partial change; nil fields are left alone
type Update struct {
	Name           *string `json:"name"`
	ScheduleHour   *int    `json:"schedule_hour"`
	ScheduleMinute *int    `json:"schedule_minute"`
	Enabled        *bool   `json:"enabled"`
}

// Apply copies the set fields onto sub
func (u Update) Apply(sub *Subscription) {
	if u.Name != nil {
		sub.Name = *u.Name
	}
	if u.ScheduleHour != nil {
		sub.ScheduleHour = *u.ScheduleHour
	}
	if u.ScheduleMinute != nil {
		sub.ScheduleMinute = *u.ScheduleMinute
	}
	if u.Enabled != nil {
		sub.Enabled = *u.Enabled
	}
}
