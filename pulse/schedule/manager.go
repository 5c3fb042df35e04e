package schedule

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/ingest"
	"github.com/teranos/digest/logger"
	"github.com/teranos/digest/pulse/async"
	"github.com/teranos/digest/storage"
)

// Timer is the part of *time.Timer the manager needs
type Timer interface {
	Stop() bool
}

// Config configures a Manager
type Config struct {
	Location     *time.Location // nil = time.Local
	MisfireGrace time.Duration  // a trigger firing later than this is skipped; <= 0 = no limit
	BatchSize    int            // 0 = launcher default

	// Clock hooks; nil = real time
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
}

// trigger is the live timer of one subscription. gen identifies the arming
// so a timer that was replaced but still fires can tell it is stale.
type trigger struct {
	timer Timer
	at    time.Time
	gen   uint64
}

// Manager owns the daily triggers of all subscriptions
type Manager struct {
	store    *Store
	files    *storage.Files
	launcher async.Launcher
	cfg      Config
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	triggers map[string]*trigger
	gen      uint64
	stopped  bool
}

// NewManager creates a manager. Call Start to arm the stored subscriptions.
func NewManager(db *sql.DB, files *storage.Files, launcher async.Launcher, cfg Config, log *zap.SugaredLogger) *Manager {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return &Manager{
		store:    NewStore(db),
		files:    files,
		launcher: launcher,
		cfg:      cfg,
		logger:   logger.OrNop(log).Named("schedule"),
		triggers: make(map[string]*trigger),
	}
}

// NextRun returns the first hour:minute in loc strictly after now
func NextRun(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return next
}

// Start arms a trigger for every enabled subscription
func (m *Manager) Start() (int, error) {
	m.mu.Lock()
	m.stopped = false
	m.mu.Unlock()

	subs, err := m.store.ListEnabled()
	if err != nil {
		return 0, err
	}
	for _, sub := range subs {
		if err := m.Schedule(sub); err != nil {
			return 0, err
		}
	}
	m.logger.Infow("Scheduler started", logger.FieldCount, len(subs), "timezone", m.cfg.Location.String())
	return len(subs), nil
}

// Stop disarms every trigger and clears their stored next runs. Runs
// already launched are not affected.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	disarmed := make([]string, 0, len(m.triggers))
	for id, t := range m.triggers {
		t.timer.Stop()
		delete(m.triggers, id)
		disarmed = append(disarmed, id)
	}
	m.mu.Unlock()

	for _, id := range disarmed {
		if err := m.store.SetNextRun(id, nil); err != nil {
			m.logger.Warnw("Failed to clear next run", logger.FieldSubscriptionID, id, logger.FieldError, err)
		}
	}
	m.logger.Infow("Scheduler stopped", logger.FieldCount, len(disarmed))
}

// Schedule replaces the trigger of sub. A disabled subscription ends up
// with no trigger and no stored next run.
func (m *Manager) Schedule(sub *Subscription) error {
	m.mu.Lock()
	m.unscheduleLocked(sub.ID)

	if !sub.Enabled || m.stopped {
		m.mu.Unlock()
		sub.NextRun = nil
		return m.store.SetNextRun(sub.ID, nil)
	}

	now := m.cfg.Now()
	next := NextRun(now, sub.ScheduleHour, sub.ScheduleMinute, m.cfg.Location)
	m.gen++
	gen := m.gen
	id := sub.ID
	m.triggers[id] = &trigger{
		at:    next,
		gen:   gen,
		timer: m.cfg.AfterFunc(next.Sub(now), func() { m.fire(id, gen) }),
	}
	m.mu.Unlock()

	sub.NextRun = &next
	m.logger.Debugw("Subscription scheduled",
		logger.FieldSubscriptionID, id,
		"next_run", next,
	)
	return m.store.SetNextRun(id, &next)
}

// Unschedule removes the trigger of a subscription, if any
func (m *Manager) Unschedule(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unscheduleLocked(id)
}

func (m *Manager) unscheduleLocked(id string) {
	if t, ok := m.triggers[id]; ok {
		t.timer.Stop()
		delete(m.triggers, id)
	}
}

// GetNextRun returns the armed activation of a subscription; false when
// none is armed (disabled, deleted or stopped)
func (m *Manager) GetNextRun(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return time.Time{}, false
	}
	return t.at, true
}

func (m *Manager) fire(id string, gen uint64) {
	m.mu.Lock()
	t, ok := m.triggers[id]
	if !ok || t.gen != gen || m.stopped {
		m.mu.Unlock()
		return
	}
	scheduled := t.at
	m.mu.Unlock()

	log := m.logger.With(logger.FieldSubscriptionID, id)

	// A timer can fire between Update's store write and its re-schedule
	sub, err := m.store.Get(id)
	if err != nil {
		log.Warnw("Not running subscription", logger.FieldError, err)
		return
	}
	late := m.cfg.Now().Sub(scheduled)
	if !sub.Enabled {
		log.Debugw("Subscription disabled, not running")
	} else if m.cfg.MisfireGrace > 0 && late > m.cfg.MisfireGrace {
		log.Warnw("Skipping missed run", "scheduled", scheduled, "late", late)
	} else if _, err := m.RunNow(context.Background(), id); err != nil {
		log.Errorw("Scheduled run failed", logger.FieldError, err)
	}

	sub, err = m.store.Get(id)
	if err != nil {
		log.Warnw("Not re-arming subscription", logger.FieldError, err)
		return
	}

	m.mu.Lock()
	current, ok := m.triggers[id]
	replaced := !ok || current.gen != gen
	m.mu.Unlock()
	if replaced {
		return
	}
	if err := m.Schedule(sub); err != nil {
		log.Errorw("Failed to re-arm subscription", logger.FieldError, err)
	}
}

// RunNow launches a job from the subscription's stored input right away.
// The subscription follows the job's transitions for as long as it is the
// latest run.
func (m *Manager) RunNow(ctx context.Context, id string) (*async.Job, error) {
	sub, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	log := m.logger.With(logger.FieldSubscriptionID, id)
	now := m.cfg.Now()

	ext, err := ingest.ExtractFile(sub.InputPath)
	if err != nil {
		msg := "CSV parse error: " + err.Error()
		if recErr := m.store.RecordRunFailure(id, now, msg); recErr != nil {
			log.Errorw("Failed to record run failure", logger.FieldError, recErr)
		}
		return nil, errors.NewInvalidRequestError("%s", msg)
	}

	jobID := uuid.NewString()
	if err := m.store.RecordRun(id, jobID, now, len(ext.Rows)); err != nil {
		return nil, err
	}

	observer := async.ObserverFunc(func(job *async.Job) {
		if _, err := m.store.UpdateLastStatus(id, job.ID, string(job.Status), job.Error); err != nil {
			log.Warnw("Failed to record job status", logger.FieldJobID, job.ID, logger.FieldError, err)
		}
	})

	job, err := m.launcher.LaunchJob(ctx, async.LaunchRequest{
		JobID:          jobID,
		Input:          sub.InputPath,
		SubscriptionID: id,
		BatchSize:      m.cfg.BatchSize,
		Observer:       observer,
	})
	if err != nil {
		if _, recErr := m.store.UpdateLastStatus(id, jobID, string(async.JobStatusFailed), err.Error()); recErr != nil {
			log.Errorw("Failed to record launch failure", logger.FieldError, recErr)
		}
		return nil, err
	}

	log.Infow("Subscription run launched", logger.FieldJobID, job.ID, logger.FieldRows, len(ext.Rows))
	return job, nil
}

// CreateRequest describes a new subscription
type CreateRequest struct {
	Name     string // "" = Filename
	Filename string
	Input    io.Reader
	Hour     int
	Minute   int
	Enabled  bool
}

// Create stores the input, validates it and schedules the subscription
func (m *Manager) Create(req CreateRequest) (*Subscription, error) {
	if !strings.EqualFold(filepath.Ext(req.Filename), ".csv") {
		return nil, errors.NewInvalidRequestError("Only CSV files are accepted")
	}
	if err := validateTime(req.Hour, req.Minute); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	path, err := m.files.SaveSubscriptionInput(id, req.Input)
	if err != nil {
		return nil, err
	}
	ext, err := ingest.ExtractFile(path)
	if err != nil {
		if rmErr := m.files.Remove(path); rmErr != nil {
			m.logger.Warnw("Failed to remove rejected input", logger.FieldPath, path, logger.FieldError, rmErr)
		}
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = req.Filename
	}
	sub := &Subscription{
		ID:             id,
		Name:           name,
		InputFilename:  req.Filename,
		InputPath:      path,
		ScheduleHour:   req.Hour,
		ScheduleMinute: req.Minute,
		Enabled:        req.Enabled,
		TotalUsers:     len(ext.Rows),
	}
	if err := m.store.Create(sub); err != nil {
		return nil, err
	}
	if err := m.Schedule(sub); err != nil {
		return nil, err
	}

	m.logger.Infow("Subscription created",
		logger.FieldSubscriptionID, id,
		logger.FieldRows, sub.TotalUsers,
		"hour", sub.ScheduleHour,
		"minute", sub.ScheduleMinute,
		"enabled", sub.Enabled,
	)
	return sub, nil
}

// Update applies a partial change and re-schedules
func (m *Manager) Update(id string, u Update) (*Subscription, error) {
	sub, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	u.Apply(sub)
	if err := validateTime(sub.ScheduleHour, sub.ScheduleMinute); err != nil {
		return nil, err
	}
	if err := m.store.Update(sub); err != nil {
		return nil, err
	}
	if err := m.Schedule(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Delete unschedules a subscription, removes it and its input
func (m *Manager) Delete(id string) error {
	sub, err := m.store.Get(id)
	if err != nil {
		return err
	}
	m.Unschedule(id)
	if err := m.store.Delete(id); err != nil {
		return err
	}
	return m.files.Remove(sub.InputPath)
}

// Get returns a subscription with its live next run
func (m *Manager) Get(id string) (*Subscription, error) {
	sub, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	m.overlay(sub)
	return sub, nil
}

// List returns all subscriptions with their live next runs
func (m *Manager) List() ([]*Subscription, error) {
	subs, err := m.store.List()
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		m.overlay(sub)
	}
	return subs, nil
}

func (m *Manager) overlay(sub *Subscription) {
	if next, ok := m.GetNextRun(sub.ID); ok {
		sub.NextRun = &next
	}
}

func validateTime(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return errors.NewInvalidRequestError("schedule_hour must be between 0 and 23, got %d", hour)
	}
	if minute < 0 || minute > 59 {
		return errors.NewInvalidRequestError("schedule_minute must be between 0 and 59, got %d", minute)
	}
	return nil
}
