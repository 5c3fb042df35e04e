package schedule

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/digest/errors"
	digesttest "github.com/teranos/digest/internal/testing"
	"github.com/teranos/digest/internal/util"
	"github.com/teranos/digest/pulse/async"
	"github.com/teranos/digest/storage"
)

const subscriptionCSV = "Handle,Name\nalice,Alice\nbob,Bob\ncarol,Carol\n"

type fakeLauncher struct {
	mu       sync.Mutex
	requests []async.LaunchRequest
	err      error
}

func (l *fakeLauncher) LaunchJob(ctx context.Context, req async.LaunchRequest) (*async.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.requests = append(l.requests, req)
	return async.NewJobWithID(req.JobID, req.Input, 3, 10), nil
}

func (l *fakeLauncher) launched() []async.LaunchRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]async.LaunchRequest(nil), l.requests...)
}

type managerHarness struct {
	manager  *Manager
	clock    *FakeClock
	launcher *fakeLauncher
	files    *storage.Files
	root     string
}

// Clock starts at 08:00 UTC; subscriptions default to 09:00
func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	return newManagerHarnessWithGrace(t, 5*time.Minute)
}

func newManagerHarnessWithGrace(t *testing.T, grace time.Duration) *managerHarness {
	t.Helper()
	root := t.TempDir()
	files, err := storage.NewFiles(root)
	require.NoError(t, err)

	clock := NewFakeClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	launcher := &fakeLauncher{}
	m := NewManager(digesttest.CreateTestDB(t), files, launcher, Config{
		Location:     time.UTC,
		MisfireGrace: grace,
		Now:          clock.Now,
		AfterFunc:    clock.AfterFunc,
	}, nil)
	t.Cleanup(m.Stop)

	return &managerHarness{manager: m, clock: clock, launcher: launcher, files: files, root: root}
}

func (h *managerHarness) create(t *testing.T, enabled bool) *Subscription {
	t.Helper()
	sub, err := h.manager.Create(CreateRequest{
		Filename: "followers.csv",
		Input:    strings.NewReader(subscriptionCSV),
		Hour:     9,
		Minute:   0,
		Enabled:  enabled,
	})
	require.NoError(t, err)
	return sub
}

func TestNextRun(t *testing.T) {
	cet := time.FixedZone("CET", 3600)

	tests := []struct {
		name   string
		now    time.Time
		hour   int
		minute int
		loc    *time.Location
		want   time.Time
	}{
		{
			name: "later today",
			now:  time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
			hour: 9, minute: 0, loc: time.UTC,
			want: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly now rolls to tomorrow",
			now:  time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
			hour: 9, minute: 0, loc: time.UTC,
			want: time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "already passed",
			now:  time.Date(2026, 3, 10, 9, 0, 1, 0, time.UTC),
			hour: 9, minute: 0, loc: time.UTC,
			want: time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "month rollover",
			now:  time.Date(2026, 1, 31, 23, 30, 0, 0, time.UTC),
			hour: 0, minute: 15, loc: time.UTC,
			want: time.Date(2026, 2, 1, 0, 15, 0, 0, time.UTC),
		},
		{
			name: "wall clock of the configured zone",
			now:  time.Date(2026, 3, 10, 22, 30, 0, 0, time.UTC), // 23:30 CET
			hour: 23, minute: 45, loc: cet,
			want: time.Date(2026, 3, 10, 22, 45, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextRun(tt.now, tt.hour, tt.minute, tt.loc)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestManager_CreateSchedules(t *testing.T) {
	h := newManagerHarness(t)

	sub := h.create(t, true)
	assert.Equal(t, "followers.csv", sub.Name, "name defaults to the filename")
	assert.Equal(t, 3, sub.TotalUsers)

	next, ok := h.manager.GetNextRun(sub.ID)
	require.True(t, ok)
	assert.True(t, next.Equal(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, 1, h.clock.Pending())

	stored, err := h.manager.store.Get(sub.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextRun)
	assert.True(t, next.Equal(*stored.NextRun))

	_, err = os.Stat(h.files.SubscriptionPath(sub.ID))
	assert.NoError(t, err)
}

func TestManager_CreateValidation(t *testing.T) {
	h := newManagerHarness(t)

	tests := []struct {
		name string
		req  CreateRequest
		want string
	}{
		{"not csv", CreateRequest{Filename: "users.xlsx", Input: strings.NewReader(subscriptionCSV), Hour: 9}, "Only CSV files are accepted"},
		{"hour", CreateRequest{Filename: "u.csv", Input: strings.NewReader(subscriptionCSV), Hour: 24}, "schedule_hour"},
		{"minute", CreateRequest{Filename: "u.csv", Input: strings.NewReader(subscriptionCSV), Minute: -1}, "schedule_minute"},
		{"no identity column", CreateRequest{Filename: "u.csv", Input: strings.NewReader("Name,Bio\nA,B\n")}, "Handle or username"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.manager.Create(tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	subs, err := h.manager.List()
	require.NoError(t, err)
	assert.Empty(t, subs)

	entries, err := os.ReadDir(filepath.Join(h.root, "subscriptions"))
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected inputs are removed")
}

func TestManager_DisableEnable(t *testing.T) {
	h := newManagerHarness(t)
	sub := h.create(t, true)

	updated, err := h.manager.Update(sub.ID, Update{Enabled: util.Ptr(false)})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Nil(t, updated.NextRun)

	_, ok := h.manager.GetNextRun(sub.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, h.clock.Pending())

	stored, err := h.manager.Get(sub.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.NextRun)

	updated, err = h.manager.Update(sub.ID, Update{Enabled: util.Ptr(true), ScheduleHour: util.Ptr(7)})
	require.NoError(t, err)
	next, ok := h.manager.GetNextRun(sub.ID)
	require.True(t, ok)
	assert.True(t, next.After(h.clock.Now()))
	assert.True(t, next.Equal(time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)))
	require.NotNil(t, updated.NextRun)
	assert.True(t, next.Equal(*updated.NextRun))
}

func TestManager_UpdateValidation(t *testing.T) {
	h := newManagerHarness(t)
	sub := h.create(t, true)

	_, err := h.manager.Update(sub.ID, Update{ScheduleMinute: util.Ptr(60)})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = h.manager.Update("missing", Update{Name: util.Ptr("x")})
	assert.True(t, errors.IsNotFoundError(err))

	// The rejected update left the trigger alone
	next, ok := h.manager.GetNextRun(sub.ID)
	require.True(t, ok)
	assert.Equal(t, 0, next.Minute())
}

func TestManager_FiresAndRearms(t *testing.T) {
	h := newManagerHarness(t)
	sub := h.create(t, true)

	h.clock.Advance(time.Hour)

	launched := h.launcher.launched()
	require.Len(t, launched, 1)
	req := launched[0]
	assert.Equal(t, sub.ID, req.SubscriptionID)
	assert.Equal(t, h.files.SubscriptionPath(sub.ID), req.Input)
	assert.NotEmpty(t, req.JobID)
	assert.NotNil(t, req.Observer)

	got, err := h.manager.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, req.JobID, got.LastJobID)
	assert.Equal(t, "running", got.LastStatus)
	require.NotNil(t, got.LastRun)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(24 * time.Hour)
	assert.Len(t, h.launcher.launched(), 2)
}

func TestManager_MisfireSkipped(t *testing.T) {
	h := newManagerHarness(t)
	sub := h.create(t, true)

	// The timer fires an hour late, well past the grace period
	h.clock.Advance(2 * time.Hour)

	assert.Empty(t, h.launcher.launched())
	next, ok := h.manager.GetNextRun(sub.ID)
	require.True(t, ok)
	assert.True(t, next.Equal(time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)))

	got, err := h.manager.Get(sub.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastRun)
}

func TestManager_NoGraceRunsLateFires(t *testing.T) {
	h := newManagerHarnessWithGrace(t, 0)
	sub := h.create(t, true)

	// Real timers always fire a little after their deadline
	h.clock.Advance(time.Hour + time.Nanosecond)

	launched := h.launcher.launched()
	require.Len(t, launched, 1)
	assert.Equal(t, sub.ID, launched[0].SubscriptionID)

	// Without a grace limit even a very late fire runs
	h.clock.Advance(24*time.Hour + 3*time.Hour)
	assert.Len(t, h.launcher.launched(), 2)
}

func TestManager_FiresOnRealTimer(t *testing.T) {
	root := t.TempDir()
	files, err := storage.NewFiles(root)
	require.NoError(t, err)

	for _, grace := range []time.Duration{0, time.Second} {
		t.Run(grace.String(), func(t *testing.T) {
			var shift time.Duration
			launcher := &fakeLauncher{}
			m := NewManager(digesttest.CreateTestDB(t), files, launcher, Config{
				Location:     time.UTC,
				MisfireGrace: grace,
				Now:          func() time.Time { return time.Now().Add(shift) },
			}, nil)
			t.Cleanup(m.Stop)

			// Shift the clock so the next 09:00 UTC is 100ms of real time away
			now := time.Now()
			shift = NextRun(now, 9, 0, time.UTC).Sub(now) - 100*time.Millisecond

			_, err := m.Create(CreateRequest{
				Filename: "followers.csv",
				Input:    strings.NewReader(subscriptionCSV),
				Hour:     9,
				Enabled:  true,
			})
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				return len(launcher.launched()) == 1
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestManager_FireSkipsDisabledSubscription(t *testing.T) {
	h := newManagerHarness(t)
	sub := h.create(t, true)

	// Stored as disabled while the old trigger is still armed
	stored, err := h.manager.store.Get(sub.ID)
	require.NoError(t, err)
	stored.Enabled = false
	require.NoError(t, h.manager.store.Update(stored))

	h.clock.Advance(time.Hour)
	assert.Empty(t, h.launcher.launched())

	_, ok := h.manager.GetNextRun(sub.ID)
	assert.False(t, ok, "the trigger is dropped, not re-armed")
	assert.Equal(t, 0, h.clock.Pending())

	got, err := h.manager.Get(sub.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastRun)
	assert.Nil(t, got.NextRun)
}

func TestManager_StaleTriggerDoesNotFire(t *testing.T) {
	h := newManagerHarness(t)
	sub := h.create(t, true)

	h.manager.mu.Lock()
	stale := h.manager.triggers[sub.ID].gen
	h.manager.mu.Unlock()

	_, err := h.manager.Update(sub.ID, Update{ScheduleHour: util.Ptr(10)})
	require.NoError(t, err)

	// A callback from the replaced timer that slipped past Stop
	h.manager.fire(sub.ID, stale)
	assert.Empty(t, h.launcher.launched())

	next, ok := h.manager.GetNextRun(sub.ID)
	require.True(t, ok)
	assert.Equal(t, 10, next.Hour())

	h.clock.Advance(time.Hour)
	assert.Empty(t, h.launcher.launched(), "the old 09:00 timer was stopped")
	h.clock.Advance(time.Hour)
	assert.Len(t, h.launcher.launched(), 1)
}

func TestManager_LastRunWins(t *testing.T) {
	h := newManagerHarness(t)
	sub := h.create(t, false)
	ctx := context.Background()

	first, err := h.manager.RunNow(ctx, sub.ID)
	require.NoError(t, err)
	second, err := h.manager.RunNow(ctx, sub.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	launched := h.launcher.launched()
	require.Len(t, launched, 2)

	failed := first.Clone()
	failed.Failf("1 batch(es) failed")
	launched[0].Observer.JobUpdated(failed)

	got, err := h.manager.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.LastJobID)
	assert.Equal(t, "running", got.LastStatus, "the older run no longer reports")
	assert.Empty(t, got.LastError)

	done := second.Clone()
	done.Complete()
	launched[1].Observer.JobUpdated(done)

	got, err = h.manager.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", got.LastStatus)
}

func TestManager_RunNowParseError(t *testing.T) {
	h := newManagerHarness(t)
	sub := h.create(t, false)

	require.NoError(t, os.WriteFile(h.files.SubscriptionPath(sub.ID), []byte("Name\nAlice\n"), 0644))

	_, err := h.manager.RunNow(context.Background(), sub.ID)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "CSV parse error")
	assert.Empty(t, h.launcher.launched())

	got, err := h.manager.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.LastStatus)
	assert.True(t, strings.HasPrefix(got.LastError, "CSV parse error: "))
	assert.Empty(t, got.LastJobID)
	assert.NotNil(t, got.LastRun)
}

func TestManager_RunNowLaunchError(t *testing.T) {
	h := newManagerHarness(t)
	sub := h.create(t, false)
	h.launcher.err = errors.New("dispatcher stopped")

	_, err := h.manager.RunNow(context.Background(), sub.ID)
	require.Error(t, err)

	got, err := h.manager.Get(sub.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.LastJobID)
	assert.Equal(t, "failed", got.LastStatus)
	assert.Equal(t, "dispatcher stopped", got.LastError)
}

func TestManager_RunNowUnknown(t *testing.T) {
	h := newManagerHarness(t)

	_, err := h.manager.RunNow(context.Background(), "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestManager_Delete(t *testing.T) {
	h := newManagerHarness(t)
	sub := h.create(t, true)

	require.NoError(t, h.manager.Delete(sub.ID))

	_, ok := h.manager.GetNextRun(sub.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, h.clock.Pending())

	_, err := h.manager.Get(sub.ID)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = os.Stat(h.files.SubscriptionPath(sub.ID))
	assert.True(t, os.IsNotExist(err))

	assert.True(t, errors.IsNotFoundError(h.manager.Delete(sub.ID)))
}

func TestManager_StartAndStop(t *testing.T) {
	h := newManagerHarness(t)
	on := h.create(t, true)
	off := h.create(t, false)

	// A fresh manager over the same store, as after a restart
	restarted := NewManager(h.manager.store.db, h.files, h.launcher, h.manager.cfg, nil)
	n, err := restarted.Start()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := restarted.GetNextRun(on.ID)
	assert.True(t, ok)
	_, ok = restarted.GetNextRun(off.ID)
	assert.False(t, ok)

	restarted.Stop()
	_, ok = restarted.GetNextRun(on.ID)
	assert.False(t, ok)

	got, err := restarted.Get(on.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRun, "nothing is armed after Stop")

	// Scheduling after Stop arms nothing
	require.NoError(t, restarted.Schedule(on))
	_, ok = restarted.GetNextRun(on.ID)
	assert.False(t, ok)
}
