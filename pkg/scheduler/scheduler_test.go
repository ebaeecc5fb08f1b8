package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incidentbot/pkg/chat/chatmock"
	"incidentbot/pkg/config"
	"incidentbot/pkg/lifecycle"
	"incidentbot/pkg/store"
	"incidentbot/pkg/timeutil"
)

const (
	groupID  = int64(-300)
	reporter = int64(10)
	worker   = int64(20)
)

type fixture struct {
	store     *store.Store
	clock     *timeutil.ManualClock
	adapter   *chatmock.Adapter
	engine    *lifecycle.Engine
	scheduler *Scheduler
	deptID    int64
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := timeutil.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	adapter := chatmock.New()
	t.Cleanup(func() { _ = adapter.Close() })

	f := &fixture{store: s, clock: clock, adapter: adapter}
	ctx := context.Background()
	now := clock.Now()
	require.NoError(t, s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := store.Q(tx)
		company, err := q.CreateCompany(ctx, "Acme", now)
		if err != nil {
			return err
		}
		if err := q.UpsertGroup(ctx, groupID, company.ID, "Acme Ops", store.GroupActive, now); err != nil {
			return err
		}
		dept, err := q.CreateDepartment(ctx, company.ID, "Maintenance", false, now)
		if err != nil {
			return err
		}
		f.deptID = dept.ID
		if err := q.AddDepartmentMember(ctx, dept.ID, worker, now); err != nil {
			return err
		}
		return q.TrackUser(ctx, store.User{ID: worker, Handle: "mechanic"}, groupID, now)
	}))

	f.engine = lifecycle.NewEngine(s, clock)
	cfg := config.Config{
		UnclaimedNudgeMinutes: 10,
		SummaryTimeoutMinutes: 30,
		CheckIntervalMinutes:  2,
		NotificationDrain:     true,
	}
	f.scheduler = New(s, f.engine, adapter, cfg, clock)
	return f
}

// awaitingClaim creates an incident and routes it to the department.
func (f *fixture) awaitingClaim(t *testing.T) *store.Incident {
	t.Helper()
	ctx := context.Background()
	inc, err := f.engine.CreateIncident(ctx, groupID, store.User{ID: reporter, Handle: "reporter"}, "Forklift is down", 100)
	require.NoError(t, err)
	require.NoError(t, f.engine.SetPinnedMessage(ctx, inc.IncidentID, 500))
	require.NoError(t, f.adapter.Pin(ctx, groupID, 500))
	inc, err = f.engine.AssignDepartment(ctx, inc.IncidentID, f.deptID, reporter)
	require.NoError(t, err)
	return inc
}

func TestUnclaimedNudgeFiresOnce(t *testing.T) {
	f := setup(t)
	inc := f.awaitingClaim(t)

	// Below the threshold: nothing happens.
	f.clock.Advance(9 * time.Minute)
	f.scheduler.Tick(context.Background())
	assert.Empty(t, f.adapter.Sent())

	// Past the threshold: exactly one reminder, replying to the pinned view.
	f.clock.Advance(2 * time.Minute)
	f.scheduler.Tick(context.Background())
	sent := f.adapter.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(500), sent[0].ReplyTo)
	assert.Contains(t, sent[0].Text, inc.IncidentID)
	assert.Contains(t, sent[0].Text, "Maintenance")
	assert.Contains(t, sent[0].Text, "11 minutes")

	// Further ticks stay quiet for the same assignment.
	f.clock.Advance(20 * time.Minute)
	f.scheduler.Tick(context.Background())
	assert.Len(t, f.adapter.Sent(), 1)
}

func TestNudgeRetriesAfterSendFailure(t *testing.T) {
	f := setup(t)
	f.awaitingClaim(t)
	f.clock.Advance(11 * time.Minute)

	f.adapter.FailNextSends(1)
	f.scheduler.Tick(context.Background())
	assert.Empty(t, f.adapter.Sent())

	// Failed delivery was not recorded, so the next tick tries again.
	f.scheduler.Tick(context.Background())
	assert.Len(t, f.adapter.Sent(), 1)
}

func TestTransferRearmsNudge(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	inc := f.awaitingClaim(t)

	f.clock.Advance(11 * time.Minute)
	f.scheduler.Tick(ctx)
	require.Len(t, f.adapter.Sent(), 1)

	// A claim plus transfer resets t_department_assigned, re-arming the nudge.
	_, err := f.engine.Claim(ctx, inc.IncidentID, worker)
	require.NoError(t, err)
	_, err = f.engine.AssignDepartment(ctx, inc.IncidentID, f.deptID, worker)
	require.NoError(t, err)

	f.clock.Advance(11 * time.Minute)
	f.scheduler.Tick(ctx)
	assert.Len(t, f.adapter.Sent(), 2)
}

func TestSummaryTimeoutAutoCloses(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	inc := f.awaitingClaim(t)
	_, err := f.engine.Claim(ctx, inc.IncidentID, worker)
	require.NoError(t, err)
	_, err = f.engine.RequestResolution(ctx, inc.IncidentID, worker)
	require.NoError(t, err)

	// Still inside the window.
	f.clock.Advance(29 * time.Minute)
	f.scheduler.Tick(ctx)
	got, err := f.store.Read().GetIncident(ctx, inc.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAwaitingSummary, got.Status)

	f.clock.Advance(2 * time.Minute)
	f.scheduler.Tick(ctx)

	got, err = f.store.Read().GetIncident(ctx, inc.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, got.Status)
	assert.Contains(t, got.ResolutionSummary, "@mechanic")
	assert.Contains(t, got.ResolutionSummary, "30 minutes")
	assert.Nil(t, got.ResolvedByUserID)

	// The pinned view was rewritten and unpinned, and a notice was posted.
	edit := f.adapter.LastEdit(500)
	require.NotNil(t, edit)
	assert.Contains(t, edit.Text, "Closed")
	assert.False(t, f.adapter.IsPinned(groupID, 500))
	last := f.adapter.LastSent()
	require.NotNil(t, last)
	assert.Contains(t, last.Text, "closed automatically")

	// Already closed: the next tick leaves it alone.
	f.clock.Advance(time.Hour)
	f.scheduler.Tick(ctx)
	events, err := f.store.Read().ListEvents(ctx, inc.IncidentID)
	require.NoError(t, err)
	var closes int
	for _, e := range events {
		if e.Type == store.EventAutoClosed {
			closes++
		}
	}
	assert.Equal(t, 1, closes)
}

func TestNotificationDrain(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := f.clock.Now()

	require.NoError(t, f.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := store.Q(tx)
		if _, err := q.EnqueueNotification(ctx, groupID, "digest", "Daily digest", now); err != nil {
			return err
		}
		_, err := q.EnqueueNotification(ctx, groupID, "digest", "Weekly digest", now.Add(time.Second))
		return err
	}))

	f.adapter.FailNextSends(1)
	f.scheduler.Tick(ctx)

	pending, err := f.store.Read().PendingNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "both rows left the pending state")

	sent := f.adapter.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Weekly digest", sent[0].Text)
}

func TestReminderCacheEviction(t *testing.T) {
	f := setup(t)
	for i := 0; i < reminderCacheCap+5; i++ {
		f.scheduler.remember(fmt.Sprintf("inc-%d", i), "ts")
	}
	assert.LessOrEqual(t, len(f.scheduler.reminded), reminderCacheCap)
}
