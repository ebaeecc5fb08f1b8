// Package scheduler runs the periodic maintenance pass: SLA nudges for
// unclaimed incidents, auto-close of stale resolution requests, and the
// outbound notification queue. One pass per tick; an in-flight pass always
// completes before shutdown.
package scheduler

import (
	"context"
	"database/sql"
	"time"

	"incidentbot/pkg/chat"
	"incidentbot/pkg/config"
	"incidentbot/pkg/lifecycle"
	"incidentbot/pkg/logx"
	"incidentbot/pkg/metrics"
	"incidentbot/pkg/render"
	"incidentbot/pkg/store"
	"incidentbot/pkg/timeutil"
)

const (
	// reminderCacheCap bounds the nudge dedup map. Eviction is arbitrary;
	// the worst case is one repeated reminder for an evicted incident.
	reminderCacheCap = 1000

	notificationBatchSize = 50
)

// Scheduler drives time-based transitions that no chat event triggers.
type Scheduler struct {
	store   *store.Store
	engine  *lifecycle.Engine
	adapter chat.Adapter
	cfg     config.Config
	clock   timeutil.Clock
	logger  *logx.Logger

	// reminded maps incident id -> the t_department_assigned value a nudge
	// was already posted for. A transfer resets the timestamp, which makes
	// the incident eligible for one more nudge.
	reminded map[string]string
}

// New wires a scheduler.
func New(s *store.Store, engine *lifecycle.Engine, adapter chat.Adapter, cfg config.Config, clock timeutil.Clock) *Scheduler {
	return &Scheduler{
		store:    s,
		engine:   engine,
		adapter:  adapter,
		cfg:      cfg,
		clock:    clock,
		logger:   logx.NewLogger("scheduler"),
		reminded: make(map[string]string),
	}
}

// Run ticks every CheckIntervalMinutes until the context ends. The pass in
// progress when the context is cancelled runs to completion.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.CheckIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full maintenance pass. Failures on one incident are logged
// and never block the rest of the pass.
func (s *Scheduler) Tick(ctx context.Context) {
	metrics.SchedulerTicks.Inc()
	now := s.clock.Now()

	s.nudgeUnclaimed(ctx, now)
	s.closeStaleSummaries(ctx, now)
	if s.cfg.NotificationDrain {
		s.drainNotifications(ctx, now)
	}
}

func (s *Scheduler) nudgeUnclaimed(ctx context.Context, now time.Time) {
	cutoff := now.Add(-time.Duration(s.cfg.UnclaimedNudgeMinutes) * time.Minute)
	incidents, err := s.store.Read().UnclaimedOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("listing unclaimed incidents: %v", err)
		return
	}

	for _, inc := range incidents {
		// At most one nudge per department assignment.
		if s.reminded[inc.IncidentID] == inc.DepartmentAssignedAt {
			continue
		}

		departmentName := "the assigned department"
		if inc.DepartmentID != nil {
			if dept, err := s.store.Read().GetDepartment(ctx, *inc.DepartmentID); err == nil {
				departmentName = dept.Name
			}
		}
		minutes, err := timeutil.MinutesSince(inc.DepartmentAssignedAt, now)
		if err != nil {
			s.logger.Warn("incident %s has unparsable assignment time %q: %v",
				inc.IncidentID, inc.DepartmentAssignedAt, err)
			continue
		}
		text := render.UnclaimedReminder(inc, departmentName, minutes)

		opts := &chat.SendOptions{ReplyTo: inc.PinnedMessageID}
		if _, err := s.adapter.Send(ctx, inc.GroupID, text, opts); err != nil {
			metrics.ChatErrors.Inc()
			s.logger.Warn("posting reminder for %s: %v", inc.IncidentID, err)
			continue // retry on the next tick
		}
		s.remember(inc.IncidentID, inc.DepartmentAssignedAt)
		metrics.NudgesSent.Inc()
	}
}

func (s *Scheduler) closeStaleSummaries(ctx context.Context, now time.Time) {
	cutoff := now.Add(-time.Duration(s.cfg.SummaryTimeoutMinutes) * time.Minute)
	incidents, err := s.store.Read().AwaitingSummaryOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("listing stale resolution requests: %v", err)
		return
	}

	for _, inc := range incidents {
		handle := "unknown"
		if inc.PendingResolutionByUserID != nil {
			handle = store.FallbackHandle(*inc.PendingResolutionByUserID)
			if u, err := s.store.Read().GetUser(ctx, *inc.PendingResolutionByUserID); err == nil && u != nil && u.Handle != "" {
				handle = u.Handle
			}
		}
		summary := render.AutoCloseSummary(handle, s.cfg.SummaryTimeoutMinutes)

		updated, err := s.engine.AutoClose(ctx, inc.IncidentID, summary, "summary_timeout")
		if err != nil {
			// A manual resolve can race the timeout; a state conflict
			// just means someone beat us to it.
			s.logger.Warn("auto-closing %s: %v", inc.IncidentID, err)
			continue
		}
		metrics.AutoCloses.Inc()
		metrics.Transitions.WithLabelValues(store.EventAutoClosed).Inc()
		delete(s.reminded, inc.IncidentID)

		s.updateView(ctx, updated)
		notice := render.AutoCloseNotice(updated.IncidentID)
		if _, err := s.adapter.Send(ctx, updated.GroupID, notice,
			&chat.SendOptions{ReplyTo: updated.PinnedMessageID}); err != nil {
			metrics.ChatErrors.Inc()
			s.logger.Warn("posting auto-close notice for %s: %v", updated.IncidentID, err)
		}
	}
}

func (s *Scheduler) drainNotifications(ctx context.Context, now time.Time) {
	pending, err := s.store.Read().PendingNotifications(ctx, notificationBatchSize)
	if err != nil {
		s.logger.Error("listing pending notifications: %v", err)
		return
	}

	for _, n := range pending {
		_, sendErr := s.adapter.Send(ctx, n.GroupID, n.Payload, nil)
		err := s.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
			if sendErr != nil {
				return store.Q(tx).MarkNotificationFailed(ctx, n.ID, sendErr.Error())
			}
			return store.Q(tx).MarkNotificationSent(ctx, n.ID, now)
		})
		if err != nil {
			s.logger.Error("updating notification %s: %v", n.ID, err)
		}
		if sendErr != nil {
			metrics.ChatErrors.Inc()
			metrics.NotificationOutcomes.WithLabelValues("failed").Inc()
			s.logger.Warn("delivering notification %s to group %d: %v", n.ID, n.GroupID, sendErr)
			continue
		}
		metrics.NotificationOutcomes.WithLabelValues("sent").Inc()
	}
}

// updateView mirrors the router's terminal-state rendering for incidents the
// scheduler closes itself.
func (s *Scheduler) updateView(ctx context.Context, inc *store.Incident) {
	if inc.PinnedMessageID == 0 {
		return
	}
	departmentName := ""
	if inc.DepartmentID != nil {
		if dept, err := s.store.Read().GetDepartment(ctx, *inc.DepartmentID); err == nil {
			departmentName = dept.Name
		}
	}
	body, buttons := render.StateView(inc, departmentName, nil)
	if err := s.adapter.Edit(ctx, inc.GroupID, inc.PinnedMessageID, body, buttons); err != nil {
		metrics.ChatErrors.Inc()
		s.logger.Warn("editing view for %s: %v", inc.IncidentID, err)
	}
	if err := s.adapter.Unpin(ctx, inc.GroupID, inc.PinnedMessageID); err != nil {
		metrics.ChatErrors.Inc()
		s.logger.Warn("unpinning view for %s: %v", inc.IncidentID, err)
	}
}

// remember records a posted nudge, evicting arbitrary entries past the cap.
func (s *Scheduler) remember(incidentID, assignedAt string) {
	if len(s.reminded) >= reminderCacheCap {
		for k := range s.reminded {
			delete(s.reminded, k)
			if len(s.reminded) < reminderCacheCap {
				break
			}
		}
	}
	s.reminded[incidentID] = assignedAt
}
