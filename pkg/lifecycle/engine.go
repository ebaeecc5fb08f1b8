// Package lifecycle implements the incident state machine. Every operation is
// a single store transaction: it reloads the incident inside the transaction,
// validates preconditions, applies the transition across the incident row,
// claim set, participant rollups, and department sessions, and appends at
// least one event. Precondition failures surface as typed errors with no
// storage effect.
package lifecycle

import (
	"context"
	"database/sql"
	"strings"
	"time"
	"unicode/utf8"

	"incidentbot/pkg/incerr"
	"incidentbot/pkg/logx"
	"incidentbot/pkg/store"
	"incidentbot/pkg/timeutil"
)

// Description length bounds, in runes.
const (
	MinDescriptionLen = 5
	MaxDescriptionLen = 3000
)

// Engine applies lifecycle transitions atomically.
type Engine struct {
	store  *store.Store
	clock  timeutil.Clock
	logger *logx.Logger
}

// NewEngine creates an engine over the store using the given clock.
func NewEngine(s *store.Store, clock timeutil.Clock) *Engine {
	return &Engine{store: s, clock: clock, logger: logx.NewLogger("lifecycle")}
}

// CreateIncident allocates an id and opens a ticket in Awaiting_Department.
func (e *Engine) CreateIncident(ctx context.Context, groupID int64, reporter store.User, description string, sourceMessageID int64) (*store.Incident, error) {
	description = strings.TrimSpace(description)
	if n := utf8.RuneCountInString(description); n < MinDescriptionLen || n > MaxDescriptionLen {
		return nil, incerr.New(incerr.KindValidation,
			"description must be between %d and %d characters", MinDescriptionLen, MaxDescriptionLen)
	}
	if reporter.Handle == "" {
		reporter.Handle = store.FallbackHandle(reporter.ID)
	}

	now := e.clock.Now()
	var inc *store.Incident
	err := e.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := store.Q(tx)

		membership, err := q.GetMembership(ctx, groupID)
		if err != nil {
			return err
		}
		if !membership.IsActive {
			return incerr.New(incerr.KindValidation, "this group is not activated yet")
		}

		if err := q.TrackUser(ctx, reporter, groupID, now); err != nil {
			return err
		}

		id, err := q.NextIncidentID(ctx)
		if err != nil {
			return err
		}

		inc = &store.Incident{
			IncidentID:      id,
			GroupID:         groupID,
			CompanyID:       membership.Company.ID,
			CreatedByID:     reporter.ID,
			CreatedByHandle: reporter.Handle,
			Description:     description,
			SourceMessageID: sourceMessageID,
			Status:          store.StatusAwaitingDepartment,
			CreatedAt:       timeutil.FormatUTC(now),
		}
		if err := q.InsertIncident(ctx, inc); err != nil {
			return err
		}
		return q.AppendEvent(ctx, id, store.EventCreate, reporter.ID, now, map[string]interface{}{
			"group_id": groupID,
		})
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("incident %s created by %d in group %d", inc.IncidentID, reporter.ID, groupID)
	return inc, nil
}

// SetPinnedMessage records the canonical pinned message for an incident.
// Called by the router once the adapter returns the message id.
func (e *Engine) SetPinnedMessage(ctx context.Context, incidentID string, messageID int64) error {
	return e.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := store.Q(tx)
		inc, err := q.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}
		inc.PinnedMessageID = messageID
		return q.UpdateIncident(ctx, inc)
	})
}

// AssignDepartment routes an incident to a department, initially or as a
// transfer. Transfers close the previous department's session and every
// active claim with status transferred.
func (e *Engine) AssignDepartment(ctx context.Context, incidentID string, departmentID, actorID int64) (*store.Incident, error) {
	now := e.clock.Now()
	var inc *store.Incident
	err := e.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := store.Q(tx)
		var err error
		inc, err = q.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}

		switch inc.Status {
		case store.StatusAwaitingDepartment, store.StatusAwaitingClaim, store.StatusInProgress:
		default:
			return incerr.New(incerr.KindStateConflict,
				"incident %s cannot change department while %s", incidentID, inc.Status)
		}

		dept, err := q.GetDepartment(ctx, departmentID)
		if err != nil {
			return err
		}
		if dept.CompanyID != inc.CompanyID {
			return incerr.New(incerr.KindValidation,
				"department %s does not belong to this company", dept.Name)
		}

		statusBefore := inc.Status
		var previousDeptID interface{}
		if inc.DepartmentID == nil {
			// Initial selection is reserved for the reporter.
			if actorID != inc.CreatedByID {
				return incerr.New(incerr.KindPermission,
					"only the reporter can pick the first department")
			}
		} else {
			previousDeptID = *inc.DepartmentID
			if err := e.checkTransferActor(ctx, q, inc, actorID); err != nil {
				return err
			}

			parts, err := q.ListActiveParticipants(ctx, incidentID)
			if err != nil {
				return err
			}
			for i := range parts {
				if err := q.FinalizeParticipant(ctx, &parts[i], store.ParticipantTransferred, now); err != nil {
					return err
				}
			}
			if err := q.ReleaseAllClaims(ctx, incidentID, now); err != nil {
				return err
			}
			if err := q.CloseActiveSessions(ctx, incidentID, store.SessionTransferred, now); err != nil {
				return err
			}
		}

		if err := q.OpenSession(ctx, incidentID, departmentID, actorID, now); err != nil {
			return err
		}

		inc.DepartmentID = &departmentID
		inc.Status = store.StatusAwaitingClaim
		inc.PendingResolutionByUserID = nil
		inc.DepartmentAssignedAt = timeutil.FormatUTC(now)
		if err := q.UpdateIncident(ctx, inc); err != nil {
			return err
		}

		return q.AppendEvent(ctx, incidentID, store.EventDepartmentAssigned, actorID, now, map[string]interface{}{
			"department_id":          departmentID,
			"previous_department_id": previousDeptID,
			"status_before":          statusBefore,
		})
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("incident %s assigned to department %d by %d", incidentID, departmentID, actorID)
	return inc, nil
}

func (e *Engine) checkTransferActor(ctx context.Context, q *store.Queries, inc *store.Incident, actorID int64) error {
	current, err := q.GetDepartment(ctx, *inc.DepartmentID)
	if err != nil {
		return err
	}
	isMember, err := q.IsDepartmentMember(ctx, current.ID, actorID)
	if err != nil {
		return err
	}
	if isMember {
		return nil
	}
	if !current.RestrictedToMembers && actorID == inc.CreatedByID {
		return nil
	}
	return incerr.New(incerr.KindPermission,
		"only %s members can transfer this incident", current.Name)
}

// Claim records a user starting work. The first claim moves the incident to
// In_Progress; further members may co-claim.
func (e *Engine) Claim(ctx context.Context, incidentID string, userID int64) (*store.Incident, error) {
	now := e.clock.Now()
	var inc *store.Incident
	err := e.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := store.Q(tx)
		var err error
		inc, err = q.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}

		if inc.Status != store.StatusAwaitingClaim && inc.Status != store.StatusInProgress {
			return incerr.New(incerr.KindStateConflict,
				"incident %s cannot be claimed while %s", incidentID, inc.Status)
		}
		if inc.DepartmentID == nil {
			return incerr.New(incerr.KindStateConflict,
				"incident %s has no department yet", incidentID)
		}
		deptID := *inc.DepartmentID

		isMember, err := q.IsDepartmentMember(ctx, deptID, userID)
		if err != nil {
			return err
		}
		if !isMember {
			return incerr.New(incerr.KindPermission,
				"only department members can claim this incident")
		}
		hasClaim, err := q.HasActiveClaim(ctx, incidentID, userID)
		if err != nil {
			return err
		}
		if hasClaim {
			return incerr.New(incerr.KindStateConflict,
				"you already claimed incident %s", incidentID)
		}

		if err := q.InsertClaim(ctx, incidentID, userID, deptID, now); err != nil {
			return err
		}
		if err := q.UpsertParticipantOnClaim(ctx, incidentID, userID, deptID, now); err != nil {
			return err
		}
		if err := q.MarkSessionClaimed(ctx, incidentID, now); err != nil {
			return err
		}

		ts := timeutil.FormatUTC(now)
		inc.Status = store.StatusInProgress
		inc.PendingResolutionByUserID = nil
		if inc.FirstClaimedAt == "" {
			inc.FirstClaimedAt = ts
		}
		inc.LastClaimedAt = ts
		if err := q.UpdateIncident(ctx, inc); err != nil {
			return err
		}

		return q.AppendEvent(ctx, incidentID, store.EventClaim, userID, now, map[string]interface{}{
			"department_id": deptID,
		})
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("incident %s claimed by %d", incidentID, userID)
	return inc, nil
}

// Release ends a user's active claim. When the last claim goes, the incident
// returns to Awaiting_Claim.
func (e *Engine) Release(ctx context.Context, incidentID string, userID int64) (*store.Incident, error) {
	now := e.clock.Now()
	var inc *store.Incident
	err := e.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := store.Q(tx)
		var err error
		inc, err = q.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}

		if inc.Status != store.StatusAwaitingClaim && inc.Status != store.StatusInProgress {
			return incerr.New(incerr.KindStateConflict,
				"incident %s cannot be released while %s", incidentID, inc.Status)
		}
		hasClaim, err := q.HasActiveClaim(ctx, incidentID, userID)
		if err != nil {
			return err
		}
		if !hasClaim {
			return incerr.New(incerr.KindStateConflict,
				"you have no active claim on incident %s", incidentID)
		}

		deptID := int64(0)
		if inc.DepartmentID != nil {
			deptID = *inc.DepartmentID
		}
		p, err := q.GetParticipant(ctx, incidentID, userID, deptID)
		if err != nil {
			return err
		}
		if p != nil {
			if err := q.FinalizeParticipant(ctx, p, store.ParticipantReleased, now); err != nil {
				return err
			}
		}
		if err := q.ReleaseClaim(ctx, incidentID, userID, now); err != nil {
			return err
		}

		remaining, err := q.ActiveClaims(ctx, incidentID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 && inc.Status != store.StatusAwaitingSummary {
			inc.Status = store.StatusAwaitingClaim
		}
		if err := q.UpdateIncident(ctx, inc); err != nil {
			return err
		}

		return q.AppendEvent(ctx, incidentID, store.EventRelease, userID, now, map[string]interface{}{
			"remaining_claims": len(remaining),
		})
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("incident %s released by %d", incidentID, userID)
	return inc, nil
}

// RequestResolution moves an In_Progress incident to Awaiting_Summary on
// behalf of an active claimant. Claims stay active so time keeps accruing
// until resolve or timeout.
func (e *Engine) RequestResolution(ctx context.Context, incidentID string, userID int64) (*store.Incident, error) {
	now := e.clock.Now()
	var inc *store.Incident
	err := e.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := store.Q(tx)
		var err error
		inc, err = q.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}

		if inc.Status != store.StatusInProgress {
			return incerr.New(incerr.KindStateConflict,
				"incident %s is not in progress", incidentID)
		}
		hasClaim, err := q.HasActiveClaim(ctx, incidentID, userID)
		if err != nil {
			return err
		}
		if !hasClaim {
			return incerr.New(incerr.KindStateConflict,
				"only an active claimant can resolve incident %s", incidentID)
		}

		inc.Status = store.StatusAwaitingSummary
		inc.PendingResolutionByUserID = &userID
		inc.ResolutionRequestedAt = timeutil.FormatUTC(now)
		if err := q.UpdateIncident(ctx, inc); err != nil {
			return err
		}

		return q.AppendEvent(ctx, incidentID, store.EventResolutionRequested, userID, now, nil)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("incident %s awaiting summary from %d", incidentID, userID)
	return inc, nil
}

// Resolve completes an Awaiting_Summary incident with the pending user's
// summary, closing all claims, rollups, and the department session.
func (e *Engine) Resolve(ctx context.Context, incidentID string, userID int64, summary string) (*store.Incident, error) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, incerr.New(incerr.KindValidation, "resolution summary must not be empty")
	}

	now := e.clock.Now()
	var inc *store.Incident
	err := e.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := store.Q(tx)
		var err error
		inc, err = q.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}

		if inc.Status != store.StatusAwaitingSummary {
			return incerr.New(incerr.KindStateConflict,
				"incident %s is not awaiting a summary", incidentID)
		}
		if inc.PendingResolutionByUserID == nil || *inc.PendingResolutionByUserID != userID {
			return incerr.New(incerr.KindStateConflict,
				"a different responder was asked for the summary on %s", incidentID)
		}

		if err := e.finalizeAll(ctx, q, incidentID, userID, store.SessionResolved, now); err != nil {
			return err
		}

		inc.Status = store.StatusResolved
		inc.ResolutionSummary = summary
		inc.ResolvedByUserID = &userID
		inc.PendingResolutionByUserID = nil
		inc.ResolvedAt = timeutil.FormatUTC(now)
		if err := q.UpdateIncident(ctx, inc); err != nil {
			return err
		}

		return q.AppendEvent(ctx, incidentID, store.EventResolve, userID, now, map[string]interface{}{
			"department_id": inc.DepartmentID,
		})
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("incident %s resolved by %d", incidentID, userID)
	return inc, nil
}

// AutoClose is the scheduler's summary-timeout path: the incident closes with
// a constructed summary and every open rollup finalizes as closed.
func (e *Engine) AutoClose(ctx context.Context, incidentID, summaryText, reason string) (*store.Incident, error) {
	now := e.clock.Now()
	var inc *store.Incident
	err := e.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := store.Q(tx)
		var err error
		inc, err = q.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}

		if inc.Status != store.StatusAwaitingSummary {
			return incerr.New(incerr.KindStateConflict,
				"incident %s is not awaiting a summary", incidentID)
		}

		var pendingID interface{}
		if inc.PendingResolutionByUserID != nil {
			pendingID = *inc.PendingResolutionByUserID
		}

		// No resolver distinction here; everyone still active closes as closed.
		if err := e.finalizeAll(ctx, q, incidentID, 0, store.SessionClosed, now); err != nil {
			return err
		}

		inc.Status = store.StatusClosed
		inc.ResolutionSummary = summaryText
		inc.PendingResolutionByUserID = nil
		inc.ResolvedAt = timeutil.FormatUTC(now)
		if err := q.UpdateIncident(ctx, inc); err != nil {
			return err
		}

		return q.AppendEvent(ctx, incidentID, store.EventAutoClosed, 0, now, map[string]interface{}{
			"reason":          reason,
			"pending_user_id": pendingID,
			"department_id":   inc.DepartmentID,
		})
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("incident %s auto-closed (%s)", incidentID, reason)
	return inc, nil
}

// finalizeAll closes claims, rollups, and sessions on a terminal transition.
// resolverID selects the resolved_self rollup on Resolve; zero (AutoClose)
// closes everyone as closed.
func (e *Engine) finalizeAll(ctx context.Context, q *store.Queries, incidentID string, resolverID int64, sessionStatus string, now time.Time) error {
	parts, err := q.ListActiveParticipants(ctx, incidentID)
	if err != nil {
		return err
	}
	for i := range parts {
		status := store.ParticipantClosed
		if sessionStatus == store.SessionResolved {
			if parts[i].UserID == resolverID {
				status = store.ParticipantResolvedSelf
			} else {
				status = store.ParticipantResolvedOther
			}
		}
		if err := q.FinalizeParticipant(ctx, &parts[i], status, now); err != nil {
			return err
		}
	}
	if err := q.ReleaseAllClaims(ctx, incidentID, now); err != nil {
		return err
	}
	return q.CloseActiveSessions(ctx, incidentID, sessionStatus, now)
}
