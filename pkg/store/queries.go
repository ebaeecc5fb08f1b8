package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"incidentbot/pkg/incerr"
	"incidentbot/pkg/timeutil"
)

// Queries bundles the store's operations over either the plain connection or
// an open transaction. Obtain one via Store.Read for lock-free reads or
// store.Q inside a WithWriteTx callback.
type Queries struct {
	q execer
}

// Read returns a query handle over the plain connection.
func (s *Store) Read() *Queries {
	return &Queries{q: s.db}
}

// Q wraps an open transaction for use with the query methods.
func Q(tx *sql.Tx) *Queries {
	return &Queries{q: tx}
}

var digitGroups = regexp.MustCompile(`\d+`)

// NextIncidentID returns the smallest unused zero-padded id greater than the
// maximum numeric suffix across all stored ids. Legacy ids such as
// TKT-2023-0017 contribute their last digit group. Callers must hold the
// writer lock (call inside WithWriteTx) so allocation is gap-free.
func (d *Queries) NextIncidentID(ctx context.Context) (string, error) {
	rows, err := d.q.QueryContext(ctx, "SELECT incident_id FROM incidents")
	if err != nil {
		return "", incerr.Wrap(err, incerr.KindStorage, "listing incident ids")
	}
	defer func() { _ = rows.Close() }()

	var max int64
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", incerr.Wrap(err, incerr.KindStorage, "scanning incident id")
		}
		groups := digitGroups.FindAllString(id, -1)
		if len(groups) == 0 {
			continue
		}
		n, err := strconv.ParseInt(groups[len(groups)-1], 10, 64)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", incerr.Wrap(err, incerr.KindStorage, "iterating incident ids")
	}
	return fmt.Sprintf("%04d", max+1), nil
}

// InsertIncident persists a freshly created incident row.
func (d *Queries) InsertIncident(ctx context.Context, inc *Incident) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO incidents (
			incident_id, group_id, company_id, created_by_id, created_by_handle,
			description, pinned_message_id, source_message_id, department_id,
			status, pending_resolution_by_user_id, resolved_by_user_id,
			resolution_summary, t_created, t_department_assigned, t_first_claimed,
			t_last_claimed, t_resolution_requested, t_resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.IncidentID, inc.GroupID, inc.CompanyID, inc.CreatedByID, inc.CreatedByHandle,
		inc.Description, inc.PinnedMessageID, inc.SourceMessageID, inc.DepartmentID,
		inc.Status, inc.PendingResolutionByUserID, inc.ResolvedByUserID,
		inc.ResolutionSummary, inc.CreatedAt, inc.DepartmentAssignedAt, inc.FirstClaimedAt,
		inc.LastClaimedAt, inc.ResolutionRequestedAt, inc.ResolvedAt,
	)
	return incerr.Wrap(err, incerr.KindStorage, "inserting incident %s", inc.IncidentID)
}

// UpdateIncident writes back every mutable field of the incident row.
func (d *Queries) UpdateIncident(ctx context.Context, inc *Incident) error {
	res, err := d.q.ExecContext(ctx, `
		UPDATE incidents SET
			pinned_message_id = ?, department_id = ?, status = ?,
			pending_resolution_by_user_id = ?, resolved_by_user_id = ?,
			resolution_summary = ?, t_department_assigned = ?, t_first_claimed = ?,
			t_last_claimed = ?, t_resolution_requested = ?, t_resolved = ?
		WHERE incident_id = ?`,
		inc.PinnedMessageID, inc.DepartmentID, inc.Status,
		inc.PendingResolutionByUserID, inc.ResolvedByUserID,
		inc.ResolutionSummary, inc.DepartmentAssignedAt, inc.FirstClaimedAt,
		inc.LastClaimedAt, inc.ResolutionRequestedAt, inc.ResolvedAt,
		inc.IncidentID,
	)
	if err != nil {
		return incerr.Wrap(err, incerr.KindStorage, "updating incident %s", inc.IncidentID)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return incerr.New(incerr.KindNotFound, "incident %s not found", inc.IncidentID)
	}
	return nil
}

const incidentColumns = `
	incident_id, group_id, company_id, created_by_id, created_by_handle,
	description, pinned_message_id, source_message_id, department_id,
	status, pending_resolution_by_user_id, resolved_by_user_id,
	resolution_summary, t_created, t_department_assigned, t_first_claimed,
	t_last_claimed, t_resolution_requested, t_resolved`

func scanIncident(row interface{ Scan(...interface{}) error }) (*Incident, error) {
	var inc Incident
	var deptID, pendingID, resolvedID sql.NullInt64
	err := row.Scan(
		&inc.IncidentID, &inc.GroupID, &inc.CompanyID, &inc.CreatedByID, &inc.CreatedByHandle,
		&inc.Description, &inc.PinnedMessageID, &inc.SourceMessageID, &deptID,
		&inc.Status, &pendingID, &resolvedID,
		&inc.ResolutionSummary, &inc.CreatedAt, &inc.DepartmentAssignedAt, &inc.FirstClaimedAt,
		&inc.LastClaimedAt, &inc.ResolutionRequestedAt, &inc.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if deptID.Valid {
		inc.DepartmentID = &deptID.Int64
	}
	if pendingID.Valid {
		inc.PendingResolutionByUserID = &pendingID.Int64
	}
	if resolvedID.Valid {
		inc.ResolvedByUserID = &resolvedID.Int64
	}
	return &inc, nil
}

// GetIncident loads an incident by id.
func (d *Queries) GetIncident(ctx context.Context, incidentID string) (*Incident, error) {
	row := d.q.QueryRowContext(ctx,
		"SELECT"+incidentColumns+" FROM incidents WHERE incident_id = ?", incidentID)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, incerr.New(incerr.KindNotFound, "incident %s not found", incidentID)
	}
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "loading incident %s", incidentID)
	}
	return inc, nil
}

// GetIncidentByPinnedMessage loads the incident whose canonical pinned message
// matches (group, message).
func (d *Queries) GetIncidentByPinnedMessage(ctx context.Context, groupID, messageID int64) (*Incident, error) {
	row := d.q.QueryRowContext(ctx,
		"SELECT"+incidentColumns+" FROM incidents WHERE group_id = ? AND pinned_message_id = ?",
		groupID, messageID)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, incerr.New(incerr.KindNotFound, "no incident pinned at message %d", messageID)
	}
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "loading incident by pinned message %d", messageID)
	}
	return inc, nil
}

func (d *Queries) listIncidents(ctx context.Context, where string, args ...interface{}) ([]*Incident, error) {
	rows, err := d.q.QueryContext(ctx,
		"SELECT"+incidentColumns+" FROM incidents WHERE "+where, args...)
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "listing incidents")
	}
	defer func() { _ = rows.Close() }()

	var incidents []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, incerr.Wrap(err, incerr.KindStorage, "scanning incident")
		}
		incidents = append(incidents, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "iterating incidents")
	}
	return incidents, nil
}

// UnclaimedOlderThan lists Awaiting_Claim incidents whose department
// assignment is at or before the cutoff. ISO timestamps compare as strings.
func (d *Queries) UnclaimedOlderThan(ctx context.Context, cutoff time.Time) ([]*Incident, error) {
	return d.listIncidents(ctx,
		"status = ? AND t_department_assigned != '' AND t_department_assigned <= ? ORDER BY incident_id",
		StatusAwaitingClaim, timeutil.FormatUTC(cutoff))
}

// AwaitingSummaryOlderThan lists Awaiting_Summary incidents whose resolution
// request is at or before the cutoff.
func (d *Queries) AwaitingSummaryOlderThan(ctx context.Context, cutoff time.Time) ([]*Incident, error) {
	return d.listIncidents(ctx,
		"status = ? AND t_resolution_requested != '' AND t_resolution_requested <= ? ORDER BY incident_id",
		StatusAwaitingSummary, timeutil.FormatUTC(cutoff))
}

// IncidentsCreatedBetween lists a company's incidents created inside [from, to).
func (d *Queries) IncidentsCreatedBetween(ctx context.Context, companyID int64, from, to time.Time) ([]*Incident, error) {
	return d.listIncidents(ctx,
		"company_id = ? AND t_created >= ? AND t_created < ? ORDER BY incident_id",
		companyID, timeutil.FormatUTC(from), timeutil.FormatUTC(to))
}

// --- Claims ---

// ActiveClaims lists active claims on an incident with claimant handles,
// oldest first (the oldest active claim is the derived primary).
func (d *Queries) ActiveClaims(ctx context.Context, incidentID string) ([]ActiveClaim, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT c.user_id, c.department_id, COALESCE(u.handle, ''), c.claimed_at
		FROM incident_claims c
		LEFT JOIN users u ON u.id = c.user_id
		WHERE c.incident_id = ? AND c.is_active = 1
		ORDER BY c.claimed_at, c.id`, incidentID)
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "listing active claims on %s", incidentID)
	}
	defer func() { _ = rows.Close() }()

	var claims []ActiveClaim
	for rows.Next() {
		var c ActiveClaim
		if err := rows.Scan(&c.UserID, &c.DepartmentID, &c.Handle, &c.ClaimedAt); err != nil {
			return nil, incerr.Wrap(err, incerr.KindStorage, "scanning claim")
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "iterating claims")
	}
	return claims, nil
}

// HasActiveClaim reports whether the user holds an active claim on the incident.
func (d *Queries) HasActiveClaim(ctx context.Context, incidentID string, userID int64) (bool, error) {
	var n int
	err := d.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM incident_claims WHERE incident_id = ? AND user_id = ? AND is_active = 1",
		incidentID, userID,
	).Scan(&n)
	if err != nil {
		return false, incerr.Wrap(err, incerr.KindStorage, "checking claim on %s", incidentID)
	}
	return n > 0, nil
}

// InsertClaim records a new active claim.
func (d *Queries) InsertClaim(ctx context.Context, incidentID string, userID, departmentID int64, now time.Time) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO incident_claims (incident_id, user_id, department_id, claimed_at, is_active)
		VALUES (?, ?, ?, ?, 1)`,
		incidentID, userID, departmentID, timeutil.FormatUTC(now))
	return incerr.Wrap(err, incerr.KindStorage, "inserting claim on %s", incidentID)
}

// ReleaseClaim deactivates the user's active claim on the incident.
func (d *Queries) ReleaseClaim(ctx context.Context, incidentID string, userID int64, now time.Time) error {
	_, err := d.q.ExecContext(ctx, `
		UPDATE incident_claims SET is_active = 0, released_at = ?
		WHERE incident_id = ? AND user_id = ? AND is_active = 1`,
		timeutil.FormatUTC(now), incidentID, userID)
	return incerr.Wrap(err, incerr.KindStorage, "releasing claim on %s", incidentID)
}

// ReleaseAllClaims deactivates every active claim on the incident.
func (d *Queries) ReleaseAllClaims(ctx context.Context, incidentID string, now time.Time) error {
	_, err := d.q.ExecContext(ctx, `
		UPDATE incident_claims SET is_active = 0, released_at = ?
		WHERE incident_id = ? AND is_active = 1`,
		timeutil.FormatUTC(now), incidentID)
	return incerr.Wrap(err, incerr.KindStorage, "releasing claims on %s", incidentID)
}

// --- Participant rollups ---

// GetParticipant loads one rollup row, or nil when absent.
func (d *Queries) GetParticipant(ctx context.Context, incidentID string, userID, departmentID int64) (*Participant, error) {
	var p Participant
	err := d.q.QueryRowContext(ctx, `
		SELECT incident_id, user_id, department_id, first_claimed_at, last_claimed_at,
			active_since, total_active_seconds, join_count, status, resolved_at
		FROM incident_participants
		WHERE incident_id = ? AND user_id = ? AND department_id = ?`,
		incidentID, userID, departmentID,
	).Scan(&p.IncidentID, &p.UserID, &p.DepartmentID, &p.FirstClaimedAt, &p.LastClaimedAt,
		&p.ActiveSince, &p.TotalActiveSeconds, &p.JoinCount, &p.Status, &p.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "loading participant on %s", incidentID)
	}
	return &p, nil
}

// UpsertParticipantOnClaim creates or reactivates the claimant's rollup:
// increments join_count, stamps active_since, and resets status to active.
func (d *Queries) UpsertParticipantOnClaim(ctx context.Context, incidentID string, userID, departmentID int64, now time.Time) error {
	ts := timeutil.FormatUTC(now)
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO incident_participants (
			incident_id, user_id, department_id, first_claimed_at, last_claimed_at,
			active_since, join_count, status)
		VALUES (?, ?, ?, ?, ?, ?, 1, 'active')
		ON CONFLICT(incident_id, user_id, department_id) DO UPDATE SET
			last_claimed_at = excluded.last_claimed_at,
			active_since = excluded.active_since,
			join_count = join_count + 1,
			status = 'active',
			resolved_at = ''`,
		incidentID, userID, departmentID, ts, ts, ts)
	return incerr.Wrap(err, incerr.KindStorage, "upserting participant on %s", incidentID)
}

// ListActiveParticipants lists rollups currently in status active.
func (d *Queries) ListActiveParticipants(ctx context.Context, incidentID string) ([]Participant, error) {
	return d.listParticipants(ctx, "incident_id = ? AND status = 'active'", incidentID)
}

// ListParticipants lists every rollup on an incident.
func (d *Queries) ListParticipants(ctx context.Context, incidentID string) ([]Participant, error) {
	return d.listParticipants(ctx, "incident_id = ?", incidentID)
}

func (d *Queries) listParticipants(ctx context.Context, where string, args ...interface{}) ([]Participant, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT incident_id, user_id, department_id, first_claimed_at, last_claimed_at,
			active_since, total_active_seconds, join_count, status, resolved_at
		FROM incident_participants WHERE `+where+` ORDER BY user_id`, args...)
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "listing participants")
	}
	defer func() { _ = rows.Close() }()

	var parts []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.IncidentID, &p.UserID, &p.DepartmentID, &p.FirstClaimedAt,
			&p.LastClaimedAt, &p.ActiveSince, &p.TotalActiveSeconds, &p.JoinCount,
			&p.Status, &p.ResolvedAt); err != nil {
			return nil, incerr.Wrap(err, incerr.KindStorage, "scanning participant")
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "iterating participants")
	}
	return parts, nil
}

// FinalizeParticipant moves an active rollup to a terminal status, accruing
// floor(max(0, now − active_since)) seconds and clearing active_since. A
// non-active rollup is left untouched.
func (d *Queries) FinalizeParticipant(ctx context.Context, p *Participant, status string, now time.Time) error {
	if p.Status != ParticipantActive {
		return nil
	}
	accrued := int64(0)
	if p.ActiveSince != "" {
		since, err := timeutil.Parse(p.ActiveSince)
		if err != nil {
			return incerr.Wrap(err, incerr.KindStorage, "parsing active_since for participant on %s", p.IncidentID)
		}
		accrued = timeutil.ElapsedSeconds(since, now)
	}

	resolvedAt := ""
	if status == ParticipantResolvedSelf || status == ParticipantResolvedOther || status == ParticipantClosed {
		resolvedAt = timeutil.FormatUTC(now)
	}

	_, err := d.q.ExecContext(ctx, `
		UPDATE incident_participants SET
			total_active_seconds = total_active_seconds + ?,
			active_since = '',
			status = ?,
			resolved_at = ?
		WHERE incident_id = ? AND user_id = ? AND department_id = ?`,
		accrued, status, resolvedAt, p.IncidentID, p.UserID, p.DepartmentID)
	return incerr.Wrap(err, incerr.KindStorage, "finalizing participant on %s", p.IncidentID)
}

// --- Department sessions ---

// OpenSession starts a new active department session for the incident.
func (d *Queries) OpenSession(ctx context.Context, incidentID string, departmentID, assignedByID int64, now time.Time) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO department_sessions (incident_id, department_id, assigned_at, assigned_by_id, status)
		VALUES (?, ?, ?, ?, 'active')`,
		incidentID, departmentID, timeutil.FormatUTC(now), assignedByID)
	return incerr.Wrap(err, incerr.KindStorage, "opening session on %s", incidentID)
}

// CloseActiveSessions moves every active session on the incident to a
// terminal status.
func (d *Queries) CloseActiveSessions(ctx context.Context, incidentID, status string, now time.Time) error {
	_, err := d.q.ExecContext(ctx, `
		UPDATE department_sessions SET status = ?, released_at = ?
		WHERE incident_id = ? AND status = 'active'`,
		status, timeutil.FormatUTC(now), incidentID)
	return incerr.Wrap(err, incerr.KindStorage, "closing sessions on %s", incidentID)
}

// MarkSessionClaimed stamps the active session's first claim time.
func (d *Queries) MarkSessionClaimed(ctx context.Context, incidentID string, now time.Time) error {
	_, err := d.q.ExecContext(ctx, `
		UPDATE department_sessions SET claimed_at = ?
		WHERE incident_id = ? AND status = 'active' AND claimed_at = ''`,
		timeutil.FormatUTC(now), incidentID)
	return incerr.Wrap(err, incerr.KindStorage, "marking session claimed on %s", incidentID)
}

// ListSessions lists department sessions for an incident, oldest first.
func (d *Queries) ListSessions(ctx context.Context, incidentID string) ([]DepartmentSession, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, incident_id, department_id, assigned_at, assigned_by_id,
			claimed_at, released_at, status
		FROM department_sessions WHERE incident_id = ? ORDER BY id`, incidentID)
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "listing sessions on %s", incidentID)
	}
	defer func() { _ = rows.Close() }()

	var sessions []DepartmentSession
	for rows.Next() {
		var s DepartmentSession
		if err := rows.Scan(&s.ID, &s.IncidentID, &s.DepartmentID, &s.AssignedAt,
			&s.AssignedByID, &s.ClaimedAt, &s.ReleasedAt, &s.Status); err != nil {
			return nil, incerr.Wrap(err, incerr.KindStorage, "scanning session")
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "iterating sessions")
	}
	return sessions, nil
}

// --- Events ---

// AppendEvent appends an immutable event row. Metadata may be nil.
func (d *Queries) AppendEvent(ctx context.Context, incidentID, eventType string, actorID int64, now time.Time, metadata map[string]interface{}) error {
	meta := "{}"
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return incerr.Wrap(err, incerr.KindStorage, "encoding event metadata")
		}
		meta = string(encoded)
	}
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO incident_events (incident_id, event_type, actor_id, occurred_at, metadata)
		VALUES (?, ?, ?, ?, ?)`,
		incidentID, eventType, actorID, timeutil.FormatUTC(now), meta)
	return incerr.Wrap(err, incerr.KindStorage, "appending %s event on %s", eventType, incidentID)
}

// ListEvents returns an incident's events in insertion order.
func (d *Queries) ListEvents(ctx context.Context, incidentID string) ([]Event, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, incident_id, event_type, actor_id, occurred_at, metadata
		FROM incident_events WHERE incident_id = ? ORDER BY id`, incidentID)
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "listing events on %s", incidentID)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.Type, &e.ActorID, &e.At, &e.Metadata); err != nil {
			return nil, incerr.Wrap(err, incerr.KindStorage, "scanning event")
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "iterating events")
	}
	return events, nil
}

// EventsForCompanyBetween returns a company's events inside [from, to), for
// report generation.
func (d *Queries) EventsForCompanyBetween(ctx context.Context, companyID int64, from, to time.Time) ([]Event, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT e.id, e.incident_id, e.event_type, e.actor_id, e.occurred_at, e.metadata
		FROM incident_events e
		JOIN incidents i ON i.incident_id = e.incident_id
		WHERE i.company_id = ? AND e.occurred_at >= ? AND e.occurred_at < ?
		ORDER BY e.id`,
		companyID, timeutil.FormatUTC(from), timeutil.FormatUTC(to))
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "listing events for company %d", companyID)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.Type, &e.ActorID, &e.At, &e.Metadata); err != nil {
			return nil, incerr.Wrap(err, incerr.KindStorage, "scanning event")
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "iterating events")
	}
	return events, nil
}
