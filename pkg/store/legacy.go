package store

import (
	"database/sql"
	"fmt"
)

// The first schema generation tracked two response tiers on the incident row
// itself (claimed_by_t1_id / claimed_by_t2_id) instead of a claim set and a
// department assignment. Databases in that layout are rebuilt on open:
// statuses map onto the department model, tier-1 work lands in a seeded
// "Dispatchers" department and tier-2 in "Operations", and tiered participant
// rows are rewritten department-neutral.

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table_info for %s: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func hasLegacyTierSchema(db *sql.DB) (bool, error) {
	cols, err := tableColumns(db, "incidents")
	if err != nil {
		return false, err
	}
	return cols["claimed_by_t1_id"] || cols["claimed_by_t2_id"] || cols["tier"], nil
}

// ensureColumn adds a column when a table predating it lacks one.
func ensureColumn(db *sql.DB, table, column, decl string) error {
	cols, err := tableColumns(db, table)
	if err != nil {
		return err
	}
	if len(cols) == 0 || cols[column] {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}
	return nil
}

// selectExpr returns the column name when present in the legacy table, else a
// quoted fallback literal, so one SELECT works across legacy sub-variants.
func selectExpr(cols map[string]bool, name, fallback string) string {
	if cols[name] {
		return name
	}
	return fallback
}

func migrateFromLegacyTierSchema(db *sql.DB) error {
	renames := []struct{ from, to string }{
		{"incidents", "legacy_incidents"},
	}
	participantCols, err := tableColumns(db, "incident_participants")
	if err != nil {
		return err
	}
	if participantCols["tier"] {
		renames = append(renames, struct{ from, to string }{"incident_participants", "legacy_incident_participants"})
	}
	for _, r := range renames {
		if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s RENAME TO %s", r.from, r.to)); err != nil {
			return fmt.Errorf("failed to rename %s: %w", r.from, err)
		}
	}

	if err := createSchema(db); err != nil {
		return err
	}

	// Registry tables survive the rebuild; backfill columns they predate.
	backfills := []struct{ table, column, decl string }{
		{"companies", "created_at", "TEXT NOT NULL DEFAULT ''"},
		{"groups", "title", "TEXT NOT NULL DEFAULT ''"},
		{"groups", "status", "TEXT NOT NULL DEFAULT 'active'"},
		{"groups", "created_at", "TEXT NOT NULL DEFAULT ''"},
		{"users", "language_code", "TEXT NOT NULL DEFAULT ''"},
		{"users", "is_bot", "INTEGER NOT NULL DEFAULT 0"},
		{"users", "global_role", "TEXT NOT NULL DEFAULT ''"},
		{"users", "last_seen_at", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, b := range backfills {
		if err := ensureColumn(db, b.table, b.column, b.decl); err != nil {
			return err
		}
	}

	if err := seedDefaultDepartments(db); err != nil {
		return err
	}

	if err := copyLegacyIncidents(db); err != nil {
		return err
	}
	if participantCols["tier"] {
		if err := copyLegacyParticipants(db); err != nil {
			return err
		}
	}

	for _, table := range []string{"legacy_incidents", "legacy_incident_participants"} {
		if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	return nil
}

// tierDepartment maps a response tier to the seeded department for a company.
func tierDepartment(db *sql.DB, companyID int64, tier int) (int64, error) {
	name := "Dispatchers"
	if tier == 2 {
		name = "Operations"
	}
	var id int64
	err := db.QueryRow(
		"SELECT id FROM departments WHERE company_id = ? AND name = ?", companyID, name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s department for company %d: %w", name, companyID, err)
	}
	return id, nil
}

// companyForGroup resolves a group's owning company, registering a synthetic
// "Legacy" company (with default departments) when the registry lacks one.
func companyForGroup(db *sql.DB, groupID int64) (int64, error) {
	var companyID int64
	err := db.QueryRow("SELECT company_id FROM groups WHERE id = ?", groupID).Scan(&companyID)
	if err == nil {
		return companyID, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up group %d: %w", groupID, err)
	}

	if _, err := db.Exec(
		"INSERT OR IGNORE INTO companies (name, created_at) VALUES ('Legacy', strftime('%Y-%m-%dT%H:%M:%S+00:00','now'))",
	); err != nil {
		return 0, fmt.Errorf("failed to register legacy company: %w", err)
	}
	if err := db.QueryRow("SELECT id FROM companies WHERE name = 'Legacy'").Scan(&companyID); err != nil {
		return 0, fmt.Errorf("failed to resolve legacy company: %w", err)
	}
	if err := seedDefaultDepartments(db); err != nil {
		return 0, err
	}
	if _, err := db.Exec(`
		INSERT OR IGNORE INTO groups (id, company_id, status, created_at)
		VALUES (?, ?, 'active', strftime('%Y-%m-%dT%H:%M:%S+00:00','now'))`,
		groupID, companyID,
	); err != nil {
		return 0, fmt.Errorf("failed to register legacy group %d: %w", groupID, err)
	}
	return companyID, nil
}

type legacyIncident struct {
	incidentID      string
	groupID         int64
	companyID       int64
	createdByID     int64
	createdByHandle string
	description     string
	pinnedMessageID int64
	sourceMessageID int64
	status          string
	claimedByT1     sql.NullInt64
	claimedByT2     sql.NullInt64
	resolvedBy      sql.NullInt64
	summary         string
	tCreated        string
	tEscalated      string
	tResolved       string
}

func copyLegacyIncidents(db *sql.DB) error {
	cols, err := tableColumns(db, "legacy_incidents")
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`SELECT
		incident_id, group_id, %s, %s, %s, %s, %s,
		status, %s, %s, %s, %s,
		%s, %s, %s
		FROM legacy_incidents`,
		selectExpr(cols, "created_by_id", "0"),
		selectExpr(cols, "created_by_handle", "''"),
		selectExpr(cols, "description", "''"),
		selectExpr(cols, "pinned_message_id", "0"),
		selectExpr(cols, "source_message_id", "0"),
		selectExpr(cols, "claimed_by_t1_id", "NULL"),
		selectExpr(cols, "claimed_by_t2_id", "NULL"),
		selectExpr(cols, "resolved_by_user_id", "NULL"),
		selectExpr(cols, "resolution_summary", "''"),
		selectExpr(cols, "t_created", "''"),
		selectExpr(cols, "t_escalated", "''"),
		selectExpr(cols, "t_resolved", "''"),
	)

	rows, err := db.Query(query)
	if err != nil {
		return fmt.Errorf("failed to read legacy incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var legacies []legacyIncident
	for rows.Next() {
		var li legacyIncident
		if err := rows.Scan(
			&li.incidentID, &li.groupID, &li.createdByID, &li.createdByHandle,
			&li.description, &li.pinnedMessageID, &li.sourceMessageID,
			&li.status, &li.claimedByT1, &li.claimedByT2, &li.resolvedBy,
			&li.summary, &li.tCreated, &li.tEscalated, &li.tResolved,
		); err != nil {
			return fmt.Errorf("failed to scan legacy incident: %w", err)
		}
		legacies = append(legacies, li)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate legacy incidents: %w", err)
	}

	for _, li := range legacies {
		if err := insertMigratedIncident(db, li); err != nil {
			return err
		}
	}
	return nil
}

func insertMigratedIncident(db *sql.DB, li legacyIncident) error {
	companyID, err := companyForGroup(db, li.groupID)
	if err != nil {
		return err
	}

	tier := 1
	if li.status == "Escalated_Unclaimed_T2" || li.status == "Claimed_T2" || li.claimedByT2.Valid {
		tier = 2
	}
	deptID, err := tierDepartment(db, companyID, tier)
	if err != nil {
		return err
	}

	var status string
	var claimedBy sql.NullInt64
	switch li.status {
	case "Unclaimed", "Escalated_Unclaimed_T2":
		status = StatusAwaitingClaim
	case "Claimed_T1":
		status = StatusInProgress
		claimedBy = li.claimedByT1
	case "Claimed_T2":
		status = StatusInProgress
		claimedBy = li.claimedByT2
	case StatusResolved, StatusClosed:
		status = li.status
	default:
		status = StatusAwaitingClaim
	}

	assignedAt := li.tCreated
	if tier == 2 && li.tEscalated != "" {
		assignedAt = li.tEscalated
	}

	if _, err := db.Exec(`
		INSERT INTO incidents (
			incident_id, group_id, company_id, created_by_id, created_by_handle,
			description, pinned_message_id, source_message_id, department_id,
			status, resolved_by_user_id, resolution_summary,
			t_created, t_department_assigned, t_resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		li.incidentID, li.groupID, companyID, li.createdByID, li.createdByHandle,
		li.description, li.pinnedMessageID, li.sourceMessageID, deptID,
		status, li.resolvedBy, li.summary,
		li.tCreated, assignedAt, li.tResolved,
	); err != nil {
		return fmt.Errorf("failed to migrate incident %s: %w", li.incidentID, err)
	}

	if _, err := db.Exec(`
		INSERT INTO department_sessions (incident_id, department_id, assigned_at, status)
		VALUES (?, ?, ?, ?)`,
		li.incidentID, deptID, assignedAt, migratedSessionStatus(status),
	); err != nil {
		return fmt.Errorf("failed to migrate session for incident %s: %w", li.incidentID, err)
	}

	if status == StatusInProgress && claimedBy.Valid {
		if _, err := db.Exec(`
			INSERT INTO incident_claims (incident_id, user_id, department_id, claimed_at, is_active)
			VALUES (?, ?, ?, ?, 1)`,
			li.incidentID, claimedBy.Int64, deptID, assignedAt,
		); err != nil {
			return fmt.Errorf("failed to migrate claim for incident %s: %w", li.incidentID, err)
		}
	}
	return nil
}

func migratedSessionStatus(incidentStatus string) string {
	switch incidentStatus {
	case StatusResolved:
		return SessionResolved
	case StatusClosed:
		return SessionClosed
	default:
		return SessionActive
	}
}

func copyLegacyParticipants(db *sql.DB) error {
	cols, err := tableColumns(db, "legacy_incident_participants")
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`SELECT
		incident_id, user_id, tier, %s, %s, %s, %s, %s
		FROM legacy_incident_participants`,
		selectExpr(cols, "first_claimed_at", "''"),
		selectExpr(cols, "last_claimed_at", "''"),
		selectExpr(cols, "total_active_seconds", "0"),
		selectExpr(cols, "join_count", "1"),
		selectExpr(cols, "status", "'released'"),
	)

	rows, err := db.Query(query)
	if err != nil {
		return fmt.Errorf("failed to read legacy participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type legacyParticipant struct {
		incidentID                string
		userID                    int64
		tier                      int
		firstClaimed, lastClaimed string
		totalSeconds              int64
		joinCount                 int
		status                    string
	}
	var parts []legacyParticipant
	for rows.Next() {
		var lp legacyParticipant
		if err := rows.Scan(
			&lp.incidentID, &lp.userID, &lp.tier, &lp.firstClaimed,
			&lp.lastClaimed, &lp.totalSeconds, &lp.joinCount, &lp.status,
		); err != nil {
			return fmt.Errorf("failed to scan legacy participant: %w", err)
		}
		parts = append(parts, lp)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate legacy participants: %w", err)
	}

	for _, lp := range parts {
		var companyID int64
		err := db.QueryRow(
			"SELECT company_id FROM incidents WHERE incident_id = ?", lp.incidentID,
		).Scan(&companyID)
		if err == sql.ErrNoRows {
			continue // rollup for an incident that never migrated
		}
		if err != nil {
			return fmt.Errorf("failed to resolve company for participant on %s: %w", lp.incidentID, err)
		}
		deptID, err := tierDepartment(db, companyID, lp.tier)
		if err != nil {
			return err
		}

		status := lp.status
		switch status {
		case "active", "released", "resolved_self", "resolved_other", "transferred", "closed":
		default:
			status = ParticipantReleased
		}

		if _, err := db.Exec(`
			INSERT OR IGNORE INTO incident_participants (
				incident_id, user_id, department_id, first_claimed_at,
				last_claimed_at, total_active_seconds, join_count, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			lp.incidentID, lp.userID, deptID, lp.firstClaimed,
			lp.lastClaimed, lp.totalSeconds, lp.joinCount, status,
		); err != nil {
			return fmt.Errorf("failed to migrate participant on %s: %w", lp.incidentID, err)
		}
	}
	return nil
}
