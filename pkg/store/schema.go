package store

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 3

// initializeSchemaWithMigrations ensures the database schema is at the current
// version. A version-0 database is either empty (fresh schema) or a legacy
// tier-based layout, detected by its marker columns and rebuilt in place.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		legacy, err := hasLegacyTierSchema(db)
		if err != nil {
			return err
		}
		if legacy {
			if err := migrateFromLegacyTierSchema(db); err != nil {
				return fmt.Errorf("legacy tier schema rebuild failed: %w", err)
			}
		} else if err := createSchema(db); err != nil {
			return err
		}
		if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
			return err
		}
	} else if currentVersion < CurrentSchemaVersion {
		if err := runMigrations(db, currentVersion, CurrentSchemaVersion); err != nil {
			return err
		}
	}

	// Companies restored from old backups may arrive with no departments at
	// all; every company must have at least one so routing never dead-ends.
	return seedDefaultDepartments(db)
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version sql.NullInt64
	err = db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(
		"INSERT OR IGNORE INTO schema_version (version) VALUES (?)", version,
	); err != nil {
		return fmt.Errorf("failed to set schema version %d: %w", version, err)
	}
	return nil
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return err
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	case 3:
		return migrateToVersion3(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the notification queue and the restricted-membership
// flag for databases created before those features existed.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			group_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','sent','failed')),
			created_at TEXT NOT NULL,
			sent_at TEXT,
			last_error TEXT
		)`,
		"CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status)",
		"ALTER TABLE departments ADD COLUMN restricted_to_department_members INTEGER NOT NULL DEFAULT 0",
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}
	return nil
}

// migrateToVersion3 adds the language and bot-flag columns to user profiles.
func migrateToVersion3(db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE users ADD COLUMN language_code TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE users ADD COLUMN is_bot INTEGER NOT NULL DEFAULT 0",
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}
	return nil
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS companies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		)`,

		// Group id is the chat platform's channel id (may be negative).
		`CREATE TABLE IF NOT EXISTS groups (
			id INTEGER PRIMARY KEY,
			company_id INTEGER NOT NULL REFERENCES companies(id),
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','active')),
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS departments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			company_id INTEGER NOT NULL REFERENCES companies(id),
			name TEXT NOT NULL,
			restricted_to_department_members INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE (company_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS department_members (
			department_id INTEGER NOT NULL REFERENCES departments(id) ON DELETE CASCADE,
			user_id INTEGER NOT NULL,
			added_at TEXT NOT NULL,
			PRIMARY KEY (department_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			handle TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			language_code TEXT NOT NULL DEFAULT '',
			is_bot INTEGER NOT NULL DEFAULT 0,
			global_role TEXT NOT NULL DEFAULT '',
			last_seen_at TEXT NOT NULL DEFAULT ''
		)`,

		// Which groups each user has been seen in.
		`CREATE TABLE IF NOT EXISTS user_groups (
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			group_id INTEGER NOT NULL,
			seen_at TEXT NOT NULL,
			PRIMARY KEY (user_id, group_id)
		)`,

		// Capped per-user profile change log; oldest rows evicted on insert.
		`CREATE TABLE IF NOT EXISTS user_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			field TEXT NOT NULL,
			old_value TEXT NOT NULL DEFAULT '',
			new_value TEXT NOT NULL DEFAULT '',
			changed_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS incidents (
			incident_id TEXT PRIMARY KEY,
			group_id INTEGER NOT NULL,
			company_id INTEGER NOT NULL,
			created_by_id INTEGER NOT NULL,
			created_by_handle TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL,
			pinned_message_id INTEGER NOT NULL DEFAULT 0,
			source_message_id INTEGER NOT NULL DEFAULT 0,
			department_id INTEGER REFERENCES departments(id),
			status TEXT NOT NULL CHECK (status IN (
				'Awaiting_Department','Awaiting_Claim','In_Progress',
				'Awaiting_Summary','Resolved','Closed')),
			pending_resolution_by_user_id INTEGER,
			resolved_by_user_id INTEGER,
			resolution_summary TEXT NOT NULL DEFAULT '',
			t_created TEXT NOT NULL,
			t_department_assigned TEXT NOT NULL DEFAULT '',
			t_first_claimed TEXT NOT NULL DEFAULT '',
			t_last_claimed TEXT NOT NULL DEFAULT '',
			t_resolution_requested TEXT NOT NULL DEFAULT '',
			t_resolved TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS incident_claims (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			incident_id TEXT NOT NULL REFERENCES incidents(incident_id),
			user_id INTEGER NOT NULL,
			department_id INTEGER NOT NULL,
			claimed_at TEXT NOT NULL,
			released_at TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS incident_participants (
			incident_id TEXT NOT NULL REFERENCES incidents(incident_id),
			user_id INTEGER NOT NULL,
			department_id INTEGER NOT NULL,
			first_claimed_at TEXT NOT NULL DEFAULT '',
			last_claimed_at TEXT NOT NULL DEFAULT '',
			active_since TEXT NOT NULL DEFAULT '',
			total_active_seconds INTEGER NOT NULL DEFAULT 0,
			join_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active' CHECK (status IN (
				'active','released','resolved_self','resolved_other','transferred','closed')),
			resolved_at TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (incident_id, user_id, department_id)
		)`,

		`CREATE TABLE IF NOT EXISTS department_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			incident_id TEXT NOT NULL REFERENCES incidents(incident_id),
			department_id INTEGER NOT NULL,
			assigned_at TEXT NOT NULL,
			assigned_by_id INTEGER NOT NULL DEFAULT 0,
			claimed_at TEXT NOT NULL DEFAULT '',
			released_at TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active' CHECK (status IN (
				'active','transferred','resolved','closed'))
		)`,

		`CREATE TABLE IF NOT EXISTS incident_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			incident_id TEXT NOT NULL REFERENCES incidents(incident_id),
			event_type TEXT NOT NULL CHECK (event_type IN (
				'create','department_assigned','claim','release',
				'resolution_requested','resolve','auto_closed')),
			actor_id INTEGER NOT NULL DEFAULT 0,
			occurred_at TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			group_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','sent','failed')),
			created_at TEXT NOT NULL,
			sent_at TEXT,
			last_error TEXT
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_groups_company ON groups(company_id)",
		"CREATE INDEX IF NOT EXISTS idx_departments_company ON departments(company_id)",
		"CREATE INDEX IF NOT EXISTS idx_dept_members_user ON department_members(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status)",
		"CREATE INDEX IF NOT EXISTS idx_incidents_group ON incidents(group_id)",
		"CREATE INDEX IF NOT EXISTS idx_incidents_pinned ON incidents(pinned_message_id)",
		"CREATE INDEX IF NOT EXISTS idx_incidents_company ON incidents(company_id)",
		// At most one active claim per (incident, user, department).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_active_unique
			ON incident_claims(incident_id, user_id, department_id) WHERE is_active = 1`,
		"CREATE INDEX IF NOT EXISTS idx_claims_incident ON incident_claims(incident_id, is_active)",
		"CREATE INDEX IF NOT EXISTS idx_sessions_incident ON department_sessions(incident_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_events_incident ON incident_events(incident_id)",
		"CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status)",
		"CREATE INDEX IF NOT EXISTS idx_user_changes_user ON user_changes(user_id, id)",
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, index := range indices {
		if _, err := db.Exec(index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// seedDefaultDepartments inserts "Dispatchers" and "Operations" for every
// company that currently has no departments.
func seedDefaultDepartments(db *sql.DB) error {
	rows, err := db.Query(`
		SELECT c.id FROM companies c
		WHERE NOT EXISTS (SELECT 1 FROM departments d WHERE d.company_id = c.id)`)
	if err != nil {
		return fmt.Errorf("failed to find companies without departments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var companyIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan company id: %w", err)
		}
		companyIDs = append(companyIDs, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate companies: %w", err)
	}

	for _, companyID := range companyIDs {
		for _, name := range []string{"Dispatchers", "Operations"} {
			if _, err := db.Exec(`
				INSERT OR IGNORE INTO departments (company_id, name, created_at)
				VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%S+00:00','now'))`,
				companyID, name,
			); err != nil {
				return fmt.Errorf("failed to seed department %s for company %d: %w", name, companyID, err)
			}
		}
	}
	return nil
}
