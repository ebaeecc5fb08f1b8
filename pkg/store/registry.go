package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"incidentbot/pkg/incerr"
	"incidentbot/pkg/timeutil"
)

// userChangeLogCap bounds the per-user profile change log.
const userChangeLogCap = 20

// FallbackHandle is the synthetic handle used for users who have no public
// username on the platform. It is applied at tracking time and wherever a
// mention must be built from a bare user id.
func FallbackHandle(userID int64) string {
	return fmt.Sprintf("User_%d", userID)
}

// CreateCompany registers a tenant. Name collisions return the existing row.
func (d *Queries) CreateCompany(ctx context.Context, name string, now time.Time) (*Company, error) {
	_, err := d.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO companies (name, created_at) VALUES (?, ?)",
		name, timeutil.FormatUTC(now))
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "creating company %s", name)
	}

	var c Company
	err = d.q.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM companies WHERE name = ?", name,
	).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "loading company %s", name)
	}
	return &c, nil
}

// GetCompany loads a company by id.
func (d *Queries) GetCompany(ctx context.Context, id int64) (*Company, error) {
	var c Company
	err := d.q.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM companies WHERE id = ?", id,
	).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, incerr.New(incerr.KindNotFound, "company %d not found", id)
	}
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "loading company %d", id)
	}
	return &c, nil
}

// UpsertGroup attaches a chat channel to a company, updating the title on
// re-registration without touching activation status.
func (d *Queries) UpsertGroup(ctx context.Context, groupID, companyID int64, title, status string, now time.Time) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO groups (id, company_id, title, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET company_id = excluded.company_id, title = excluded.title`,
		groupID, companyID, title, status, timeutil.FormatUTC(now))
	return incerr.Wrap(err, incerr.KindStorage, "upserting group %d", groupID)
}

// SetGroupStatus moves a group between activation states.
func (d *Queries) SetGroupStatus(ctx context.Context, groupID int64, status string) error {
	res, err := d.q.ExecContext(ctx,
		"UPDATE groups SET status = ? WHERE id = ?", status, groupID)
	if err != nil {
		return incerr.Wrap(err, incerr.KindStorage, "setting group %d status to %s", groupID, status)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return incerr.New(incerr.KindNotFound, "group %d not found", groupID)
	}
	return nil
}

// GetGroup loads a group row.
func (d *Queries) GetGroup(ctx context.Context, groupID int64) (*Group, error) {
	var g Group
	err := d.q.QueryRowContext(ctx,
		"SELECT id, company_id, title, status, created_at FROM groups WHERE id = ?", groupID,
	).Scan(&g.ID, &g.CompanyID, &g.Title, &g.Status, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, incerr.New(incerr.KindNotFound, "group %d not registered", groupID)
	}
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "loading group %d", groupID)
	}
	return &g, nil
}

// GetMembership resolves what the store knows about a (group, user) pair.
// The user need not be recorded yet; IsActive reflects the group's status.
func (d *Queries) GetMembership(ctx context.Context, groupID int64) (*Membership, error) {
	g, err := d.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	c, err := d.GetCompany(ctx, g.CompanyID)
	if err != nil {
		return nil, err
	}
	return &Membership{Group: *g, Company: *c, IsActive: g.Status == GroupActive}, nil
}

// CreateDepartment adds a work queue to a company.
func (d *Queries) CreateDepartment(ctx context.Context, companyID int64, name string, restricted bool, now time.Time) (*Department, error) {
	_, err := d.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO departments (company_id, name, restricted_to_department_members, created_at)
		VALUES (?, ?, ?, ?)`,
		companyID, name, boolToInt(restricted), timeutil.FormatUTC(now))
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "creating department %s", name)
	}

	var dept Department
	var restrictedInt int
	err = d.q.QueryRowContext(ctx, `
		SELECT id, company_id, name, restricted_to_department_members, created_at
		FROM departments WHERE company_id = ? AND name = ?`, companyID, name,
	).Scan(&dept.ID, &dept.CompanyID, &dept.Name, &restrictedInt, &dept.CreatedAt)
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "loading department %s", name)
	}
	dept.RestrictedToMembers = restrictedInt != 0
	return &dept, nil
}

// GetDepartment loads a department by id.
func (d *Queries) GetDepartment(ctx context.Context, id int64) (*Department, error) {
	var dept Department
	var restrictedInt int
	err := d.q.QueryRowContext(ctx, `
		SELECT id, company_id, name, restricted_to_department_members, created_at
		FROM departments WHERE id = ?`, id,
	).Scan(&dept.ID, &dept.CompanyID, &dept.Name, &restrictedInt, &dept.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, incerr.New(incerr.KindNotFound, "department %d not found", id)
	}
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "loading department %d", id)
	}
	dept.RestrictedToMembers = restrictedInt != 0
	return &dept, nil
}

// ListDepartments lists a company's departments by name.
func (d *Queries) ListDepartments(ctx context.Context, companyID int64) ([]Department, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, company_id, name, restricted_to_department_members, created_at
		FROM departments WHERE company_id = ? ORDER BY name`, companyID)
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "listing departments for company %d", companyID)
	}
	defer func() { _ = rows.Close() }()

	var depts []Department
	for rows.Next() {
		var dept Department
		var restrictedInt int
		if err := rows.Scan(&dept.ID, &dept.CompanyID, &dept.Name, &restrictedInt, &dept.CreatedAt); err != nil {
			return nil, incerr.Wrap(err, incerr.KindStorage, "scanning department")
		}
		dept.RestrictedToMembers = restrictedInt != 0
		depts = append(depts, dept)
	}
	if err := rows.Err(); err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "iterating departments")
	}
	return depts, nil
}

// AddDepartmentMember adds a user to a department roster. Idempotent.
func (d *Queries) AddDepartmentMember(ctx context.Context, departmentID, userID int64, now time.Time) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO department_members (department_id, user_id, added_at)
		VALUES (?, ?, ?)`,
		departmentID, userID, timeutil.FormatUTC(now))
	return incerr.Wrap(err, incerr.KindStorage, "adding member %d to department %d", userID, departmentID)
}

// RemoveDepartmentMember removes a user from a department roster.
func (d *Queries) RemoveDepartmentMember(ctx context.Context, departmentID, userID int64) error {
	_, err := d.q.ExecContext(ctx,
		"DELETE FROM department_members WHERE department_id = ? AND user_id = ?",
		departmentID, userID)
	return incerr.Wrap(err, incerr.KindStorage, "removing member %d from department %d", userID, departmentID)
}

// IsDepartmentMember reports roster membership.
func (d *Queries) IsDepartmentMember(ctx context.Context, departmentID, userID int64) (bool, error) {
	var n int
	err := d.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM department_members WHERE department_id = ? AND user_id = ?",
		departmentID, userID,
	).Scan(&n)
	if err != nil {
		return false, incerr.Wrap(err, incerr.KindStorage, "checking membership in department %d", departmentID)
	}
	return n > 0, nil
}

// DepartmentMemberHandles returns non-empty handles of a department's roster,
// sorted, for ping messages.
func (d *Queries) DepartmentMemberHandles(ctx context.Context, departmentID int64) ([]string, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT u.handle FROM department_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.department_id = ? AND u.handle != ''
		ORDER BY u.handle`, departmentID)
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "listing roster for department %d", departmentID)
	}
	defer func() { _ = rows.Close() }()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, incerr.Wrap(err, incerr.KindStorage, "scanning handle")
		}
		handles = append(handles, h)
	}
	if err := rows.Err(); err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "iterating roster")
	}
	return handles, nil
}

// GetUser loads a user row, or nil when unseen.
func (d *Queries) GetUser(ctx context.Context, userID int64) (*User, error) {
	var u User
	err := d.q.QueryRowContext(ctx, `
		SELECT id, handle, first_name, last_name, language_code, is_bot, global_role, last_seen_at
		FROM users WHERE id = ?`, userID,
	).Scan(&u.ID, &u.Handle, &u.FirstName, &u.LastName, &u.LanguageCode, &u.IsBot, &u.GlobalRole, &u.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, incerr.Wrap(err, incerr.KindStorage, "loading user %d", userID)
	}
	return &u, nil
}

// TrackUser records or refreshes a user sighting: upserts the profile, logs
// handle/name changes to the capped change log, and notes the group.
func (d *Queries) TrackUser(ctx context.Context, u User, groupID int64, now time.Time) error {
	if u.Handle == "" {
		u.Handle = FallbackHandle(u.ID)
	}
	existing, err := d.GetUser(ctx, u.ID)
	if err != nil {
		return err
	}
	ts := timeutil.FormatUTC(now)

	if existing != nil {
		changes := []struct{ field, old, new string }{
			{"handle", existing.Handle, u.Handle},
			{"first_name", existing.FirstName, u.FirstName},
			{"last_name", existing.LastName, u.LastName},
		}
		for _, ch := range changes {
			if ch.old == ch.new {
				continue
			}
			if _, err := d.q.ExecContext(ctx, `
				INSERT INTO user_changes (user_id, field, old_value, new_value, changed_at)
				VALUES (?, ?, ?, ?, ?)`,
				u.ID, ch.field, ch.old, ch.new, ts,
			); err != nil {
				return incerr.Wrap(err, incerr.KindStorage, "logging change for user %d", u.ID)
			}
		}
		// Evict the oldest rows beyond the cap.
		if _, err := d.q.ExecContext(ctx, `
			DELETE FROM user_changes WHERE user_id = ? AND id NOT IN (
				SELECT id FROM user_changes WHERE user_id = ? ORDER BY id DESC LIMIT ?)`,
			u.ID, u.ID, userChangeLogCap,
		); err != nil {
			return incerr.Wrap(err, incerr.KindStorage, "trimming change log for user %d", u.ID)
		}
	}

	_, err = d.q.ExecContext(ctx, `
		INSERT INTO users (id, handle, first_name, last_name, language_code, is_bot, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			handle = excluded.handle,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			language_code = excluded.language_code,
			is_bot = excluded.is_bot,
			last_seen_at = excluded.last_seen_at`,
		u.ID, u.Handle, u.FirstName, u.LastName, u.LanguageCode, boolToInt(u.IsBot), ts)
	if err != nil {
		return incerr.Wrap(err, incerr.KindStorage, "upserting user %d", u.ID)
	}

	if groupID != 0 {
		if _, err := d.q.ExecContext(ctx, `
			INSERT INTO user_groups (user_id, group_id, seen_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id, group_id) DO UPDATE SET seen_at = excluded.seen_at`,
			u.ID, groupID, ts,
		); err != nil {
			return incerr.Wrap(err, incerr.KindStorage, "recording group sighting for user %d", u.ID)
		}
	}
	return nil
}

// SetGlobalRole updates a user's derived legacy role field.
func (d *Queries) SetGlobalRole(ctx context.Context, userID int64, role string) error {
	res, err := d.q.ExecContext(ctx,
		"UPDATE users SET global_role = ? WHERE id = ?", role, userID)
	if err != nil {
		return incerr.Wrap(err, incerr.KindStorage, "setting role for user %d", userID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return incerr.New(incerr.KindNotFound, "user %d not found", userID)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
