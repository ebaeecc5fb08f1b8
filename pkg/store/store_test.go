package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedRegistry creates a company with an active group and two departments.
func seedRegistry(t *testing.T, s *Store, now time.Time) (companyID, groupID, maintID, dispID int64) {
	t.Helper()
	ctx := context.Background()
	err := s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := Q(tx)
		company, err := q.CreateCompany(ctx, "Acme Logistics", now)
		if err != nil {
			return err
		}
		companyID = company.ID
		if err := q.UpsertGroup(ctx, -100200, companyID, "Acme Ops", GroupActive, now); err != nil {
			return err
		}
		groupID = -100200
		maint, err := q.CreateDepartment(ctx, companyID, "Maintenance", false, now)
		if err != nil {
			return err
		}
		maintID = maint.ID
		disp, err := q.CreateDepartment(ctx, companyID, "Dispatch", false, now)
		if err != nil {
			return err
		}
		dispID = disp.ID
		return nil
	})
	require.NoError(t, err)
	return companyID, groupID, maintID, dispID
}

func TestNextIncidentID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	companyID, groupID, _, _ := seedRegistry(t, s, now)

	err := s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := Q(tx)
		id, err := q.NextIncidentID(ctx)
		require.NoError(t, err)
		assert.Equal(t, "0001", id, "empty store starts at 0001")

		inc := &Incident{
			IncidentID: "TKT-2023-0042", GroupID: groupID, CompanyID: companyID,
			CreatedByID: 1, Description: "legacy row", Status: StatusClosed,
			CreatedAt: "2023-01-01T00:00:00+00:00",
		}
		require.NoError(t, q.InsertIncident(ctx, inc))

		id, err = q.NextIncidentID(ctx)
		require.NoError(t, err)
		assert.Equal(t, "0043", id, "legacy TKT suffix counts as the numeric suffix")
		return nil
	})
	require.NoError(t, err)
}

func TestIncidentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	companyID, groupID, maintID, _ := seedRegistry(t, s, now)

	inc := &Incident{
		IncidentID: "0001", GroupID: groupID, CompanyID: companyID,
		CreatedByID: 10, CreatedByHandle: "reporter",
		Description: "Brake light out on unit 12",
		Status:      StatusAwaitingDepartment,
		CreatedAt:   "2026-03-01T12:00:00+00:00",
	}
	require.NoError(t, s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return Q(tx).InsertIncident(ctx, inc)
	}))

	got, err := s.Read().GetIncident(ctx, "0001")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingDepartment, got.Status)
	assert.Nil(t, got.DepartmentID)
	assert.Equal(t, "Brake light out on unit 12", got.Description)

	got.PinnedMessageID = 555
	got.DepartmentID = &maintID
	got.Status = StatusAwaitingClaim
	got.DepartmentAssignedAt = "2026-03-01T12:01:00+00:00"
	require.NoError(t, s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return Q(tx).UpdateIncident(ctx, got)
	}))

	byPin, err := s.Read().GetIncidentByPinnedMessage(ctx, groupID, 555)
	require.NoError(t, err)
	assert.Equal(t, "0001", byPin.IncidentID)
	require.NotNil(t, byPin.DepartmentID)
	assert.Equal(t, maintID, *byPin.DepartmentID)

	_, err = s.Read().GetIncident(ctx, "9999")
	assert.Error(t, err)
}

func TestParticipantAccrual(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	companyID, groupID, maintID, _ := seedRegistry(t, s, now)

	inc := &Incident{
		IncidentID: "0001", GroupID: groupID, CompanyID: companyID,
		CreatedByID: 10, Description: "test", Status: StatusInProgress,
		DepartmentID: &maintID, CreatedAt: "2026-03-01T12:00:00+00:00",
	}
	require.NoError(t, s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := Q(tx)
		if err := q.InsertIncident(ctx, inc); err != nil {
			return err
		}
		if err := q.InsertClaim(ctx, "0001", 20, maintID, now); err != nil {
			return err
		}
		return q.UpsertParticipantOnClaim(ctx, "0001", 20, maintID, now)
	}))

	later := now.Add(90 * time.Second)
	require.NoError(t, s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := Q(tx)
		p, err := q.GetParticipant(ctx, "0001", 20, maintID)
		if err != nil {
			return err
		}
		if err := q.FinalizeParticipant(ctx, p, ParticipantReleased, later); err != nil {
			return err
		}
		return q.ReleaseClaim(ctx, "0001", 20, later)
	}))

	p, err := s.Read().GetParticipant(ctx, "0001", 20, maintID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), p.TotalActiveSeconds)
	assert.Equal(t, ParticipantReleased, p.Status)
	assert.Empty(t, p.ActiveSince)
	assert.Equal(t, 1, p.JoinCount)

	// Reclaim reactivates the rollup and bumps join_count.
	reclaim := later.Add(time.Minute)
	require.NoError(t, s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return Q(tx).UpsertParticipantOnClaim(ctx, "0001", 20, maintID, reclaim)
	}))
	p, err = s.Read().GetParticipant(ctx, "0001", 20, maintID)
	require.NoError(t, err)
	assert.Equal(t, ParticipantActive, p.Status)
	assert.Equal(t, 2, p.JoinCount)
	assert.Equal(t, int64(90), p.TotalActiveSeconds, "accrued time survives reactivation")
}

func TestDueQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	companyID, groupID, maintID, _ := seedRegistry(t, s, now)

	mkIncident := func(id, status, assignedAt, requestedAt string) {
		inc := &Incident{
			IncidentID: id, GroupID: groupID, CompanyID: companyID,
			CreatedByID: 1, Description: "d", Status: status,
			DepartmentID: &maintID, CreatedAt: "2026-03-01T11:00:00+00:00",
			DepartmentAssignedAt: assignedAt, ResolutionRequestedAt: requestedAt,
		}
		require.NoError(t, s.WithWriteTx(ctx, func(tx *sql.Tx) error {
			return Q(tx).InsertIncident(ctx, inc)
		}))
	}

	mkIncident("0001", StatusAwaitingClaim, "2026-03-01T11:30:00+00:00", "")
	mkIncident("0002", StatusAwaitingClaim, "2026-03-01T11:55:00+00:00", "")
	mkIncident("0003", StatusAwaitingSummary, "2026-03-01T11:00:00+00:00", "2026-03-01T11:20:00+00:00")

	due, err := s.Read().UnclaimedOlderThan(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "0001", due[0].IncidentID)

	timeouts, err := s.Read().AwaitingSummaryOlderThan(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, timeouts, 1)
	assert.Equal(t, "0003", timeouts[0].IncidentID)
}

func TestTrackUserCapsChangeLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, groupID, _, _ := seedRegistry(t, s, now)

	for i := 0; i < userChangeLogCap+15; i++ {
		u := User{ID: 7, Handle: "handle" + string(rune('a'+i%26)), FirstName: "F"}
		require.NoError(t, s.WithWriteTx(ctx, func(tx *sql.Tx) error {
			return Q(tx).TrackUser(ctx, u, groupID, now.Add(time.Duration(i)*time.Minute))
		}))
	}

	var count int
	require.NoError(t, s.db.QueryRow(
		"SELECT COUNT(*) FROM user_changes WHERE user_id = 7").Scan(&count))
	assert.LessOrEqual(t, count, userChangeLogCap)

	u, err := s.Read().GetUser(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.NotEmpty(t, u.Handle)
}

func TestTrackUserProfileRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, groupID, _, _ := seedRegistry(t, s, now)

	in := User{ID: 9, Handle: "alice", FirstName: "Alice", LastName: "A", LanguageCode: "de", IsBot: false}
	require.NoError(t, s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return Q(tx).TrackUser(ctx, in, groupID, now)
	}))

	u, err := s.Read().GetUser(ctx, 9)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "alice", u.Handle)
	assert.Equal(t, "de", u.LanguageCode)
	assert.False(t, u.IsBot)
}

func TestTrackUserSynthesizesHandle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, groupID, _, _ := seedRegistry(t, s, now)

	// Users with no public username get the synthetic User_<id> handle so
	// mentions and reports never address them anonymously.
	in := User{ID: 11, FirstName: "Quiet"}
	require.NoError(t, s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return Q(tx).TrackUser(ctx, in, groupID, now)
	}))

	u, err := s.Read().GetUser(ctx, 11)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "User_11", u.Handle)
	assert.Equal(t, FallbackHandle(11), u.Handle)
}

func TestLegacyTierMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	// Build a tier-era database by hand, then open it through the store.
	raw, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	stmts := []string{
		`CREATE TABLE companies (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE)`,
		`CREATE TABLE groups (id INTEGER PRIMARY KEY, company_id INTEGER NOT NULL)`,
		`INSERT INTO companies (id, name) VALUES (1, 'Acme')`,
		`INSERT INTO groups (id, company_id) VALUES (-42, 1)`,
		`CREATE TABLE incidents (
			incident_id TEXT PRIMARY KEY,
			group_id INTEGER NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			claimed_by_t1_id INTEGER,
			claimed_by_t2_id INTEGER,
			t_created TEXT,
			t_escalated TEXT)`,
		`INSERT INTO incidents VALUES
			('TKT-2023-0001', -42, 'engine noise', 'Unclaimed', NULL, NULL, '2023-05-01T10:00:00+00:00', NULL),
			('TKT-2023-0002', -42, 'flat tire', 'Claimed_T1', 77, NULL, '2023-05-01T11:00:00+00:00', NULL),
			('TKT-2023-0003', -42, 'route blocked', 'Claimed_T2', 77, 88, '2023-05-01T12:00:00+00:00', '2023-05-01T12:30:00+00:00')`,
	}
	for _, stmt := range stmts {
		_, err := raw.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, raw.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	// Default departments seeded for the legacy company.
	depts, err := s.Read().ListDepartments(ctx, 1)
	require.NoError(t, err)
	names := make([]string, 0, len(depts))
	for _, d := range depts {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"Dispatchers", "Operations"}, names)

	unclaimed, err := s.Read().GetIncident(ctx, "TKT-2023-0001")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingClaim, unclaimed.Status)
	require.NotNil(t, unclaimed.DepartmentID)

	t1, err := s.Read().GetIncident(ctx, "TKT-2023-0002")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, t1.Status)
	claims, err := s.Read().ActiveClaims(ctx, "TKT-2023-0002")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, int64(77), claims[0].UserID)

	t2, err := s.Read().GetIncident(ctx, "TKT-2023-0003")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, t2.Status)
	claims, err = s.Read().ActiveClaims(ctx, "TKT-2023-0003")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, int64(88), claims[0].UserID, "tier-2 claimant carried over")

	// New ids continue after the legacy suffix.
	require.NoError(t, s.WithWriteTx(ctx, func(tx *sql.Tx) error {
		id, err := Q(tx).NextIncidentID(ctx)
		require.NoError(t, err)
		assert.Equal(t, "0004", id)
		return nil
	}))

	// Reopening an already-migrated database is a no-op.
	require.NoError(t, s.Close())
	s2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	_, err = s2.Read().GetIncident(ctx, "TKT-2023-0002")
	require.NoError(t, err)
}
