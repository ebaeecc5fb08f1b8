package router

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incidentbot/pkg/chat"
	"incidentbot/pkg/chat/chatmock"
	"incidentbot/pkg/config"
	"incidentbot/pkg/lifecycle"
	"incidentbot/pkg/report"
	"incidentbot/pkg/store"
	"incidentbot/pkg/timeutil"
)

const (
	groupID = int64(-500)
	adminID = int64(1)
	u1      = int64(10) // reporter
	u2      = int64(20) // Maintenance member
	u4      = int64(40) // outsider
)

type fixture struct {
	store   *store.Store
	clock   *timeutil.ManualClock
	adapter *chatmock.Adapter
	router  *Router
	maintID int64
	dispID  int64
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "router.db"))
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
		maint, err := q.CreateDepartment(ctx, company.ID, "Maintenance", false, now)
		if err != nil {
			return err
		}
		f.maintID = maint.ID
		disp, err := q.CreateDepartment(ctx, company.ID, "Dispatch", false, now)
		if err != nil {
			return err
		}
		f.dispID = disp.ID
		if err := q.AddDepartmentMember(ctx, maint.ID, u2, now); err != nil {
			return err
		}
		return q.TrackUser(ctx, store.User{ID: u2, Handle: "mechanic"}, groupID, now)
	}))

	engine := lifecycle.NewEngine(s, clock)
	reports, err := report.New(s, report.Options{})
	require.NoError(t, err)
	cfg := config.Config{PlatformAdminIDs: []int64{adminID}}
	f.router = New(s, engine, adapter, reports, cfg, clock)
	return f
}

func (f *fixture) newIssue(t *testing.T) *store.Incident {
	t.Helper()
	f.router.HandleEvent(context.Background(), chat.Event{
		Kind:      chat.EventCommand,
		GroupID:   groupID,
		User:      chat.User{ID: u1, Handle: "reporter"},
		Command:   "new_issue",
		MessageID: 900,
		ReplyTo:   &chat.Message{ID: 899, Text: "Brake light out on unit 12"},
	})
	inc, err := f.store.Read().GetIncident(context.Background(), "0001")
	require.NoError(t, err)
	return inc
}

func (f *fixture) press(user chat.User, data string) {
	f.router.HandleEvent(context.Background(), chat.Event{
		Kind:       chat.EventCallback,
		GroupID:    groupID,
		User:       user,
		CallbackID: "cb-" + data,
		Data:       data,
	})
}

func TestNewIssueCreatesPinnedMenu(t *testing.T) {
	f := setup(t)
	inc := f.newIssue(t)

	assert.Equal(t, store.StatusAwaitingDepartment, inc.Status)
	assert.Equal(t, int64(899), inc.SourceMessageID)
	require.NotZero(t, inc.PinnedMessageID)
	assert.True(t, f.adapter.IsPinned(groupID, inc.PinnedMessageID))

	last := f.adapter.LastSent()
	require.NotNil(t, last)
	assert.Contains(t, last.Text, "ID: 0001")
	assert.Contains(t, last.Text, "Select the department")
	var data []string
	for _, row := range last.Buttons {
		for _, b := range row {
			data = append(data, b.Data)
		}
	}
	assert.Contains(t, data, fmt.Sprintf("select_department:0001:%d", f.maintID))
	assert.Contains(t, data, fmt.Sprintf("select_department:0001:%d", f.dispID))
}

func TestNewIssueRequiresReply(t *testing.T) {
	f := setup(t)
	f.router.HandleEvent(context.Background(), chat.Event{
		Kind: chat.EventCommand, GroupID: groupID,
		User: chat.User{ID: u1}, Command: "new_issue", MessageID: 900,
	})
	last := f.adapter.LastSent()
	require.NotNil(t, last)
	assert.Contains(t, last.Text, "Reply to the message")

	_, err := f.store.Read().GetIncident(context.Background(), "0001")
	assert.Error(t, err)
}

func TestHappyPathThroughChat(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	inc := f.newIssue(t)
	pinned := inc.PinnedMessageID

	// Reporter picks Maintenance.
	f.press(chat.User{ID: u1, Handle: "reporter"}, fmt.Sprintf("select_department:0001:%d", f.maintID))
	inc, err := f.store.Read().GetIncident(ctx, "0001")
	require.NoError(t, err)
	assert.Equal(t, store.StatusAwaitingClaim, inc.Status)

	edit := f.adapter.LastEdit(pinned)
	require.NotNil(t, edit)
	assert.Contains(t, edit.Text, "Awaiting claim")
	// Department ping replied to the pinned message, tagging the roster.
	ping := f.adapter.LastSent()
	require.NotNil(t, ping)
	assert.Equal(t, pinned, ping.ReplyTo)
	assert.Contains(t, ping.Text, "@mechanic")

	// Member claims.
	f.press(chat.User{ID: u2, Handle: "mechanic"}, "claim:0001")
	inc, err = f.store.Read().GetIncident(ctx, "0001")
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, inc.Status)
	edit = f.adapter.LastEdit(pinned)
	assert.Contains(t, edit.Text, "@mechanic")

	// Member asks to resolve; the follow-up carries the ID line.
	f.press(chat.User{ID: u2, Handle: "mechanic"}, "resolve:0001")
	inc, err = f.store.Read().GetIncident(ctx, "0001")
	require.NoError(t, err)
	assert.Equal(t, store.StatusAwaitingSummary, inc.Status)
	request := f.adapter.LastSent()
	require.NotNil(t, request)
	assert.Contains(t, request.Text, "resolution summary")
	assert.Contains(t, request.Text, "ID: 0001")

	// Member replies with the summary.
	f.router.HandleEvent(ctx, chat.Event{
		Kind: chat.EventMessage, GroupID: groupID,
		User: chat.User{ID: u2, Handle: "mechanic"},
		Text: "Bulb replaced", MessageID: 950,
		ReplyTo: &chat.Message{ID: request.MessageID, Text: request.Text, FromBot: true},
	})
	inc, err = f.store.Read().GetIncident(ctx, "0001")
	require.NoError(t, err)
	assert.Equal(t, store.StatusResolved, inc.Status)
	assert.Equal(t, "Bulb replaced", inc.ResolutionSummary)
	assert.False(t, f.adapter.IsPinned(groupID, pinned), "resolve unpins the view")
	edit = f.adapter.LastEdit(pinned)
	assert.Contains(t, edit.Text, "Resolved")
	assert.Contains(t, edit.Text, "Bulb replaced")
}

func TestUnauthorizedClaimAlerts(t *testing.T) {
	f := setup(t)
	f.newIssue(t)
	f.press(chat.User{ID: u1, Handle: "reporter"}, fmt.Sprintf("select_department:0001:%d", f.maintID))

	f.press(chat.User{ID: u4, Handle: "bystander"}, "claim:0001")

	answers := f.adapter.Answers()
	require.NotEmpty(t, answers)
	last := answers[len(answers)-1]
	assert.True(t, last.Alert)
	assert.Contains(t, last.Text, "department members")

	inc, err := f.store.Read().GetIncident(context.Background(), "0001")
	require.NoError(t, err)
	assert.Equal(t, store.StatusAwaitingClaim, inc.Status)
}

func TestNonReporterCannotSelectDepartment(t *testing.T) {
	f := setup(t)
	f.newIssue(t)

	f.press(chat.User{ID: u2, Handle: "mechanic"}, fmt.Sprintf("select_department:0001:%d", f.maintID))

	answers := f.adapter.Answers()
	require.NotEmpty(t, answers)
	assert.True(t, answers[len(answers)-1].Alert)

	inc, err := f.store.Read().GetIncident(context.Background(), "0001")
	require.NoError(t, err)
	assert.Equal(t, store.StatusAwaitingDepartment, inc.Status)
}

func TestChangeDepartmentMenuAndRestore(t *testing.T) {
	f := setup(t)
	inc := f.newIssue(t)
	f.press(chat.User{ID: u1, Handle: "reporter"}, fmt.Sprintf("select_department:0001:%d", f.maintID))

	f.press(chat.User{ID: u2, Handle: "mechanic"}, "change_department:0001")
	edit := f.adapter.LastEdit(inc.PinnedMessageID)
	require.NotNil(t, edit)
	assert.Contains(t, edit.Text, "transfer this incident to")
	var data []string
	for _, row := range edit.Buttons {
		for _, b := range row {
			data = append(data, b.Data)
		}
	}
	assert.Contains(t, data, "restore_view:0001")

	f.press(chat.User{ID: u2, Handle: "mechanic"}, "restore_view:0001")
	edit = f.adapter.LastEdit(inc.PinnedMessageID)
	assert.Contains(t, edit.Text, "Awaiting claim")
}

func TestTransferThroughChat(t *testing.T) {
	f := setup(t)
	f.newIssue(t)
	f.press(chat.User{ID: u1, Handle: "reporter"}, fmt.Sprintf("select_department:0001:%d", f.maintID))
	f.press(chat.User{ID: u2, Handle: "mechanic"}, "claim:0001")

	f.press(chat.User{ID: u2, Handle: "mechanic"}, fmt.Sprintf("reassign_department:0001:%d", f.dispID))

	inc, err := f.store.Read().GetIncident(context.Background(), "0001")
	require.NoError(t, err)
	assert.Equal(t, store.StatusAwaitingClaim, inc.Status)
	require.NotNil(t, inc.DepartmentID)
	assert.Equal(t, f.dispID, *inc.DepartmentID)
}

func TestMalformedCallback(t *testing.T) {
	f := setup(t)
	f.newIssue(t)
	f.press(chat.User{ID: u1}, "explode:0001")

	answers := f.adapter.Answers()
	require.NotEmpty(t, answers)
	assert.True(t, answers[len(answers)-1].Alert)
}

func TestExtractIncidentID(t *testing.T) {
	assert.Equal(t, "0042", extractIncidentID("please reply\nID: 0042"))
	assert.Equal(t, "TKT-1", extractIncidentID("ID: TKT-1\n12345 other digits"))
	assert.Equal(t, "12345", extractIncidentID("summary for ticket 12345 please"))
	assert.Empty(t, extractIncidentID("no ticket reference here"))
}

func TestReportCommandIsAdminOnly(t *testing.T) {
	f := setup(t)
	send := func(userID int64, args string) {
		f.router.HandleEvent(context.Background(), chat.Event{
			Kind: chat.EventCommand, GroupID: groupID,
			User: chat.User{ID: userID}, Command: "report", Args: args, MessageID: 10,
		})
	}

	send(u1, "1 day")
	assert.Contains(t, f.adapter.LastSent().Text, "platform admins")

	send(adminID, "1 day")
	assert.Contains(t, f.adapter.LastSent().Text, "Report for Acme")

	send(adminID, "1 decade")
	assert.Contains(t, f.adapter.LastSent().Text, "day, week, month")
}

func TestAddGroupActivates(t *testing.T) {
	f := setup(t)
	newGroup := int64(-900)

	f.router.HandleEvent(context.Background(), chat.Event{
		Kind: chat.EventCommand, GroupID: newGroup,
		User: chat.User{ID: adminID}, Command: "add_group", Args: "Beta Corp", MessageID: 10,
	})

	m, err := f.store.Read().GetMembership(context.Background(), newGroup)
	require.NoError(t, err)
	assert.True(t, m.IsActive)
	assert.Equal(t, "Beta Corp", m.Company.Name)

	depts, err := f.store.Read().ListDepartments(context.Background(), m.Company.ID)
	require.NoError(t, err)
	assert.Len(t, depts, 2, "new companies get default departments")

	pending, err := f.store.Read().PendingNotifications(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "group_approved", pending[0].Kind)
	assert.Equal(t, newGroup, pending[0].GroupID)
}

func TestDenyGroupBlocksLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.router.HandleEvent(ctx, chat.Event{
		Kind: chat.EventCommand, GroupID: groupID,
		User: chat.User{ID: u1, Handle: "reporter"}, Command: "deny_group", MessageID: 10,
	})
	m, err := f.store.Read().GetMembership(ctx, groupID)
	require.NoError(t, err)
	assert.True(t, m.IsActive, "non-admins cannot deny a group")

	f.router.HandleEvent(ctx, chat.Event{
		Kind: chat.EventCommand, GroupID: groupID,
		User: chat.User{ID: adminID}, Command: "deny_group", MessageID: 11,
	})
	m, err = f.store.Read().GetMembership(ctx, groupID)
	require.NoError(t, err)
	assert.False(t, m.IsActive)

	pending, err := f.store.Read().PendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "group_denied", pending[0].Kind)
	assert.Contains(t, pending[0].Payload, "not approved")

	// Further issue reports bounce off the denied group.
	f.router.HandleEvent(ctx, chat.Event{
		Kind: chat.EventCommand, GroupID: groupID,
		User: chat.User{ID: u1, Handle: "reporter"}, Command: "new_issue",
		MessageID: 900, ReplyTo: &chat.Message{ID: 899, Text: "Brake light out on unit 12"},
	})
	_, err = f.store.Read().GetIncident(ctx, "0001")
	assert.Error(t, err)
}

func TestCallbackTargetingOtherGroupIncident(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.newIssue(t)

	otherGroup := int64(-901)
	f.router.HandleEvent(ctx, chat.Event{
		Kind: chat.EventCommand, GroupID: otherGroup,
		User: chat.User{ID: adminID}, Command: "add_group", Args: "Beta Corp", MessageID: 10,
	})

	f.router.HandleEvent(ctx, chat.Event{
		Kind: chat.EventCallback, GroupID: otherGroup,
		User:       chat.User{ID: u1, Handle: "reporter"},
		CallbackID: "cb-cross", Data: fmt.Sprintf("select_department:0001:%d", f.maintID),
	})

	answers := f.adapter.Answers()
	require.NotEmpty(t, answers)
	last := answers[len(answers)-1]
	assert.True(t, last.Alert)
	assert.Contains(t, last.Text, "not found")

	inc, err := f.store.Read().GetIncident(ctx, "0001")
	require.NoError(t, err)
	assert.Equal(t, store.StatusAwaitingDepartment, inc.Status, "cross-group callbacks never mutate")
}

func TestResolutionRequestForHandlelessResolver(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	u3 := int64(30)
	require.NoError(t, f.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return store.Q(tx).AddDepartmentMember(ctx, f.maintID, u3, f.clock.Now())
	}))

	f.newIssue(t)
	f.press(chat.User{ID: u1, Handle: "reporter"}, fmt.Sprintf("select_department:0001:%d", f.maintID))
	f.press(chat.User{ID: u3}, "claim:0001")
	f.press(chat.User{ID: u3}, "resolve:0001")

	request := f.adapter.LastSent()
	require.NotNil(t, request)
	assert.Contains(t, request.Text, "resolution summary")
	assert.Contains(t, request.Text, "@User_30", "resolvers without a username get the synthetic handle")
}

func TestAddManager(t *testing.T) {
	f := setup(t)

	f.router.HandleEvent(context.Background(), chat.Event{
		Kind: chat.EventCommand, GroupID: groupID,
		User: chat.User{ID: adminID}, Command: "add_manager",
		Args: fmt.Sprintf("%d maintenance", u4), MessageID: 10,
	})

	isMember, err := f.store.Read().IsDepartmentMember(context.Background(), f.maintID, u4)
	require.NoError(t, err)
	assert.True(t, isMember, "department name matching is case-insensitive")
}

func TestResolveCallbackWhileAwaitingSummary(t *testing.T) {
	f := setup(t)
	f.newIssue(t)
	f.press(chat.User{ID: u1, Handle: "reporter"}, fmt.Sprintf("select_department:0001:%d", f.maintID))
	f.press(chat.User{ID: u2, Handle: "mechanic"}, "claim:0001")
	f.press(chat.User{ID: u2, Handle: "mechanic"}, "resolve:0001")

	// Pressing resolve again nudges the pending user instead of re-requesting.
	f.press(chat.User{ID: u2, Handle: "mechanic"}, "resolve:0001")
	answers := f.adapter.Answers()
	last := answers[len(answers)-1]
	assert.False(t, last.Alert)
	assert.Contains(t, strings.ToLower(last.Text), "resolution summary")

	events, err := f.store.Read().ListEvents(context.Background(), "0001")
	require.NoError(t, err)
	var requested int
	for _, e := range events {
		if e.Type == store.EventResolutionRequested {
			requested++
		}
	}
	assert.Equal(t, 1, requested)
}

// Welcome text sanity so /start and /help stay wired.
func TestStartCommand(t *testing.T) {
	f := setup(t)
	f.router.HandleEvent(context.Background(), chat.Event{
		Kind: chat.EventCommand, GroupID: groupID,
		User: chat.User{ID: u1}, Command: "start",
	})
	assert.Contains(t, f.adapter.LastSent().Text, "/new_issue")
}
