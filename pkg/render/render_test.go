package render

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incidentbot/pkg/chat"
	"incidentbot/pkg/store"
)

func sampleIncident(status string) *store.Incident {
	return &store.Incident{
		IncidentID:      "0042",
		CreatedByHandle: "reporter",
		Description:     "Brake light <b>out</b> on unit 12",
		Status:          status,
	}
}

func flatten(rows chat.ButtonRows) []string {
	var data []string
	for _, row := range rows {
		for _, b := range row {
			data = append(data, b.Data)
		}
	}
	return data
}

func TestParseCallback(t *testing.T) {
	action, id, aux, err := ParseCallback("select_department:0042:7")
	require.NoError(t, err)
	assert.Equal(t, ActionSelectDepartment, action)
	assert.Equal(t, "0042", id)
	assert.Equal(t, "7", aux)

	action, id, aux, err = ParseCallback("claim:0042")
	require.NoError(t, err)
	assert.Equal(t, ActionClaim, action)
	assert.Equal(t, "0042", id)
	assert.Empty(t, aux)

	for _, bad := range []string{"", "claim", "claim:", ":0042", "explode:0042"} {
		_, _, _, err := ParseCallback(bad)
		assert.Error(t, err, "payload %q", bad)
	}
}

func TestStateViewEscapesUserText(t *testing.T) {
	body, _ := StateView(sampleIncident(store.StatusAwaitingClaim), "Maintenance", nil)
	assert.Contains(t, body, "Brake light &lt;b&gt;out&lt;/b&gt; on unit 12")
	assert.NotContains(t, body, "<b>out</b>")
	assert.Contains(t, body, "ID: 0042")
	assert.Contains(t, body, "<i>")
}

func TestStateViewButtonsPerState(t *testing.T) {
	tests := []struct {
		status string
		want   []string
	}{
		{store.StatusAwaitingDepartment, nil},
		{store.StatusAwaitingClaim, []string{"claim:0042", "change_department:0042"}},
		{store.StatusInProgress, []string{"claim:0042", "release:0042", "resolve:0042", "change_department:0042"}},
		{store.StatusAwaitingSummary, nil},
		{store.StatusResolved, nil},
		{store.StatusClosed, nil},
	}
	for _, tc := range tests {
		t.Run(tc.status, func(t *testing.T) {
			_, buttons := StateView(sampleIncident(tc.status), "Maintenance", []string{"alice"})
			assert.Equal(t, tc.want, flatten(buttons))
		})
	}
}

func TestStateViewIsDeterministic(t *testing.T) {
	inc := sampleIncident(store.StatusInProgress)
	body1, _ := StateView(inc, "Maintenance", []string{"alice", "bob"})
	body2, _ := StateView(inc, "Maintenance", []string{"alice", "bob"})
	assert.Equal(t, body1, body2)
	assert.Contains(t, body1, "@alice @bob")
}

func TestResolvedViewShowsSummary(t *testing.T) {
	inc := sampleIncident(store.StatusResolved)
	inc.ResolutionSummary = "Bulb replaced"
	body, buttons := StateView(inc, "Maintenance", nil)
	assert.Contains(t, body, "Resolution: Bulb replaced")
	assert.Empty(t, buttons)
}

func TestDepartmentMenu(t *testing.T) {
	depts := []store.Department{
		{ID: 1, Name: "Maintenance"},
		{ID: 2, Name: "Dispatch"},
	}

	_, initial := DepartmentMenu(sampleIncident(store.StatusAwaitingDepartment), depts, true)
	assert.Equal(t, []string{"select_department:0042:1", "select_department:0042:2"}, flatten(initial))

	_, transfer := DepartmentMenu(sampleIncident(store.StatusAwaitingClaim), depts, false)
	assert.Equal(t, []string{
		"reassign_department:0042:1", "reassign_department:0042:2", "restore_view:0042",
	}, flatten(transfer))
}

func TestDepartmentPingChunks(t *testing.T) {
	ping := DepartmentPing("0042", "Maintenance", []string{"alice", "bob"})
	require.Len(t, ping, 1)
	assert.Contains(t, ping[0], "@alice @bob")
	assert.Contains(t, ping[0], "0042")

	var big []string
	for i := 0; i < 120; i++ {
		big = append(big, fmt.Sprintf("user%03d", i))
	}
	ping = DepartmentPing("0042", "Maintenance", big)
	require.Len(t, ping, 3, "120 handles split at 50 per message")
	assert.Equal(t, 50, strings.Count(ping[0], "@"))
	assert.Equal(t, 20, strings.Count(ping[2], "@"))

	empty := DepartmentPing("0042", "Maintenance", nil)
	require.Len(t, empty, 1)
}

func TestResolutionRequestCarriesID(t *testing.T) {
	text := ResolutionRequest("0042", 7, "alice")
	assert.Contains(t, text, "resolution summary")
	assert.Contains(t, text, "\nID: 0042")
	assert.Contains(t, text, "@alice")
}

func TestResolutionRequestFallsBackToSyntheticHandle(t *testing.T) {
	text := ResolutionRequest("0042", 7, "")
	assert.Contains(t, text, "@User_7")
	assert.NotContains(t, text, "a responder")
}

func TestAutoCloseTexts(t *testing.T) {
	summary := AutoCloseSummary("alice", 30)
	assert.Equal(t,
		"Auto-closed after waiting 30 minutes for a resolution summary from @alice. No response received.",
		summary)

	// The summary is persisted verbatim and escaped only when the state
	// view renders it, so special characters must survive unescaped here.
	assert.Contains(t, AutoCloseSummary("a&b", 30), "@a&b")
	assert.Contains(t, AutoCloseNotice("0042"), "0042")
	assert.Contains(t, UnclaimedReminder(sampleIncident(store.StatusAwaitingClaim), "Maintenance", 15), "15 minutes")
}

func TestGroupDecisionTexts(t *testing.T) {
	assert.Contains(t, GroupApproved("Acme & Co"), "Acme &amp; Co")
	assert.Contains(t, GroupDenied(), "not approved")
}
