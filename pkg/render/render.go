// Package render produces the chat message body and button set for each
// incident state. Everything here is a pure function of the incident snapshot
// so re-rendering is byte-stable; all user-provided text is HTML-escaped.
package render

import (
	"fmt"
	"html"
	"strings"

	"incidentbot/pkg/chat"
	"incidentbot/pkg/incerr"
	"incidentbot/pkg/store"
)

// Callback actions understood by the router.
const (
	ActionSelectDepartment   = "select_department"
	ActionReassignDepartment = "reassign_department"
	ActionChangeDepartment   = "change_department"
	ActionRestoreView        = "restore_view"
	ActionClaim              = "claim"
	ActionRelease            = "release"
	ActionResolve            = "resolve"
)

// pingChunkSize caps handles per department ping message so the chat platform
// never rejects the payload.
const pingChunkSize = 50

// CallbackData builds "action:incident_id[:aux]".
func CallbackData(action, incidentID string, aux ...string) string {
	parts := append([]string{action, incidentID}, aux...)
	return strings.Join(parts, ":")
}

// ParseCallback splits a callback payload into its parts.
func ParseCallback(data string) (action, incidentID, aux string, err error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", incerr.New(incerr.KindValidation, "malformed callback payload %q", data)
	}
	switch parts[0] {
	case ActionSelectDepartment, ActionReassignDepartment, ActionChangeDepartment,
		ActionRestoreView, ActionClaim, ActionRelease, ActionResolve:
	default:
		return "", "", "", incerr.New(incerr.KindValidation, "unknown callback action %q", parts[0])
	}
	if len(parts) == 3 {
		aux = parts[2]
	}
	return parts[0], parts[1], aux, nil
}

func statusLabel(status string) string {
	switch status {
	case store.StatusAwaitingDepartment:
		return "⏳ Awaiting department"
	case store.StatusAwaitingClaim:
		return "📢 Awaiting claim"
	case store.StatusInProgress:
		return "🔧 In progress"
	case store.StatusAwaitingSummary:
		return "📝 Awaiting resolution summary"
	case store.StatusResolved:
		return "✅ Resolved"
	case store.StatusClosed:
		return "🚫 Closed"
	default:
		return status
	}
}

// mention expects a non-empty handle; callers resolve missing usernames to
// store.FallbackHandle before rendering.
func mention(handle string) string {
	return "@" + html.EscapeString(handle)
}

func header(inc *store.Incident, departmentName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎫 <b>Incident</b>\n")
	fmt.Fprintf(&b, "ID: %s\n", inc.IncidentID)
	fmt.Fprintf(&b, "Status: %s\n", statusLabel(inc.Status))
	if departmentName != "" {
		fmt.Fprintf(&b, "Department: %s\n", html.EscapeString(departmentName))
	}
	fmt.Fprintf(&b, "Reported by: %s\n", mention(inc.CreatedByHandle))
	fmt.Fprintf(&b, "\n<i>%s</i>\n", html.EscapeString(inc.Description))
	return b.String()
}

// StateView renders the canonical pinned message for the incident's current
// state. activeHandles lists current claimants, oldest claim first.
func StateView(inc *store.Incident, departmentName string, activeHandles []string) (string, chat.ButtonRows) {
	body := header(inc, departmentName)
	var buttons chat.ButtonRows

	switch inc.Status {
	case store.StatusAwaitingDepartment:
		body += "\nSelect the department that should handle this issue."

	case store.StatusAwaitingClaim:
		body += fmt.Sprintf("\nWaiting for a member of %s to claim this incident.",
			html.EscapeString(departmentName))
		buttons = chat.ButtonRows{
			{{Label: "🙋 Claim", Data: CallbackData(ActionClaim, inc.IncidentID)}},
			{{Label: "🔀 Change department", Data: CallbackData(ActionChangeDepartment, inc.IncidentID)}},
		}

	case store.StatusInProgress:
		mentions := make([]string, len(activeHandles))
		for i, h := range activeHandles {
			mentions[i] = mention(h)
		}
		body += "\nBeing worked on by: " + strings.Join(mentions, " ")
		buttons = chat.ButtonRows{
			{
				{Label: "🙋 Join", Data: CallbackData(ActionClaim, inc.IncidentID)},
				{Label: "🚪 Release", Data: CallbackData(ActionRelease, inc.IncidentID)},
			},
			{{Label: "✅ Resolve", Data: CallbackData(ActionResolve, inc.IncidentID)}},
			{{Label: "🔀 Change department", Data: CallbackData(ActionChangeDepartment, inc.IncidentID)}},
		}

	case store.StatusAwaitingSummary:
		body += "\nWaiting for a resolution summary."

	case store.StatusResolved, store.StatusClosed:
		if inc.ResolutionSummary != "" {
			body += fmt.Sprintf("\nResolution: %s", html.EscapeString(inc.ResolutionSummary))
		}
	}

	return body, buttons
}

// DepartmentMenu renders the department picker. For the initial selection the
// buttons carry select_department; for a transfer they carry
// reassign_department plus a back button restoring the live view.
func DepartmentMenu(inc *store.Incident, departments []store.Department, initial bool) (string, chat.ButtonRows) {
	action := ActionReassignDepartment
	prompt := "\nChoose the department to transfer this incident to:"
	if initial {
		action = ActionSelectDepartment
		prompt = "\nSelect the department that should handle this issue:"
	}

	body := header(inc, "") + prompt
	var buttons chat.ButtonRows
	for _, dept := range departments {
		buttons = append(buttons, []chat.Button{{
			Label: dept.Name,
			Data:  CallbackData(action, inc.IncidentID, fmt.Sprintf("%d", dept.ID)),
		}})
	}
	if !initial {
		buttons = append(buttons, []chat.Button{{
			Label: "⬅️ Back",
			Data:  CallbackData(ActionRestoreView, inc.IncidentID),
		}})
	}
	return body, buttons
}

// DepartmentPing builds the short reply tagging department members after an
// assignment. Long rosters split into chunks of at most pingChunkSize handles
// so no single message exceeds platform limits.
func DepartmentPing(incidentID, departmentName string, handles []string) []string {
	prefix := fmt.Sprintf("📣 %s, incident %s needs attention",
		html.EscapeString(departmentName), incidentID)
	if len(handles) == 0 {
		return []string{prefix + "."}
	}

	var messages []string
	for start := 0; start < len(handles); start += pingChunkSize {
		end := start + pingChunkSize
		if end > len(handles) {
			end = len(handles)
		}
		mentions := make([]string, 0, end-start)
		for _, h := range handles[start:end] {
			mentions = append(mentions, mention(h))
		}
		messages = append(messages, prefix+": "+strings.Join(mentions, " "))
	}
	return messages
}

// ResolutionRequest builds the follow-up asking the resolver for a summary.
// The body carries an "ID:" line so the resolver's reply can be associated.
// Resolvers without a public username are addressed by their fallback handle.
func ResolutionRequest(incidentID string, resolverID int64, handle string) string {
	if handle == "" {
		handle = store.FallbackHandle(resolverID)
	}
	return fmt.Sprintf(
		"📝 %s, please reply to this message with a resolution summary for the incident.\nID: %s",
		mention(handle), incidentID)
}

// UnclaimedReminder builds the SLA nudge posted when an incident sits
// unclaimed past the threshold.
func UnclaimedReminder(inc *store.Incident, departmentName string, minutes int) string {
	return fmt.Sprintf(
		"⏰ Incident %s has been waiting for %s for %d minutes without a claim.",
		inc.IncidentID, html.EscapeString(departmentName), minutes)
}

// AutoCloseSummary is the constructed resolution summary recorded when the
// summary timeout fires. It is persisted as plain text; the state view
// escapes it on display, so no escaping happens here.
func AutoCloseSummary(handle string, minutes int) string {
	return fmt.Sprintf(
		"Auto-closed after waiting %d minutes for a resolution summary from @%s. No response received.",
		minutes, handle)
}

// AutoCloseNotice is the short reply posted after an automatic close.
func AutoCloseNotice(incidentID string) string {
	return fmt.Sprintf("🚫 Incident %s was closed automatically: no resolution summary arrived in time.", incidentID)
}

// GroupApproved is the notification payload queued when a group is attached
// to a company and activated.
func GroupApproved(companyName string) string {
	return fmt.Sprintf("✅ This group is now active for %s. Use /new_issue as a reply to report a problem.",
		html.EscapeString(companyName))
}

// GroupDenied is the notification payload queued when a registration request
// is rejected.
func GroupDenied() string {
	return "🚫 This group was not approved for incident tracking."
}

// Welcome is the /start and /help text.
func Welcome() string {
	return strings.Join([]string{
		"👋 This bot coordinates incident triage for your group.",
		"",
		"Reply to any message describing a problem with /new_issue to open a ticket.",
		"The reporter picks a department, department members claim the ticket,",
		"and whoever resolves it replies with a short resolution summary.",
	}, "\n")
}
