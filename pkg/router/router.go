// Package router turns inbound chat events into lifecycle operations. It
// validates the group, resolves capabilities, calls the engine, and keeps the
// pinned state view current. Chat delivery failures are logged and swallowed;
// they never roll back a committed transition.
package router

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"incidentbot/pkg/chat"
	"incidentbot/pkg/config"
	"incidentbot/pkg/incerr"
	"incidentbot/pkg/lifecycle"
	"incidentbot/pkg/logx"
	"incidentbot/pkg/metrics"
	"incidentbot/pkg/render"
	"incidentbot/pkg/report"
	"incidentbot/pkg/roles"
	"incidentbot/pkg/store"
	"incidentbot/pkg/timeutil"
)

// Router dispatches chat events to the lifecycle engine.
type Router struct {
	store    *store.Store
	engine   *lifecycle.Engine
	resolver *roles.Resolver
	adapter  chat.Adapter
	reports  *report.Generator
	cfg      config.Config
	clock    timeutil.Clock
	logger   *logx.Logger
}

// New wires a router.
func New(s *store.Store, engine *lifecycle.Engine, adapter chat.Adapter, reports *report.Generator, cfg config.Config, clock timeutil.Clock) *Router {
	return &Router{
		store:    s,
		engine:   engine,
		resolver: roles.NewResolver(s),
		adapter:  adapter,
		reports:  reports,
		cfg:      cfg,
		clock:    clock,
		logger:   logx.NewLogger("router"),
	}
}

// Run consumes adapter events until the context ends or the event channel
// closes.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-r.adapter.Events():
			if !ok {
				return nil
			}
			r.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent processes one inbound event. Errors are handled internally:
// user mistakes become alerts or replies, infrastructure failures are logged.
func (r *Router) HandleEvent(ctx context.Context, ev chat.Event) {
	var err error
	switch ev.Kind {
	case chat.EventCommand:
		err = r.handleCommand(ctx, ev)
	case chat.EventCallback:
		err = r.handleCallback(ctx, ev)
	case chat.EventMessage:
		err = r.handleMessage(ctx, ev)
	case chat.EventMembershipChange:
		err = r.trackUser(ctx, ev)
	}
	if err != nil {
		r.logger.Error("handling %s event in group %d: %v", ev.Kind, ev.GroupID, err)
	}
}

func (r *Router) trackUser(ctx context.Context, ev chat.Event) error {
	if ev.User.ID == 0 {
		return nil
	}
	return r.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return store.Q(tx).TrackUser(ctx, storeUser(ev.User), ev.GroupID, r.clock.Now())
	})
}

func storeUser(u chat.User) store.User {
	return store.User{
		ID:           u.ID,
		Handle:       u.Handle,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		LanguageCode: u.LanguageCode,
		IsBot:        u.IsBot,
	}
}

// --- Commands ---

func (r *Router) handleCommand(ctx context.Context, ev chat.Event) error {
	if err := r.trackUser(ctx, ev); err != nil {
		r.logger.Warn("tracking user %d: %v", ev.User.ID, err)
	}

	switch ev.Command {
	case "start", "help":
		return r.send(ctx, ev.GroupID, render.Welcome(), nil)
	case "new_issue":
		return r.handleNewIssue(ctx, ev)
	case "report":
		return r.handleReport(ctx, ev)
	case "add_group":
		return r.handleAddGroup(ctx, ev)
	case "deny_group":
		return r.handleDenyGroup(ctx, ev)
	case "add_manager":
		return r.handleAddManager(ctx, ev)
	default:
		return nil // unknown commands are ignored
	}
}

func (r *Router) handleNewIssue(ctx context.Context, ev chat.Event) error {
	if ev.ReplyTo == nil || strings.TrimSpace(ev.ReplyTo.Text) == "" {
		return r.send(ctx, ev.GroupID,
			"Reply to the message describing the problem with /new_issue.",
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}

	inc, err := r.engine.CreateIncident(ctx, ev.GroupID, storeUser(ev.User), ev.ReplyTo.Text, ev.ReplyTo.ID)
	if err != nil {
		if incerr.KindOf(err) == incerr.KindStorage {
			r.logger.Error("creating incident: %v", err)
			return r.send(ctx, ev.GroupID, "Something went wrong, please try again.",
				&chat.SendOptions{ReplyTo: ev.MessageID})
		}
		metrics.RejectedOperations.WithLabelValues(string(incerr.KindOf(err))).Inc()
		return r.send(ctx, ev.GroupID, incerr.ReasonOf(err),
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}
	metrics.IncidentsCreated.Inc()
	metrics.Transitions.WithLabelValues(store.EventCreate).Inc()

	departments, err := r.store.Read().ListDepartments(ctx, inc.CompanyID)
	if err != nil {
		return err
	}
	body, buttons := render.DepartmentMenu(inc, departments, true)

	messageID, err := r.adapter.Send(ctx, ev.GroupID, body,
		&chat.SendOptions{ReplyTo: ev.ReplyTo.ID, Buttons: buttons})
	if err != nil {
		metrics.ChatErrors.Inc()
		return chat.WrapErr(err, "posting incident %s view", inc.IncidentID)
	}
	if err := r.adapter.Pin(ctx, ev.GroupID, messageID); err != nil {
		metrics.ChatErrors.Inc()
		r.logger.Warn("pinning message %d: %v", messageID, err)
	}
	return r.engine.SetPinnedMessage(ctx, inc.IncidentID, messageID)
}

func (r *Router) handleReport(ctx context.Context, ev chat.Event) error {
	if !r.cfg.IsPlatformAdmin(ev.User.ID) {
		return r.send(ctx, ev.GroupID, "Only platform admins can request reports.",
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}
	fields := strings.Fields(ev.Args)
	if len(fields) != 2 {
		return r.send(ctx, ev.GroupID, "Usage: /report <company_id> {day|week|month}",
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}
	companyID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return r.send(ctx, ev.GroupID, "Company id must be numeric.",
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}

	text, err := r.reports.Generate(ctx, companyID, fields[1], r.clock.Now())
	if err != nil {
		if incerr.KindOf(err) == incerr.KindStorage {
			r.logger.Error("generating report: %v", err)
			return r.send(ctx, ev.GroupID, "Something went wrong, please try again.",
				&chat.SendOptions{ReplyTo: ev.MessageID})
		}
		return r.send(ctx, ev.GroupID, incerr.ReasonOf(err),
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}
	return r.send(ctx, ev.GroupID, text, &chat.SendOptions{ReplyTo: ev.MessageID})
}

// handleAddGroup registers and activates the current chat under a company,
// creating the company (with default departments) on first use.
func (r *Router) handleAddGroup(ctx context.Context, ev chat.Event) error {
	if !r.cfg.IsPlatformAdmin(ev.User.ID) {
		return r.send(ctx, ev.GroupID, "Only platform admins can register groups.",
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}
	companyName := strings.TrimSpace(ev.Args)
	if companyName == "" {
		return r.send(ctx, ev.GroupID, "Usage: /add_group <company name>",
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}

	now := r.clock.Now()
	var company *store.Company
	err := r.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := store.Q(tx)
		var err error
		company, err = q.CreateCompany(ctx, companyName, now)
		if err != nil {
			return err
		}
		departments, err := q.ListDepartments(ctx, company.ID)
		if err != nil {
			return err
		}
		if len(departments) == 0 {
			for _, name := range []string{"Dispatchers", "Operations"} {
				if _, err := q.CreateDepartment(ctx, company.ID, name, false, now); err != nil {
					return err
				}
			}
		}
		if err := q.UpsertGroup(ctx, ev.GroupID, company.ID, "", store.GroupActive, now); err != nil {
			return err
		}
		// The welcome announcement goes out via the notification queue on
		// the next scheduler tick.
		_, err = q.EnqueueNotification(ctx, ev.GroupID, "group_approved",
			render.GroupApproved(companyName), now)
		return err
	})
	if err != nil {
		r.logger.Error("registering group %d: %v", ev.GroupID, err)
		return r.send(ctx, ev.GroupID, "Something went wrong, please try again.",
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}
	return r.send(ctx, ev.GroupID,
		fmt.Sprintf("✅ Group registered and activated for %s (company id %d).", companyName, company.ID),
		&chat.SendOptions{ReplyTo: ev.MessageID})
}

// handleDenyGroup rejects the current chat's registration request. The group
// is marked denied so lifecycle operations stop accepting it, and the denial
// notice goes out through the notification queue.
func (r *Router) handleDenyGroup(ctx context.Context, ev chat.Event) error {
	if !r.cfg.IsPlatformAdmin(ev.User.ID) {
		return r.send(ctx, ev.GroupID, "Only platform admins can register groups.",
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}

	now := r.clock.Now()
	err := r.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := store.Q(tx)
		if err := q.SetGroupStatus(ctx, ev.GroupID, store.GroupDenied); err != nil {
			return err
		}
		_, err := q.EnqueueNotification(ctx, ev.GroupID, "group_denied", render.GroupDenied(), now)
		return err
	})
	if err != nil {
		if incerr.KindOf(err) == incerr.KindNotFound {
			return r.send(ctx, ev.GroupID, "This group has no registration to deny.",
				&chat.SendOptions{ReplyTo: ev.MessageID})
		}
		r.logger.Error("denying group %d: %v", ev.GroupID, err)
		return r.send(ctx, ev.GroupID, "Something went wrong, please try again.",
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}
	return r.send(ctx, ev.GroupID, "🚫 Group registration denied.",
		&chat.SendOptions{ReplyTo: ev.MessageID})
}

// handleAddManager adds a user to a department of the current group's company:
// /add_manager <user_id> <department name>.
func (r *Router) handleAddManager(ctx context.Context, ev chat.Event) error {
	if !r.cfg.IsPlatformAdmin(ev.User.ID) {
		return r.send(ctx, ev.GroupID, "Only platform admins can manage rosters.",
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}
	fields := strings.SplitN(strings.TrimSpace(ev.Args), " ", 2)
	if len(fields) != 2 {
		return r.send(ctx, ev.GroupID, "Usage: /add_manager <user_id> <department name>",
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}
	userID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return r.send(ctx, ev.GroupID, "User id must be numeric.",
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}
	deptName := strings.TrimSpace(fields[1])

	now := r.clock.Now()
	err = r.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		q := store.Q(tx)
		membership, err := q.GetMembership(ctx, ev.GroupID)
		if err != nil {
			return err
		}
		departments, err := q.ListDepartments(ctx, membership.Company.ID)
		if err != nil {
			return err
		}
		for _, dept := range departments {
			if strings.EqualFold(dept.Name, deptName) {
				return q.AddDepartmentMember(ctx, dept.ID, userID, now)
			}
		}
		return incerr.New(incerr.KindNotFound, "department %s not found", deptName)
	})
	if err != nil {
		if incerr.KindOf(err) == incerr.KindStorage {
			r.logger.Error("adding manager: %v", err)
			return r.send(ctx, ev.GroupID, "Something went wrong, please try again.",
				&chat.SendOptions{ReplyTo: ev.MessageID})
		}
		return r.send(ctx, ev.GroupID, incerr.ReasonOf(err),
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}
	return r.send(ctx, ev.GroupID,
		fmt.Sprintf("✅ User %d added to %s.", userID, deptName),
		&chat.SendOptions{ReplyTo: ev.MessageID})
}

// --- Callbacks ---

func (r *Router) handleCallback(ctx context.Context, ev chat.Event) error {
	action, incidentID, aux, err := render.ParseCallback(ev.Data)
	if err != nil {
		return r.alert(ctx, ev.CallbackID, err)
	}

	membership, err := r.store.Read().GetMembership(ctx, ev.GroupID)
	if err != nil {
		return r.alert(ctx, ev.CallbackID, err)
	}
	if !membership.IsActive {
		return r.alert(ctx, ev.CallbackID,
			incerr.New(incerr.KindValidation, "this group is not activated yet"))
	}

	inc, err := r.store.Read().GetIncident(ctx, incidentID)
	if err != nil {
		return r.alert(ctx, ev.CallbackID, err)
	}
	// Callback payloads are attacker-controlled; an incident belonging to
	// another group is indistinguishable from a missing one.
	if inc.GroupID != ev.GroupID {
		return r.alert(ctx, ev.CallbackID,
			incerr.New(incerr.KindNotFound, "incident %s not found", incidentID))
	}

	if err := r.trackUser(ctx, ev); err != nil {
		r.logger.Warn("tracking user %d: %v", ev.User.ID, err)
	}

	caps, err := r.resolver.For(ctx, inc, ev.User.ID, membership.IsActive)
	if err != nil {
		return r.alert(ctx, ev.CallbackID, err)
	}

	switch action {
	case render.ActionSelectDepartment, render.ActionReassignDepartment:
		return r.handleAssign(ctx, ev, inc, caps, action, aux)
	case render.ActionChangeDepartment:
		return r.handleChangeMenu(ctx, ev, inc, caps)
	case render.ActionRestoreView:
		r.updateView(ctx, inc)
		return r.answer(ctx, ev.CallbackID, "")
	case render.ActionClaim:
		return r.handleClaim(ctx, ev, inc)
	case render.ActionRelease:
		return r.handleRelease(ctx, ev, inc)
	case render.ActionResolve:
		return r.handleResolve(ctx, ev, inc, caps)
	}
	return nil
}

func (r *Router) handleAssign(ctx context.Context, ev chat.Event, inc *store.Incident, caps roles.Set, action, aux string) error {
	needed := roles.CapSelectDepartment
	if action == render.ActionReassignDepartment {
		needed = roles.CapChangeDepartment
	}
	if !caps.Has(needed) {
		return r.alert(ctx, ev.CallbackID,
			incerr.New(incerr.KindPermission, "you cannot route incident %s", inc.IncidentID))
	}

	departmentID, err := strconv.ParseInt(aux, 10, 64)
	if err != nil {
		return r.alert(ctx, ev.CallbackID,
			incerr.New(incerr.KindValidation, "malformed department id %q", aux))
	}

	updated, err := r.engine.AssignDepartment(ctx, inc.IncidentID, departmentID, ev.User.ID)
	if err != nil {
		return r.alert(ctx, ev.CallbackID, err)
	}
	metrics.Transitions.WithLabelValues(store.EventDepartmentAssigned).Inc()

	dept, err := r.store.Read().GetDepartment(ctx, departmentID)
	if err != nil {
		return r.alert(ctx, ev.CallbackID, err)
	}

	r.updateView(ctx, updated)
	r.postDepartmentPing(ctx, updated, dept)
	return r.answer(ctx, ev.CallbackID, fmt.Sprintf("Assigned to %s", dept.Name))
}

func (r *Router) postDepartmentPing(ctx context.Context, inc *store.Incident, dept *store.Department) {
	handles, err := r.store.Read().DepartmentMemberHandles(ctx, dept.ID)
	if err != nil {
		r.logger.Warn("loading roster for ping on %s: %v", inc.IncidentID, err)
		return
	}
	for _, text := range render.DepartmentPing(inc.IncidentID, dept.Name, handles) {
		opts := &chat.SendOptions{ReplyTo: inc.PinnedMessageID}
		if _, err := r.adapter.Send(ctx, inc.GroupID, text, opts); err != nil {
			metrics.ChatErrors.Inc()
			r.logger.Warn("posting department ping for %s: %v", inc.IncidentID, err)
		}
	}
}

func (r *Router) handleChangeMenu(ctx context.Context, ev chat.Event, inc *store.Incident, caps roles.Set) error {
	if !caps.Has(roles.CapChangeDepartment) {
		return r.alert(ctx, ev.CallbackID,
			incerr.New(incerr.KindPermission, "you cannot route incident %s", inc.IncidentID))
	}
	departments, err := r.store.Read().ListDepartments(ctx, inc.CompanyID)
	if err != nil {
		return r.alert(ctx, ev.CallbackID, err)
	}
	body, buttons := render.DepartmentMenu(inc, departments, false)
	if err := r.adapter.Edit(ctx, inc.GroupID, inc.PinnedMessageID, body, buttons); err != nil {
		metrics.ChatErrors.Inc()
		r.logger.Warn("showing department menu for %s: %v", inc.IncidentID, err)
	}
	return r.answer(ctx, ev.CallbackID, "")
}

func (r *Router) handleClaim(ctx context.Context, ev chat.Event, inc *store.Incident) error {
	updated, err := r.engine.Claim(ctx, inc.IncidentID, ev.User.ID)
	if err != nil {
		return r.alert(ctx, ev.CallbackID, err)
	}
	metrics.Transitions.WithLabelValues(store.EventClaim).Inc()
	r.updateView(ctx, updated)
	return r.answer(ctx, ev.CallbackID, fmt.Sprintf("You claimed incident %s", inc.IncidentID))
}

func (r *Router) handleRelease(ctx context.Context, ev chat.Event, inc *store.Incident) error {
	updated, err := r.engine.Release(ctx, inc.IncidentID, ev.User.ID)
	if err != nil {
		return r.alert(ctx, ev.CallbackID, err)
	}
	metrics.Transitions.WithLabelValues(store.EventRelease).Inc()
	r.updateView(ctx, updated)
	return r.answer(ctx, ev.CallbackID, fmt.Sprintf("You released incident %s", inc.IncidentID))
}

func (r *Router) handleResolve(ctx context.Context, ev chat.Event, inc *store.Incident, caps roles.Set) error {
	if inc.Status == store.StatusAwaitingSummary {
		if caps.Has(roles.CapResolve) {
			return r.answer(ctx, ev.CallbackID,
				"Reply to the summary request message with your resolution summary.")
		}
		return r.alert(ctx, ev.CallbackID, incerr.New(incerr.KindStateConflict,
			"a resolution summary is already pending on %s", inc.IncidentID))
	}

	updated, err := r.engine.RequestResolution(ctx, inc.IncidentID, ev.User.ID)
	if err != nil {
		return r.alert(ctx, ev.CallbackID, err)
	}
	metrics.Transitions.WithLabelValues(store.EventResolutionRequested).Inc()
	r.updateView(ctx, updated)

	// The follow-up carries an ID: line so the resolver's reply can be
	// associated back to the incident.
	text := render.ResolutionRequest(updated.IncidentID, ev.User.ID, ev.User.Handle)
	opts := &chat.SendOptions{ReplyTo: updated.PinnedMessageID}
	if _, err := r.adapter.Send(ctx, updated.GroupID, text, opts); err != nil {
		metrics.ChatErrors.Inc()
		r.logger.Warn("posting resolution request for %s: %v", updated.IncidentID, err)
	}
	return r.answer(ctx, ev.CallbackID, "Reply to the request with your resolution summary.")
}

// --- Resolver reply ---

var (
	idLinePattern  = regexp.MustCompile(`(?m)^ID:\s*(\S+)`)
	idDigitPattern = regexp.MustCompile(`\d{4,}`)
)

// extractIncidentID pulls the incident id out of a replied-to bot message:
// a literal "ID:" line wins, else the first run of four or more digits.
func extractIncidentID(text string) string {
	if m := idLinePattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return idDigitPattern.FindString(text)
}

func (r *Router) handleMessage(ctx context.Context, ev chat.Event) error {
	if err := r.trackUser(ctx, ev); err != nil {
		r.logger.Warn("tracking user %d: %v", ev.User.ID, err)
	}

	// Only replies to the bot's own summary request complete a resolution.
	if ev.ReplyTo == nil || !ev.ReplyTo.FromBot ||
		!strings.Contains(strings.ToLower(ev.ReplyTo.Text), "resolution summary") {
		return nil
	}

	incidentID := extractIncidentID(ev.ReplyTo.Text)
	if incidentID == "" {
		return nil
	}

	updated, err := r.engine.Resolve(ctx, incidentID, ev.User.ID, ev.Text)
	if err != nil {
		kind := incerr.KindOf(err)
		if kind == incerr.KindStorage {
			r.logger.Error("resolving %s: %v", incidentID, err)
			return r.send(ctx, ev.GroupID, "Something went wrong, please try again.",
				&chat.SendOptions{ReplyTo: ev.MessageID})
		}
		metrics.RejectedOperations.WithLabelValues(string(kind)).Inc()
		return r.send(ctx, ev.GroupID, incerr.ReasonOf(err),
			&chat.SendOptions{ReplyTo: ev.MessageID})
	}
	metrics.Transitions.WithLabelValues(store.EventResolve).Inc()

	r.updateView(ctx, updated)
	return r.send(ctx, ev.GroupID,
		fmt.Sprintf("✅ Incident %s resolved. Thank you!", updated.IncidentID),
		&chat.SendOptions{ReplyTo: ev.MessageID})
}

// --- Shared helpers ---

// updateView re-renders the pinned message from a fresh snapshot and unpins
// on terminal states. Chat failures are logged, never propagated.
func (r *Router) updateView(ctx context.Context, inc *store.Incident) {
	if inc.PinnedMessageID == 0 {
		return
	}

	departmentName := ""
	if inc.DepartmentID != nil {
		if dept, err := r.store.Read().GetDepartment(ctx, *inc.DepartmentID); err == nil {
			departmentName = dept.Name
		}
	}
	var handles []string
	if inc.Status == store.StatusInProgress || inc.Status == store.StatusAwaitingSummary {
		claims, err := r.store.Read().ActiveClaims(ctx, inc.IncidentID)
		if err == nil {
			for _, c := range claims {
				h := c.Handle
				if h == "" {
					// Rows written before handles were synthesized.
					h = store.FallbackHandle(c.UserID)
				}
				handles = append(handles, h)
			}
		}
	}

	body, buttons := render.StateView(inc, departmentName, handles)
	if err := r.adapter.Edit(ctx, inc.GroupID, inc.PinnedMessageID, body, buttons); err != nil {
		metrics.ChatErrors.Inc()
		r.logger.Warn("editing pinned view for %s: %v", inc.IncidentID, err)
	}
	if inc.Status == store.StatusResolved || inc.Status == store.StatusClosed {
		if err := r.adapter.Unpin(ctx, inc.GroupID, inc.PinnedMessageID); err != nil {
			metrics.ChatErrors.Inc()
			r.logger.Warn("unpinning view for %s: %v", inc.IncidentID, err)
		}
	}
}

func (r *Router) send(ctx context.Context, groupID int64, text string, opts *chat.SendOptions) error {
	if _, err := r.adapter.Send(ctx, groupID, text, opts); err != nil {
		metrics.ChatErrors.Inc()
		return chat.WrapErr(err, "sending to group %d", groupID)
	}
	return nil
}

func (r *Router) answer(ctx context.Context, callbackID, text string) error {
	if err := r.adapter.AnswerCallback(ctx, callbackID, text, false); err != nil {
		metrics.ChatErrors.Inc()
		r.logger.Warn("answering callback: %v", err)
	}
	return nil
}

// alert surfaces a refused operation to the user as a popup. Storage errors
// log at error and show a generic retry message instead of internals.
func (r *Router) alert(ctx context.Context, callbackID string, err error) error {
	kind := incerr.KindOf(err)
	text := incerr.ReasonOf(err)
	if kind == incerr.KindStorage {
		r.logger.Error("operation failed: %v", err)
		text = "Something went wrong, please try again."
	}
	metrics.RejectedOperations.WithLabelValues(string(kind)).Inc()

	if aerr := r.adapter.AnswerCallback(ctx, callbackID, text, true); aerr != nil {
		metrics.ChatErrors.Inc()
		r.logger.Warn("answering callback alert: %v", aerr)
	}
	return nil
}
