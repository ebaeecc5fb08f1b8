// Package chatmock is an in-memory chat.Adapter for tests and local runs. It
// records every outbound call, assigns monotonically increasing message ids,
// and lets tests inject inbound events and delivery failures.
package chatmock

import (
	"context"
	"sync"

	"incidentbot/pkg/chat"
	"incidentbot/pkg/incerr"
)

// SentMessage is one recorded Send call.
type SentMessage struct {
	GroupID   int64
	MessageID int64
	Text      string
	ReplyTo   int64
	Buttons   chat.ButtonRows
}

// EditedMessage is one recorded Edit call.
type EditedMessage struct {
	GroupID   int64
	MessageID int64
	Text      string
	Buttons   chat.ButtonRows
}

// AnsweredCallback is one recorded AnswerCallback call.
type AnsweredCallback struct {
	CallbackID string
	Text       string
	Alert      bool
}

// Adapter implements chat.Adapter in memory.
type Adapter struct {
	mu        sync.Mutex
	nextID    int64
	sent      []SentMessage
	edits     []EditedMessage
	answers   []AnsweredCallback
	pinned    map[int64]map[int64]bool // group -> message -> pinned
	events    chan chat.Event
	closed    bool
	failSends int
}

// New creates an empty mock adapter.
func New() *Adapter {
	return &Adapter{
		pinned: make(map[int64]map[int64]bool),
		events: make(chan chat.Event, 64),
	}
}

// FailNextSends makes the next n Send calls return a chat error.
func (a *Adapter) FailNextSends(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failSends = n
}

func (a *Adapter) Send(_ context.Context, groupID int64, text string, opts *chat.SendOptions) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failSends > 0 {
		a.failSends--
		return 0, incerr.New(incerr.KindChat, "simulated send failure")
	}

	a.nextID++
	msg := SentMessage{GroupID: groupID, MessageID: a.nextID, Text: text}
	if opts != nil {
		msg.ReplyTo = opts.ReplyTo
		msg.Buttons = opts.Buttons
	}
	a.sent = append(a.sent, msg)
	return a.nextID, nil
}

func (a *Adapter) Edit(_ context.Context, groupID, messageID int64, text string, buttons chat.ButtonRows) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, EditedMessage{
		GroupID: groupID, MessageID: messageID, Text: text, Buttons: buttons,
	})
	return nil
}

func (a *Adapter) Pin(_ context.Context, groupID, messageID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pinned[groupID] == nil {
		a.pinned[groupID] = make(map[int64]bool)
	}
	a.pinned[groupID][messageID] = true
	return nil
}

func (a *Adapter) Unpin(_ context.Context, groupID, messageID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pinned[groupID] != nil {
		delete(a.pinned[groupID], messageID)
	}
	return nil
}

func (a *Adapter) AnswerCallback(_ context.Context, callbackID, text string, alert bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, AnsweredCallback{CallbackID: callbackID, Text: text, Alert: alert})
	return nil
}

func (a *Adapter) Events() <-chan chat.Event {
	return a.events
}

// Inject delivers an inbound event as if the platform produced it.
func (a *Adapter) Inject(ev chat.Event) {
	a.events <- ev
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	return nil
}

// Sent returns a copy of all recorded sends.
func (a *Adapter) Sent() []SentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SentMessage(nil), a.sent...)
}

// LastSent returns the most recent send, or nil.
func (a *Adapter) LastSent() *SentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return nil
	}
	msg := a.sent[len(a.sent)-1]
	return &msg
}

// Edits returns a copy of all recorded edits.
func (a *Adapter) Edits() []EditedMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]EditedMessage(nil), a.edits...)
}

// LastEdit returns the most recent edit of the given message, or nil.
func (a *Adapter) LastEdit(messageID int64) *EditedMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.edits) - 1; i >= 0; i-- {
		if a.edits[i].MessageID == messageID {
			edit := a.edits[i]
			return &edit
		}
	}
	return nil
}

// Answers returns a copy of all recorded callback answers.
func (a *Adapter) Answers() []AnsweredCallback {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AnsweredCallback(nil), a.answers...)
}

// IsPinned reports whether the message is currently pinned in the group.
func (a *Adapter) IsPinned(groupID, messageID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pinned[groupID][messageID]
}
