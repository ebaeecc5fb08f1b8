// Package chat defines the capability set the core expects from a chat
// platform, with no assumption about transport. Implementations translate
// these calls to their platform API and surface failures as chat_error;
// delivery failures never roll back a committed lifecycle transition.
package chat

import (
	"context"

	"incidentbot/pkg/incerr"
)

// Button is one labeled inline callback.
type Button struct {
	Label string
	Data  string
}

// ButtonRows is the button matrix attached to a message.
type ButtonRows [][]Button

// User identifies the actor behind an inbound event.
type User struct {
	ID           int64
	Handle       string
	FirstName    string
	LastName     string
	LanguageCode string
	IsBot        bool
}

// Message is a referenced chat message, such as the target of a reply.
type Message struct {
	ID      int64
	Text    string
	FromBot bool
}

// EventKind tags inbound events.
type EventKind string

const (
	EventCommand          EventKind = "command"
	EventCallback         EventKind = "callback"
	EventMessage          EventKind = "message"
	EventMembershipChange EventKind = "membership_change"
)

// Event is one inbound chat event routed to the core.
type Event struct {
	Kind    EventKind
	GroupID int64
	User    User

	// Command events: the command name without the slash, plus trailing args.
	Command string
	Args    string

	// Message and command events.
	MessageID int64
	Text      string
	ReplyTo   *Message

	// Callback events.
	CallbackID string
	Data       string
}

// SendOptions carries the optional parts of a send.
type SendOptions struct {
	ReplyTo int64
	Buttons ButtonRows
}

// Adapter is the platform capability set the core depends on.
type Adapter interface {
	// Send posts a message to a group and returns its message id.
	Send(ctx context.Context, groupID int64, text string, opts *SendOptions) (int64, error)
	// Edit replaces a message's text and buttons in place.
	Edit(ctx context.Context, groupID, messageID int64, text string, buttons ButtonRows) error
	// Pin and Unpin are idempotent.
	Pin(ctx context.Context, groupID, messageID int64) error
	Unpin(ctx context.Context, groupID, messageID int64) error
	// AnswerCallback acknowledges a button press, optionally as an alert popup.
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
	// Events yields inbound events until Close.
	Events() <-chan Event
	// Close stops the event source and releases the connection.
	Close() error
}

// WrapErr tags a platform failure as a chat_error.
func WrapErr(err error, format string, args ...interface{}) error {
	return incerr.Wrap(err, incerr.KindChat, format, args...)
}
