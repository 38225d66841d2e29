// Package transport defines the boundary to chat platforms. A Connector
// opens one long-lived Session per installed workspace; the gateway consumes
// mention events from the session and pushes replies back through it.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrMalformedEvent marks inbound events missing required fields. The
// gateway rejects these before any side effect.
var ErrMalformedEvent = errors.New("transport: malformed event")

// Credentials identifies one workspace and authorizes its session.
type Credentials struct {
	TeamID   string
	TeamName string
	BotToken string
	BotID    string // the bot's own user identity, for self-message filtering
}

// Connector opens platform sessions. Implementations hold whatever
// app-level configuration the platform needs (e.g. a Socket Mode token).
type Connector interface {
	Open(ctx context.Context, creds Credentials) (Session, error)
}

// Session is one live connection bound to a single workspace. A session
// does not reconnect: when the underlying connection drops, the inbound
// channel closes and the session is dead.
type Session interface {
	// Listen starts the event pump and returns the inbound channel.
	// The channel closes on fatal connection errors and on Close.
	Listen(ctx context.Context) (<-chan MentionEvent, error)

	// Reply delivers a reply into the originating thread.
	Reply(ctx context.Context, r Reply) error

	// BotUserID returns the bot's own user ID in this workspace.
	BotUserID() string

	Close() error
}

// MentionEvent is one inbound mention, already normalized: the platform
// adapter resolves the team identifier from whichever field the wire
// format carried it in.
type MentionEvent struct {
	TeamID   string
	Channel  string
	Ts       string // the event's own timestamp / message ID
	ThreadTS string // parent thread; empty when the event starts a new thread
	UserID   string
	Text     string
}

// ThreadKey returns the thread this event belongs to: its parent thread,
// or its own timestamp when it is a new thread root.
func (e MentionEvent) ThreadKey() string {
	if e.ThreadTS != "" {
		return e.ThreadTS
	}
	return e.Ts
}

// Validate checks the fields every downstream step depends on. The team
// identifier is deliberately not checked here — its absence is an
// authorization concern, handled by the gateway.
func (e MentionEvent) Validate() error {
	switch {
	case e.Channel == "":
		return fmt.Errorf("%w: missing channel", ErrMalformedEvent)
	case e.Ts == "":
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	case e.UserID == "":
		return fmt.Errorf("%w: missing user", ErrMalformedEvent)
	case e.Text == "":
		return fmt.Errorf("%w: missing text", ErrMalformedEvent)
	}
	return nil
}

// Reply is an outbound message into a thread. Decorated replies render as
// a header, a divider, and the body; plain replies are bare text (used for
// apologies, so a formatting failure can never mask the error message).
type Reply struct {
	Channel   string
	ThreadTS  string
	Text      string
	Decorated bool
}
