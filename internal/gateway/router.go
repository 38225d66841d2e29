package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/marchfield/switchboard/internal/llm"
	"github.com/marchfield/switchboard/internal/models"
	"github.com/marchfield/switchboard/internal/store"
	"github.com/marchfield/switchboard/internal/transport"
)

// ErrAuthorizationMissing marks events that cannot be attributed to an
// installed workspace: no team identifier, or one we never installed for.
var ErrAuthorizationMissing = errors.New("gateway: authorization missing")

// apologyText is the generic user-visible reply for any failed event.
const apologyText = "Sorry, I ran into a problem handling that. Please try again."

// Generator produces a reply from a conversation context.
type Generator interface {
	Generate(ctx context.Context, turns []llm.Turn) (string, error)
}

// Resolver is the authorization function consulted on every inbound event.
type Resolver interface {
	Resolve(teamID string) (*models.Workspace, bool)
}

// Router runs the reply pipeline for inbound mention events. One Router is
// shared by all workspace sessions; it holds no per-event state.
type Router struct {
	store    *store.Store
	model    Generator
	resolver Resolver
	window   int
	out      io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Store    *store.Store
	Model    Generator
	Resolver Resolver
	Window   int       // thread history window; defaults to store.DefaultHistoryWindow
	Out      io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("gateway: router: store is required")
	}
	if opts.Model == nil {
		return nil, fmt.Errorf("gateway: router: model is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("gateway: router: resolver is required")
	}
	window := opts.Window
	if window <= 0 {
		window = store.DefaultHistoryWindow
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		store:    opts.Store,
		model:    opts.Model,
		resolver: opts.Resolver,
		window:   window,
		out:      out,
	}, nil
}

// Handle runs the pipeline for one mention event. Every failure downgrades
// to a plain apology in the originating thread; events are never requeued.
// A panic anywhere in the pipeline is caught and takes the same path.
func (r *Router) Handle(ctx context.Context, sess transport.Session, ev transport.MentionEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("gateway: panic handling event [team=%s ch=%s thread=%s]: %v",
				ev.TeamID, ev.Channel, ev.ThreadKey(), rec)
			r.apologize(ctx, sess, ev)
		}
	}()

	threadTS := ev.ThreadKey()
	fmt.Fprintf(r.out, "gateway: recv [team=%s ch=%s thread=%s user=%s] %q\n",
		ev.TeamID, ev.Channel, threadTS, ev.UserID, truncate(ev.Text, 80))

	// Reject before any side effect: malformed events, unattributable
	// teams, and the bot's own messages (reply-loop guard).
	if err := ev.Validate(); err != nil {
		log.Printf("gateway: reject event [team=%s ch=%s]: %v", ev.TeamID, ev.Channel, err)
		r.apologize(ctx, sess, ev)
		return
	}
	ws, ok := r.resolver.Resolve(ev.TeamID)
	if !ok {
		log.Printf("gateway: reject event [ch=%s thread=%s]: %v (team=%q)",
			ev.Channel, threadTS, ErrAuthorizationMissing, ev.TeamID)
		r.apologize(ctx, sess, ev)
		return
	}
	if ev.UserID == ws.BotID || ev.UserID == models.BotUserID {
		log.Printf("gateway: drop self-authored event [team=%s ch=%s thread=%s]",
			ev.TeamID, ev.Channel, threadTS)
		return
	}

	// Store the user's turn. A write failure aborts: no model call.
	if err := r.store.AppendMessage(ev.Channel, threadTS, ev.UserID, ev.Text, false); err != nil {
		log.Printf("gateway: append user message [team=%s ch=%s thread=%s]: %v",
			ev.TeamID, ev.Channel, threadTS, err)
		r.apologize(ctx, sess, ev)
		return
	}

	// Bounded context window; empty means "no usable context", not failure.
	history := r.store.ThreadHistory(ev.Channel, threadTS, r.window)
	turns := make([]llm.Turn, 0, len(history))
	for _, m := range history {
		turns = append(turns, llm.Turn{IsBot: m.IsBot, Text: m.Body})
	}

	reply, err := r.model.Generate(ctx, turns)
	if err != nil {
		switch {
		case errors.Is(err, llm.ErrRejected):
			log.Printf("gateway: model rejected request [team=%s ch=%s thread=%s]: %v",
				ev.TeamID, ev.Channel, threadTS, err)
		case errors.Is(err, llm.ErrUnavailable):
			log.Printf("gateway: model unavailable [team=%s ch=%s thread=%s]: %v",
				ev.TeamID, ev.Channel, threadTS, err)
		default:
			log.Printf("gateway: model call failed [team=%s ch=%s thread=%s]: %v",
				ev.TeamID, ev.Channel, threadTS, err)
		}
		r.apologize(ctx, sess, ev)
		return
	}

	// The bot's own turn is best-effort: a failed write must not cost the
	// user their reply.
	if err := r.store.AppendMessage(ev.Channel, threadTS, models.BotUserID, reply, true); err != nil {
		log.Printf("gateway: append bot message [team=%s ch=%s thread=%s]: %v",
			ev.TeamID, ev.Channel, threadTS, err)
	}

	if err := sess.Reply(ctx, transport.Reply{
		Channel:   ev.Channel,
		ThreadTS:  threadTS,
		Text:      reply,
		Decorated: true,
	}); err != nil {
		log.Printf("gateway: deliver reply [team=%s ch=%s thread=%s]: %v",
			ev.TeamID, ev.Channel, threadTS, err)
	}
}

// apologize sends the generic plain-text apology into the originating
// thread. Events that cannot be attributed to a thread at all are the one
// case that stays silent.
func (r *Router) apologize(ctx context.Context, sess transport.Session, ev transport.MentionEvent) {
	if ev.Channel == "" || ev.ThreadKey() == "" {
		return
	}
	if err := sess.Reply(ctx, transport.Reply{
		Channel:  ev.Channel,
		ThreadTS: ev.ThreadKey(),
		Text:     apologyText,
	}); err != nil {
		log.Printf("gateway: send apology [team=%s ch=%s]: %v", ev.TeamID, ev.Channel, err)
	}
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return strings.TrimSpace(s[:maxLen]) + "..."
}
