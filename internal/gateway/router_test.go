package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/marchfield/switchboard/internal/llm"
	"github.com/marchfield/switchboard/internal/models"
	"github.com/marchfield/switchboard/internal/store"
	"github.com/marchfield/switchboard/internal/transport"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	s, err := store.New(db)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

// stubModel implements Generator with a canned reply or error and records
// every conversation it was handed.
type stubModel struct {
	mu    sync.Mutex
	reply string
	err   error
	panic bool
	calls [][]llm.Turn
}

func (m *stubModel) Generate(ctx context.Context, turns []llm.Turn) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panic {
		panic("model exploded")
	}
	m.calls = append(m.calls, turns)
	return m.reply, m.err
}

func (m *stubModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *stubModel) lastCall() []llm.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

// stubResolver resolves a fixed set of workspaces.
type stubResolver map[string]models.Workspace

func (r stubResolver) Resolve(teamID string) (*models.Workspace, bool) {
	ws, ok := r[teamID]
	if !ok {
		return nil, false
	}
	return &ws, true
}

func newTestRouter(t *testing.T, s *store.Store, model *stubModel, resolver Resolver) *Router {
	t.Helper()
	r, err := NewRouter(RouterOpts{
		Store:    s,
		Model:    model,
		Resolver: resolver,
		Out:      &strings.Builder{},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r
}

func countMessages(t *testing.T, s *store.Store, channel, threadTS string) []models.Message {
	t.Helper()
	return s.ThreadHistory(channel, threadTS, 100)
}

func mention(team, channel, ts, user, text string) transport.MentionEvent {
	return transport.MentionEvent{
		TeamID:  team,
		Channel: channel,
		Ts:      ts,
		UserID:  user,
		Text:    text,
	}
}

func TestRouter_HappyPath(t *testing.T) {
	s := openTestStore(t)
	model := &stubModel{reply: "hi there"}
	resolver := stubResolver{"T01": {TeamID: "T01", BotToken: "xoxb-1", BotID: "B01"}}
	r := newTestRouter(t, s, model, resolver)
	sess := transport.NewMockSession(transport.Credentials{TeamID: "T01", BotID: "B01"})

	r.Handle(context.Background(), sess, mention("T01", "C1", "100.1", "U1", "hello"))

	replies := sess.Replies()
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}
	if replies[0].Text != "hi there" {
		t.Errorf("reply text = %q", replies[0].Text)
	}
	if !replies[0].Decorated {
		t.Error("successful reply should be decorated")
	}
	if replies[0].Channel != "C1" || replies[0].ThreadTS != "100.1" {
		t.Errorf("reply addressed to [%s %s]", replies[0].Channel, replies[0].ThreadTS)
	}

	msgs := countMessages(t, s, "C1", "100.1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(msgs))
	}
	if msgs[0].UserID != "U1" || msgs[0].IsBot {
		t.Errorf("first turn = %+v", msgs[0])
	}
	if msgs[1].UserID != models.BotUserID || !msgs[1].IsBot || msgs[1].Body != "hi there" {
		t.Errorf("second turn = %+v", msgs[1])
	}
}

func TestRouter_ModelSeesThreadHistory(t *testing.T) {
	s := openTestStore(t)
	if err := s.AppendMessage("C1", "100.1", "U1", "hello", false); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.AppendMessage("C1", "100.1", models.BotUserID, "hi there", true); err != nil {
		t.Fatalf("seed: %v", err)
	}
	model := &stubModel{reply: "doing well"}
	resolver := stubResolver{"T01": {TeamID: "T01", BotID: "B01"}}
	r := newTestRouter(t, s, model, resolver)
	sess := transport.NewMockSession(transport.Credentials{TeamID: "T01"})

	ev := mention("T01", "C1", "101.0", "U1", "how are you?")
	ev.ThreadTS = "100.1" // follow-up inside the same thread
	r.Handle(context.Background(), sess, ev)

	turns := model.lastCall()
	want := []llm.Turn{
		{IsBot: false, Text: "hello"},
		{IsBot: true, Text: "hi there"},
		{IsBot: false, Text: "how are you?"},
	}
	if len(turns) != len(want) {
		t.Fatalf("model received %d turns, want %d", len(turns), len(want))
	}
	for i := range want {
		if turns[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, turns[i], want[i])
		}
	}
}

func TestRouter_ModelUnavailable(t *testing.T) {
	s := openTestStore(t)
	model := &stubModel{err: fmt.Errorf("generate: %w", llm.ErrUnavailable)}
	resolver := stubResolver{"T01": {TeamID: "T01", BotID: "B01"}}
	r := newTestRouter(t, s, model, resolver)
	sess := transport.NewMockSession(transport.Credentials{TeamID: "T01"})

	r.Handle(context.Background(), sess, mention("T01", "C1", "100.1", "U1", "hello"))

	replies := sess.Replies()
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}
	if replies[0].Text != apologyText {
		t.Errorf("reply text = %q, want apology", replies[0].Text)
	}
	if replies[0].Decorated {
		t.Error("apology must be plain, not decorated")
	}

	// The user's turn is already durable; only the bot turn is missing.
	msgs := countMessages(t, s, "C1", "100.1")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(msgs))
	}
	if msgs[0].IsBot {
		t.Error("stored turn should be the user's")
	}
}

func TestRouter_ModelRejected(t *testing.T) {
	s := openTestStore(t)
	model := &stubModel{err: fmt.Errorf("generate: %w", llm.ErrRejected)}
	resolver := stubResolver{"T01": {TeamID: "T01"}}
	r := newTestRouter(t, s, model, resolver)
	sess := transport.NewMockSession(transport.Credentials{TeamID: "T01"})

	r.Handle(context.Background(), sess, mention("T01", "C1", "100.1", "U1", "hello"))

	replies := sess.Replies()
	if len(replies) != 1 || replies[0].Text != apologyText {
		t.Fatalf("expected apology, got %+v", replies)
	}
}

func TestRouter_UnknownTeam(t *testing.T) {
	s := openTestStore(t)
	model := &stubModel{reply: "never used"}
	r := newTestRouter(t, s, model, stubResolver{})
	sess := transport.NewMockSession(transport.Credentials{})

	r.Handle(context.Background(), sess, mention("T99", "C1", "100.1", "U1", "hello"))

	if model.callCount() != 0 {
		t.Error("unattributable event must not reach the model")
	}
	if msgs := countMessages(t, s, "C1", "100.1"); len(msgs) != 0 {
		t.Errorf("unattributable event must not be stored, got %d messages", len(msgs))
	}
	replies := sess.Replies()
	if len(replies) != 1 || replies[0].Text != apologyText {
		t.Fatalf("expected apology, got %+v", replies)
	}
}

func TestRouter_MissingTeamID(t *testing.T) {
	s := openTestStore(t)
	model := &stubModel{reply: "never used"}
	r := newTestRouter(t, s, model, stubResolver{"T01": {TeamID: "T01"}})
	sess := transport.NewMockSession(transport.Credentials{})

	r.Handle(context.Background(), sess, mention("", "C1", "100.1", "U1", "hello"))

	if model.callCount() != 0 {
		t.Error("event without a team must not reach the model")
	}
	if msgs := countMessages(t, s, "C1", "100.1"); len(msgs) != 0 {
		t.Errorf("event without a team must not be stored, got %d messages", len(msgs))
	}
}

func TestRouter_MalformedEvent(t *testing.T) {
	s := openTestStore(t)
	model := &stubModel{reply: "never used"}
	r := newTestRouter(t, s, model, stubResolver{"T01": {TeamID: "T01"}})
	sess := transport.NewMockSession(transport.Credentials{})

	// Missing user ID fails validation before any side effect.
	r.Handle(context.Background(), sess, mention("T01", "C1", "100.1", "", "hello"))

	if model.callCount() != 0 {
		t.Error("malformed event must not reach the model")
	}
	replies := sess.Replies()
	if len(replies) != 1 || replies[0].Text != apologyText {
		t.Fatalf("expected apology, got %+v", replies)
	}
}

func TestRouter_UnattributableStaysSilent(t *testing.T) {
	s := openTestStore(t)
	model := &stubModel{}
	r := newTestRouter(t, s, model, stubResolver{})
	sess := transport.NewMockSession(transport.Credentials{})

	// No channel: there is nowhere to apologize to.
	r.Handle(context.Background(), sess, mention("T01", "", "100.1", "U1", "hello"))

	if replies := sess.Replies(); len(replies) != 0 {
		t.Fatalf("expected silence, got %+v", replies)
	}
}

func TestRouter_DropsSelfAuthoredEvents(t *testing.T) {
	s := openTestStore(t)
	model := &stubModel{reply: "never used"}
	resolver := stubResolver{"T01": {TeamID: "T01", BotID: "B01"}}
	r := newTestRouter(t, s, model, resolver)
	sess := transport.NewMockSession(transport.Credentials{TeamID: "T01", BotID: "B01"})

	r.Handle(context.Background(), sess, mention("T01", "C1", "100.1", "B01", "echo of myself"))

	if model.callCount() != 0 {
		t.Error("self-authored event must not reach the model")
	}
	if msgs := countMessages(t, s, "C1", "100.1"); len(msgs) != 0 {
		t.Errorf("self-authored event must not be stored, got %d messages", len(msgs))
	}
	if replies := sess.Replies(); len(replies) != 0 {
		t.Fatalf("self-authored event must not be answered, got %+v", replies)
	}
}

func TestRouter_ThreadRootFallback(t *testing.T) {
	s := openTestStore(t)
	model := &stubModel{reply: "ok"}
	resolver := stubResolver{"T01": {TeamID: "T01"}}
	r := newTestRouter(t, s, model, resolver)
	sess := transport.NewMockSession(transport.Credentials{TeamID: "T01"})

	// Top-level mention: no thread parent, the message's own ts roots the thread.
	r.Handle(context.Background(), sess, mention("T01", "C1", "200.5", "U1", "hello"))

	replies := sess.Replies()
	if len(replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(replies))
	}
	if replies[0].ThreadTS != "200.5" {
		t.Errorf("reply thread = %q, want the message ts", replies[0].ThreadTS)
	}
	if msgs := countMessages(t, s, "C1", "200.5"); len(msgs) != 2 {
		t.Errorf("expected messages stored under the root ts, got %d", len(msgs))
	}
}

func TestRouter_RecoversFromPanic(t *testing.T) {
	s := openTestStore(t)
	model := &stubModel{panic: true}
	resolver := stubResolver{"T01": {TeamID: "T01"}}
	r := newTestRouter(t, s, model, resolver)
	sess := transport.NewMockSession(transport.Credentials{TeamID: "T01"})

	r.Handle(context.Background(), sess, mention("T01", "C1", "100.1", "U1", "hello"))

	replies := sess.Replies()
	if len(replies) != 1 || replies[0].Text != apologyText {
		t.Fatalf("expected apology after panic, got %+v", replies)
	}
}

func TestNewRouter_Validation(t *testing.T) {
	s := openTestStore(t)
	model := &stubModel{}
	resolver := stubResolver{}

	cases := []struct {
		name string
		opts RouterOpts
	}{
		{"missing store", RouterOpts{Model: model, Resolver: resolver}},
		{"missing model", RouterOpts{Store: s, Resolver: resolver}},
		{"missing resolver", RouterOpts{Store: s, Model: model}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRouter(tc.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
