// Package slack implements the transport boundary for Slack using Socket
// Mode. Every installed workspace gets its own Session holding that
// workspace's bot token; the app-level token is shared across sessions.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/marchfield/switchboard/internal/transport"
)

// replyHeader is the fixed label on decorated bot replies.
const replyHeader = "🤖 Bot Response"

// slackClient abstracts the Slack Web API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Connector opens one Socket Mode session per workspace.
type Connector struct {
	appToken string
}

// NewConnector creates a Connector. The app token is the xapp- Socket Mode
// token, shared by all workspace sessions of this app.
func NewConnector(appToken string) (*Connector, error) {
	if appToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &Connector{appToken: appToken}, nil
}

// Open builds a Session for one workspace and verifies its credentials.
func (c *Connector) Open(ctx context.Context, creds transport.Credentials) (transport.Session, error) {
	s, err := NewSession(SessionOpts{
		AppToken:    c.appToken,
		Credentials: creds,
	})
	if err != nil {
		return nil, err
	}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// Session implements transport.Session for one workspace over Socket Mode.
type Session struct {
	creds    transport.Credentials
	appToken string

	client slackClient
	socket socketClient

	mu        sync.Mutex
	connected bool
	closed    bool
	cancel    context.CancelFunc
	inbound   chan transport.MentionEvent
}

// SessionOpts holds parameters for creating a Session.
type SessionOpts struct {
	AppToken    string
	Credentials transport.Credentials
	// For testing: inject mock clients instead of the real Slack API.
	Client slackClient
	Socket socketClient
}

// NewSession creates a Session. The connection is not established until the
// Connector calls connect (or, in tests, until injected mocks stand in).
func NewSession(opts SessionOpts) (*Session, error) {
	if opts.Client == nil && opts.Credentials.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required")
	}
	s := &Session{
		creds:    opts.Credentials,
		appToken: opts.AppToken,
		inbound:  make(chan transport.MentionEvent, 100),
	}
	if opts.Client != nil {
		s.client = opts.Client
	}
	if opts.Socket != nil {
		s.socket = opts.Socket
		s.connected = true
	}
	return s, nil
}

// connect builds the real API clients and verifies the bot token. When the
// install record carried no bot user ID, it is recovered from auth.test.
func (s *Session) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("slack: session already closed")
	}
	if s.connected {
		return nil
	}

	api := slackapi.New(s.creds.BotToken, slackapi.OptionAppLevelToken(s.appToken))
	s.client = api
	s.socket = &realSocketClient{client: socketmode.New(api)}

	auth, err := s.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test [team=%s]: %w", s.creds.TeamID, err)
	}
	if s.creds.BotID == "" {
		s.creds.BotID = auth.UserID
	}

	s.connected = true
	return nil
}

// Listen starts the Socket Mode event pump and returns the inbound channel.
// The socket runs exactly once: a dropped connection is fatal for this
// workspace's session and closes the channel.
func (s *Session) Listen(ctx context.Context) (<-chan transport.MentionEvent, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		if err := s.socket.Run(); err != nil {
			log.Printf("slack: socket mode ended [team=%s]: %v", s.creds.TeamID, err)
		}
		s.Close()
	}()
	go s.pumpEvents(listenCtx)

	return s.inbound, nil
}

// Reply posts into the originating thread. Decorated replies use Block Kit
// (header, divider, section); plain replies are bare text.
func (s *Session) Reply(ctx context.Context, r transport.Reply) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return fmt.Errorf("slack: not connected")
	}
	client := s.client
	s.mu.Unlock()

	if r.Channel == "" {
		return fmt.Errorf("slack: no channel specified")
	}
	_, _, err := client.PostMessage(r.Channel, buildReplyOptions(r)...)
	if err != nil {
		return fmt.Errorf("slack: post message [team=%s ch=%s]: %w", s.creds.TeamID, r.Channel, err)
	}
	return nil
}

// BotUserID returns the bot's own user ID in this workspace.
func (s *Session) BotUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.BotID
}

// Close shuts the session down and closes the inbound channel.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.connected = false
	if s.cancel != nil {
		s.cancel()
	}
	close(s.inbound)
	return nil
}

// pumpEvents reads Socket Mode events and converts mentions to MentionEvents.
func (s *Session) pumpEvents(ctx context.Context) {
	events := s.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (s *Session) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		// Acknowledge before handling: Slack redelivers unacked envelopes.
		if evt.Request != nil {
			s.socket.Ack(*evt.Request)
		}
		s.handleEventsAPI(apiEvent, requestPayload(evt))

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting [team=%s]", s.creds.TeamID)

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected [team=%s]", s.creds.TeamID)

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error [team=%s]: %v", s.creds.TeamID, evt.Data)
	}
}

// requestPayload returns the raw envelope payload, when present.
func requestPayload(evt socketmode.Event) json.RawMessage {
	if evt.Request == nil {
		return nil
	}
	return evt.Request.Payload
}

// handleEventsAPI converts app_mention callbacks into MentionEvents.
func (s *Session) handleEventsAPI(event slackevents.EventsAPIEvent, raw json.RawMessage) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.AppMentionEvent)
	if !ok {
		return
	}

	s.deliver(transport.MentionEvent{
		TeamID:   resolveTeamID(event, raw),
		Channel:  ev.Channel,
		Ts:       ev.TimeStamp,
		ThreadTS: ev.ThreadTimeStamp,
		UserID:   ev.User,
		Text:     ev.Text,
	})
}

// deliver hands a mention to the inbound channel. The session mutex guards
// against the channel closing mid-send; sends never block while the lock is
// held, so a full buffer drops the event instead of stalling the socket pump.
func (s *Session) deliver(mention transport.MentionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.inbound <- mention:
	default:
		log.Printf("slack: inbound buffer full, dropping event [team=%s ch=%s]", s.creds.TeamID, mention.Channel)
	}
}

// resolveTeamID extracts the workspace identifier from the callback. The
// wire format carries it under "team_id" on the outer envelope, but some
// event deliveries only set "team" on the inner event, so both are checked.
func resolveTeamID(event slackevents.EventsAPIEvent, raw json.RawMessage) string {
	if event.TeamID != "" {
		return event.TeamID
	}
	if raw == nil {
		return ""
	}
	var alt struct {
		Event struct {
			Team string `json:"team"`
		} `json:"event"`
	}
	if err := json.Unmarshal(raw, &alt); err != nil {
		return ""
	}
	return alt.Event.Team
}

// buildReplyOptions translates a Reply into Slack MsgOptions.
func buildReplyOptions(r transport.Reply) []slackapi.MsgOption {
	var options []slackapi.MsgOption
	if r.ThreadTS != "" {
		options = append(options, slackapi.MsgOptionTS(r.ThreadTS))
	}
	if !r.Decorated {
		return append(options, slackapi.MsgOptionText(r.Text, false))
	}
	blocks := []slackapi.Block{
		slackapi.NewHeaderBlock(slackapi.NewTextBlockObject(slackapi.PlainTextType, replyHeader, true, false)),
		slackapi.NewDividerBlock(),
		slackapi.NewSectionBlock(slackapi.NewTextBlockObject(slackapi.MarkdownType, r.Text, false, false), nil, nil),
	}
	return append(options, slackapi.MsgOptionBlocks(blocks...))
}
