// Package discord implements the transport boundary for Discord over the
// Gateway WebSocket. A Discord guild plays the role of a workspace: the
// guild ID is stored as the team identifier and the bot token is the
// per-guild credential. There is no OAuth exchange here — guild workspaces
// are registered through the CLI.
package discord

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/marchfield/switchboard/internal/transport"
)

// replyHeader is the fixed label on decorated bot replies.
const replyHeader = "🤖 Bot Response"

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart) (*discordgo.Channel, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	return r.s.State.Channel(channelID)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart) (*discordgo.Channel, error) {
	return r.s.MessageThreadStartComplex(channelID, messageID, data)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Connector opens one Gateway session per registered guild.
type Connector struct{}

// NewConnector creates a Connector.
func NewConnector() *Connector {
	return &Connector{}
}

// Open builds and connects a Session for one guild workspace.
func (c *Connector) Open(ctx context.Context, creds transport.Credentials) (transport.Session, error) {
	s, err := NewSession(SessionOpts{Credentials: creds})
	if err != nil {
		return nil, err
	}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// Session implements transport.Session for one guild.
type Session struct {
	creds transport.Credentials
	sess  session

	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan transport.MentionEvent
	removeHandler func()
	// threads maps a thread key (root message ID) to the Discord thread
	// channel spawned for it, so follow-up replies land in the same thread.
	threads map[string]string
}

// SessionOpts holds parameters for creating a Session.
type SessionOpts struct {
	Credentials transport.Credentials
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// NewSession creates a Session.
func NewSession(opts SessionOpts) (*Session, error) {
	if opts.Session == nil && opts.Credentials.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	s := &Session{
		creds:   opts.Credentials,
		inbound: make(chan transport.MentionEvent, 100),
		threads: make(map[string]string),
	}
	if opts.Session != nil {
		s.sess = opts.Session
		s.connected = true
	}
	return s, nil
}

// connect opens the Gateway WebSocket with the guild message intents.
func (s *Session) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("discord: session already closed")
	}
	if s.connected {
		return nil
	}

	dg, err := discordgo.New("Bot " + s.creds.BotToken)
	if err != nil {
		return fmt.Errorf("discord: create session [guild=%s]: %w", s.creds.TeamID, err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	s.sess = &realSession{s: dg}

	if err := s.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway [guild=%s]: %w", s.creds.TeamID, err)
	}
	s.connected = true
	return nil
}

// Listen registers the message handler and returns the inbound channel.
func (s *Session) Listen(ctx context.Context) (<-chan transport.MentionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	s.removeHandler = s.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		s.handleMessageCreate(m)
	})
	return s.inbound, nil
}

// handleMessageCreate converts a bot @mention into a MentionEvent.
func (s *Session) handleMessageCreate(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if !s.mentionsBot(m) {
		return
	}

	ev := transport.MentionEvent{
		TeamID:  m.GuildID,
		Channel: m.ChannelID,
		Ts:      m.ID,
		UserID:  m.Author.ID,
		Text:    m.Content,
	}
	// Discord threads are channels: a message sent inside a thread reports
	// the thread as its channel. Resolve the parent so the thread channel ID
	// becomes the thread key.
	if ch, err := s.sess.Channel(m.ChannelID); err == nil && ch.IsThread() {
		ev.Channel = ch.ParentID
		ev.ThreadTS = m.ChannelID
	}

	s.deliver(ev)
}

// deliver hands a mention to the inbound channel. The session mutex guards
// against the channel closing mid-send; sends never block while the lock is
// held, so a full buffer drops the event instead of stalling discordgo's
// dispatch goroutine.
func (s *Session) deliver(ev transport.MentionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.inbound <- ev:
	default:
		log.Printf("discord: inbound buffer full, dropping event [guild=%s ch=%s]", s.creds.TeamID, ev.Channel)
	}
}

// mentionsBot reports whether the message @mentions this workspace's bot.
func (s *Session) mentionsBot(m *discordgo.MessageCreate) bool {
	for _, u := range m.Mentions {
		if u != nil && u.ID == s.creds.BotID {
			return true
		}
	}
	return false
}

// Reply posts into the thread spawned from the originating message,
// starting one when it does not exist yet. Discord has no Block Kit, so a
// decorated reply renders the header as a bolded first line.
func (s *Session) Reply(ctx context.Context, r transport.Reply) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return fmt.Errorf("discord: not connected")
	}
	sess := s.sess
	target, known := s.threads[r.ThreadTS]
	s.mu.Unlock()

	if r.Channel == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	if !known {
		target = s.resolveThread(sess, r)
	}

	content := r.Text
	if r.Decorated {
		content = fmt.Sprintf("**%s**\n%s", replyHeader, r.Text)
	}
	if _, err := sess.ChannelMessageSend(target, content); err != nil {
		return fmt.Errorf("discord: send [guild=%s ch=%s]: %w", s.creds.TeamID, target, err)
	}
	return nil
}

// resolveThread finds or creates the thread channel for a reply. A thread
// key that already names a thread channel is used directly; when the key is
// the root message's own ID, a new thread is started from it. If starting
// fails (already exists, missing permission) the reply degrades to the
// plain channel.
func (s *Session) resolveThread(sess session, r transport.Reply) string {
	if r.ThreadTS == "" || r.ThreadTS == r.Channel {
		return r.Channel
	}
	if ch, err := sess.Channel(r.ThreadTS); err == nil && ch.IsThread() {
		return r.ThreadTS
	}

	th, err := sess.MessageThreadStartComplex(r.Channel, r.ThreadTS, &discordgo.ThreadStart{
		Name:                "bot reply",
		AutoArchiveDuration: 60,
	})
	if err != nil {
		log.Printf("discord: start thread [guild=%s ch=%s]: %v", s.creds.TeamID, r.Channel, err)
		return r.Channel
	}

	s.mu.Lock()
	s.threads[r.ThreadTS] = th.ID
	s.mu.Unlock()
	return th.ID
}

// BotUserID returns the bot's own user ID in this guild.
func (s *Session) BotUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.BotID
}

// Close removes the handler, closes the gateway, and closes the inbound channel.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.connected = false
	if s.removeHandler != nil {
		s.removeHandler()
	}
	if s.sess != nil {
		if err := s.sess.Close(); err != nil {
			log.Printf("discord: close gateway [guild=%s]: %v", s.creds.TeamID, err)
		}
	}
	close(s.inbound)
	return nil
}
