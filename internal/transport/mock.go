package transport

import (
	"context"
	"fmt"
	"sync"
)

// MockConnector implements Connector for testing. It records every opened
// session and can be told to fail opening for specific teams.
type MockConnector struct {
	mu       sync.Mutex
	sessions map[string]*MockSession // key: team ID
	failFor  map[string]error
}

// NewMockConnector creates a MockConnector.
func NewMockConnector() *MockConnector {
	return &MockConnector{
		sessions: make(map[string]*MockSession),
		failFor:  make(map[string]error),
	}
}

// FailFor makes Open return err for the given team.
func (c *MockConnector) FailFor(teamID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failFor[teamID] = err
}

// Open creates a MockSession bound to the given credentials.
func (c *MockConnector) Open(ctx context.Context, creds Credentials) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failFor[creds.TeamID]; err != nil {
		return nil, err
	}
	s := NewMockSession(creds)
	c.sessions[creds.TeamID] = s
	return s, nil
}

// SessionFor returns the most recently opened session for a team, or nil.
func (c *MockConnector) SessionFor(teamID string) *MockSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[teamID]
}

// OpenCount returns how many sessions have been opened in total.
func (c *MockConnector) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// MockSession implements Session for testing. Inbound events are injected
// with SimulateMention; replies are recorded for inspection.
type MockSession struct {
	creds Credentials

	mu      sync.Mutex
	closed  bool
	inbound chan MentionEvent
	replies []Reply
}

// NewMockSession creates a MockSession with a buffered inbound channel.
func NewMockSession(creds Credentials) *MockSession {
	return &MockSession{
		creds:   creds,
		inbound: make(chan MentionEvent, 100),
	}
}

// Listen returns the inbound channel.
func (m *MockSession) Listen(ctx context.Context) (<-chan MentionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("mock session: closed")
	}
	return m.inbound, nil
}

// Reply records the outbound reply.
func (m *MockSession) Reply(ctx context.Context, r Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock session: closed")
	}
	m.replies = append(m.replies, r)
	return nil
}

// BotUserID returns the bound credentials' bot ID.
func (m *MockSession) BotUserID() string {
	return m.creds.BotID
}

// Close closes the inbound channel.
func (m *MockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.inbound)
	return nil
}

// SimulateMention injects an inbound event as if the platform delivered it.
func (m *MockSession) SimulateMention(ev MentionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.inbound <- ev
}

// Replies returns a copy of all recorded replies.
func (m *MockSession) Replies() []Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Reply, len(m.replies))
	copy(out, m.replies)
	return out
}

// Credentials returns the credentials this session was opened with.
func (m *MockSession) Credentials() Credentials {
	return m.creds
}

// Closed reports whether Close has been called.
func (m *MockSession) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
