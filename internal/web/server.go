// Package web serves the install and health HTTP surface: a landing page
// with the Add-to-Slack link, the OAuth redirect that registers workspaces,
// and a JSON health endpoint.
package web

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
)

// installScopes are the bot scopes requested during install.
const installScopes = "app_mentions:read,chat:write"

// Registrar persists a completed installation and brings it online.
type Registrar interface {
	Register(ctx context.Context, teamID, teamName, botToken, botID string) error
	Stats() (workspaces, sessions int)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping() error
}

// Server is the install/health HTTP server.
type Server struct {
	registrar Registrar
	pinger    Pinger
	exchanger Exchanger
	clientID  string
	port      int
	out       io.Writer
	engine    *gin.Engine
}

// ServerOpts holds configuration for the web server.
type ServerOpts struct {
	Registrar Registrar
	Pinger    Pinger
	Exchanger Exchanger
	ClientID  string
	Port      int
	Out       io.Writer
}

// NewServer creates a Server and registers its routes.
func NewServer(opts ServerOpts) (*Server, error) {
	if opts.Registrar == nil {
		return nil, fmt.Errorf("web: registrar is required")
	}
	if opts.Pinger == nil {
		return nil, fmt.Errorf("web: pinger is required")
	}
	if opts.Exchanger == nil {
		return nil, fmt.Errorf("web: exchanger is required")
	}
	port := opts.Port
	if port <= 0 {
		port = 3000
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		registrar: opts.Registrar,
		pinger:    opts.Pinger,
		exchanger: opts.Exchanger,
		clientID:  opts.ClientID,
		port:      port,
		out:       opts.Out,
		engine:    engine,
	}
	engine.GET("/", s.handleIndex)
	engine.GET("/slack/oauth_redirect", s.handleOAuthRedirect)
	engine.GET("/health", s.handleHealth)
	return s, nil
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start runs the HTTP server. It blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.engine,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if s.out != nil {
		fmt.Fprintf(s.out, "Install page running at http://localhost:%d\n", s.port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web: %w", err)
	}
	return nil
}

func (s *Server) handleIndex(c *gin.Context) {
	authorize := "https://slack.com/oauth/v2/authorize?" + url.Values{
		"client_id": {s.clientID},
		"scope":     {installScopes},
	}.Encode()
	page := fmt.Sprintf(`<html><body>
<h1>Switchboard</h1>
<p>A mention-driven reply bot for your workspace.</p>
<a href=%q>Add to Slack</a>
</body></html>`, authorize)
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}

func (s *Server) handleOAuthRedirect(c *gin.Context) {
	if denied := c.Query("error"); denied != "" {
		c.Data(http.StatusBadRequest, "text/html; charset=utf-8",
			[]byte(fmt.Sprintf("<html><body><h1>Install cancelled</h1><p>%s</p></body></html>", html.EscapeString(denied))))
		return
	}
	code := c.Query("code")
	if code == "" {
		c.Data(http.StatusBadRequest, "text/html; charset=utf-8",
			[]byte("<html><body><h1>Install failed</h1><p>missing code</p></body></html>"))
		return
	}

	inst, err := s.exchanger.Exchange(c.Request.Context(), code)
	if err != nil {
		c.Data(http.StatusBadGateway, "text/html; charset=utf-8",
			[]byte("<html><body><h1>Install failed</h1><p>could not complete the exchange with Slack</p></body></html>"))
		return
	}

	if err := s.registrar.Register(c.Request.Context(), inst.TeamID, inst.TeamName, inst.BotToken, inst.BotUserID); err != nil {
		c.Data(http.StatusInternalServerError, "text/html; charset=utf-8",
			[]byte("<html><body><h1>Install failed</h1><p>could not store the installation</p></body></html>"))
		return
	}

	c.Data(http.StatusOK, "text/html; charset=utf-8",
		[]byte(fmt.Sprintf("<html><body><h1>Installed!</h1><p>Switchboard is now live in %s.</p></body></html>",
			html.EscapeString(inst.TeamName))))
}

func (s *Server) handleHealth(c *gin.Context) {
	workspaces, sessions := s.registrar.Stats()
	status := http.StatusOK
	dbState := "ok"
	if err := s.pinger.Ping(); err != nil {
		status = http.StatusServiceUnavailable
		dbState = "unreachable"
	}
	c.JSON(status, gin.H{
		"database":   dbState,
		"workspaces": workspaces,
		"sessions":   sessions,
	})
}
