package gateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/marchfield/switchboard/internal/models"
	"github.com/marchfield/switchboard/internal/store"
	"github.com/marchfield/switchboard/internal/transport"
)

// Handler consumes inbound mention events for a workspace session.
type Handler interface {
	Handle(ctx context.Context, sess transport.Session, ev transport.MentionEvent)
}

// Registry is the in-memory index of installed workspaces. It resolves team
// identifiers to credentials and owns one live transport session per
// workspace. All methods are safe for concurrent use; activating one
// workspace never disturbs another's session.
type Registry struct {
	store     *store.Store
	connector transport.Connector
	out       io.Writer

	mu         sync.RWMutex
	handler    Handler
	baseCtx    context.Context
	workspaces map[string]models.Workspace
	sessions   map[string]*liveSession
}

// liveSession pairs a transport session with its pump goroutine's cancel.
type liveSession struct {
	sess   transport.Session
	cancel context.CancelFunc
}

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	Store     *store.Store
	Connector transport.Connector
	Out       io.Writer // defaults to os.Stdout
}

// NewRegistry creates a Registry. SetHandler must be called before any
// workspace is activated.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("gateway: registry: store is required")
	}
	if opts.Connector == nil {
		return nil, fmt.Errorf("gateway: registry: connector is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Registry{
		store:      opts.Store,
		connector:  opts.Connector,
		out:        out,
		workspaces: make(map[string]models.Workspace),
		sessions:   make(map[string]*liveSession),
	}, nil
}

// SetHandler wires the event handler. The Router resolves teams through the
// Registry, so the two are constructed first and connected here.
func (r *Registry) SetHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// BindContext sets the context session lifetimes derive from. Sessions must
// outlive the request that registered them, so activation never ties a pump
// to its caller's context — only to the one bound here (the daemon's run
// context), or Background when none was bound.
func (r *Registry) BindContext(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseCtx = ctx
}

// Resolve returns the credentials for a team, or false when the team
// identifier is empty or was never installed. Consulted on every inbound
// event before any side effect.
func (r *Registry) Resolve(teamID string) (*models.Workspace, bool) {
	if teamID == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws, ok := r.workspaces[teamID]
	if !ok {
		return nil, false
	}
	return &ws, true
}

// LoadAll reads every persisted workspace and activates one session each.
// One workspace failing to activate is logged and skipped — it must not
// keep the others offline.
func (r *Registry) LoadAll(ctx context.Context) error {
	all, err := r.store.ListWorkspaces()
	if err != nil {
		return fmt.Errorf("gateway: load workspaces: %w", err)
	}
	for _, ws := range all {
		if err := r.activate(ctx, ws); err != nil {
			log.Printf("gateway: activate workspace [team=%s]: %v", ws.TeamID, err)
			continue
		}
		fmt.Fprintf(r.out, "gateway: workspace online [team=%s name=%q]\n", ws.TeamID, ws.TeamName)
	}
	return nil
}

// Register persists a workspace (insert or reinstall) and activates a live
// session for it without a process restart. A session already running for
// the same team is replaced, so rotated credentials take effect immediately.
func (r *Registry) Register(ctx context.Context, teamID, teamName, botToken, botID string) error {
	if err := r.store.UpsertWorkspace(teamID, teamName, botToken, botID); err != nil {
		return err
	}
	ws, err := r.store.GetWorkspace(teamID)
	if err != nil {
		return err
	}
	if ws == nil {
		return fmt.Errorf("gateway: workspace %s vanished after upsert", teamID)
	}
	if err := r.activate(ctx, *ws); err != nil {
		return fmt.Errorf("gateway: activate workspace %s: %w", teamID, err)
	}
	fmt.Fprintf(r.out, "gateway: workspace registered [team=%s name=%q]\n", teamID, teamName)
	return nil
}

// Resync re-reads the store and activates workspaces that have no live
// session, picking up installs written by another process sharing the
// database (e.g. a separate web instance).
func (r *Registry) Resync(ctx context.Context) {
	all, err := r.store.ListWorkspaces()
	if err != nil {
		log.Printf("gateway: resync: %v", err)
		return
	}
	for _, ws := range all {
		r.mu.RLock()
		_, live := r.sessions[ws.TeamID]
		r.mu.RUnlock()
		if live {
			continue
		}
		if err := r.activate(ctx, ws); err != nil {
			log.Printf("gateway: resync workspace [team=%s]: %v", ws.TeamID, err)
			continue
		}
		fmt.Fprintf(r.out, "gateway: workspace online via resync [team=%s]\n", ws.TeamID)
	}
}

// activate opens a transport session for one workspace and starts its event
// pump. Any previous session for the same team is closed first.
func (r *Registry) activate(ctx context.Context, ws models.Workspace) error {
	r.mu.RLock()
	handler := r.handler
	base := r.baseCtx
	r.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("gateway: registry: no handler set")
	}
	if base == nil {
		base = context.Background()
	}

	sess, err := r.connector.Open(ctx, transport.Credentials{
		TeamID:   ws.TeamID,
		TeamName: ws.TeamName,
		BotToken: ws.BotToken,
		BotID:    ws.BotID,
	})
	if err != nil {
		return err
	}

	sessCtx, cancel := context.WithCancel(base)
	inbound, err := sess.Listen(sessCtx)
	if err != nil {
		cancel()
		sess.Close()
		return err
	}

	r.mu.Lock()
	if old, ok := r.sessions[ws.TeamID]; ok {
		old.cancel()
		old.sess.Close()
	}
	r.workspaces[ws.TeamID] = ws
	r.sessions[ws.TeamID] = &liveSession{sess: sess, cancel: cancel}
	r.mu.Unlock()

	go r.pump(sessCtx, ws.TeamID, sess, inbound)
	return nil
}

// pump feeds one session's events through the handler, one at a time, in
// arrival order. It exits — and the session goes inactive — when the
// inbound channel closes; a dropped connection is fatal for this workspace
// and is not retried.
func (r *Registry) pump(ctx context.Context, teamID string, sess transport.Session, inbound <-chan transport.MentionEvent) {
	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			r.deactivate(teamID, sess)
			return
		case ev, ok := <-inbound:
			if !ok {
				log.Printf("gateway: session ended [team=%s]", teamID)
				r.deactivate(teamID, sess)
				return
			}
			handler.Handle(ctx, sess, ev)
		}
	}
}

// deactivate removes a dead session from the index, unless it has already
// been replaced by a newer one for the same team.
func (r *Registry) deactivate(teamID string, sess transport.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if live, ok := r.sessions[teamID]; ok && live.sess == sess {
		live.cancel()
		delete(r.sessions, teamID)
	}
}

// CloseAll tears down every live session. Called on process shutdown; there
// is no graceful drain of in-flight events.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for teamID, live := range r.sessions {
		live.cancel()
		if err := live.sess.Close(); err != nil {
			log.Printf("gateway: close session [team=%s]: %v", teamID, err)
		}
		delete(r.sessions, teamID)
	}
}

// Stats reports loaded workspaces and live sessions, for the health surface.
func (r *Registry) Stats() (workspaces, sessions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workspaces), len(r.sessions)
}
