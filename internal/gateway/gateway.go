package gateway

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marchfield/switchboard/internal/store"
	"github.com/marchfield/switchboard/internal/transport"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// Daemon is the long-running gateway process: it loads installed workspaces,
// keeps one live session per workspace, and routes every mention through the
// model pipeline.
type Daemon struct {
	resyncCron string
	out        io.Writer

	registry *Registry
	router   *Router
}

// DaemonOpts holds parameters for creating a Daemon.
type DaemonOpts struct {
	Store     *store.Store
	Connector transport.Connector
	Model     Generator

	// HistoryWindow is the number of prior turns handed to the model.
	// Zero means the store default.
	HistoryWindow int

	// ResyncCron, when set, schedules periodic registry resyncs so installs
	// written by another process sharing the database come online without a
	// restart. Empty disables resync.
	ResyncCron string

	Out io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon and assembles its registry and router.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("gateway: store is required")
	}
	if opts.Connector == nil {
		return nil, fmt.Errorf("gateway: connector is required")
	}
	if opts.Model == nil {
		return nil, fmt.Errorf("gateway: model is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	registry, err := NewRegistry(RegistryOpts{
		Store:     opts.Store,
		Connector: opts.Connector,
		Out:       out,
	})
	if err != nil {
		return nil, err
	}
	router, err := NewRouter(RouterOpts{
		Store:    opts.Store,
		Model:    opts.Model,
		Resolver: registry,
		Window:   opts.HistoryWindow,
		Out:      out,
	})
	if err != nil {
		return nil, err
	}
	registry.SetHandler(router)

	return &Daemon{
		resyncCron: opts.ResyncCron,
		out:        out,
		registry:   registry,
		router:     router,
	}, nil
}

// Registry exposes the daemon's workspace registry; the web surface uses it
// for installs and health.
func (d *Daemon) Registry() *Registry {
	return d.registry
}

// Run brings every persisted workspace online and blocks until ctx is
// cancelled, then tears down all sessions.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Switchboard starting...\n")
	d.registry.BindContext(ctx)
	if err := d.registry.LoadAll(ctx); err != nil {
		return err
	}

	if d.resyncCron != "" {
		go d.runResyncScheduler(ctx)
	}

	<-ctx.Done()
	fmt.Fprintf(d.out, "Switchboard shutting down...\n")
	d.registry.CloseAll()
	return nil
}

// runResyncScheduler fires registry resyncs on a cron timer. It returns
// immediately if the expression never yields a future fire time.
func (d *Daemon) runResyncScheduler(ctx context.Context) {
	next := nextCronDuration(d.resyncCron)
	if next <= 0 {
		fmt.Fprintf(d.out, "gateway: resync cron %q invalid; resync disabled\n", d.resyncCron)
		return
	}
	timer := time.NewTimer(next)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.registry.Resync(ctx)
			if next := nextCronDuration(d.resyncCron); next > 0 {
				timer.Reset(next)
			} else {
				return
			}
		}
	}
}
