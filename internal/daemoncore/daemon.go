// Package daemoncore wires the daemon's collaborators together — config,
// registry, supervisors, router, and the control-plane server — and owns
// the process-level concerns of the daemon as a whole: the PID file /
// single-instance lock, signal handling, and the graceful shutdown
// sequence.
package daemoncore

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	sdkmcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/nodegate/mcpd/internal/config"
	"github.com/nodegate/mcpd/internal/control"
	"github.com/nodegate/mcpd/internal/registry"
	"github.com/nodegate/mcpd/internal/router"
	"github.com/nodegate/mcpd/internal/supervisor"
)

// clientInfo is what every Supervisor sends as its half of the MCP
// initialize handshake.
var clientInfo = sdkmcp.Implementation{Name: "mcpd", Version: "0.1.0"}

// Daemon owns the full set of per-server-id supervisors plus the shared
// registry, router, and control-plane server built on top of them.
type Daemon struct {
	settings config.DaemonSettings
	specs    map[string]config.ServerSpec

	registry    *registry.Registry
	router      *router.Router
	control     *control.Server
	releasePID  func()
	startedAt   time.Time

	mu          sync.RWMutex
	supervisors map[string]*supervisor.Supervisor

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a Daemon from loaded configuration. No process is spawned and
// no socket is bound until Run.
func New(settings config.DaemonSettings, specs map[string]config.ServerSpec) *Daemon {
	d := &Daemon{
		settings:    settings,
		specs:       specs,
		registry:    registry.New(),
		supervisors: make(map[string]*supervisor.Supervisor, len(specs)),
		shutdownCh:  make(chan struct{}),
	}
	for id, spec := range specs {
		d.supervisors[id] = supervisor.New(spec, settings, clientInfo, d.onEvent(id))
	}
	d.router = router.New(d.registry, router.NewSupervisors(d.supervisors))
	return d
}

// onEvent returns the Supervisor event sink for serverID, closing over the
// daemon so tools_changed/exited events keep the registry in sync — the
// registry is updated from these events, never polled.
func (d *Daemon) onEvent(serverID string) func(supervisor.Event) {
	return func(ev supervisor.Event) {
		switch ev.Type {
		case supervisor.EventToolsChanged:
			d.mu.RLock()
			sv, ok := d.supervisors[serverID]
			d.mu.RUnlock()
			if !ok {
				return
			}
			if ev.State == supervisor.Error || ev.State == supervisor.Stopped {
				d.registry.Lost(serverID)
				return
			}
			d.registry.Discover(serverID, d.specs[serverID].Priority, sv.Tools())
		case supervisor.EventExited:
			if ev.State == supervisor.Stopped || ev.State == supervisor.Error {
				d.registry.Lost(serverID)
			}
		case supervisor.EventStateChanged:
			log.Printf("[daemon] %s: %s", serverID, ev.State)
		}
	}
}

// Get implements router.Supervisors.
func (d *Daemon) Get(serverID string) (*supervisor.Supervisor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sv, ok := d.supervisors[serverID]
	return sv, ok
}

// Run acquires the single-instance lock, auto-starts configured servers,
// binds the control socket, and blocks until ctx is cancelled or a client
// sends a shutdown request, then tears everything down.
func (d *Daemon) Run(ctx context.Context) error {
	release, err := acquirePIDFile(pidFilePath(d.settings.SocketPath))
	if err != nil {
		return fmt.Errorf("daemoncore: %w", err)
	}
	d.releasePID = release
	d.startedAt = time.Now()

	d.control = control.New(d.settings.SocketPath, d.router, d.registry, d, d.settings.RequestTimeout.Duration, d.requestShutdown)
	if err := d.control.Listen(); err != nil {
		release()
		return err
	}

	for id, spec := range d.specs {
		if !spec.AutoStart {
			continue
		}
		sv := d.supervisors[id]
		go func(id string, sv *supervisor.Supervisor) {
			startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := sv.EnsureReady(startCtx); err != nil {
				log.Printf("[daemon] %s: auto-start failed: %v", id, err)
			}
		}(id, sv)
	}

	serveCtx, serveCancel := context.WithCancel(ctx)
	defer serveCancel()
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- d.control.Serve(serveCtx) }()

	select {
	case <-ctx.Done():
	case <-d.shutdownCh:
	}
	serveCancel() // unblocks Serve's accept loop even when a control request, not ctx, triggered shutdown

	d.teardown()
	return <-serveErrCh
}

// requestShutdown is the control server's onShutdown callback: a client
// asked the daemon to exit via a "shutdown" control request.
func (d *Daemon) requestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// teardown stops accepting new control connections, stops every supervisor
// (graceful, bounded), then releases the PID file and socket.
func (d *Daemon) teardown() {
	log.Printf("[daemon] shutting down")
	d.control.Shutdown()

	d.mu.RLock()
	supervisors := make([]*supervisor.Supervisor, 0, len(d.supervisors))
	for _, sv := range d.supervisors {
		supervisors = append(supervisors, sv)
	}
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sv := range supervisors {
		wg.Add(1)
		go func(sv *supervisor.Supervisor) {
			defer wg.Done()
			_ = sv.Stop(true)
			sv.Close()
		}(sv)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Printf("[daemon] shutdown grace period elapsed, exiting anyway")
	}

	if d.releasePID != nil {
		d.releasePID()
	}
}

// ServerStatus implements control.StatusReporter.
func (d *Daemon) ServerStatus(serverID string) (control.ServerStatusView, bool) {
	d.mu.RLock()
	sv, ok := d.supervisors[serverID]
	d.mu.RUnlock()
	if !ok {
		return control.ServerStatusView{}, false
	}
	return d.viewOf(serverID, sv), true
}

// AllServerStatus implements control.StatusReporter.
func (d *Daemon) AllServerStatus() []control.ServerStatusView {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]control.ServerStatusView, 0, len(d.supervisors))
	for id, sv := range d.supervisors {
		out = append(out, d.viewOf(id, sv))
	}
	return out
}

func (d *Daemon) viewOf(serverID string, sv *supervisor.Supervisor) control.ServerStatusView {
	view := control.ServerStatusView{
		ServerID:     serverID,
		State:        sv.State().String(),
		ToolCount:    len(sv.Tools()),
		RestartCount: sv.RestartCount(),
	}
	if err := sv.LastError(); err != nil {
		view.LastError = err.Error()
	}
	return view
}

// DaemonStatus implements control.StatusReporter.
func (d *Daemon) DaemonStatus() control.DaemonStatusView {
	return control.DaemonStatusView{
		SocketPath: d.settings.SocketPath,
		Uptime:     time.Since(d.startedAt).Round(time.Second).String(),
		Servers:    d.AllServerStatus(),
	}
}

// StartServer implements control.StatusReporter.
func (d *Daemon) StartServer(ctx context.Context, serverID string) error {
	sv, ok := d.Get(serverID)
	if !ok {
		return fmt.Errorf("daemoncore: unknown server %q", serverID)
	}
	return sv.EnsureReady(ctx)
}

// StopServer implements control.StatusReporter.
func (d *Daemon) StopServer(serverID string, graceful bool) error {
	sv, ok := d.Get(serverID)
	if !ok {
		return fmt.Errorf("daemoncore: unknown server %q", serverID)
	}
	d.registry.Lost(serverID)
	return sv.Stop(graceful)
}
