// Package supervisor owns one child process end to end — spawn, handshake,
// health checks, idle reap, and a bounded restart policy — and exposes the
// contract the request router calls through (EnsureReady / Call / Stop).
//
// State changes are guarded by a mutex, but spawning a process, running the
// handshake, and calling tools never happen while that mutex is held: the
// mutex only ever protects a snapshot read or a small state mutation.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	sdkmcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/nodegate/mcpd/internal/config"
	"github.com/nodegate/mcpd/internal/rpc"
)

var (
	ErrStartFailed  = errors.New("supervisor: start failed")
	ErrNotReady     = errors.New("supervisor: not ready")
	ErrServerExited = errors.New("supervisor: server exited")
)

const (
	defaultHealthCheckInterval = 60 * time.Second
	defaultHealthCheckDeadline = 5 * time.Second
	degradedThreshold          = 2 // consecutive health failures: Ready -> Degraded
	errorThreshold             = 4 // consecutive health failures: Degraded -> Error
	gracefulStopGrace          = 5 * time.Second
	restartMaxAttempts         = 3
	restartWindow              = 5 * time.Minute
	restartBaseDelay           = 500 * time.Millisecond
	restartCapDelay            = 5 * time.Second
	restartBackoffFactor       = 1.5
	loopResolution             = 1 * time.Second
)

// Supervisor owns one child process and its Connection; at most one
// process runs per server_id at a time.
type Supervisor struct {
	spec       config.ServerSpec
	settings   config.DaemonSettings
	clientInfo sdkmcp.Implementation
	events     func(Event)

	newProcess func(config.ServerSpec) childProcess
	now        func() time.Time

	mu              sync.Mutex
	state           State
	proc            childProcess
	procExited      chan struct{}
	conn            *rpc.Connection
	tools           []rpc.Tool
	lastUsed        time.Time
	lastErr         error
	inFlight        int
	healthFailures  int
	restartHistory  []time.Time
	readyWaiters    []chan error
	stopRequested   bool
	stopLoopCh      chan struct{}
	loopStoppedOnce sync.Once
}

// New creates a Supervisor for spec. No process is spawned until EnsureReady
// (or auto-start, driven by the daemon core) is called.
func New(spec config.ServerSpec, settings config.DaemonSettings, clientInfo sdkmcp.Implementation, onEvent func(Event)) *Supervisor {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	s := &Supervisor{
		spec:       spec,
		settings:   settings,
		clientInfo: clientInfo,
		events:     onEvent,
		newProcess: func(sp config.ServerSpec) childProcess { return newExecProcess(sp) },
		now:        time.Now,
		state:      Stopped,
		stopLoopCh: make(chan struct{}),
	}
	go s.backgroundLoop()
	return s
}

func (s *Supervisor) ServerID() string { return s.spec.Name }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Supervisor) Tools() []rpc.Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rpc.Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// RestartCount reports restarts recorded within the current rolling
// window, for status reporting.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.restartHistory)
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.events(Event{ServerID: s.spec.Name, Type: EventStateChanged, State: next})
	}
}

// EnsureReady returns once the supervisor is Ready, starting the process if
// it is currently Stopped. It propagates ErrStartFailed on terminal failure.
func (s *Supervisor) EnsureReady(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Ready, Degraded:
		s.mu.Unlock()
		return nil
	case Starting:
		wait := make(chan error, 1)
		s.readyWaiters = append(s.readyWaiters, wait)
		s.mu.Unlock()
		select {
		case err := <-wait:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case Stopped, Error:
		// fall through to start below
	case Stopping:
		s.mu.Unlock()
		return fmt.Errorf("%w: stopping", ErrNotReady)
	}
	s.mu.Unlock()
	return s.start(ctx)
}

// start spawns the child process and runs the handshake. It is only called
// with the supervisor in Stopped or Error.
func (s *Supervisor) start(ctx context.Context) error {
	s.mu.Lock()
	s.state = Starting
	s.stopRequested = false
	s.mu.Unlock()
	s.events(Event{ServerID: s.spec.Name, Type: EventStateChanged, State: Starting})

	proc := s.newProcess(s.spec)
	if err := proc.Start(); err != nil {
		return s.failStart(fmt.Errorf("%w: spawn %q: %v", ErrStartFailed, s.spec.Command, err))
	}

	conn := rpc.NewConnection(s.spec.Name, proc.Stdin(), proc.Stdout(), proc.Stderr(), s.handleNotification)

	handshakeCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout())
	defer cancel()
	if _, err := conn.Initialize(handshakeCtx, s.clientInfo); err != nil {
		_ = conn.Close()
		_ = proc.Kill()
		return s.failStart(fmt.Errorf("%w: %v", ErrStartFailed, err))
	}

	tools, err := conn.ListTools(handshakeCtx)
	if err != nil {
		_ = conn.Close()
		_ = proc.Kill()
		return s.failStart(fmt.Errorf("%w: list tools: %v", ErrStartFailed, err))
	}

	exited := make(chan struct{})
	s.mu.Lock()
	s.proc = proc
	s.procExited = exited
	s.conn = conn
	s.tools = tools
	s.lastUsed = s.now()
	s.healthFailures = 0
	s.state = Ready
	waiters := s.readyWaiters
	s.readyWaiters = nil
	s.mu.Unlock()

	log.Printf("[supervisor] %s: ready (%d tool(s))", s.spec.Name, len(tools))
	for _, w := range waiters {
		w <- nil
	}
	s.events(Event{ServerID: s.spec.Name, Type: EventStateChanged, State: Ready})
	s.events(Event{ServerID: s.spec.Name, Type: EventToolsChanged, State: Ready})

	go s.watchExit(proc, exited)
	return nil
}

func (s *Supervisor) failStart(err error) error {
	log.Printf("[supervisor] %s: %v", s.spec.Name, err)
	s.mu.Lock()
	s.state = Error
	s.lastErr = err
	s.proc = nil
	s.conn = nil
	waiters := s.readyWaiters
	s.readyWaiters = nil
	s.mu.Unlock()
	for _, w := range waiters {
		w <- err
	}
	s.events(Event{ServerID: s.spec.Name, Type: EventStateChanged, State: Error, Err: err})
	s.maybeScheduleRestart()
	return err
}

func (s *Supervisor) handshakeTimeout() time.Duration {
	if s.settings.HandshakeTimeout.Duration > 0 {
		return s.settings.HandshakeTimeout.Duration
	}
	return 10 * time.Second
}

// watchExit blocks on the process exiting and, if that happens while the
// supervisor still believes it is Ready/Degraded, applies the ServerExited
// failure semantics: transition to Error and consider a restart.
func (s *Supervisor) watchExit(proc childProcess, exited chan struct{}) {
	err := proc.Wait()
	close(exited)

	s.mu.Lock()
	if s.proc != proc {
		// Superseded by a later start; this exit is stale.
		s.mu.Unlock()
		return
	}
	wasGraceful := s.state == Stopping
	conn := s.conn
	s.conn = nil
	s.proc = nil
	s.procExited = nil
	s.tools = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close() // rejects any pending calls with ErrConnectionClosed
	}

	if wasGraceful {
		s.setState(Stopped)
		s.events(Event{ServerID: s.spec.Name, Type: EventExited, State: Stopped, Err: err})
		return
	}

	exitErr := fmt.Errorf("%w: %v", ErrServerExited, err)
	log.Printf("[supervisor] %s: exited unexpectedly: %v", s.spec.Name, exitErr)
	s.mu.Lock()
	s.state = Error
	s.lastErr = exitErr
	s.mu.Unlock()
	s.events(Event{ServerID: s.spec.Name, Type: EventToolsChanged, State: Error})
	s.events(Event{ServerID: s.spec.Name, Type: EventExited, State: Error, Err: exitErr})
	s.maybeScheduleRestart()
}

// Call invokes tool name on the child, delegating to the Connection. The
// caller must have already resolved this supervisor as the tool's target.
func (s *Supervisor) Call(ctx context.Context, name string, args map[string]any, opts rpc.CallOptions) (*rpc.CallToolResult, error) {
	s.mu.Lock()
	if s.state != Ready && s.state != Degraded {
		st := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: state is %s", ErrNotReady, st)
	}
	conn := s.conn
	s.lastUsed = s.now()
	s.inFlight++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.lastUsed = s.now()
		s.mu.Unlock()
	}()

	if conn == nil {
		return nil, ErrNotReady
	}
	res, err := conn.CallTool(ctx, name, args, opts)
	if errors.Is(err, rpc.ErrConnectionClosed) {
		// A write to a closed or broken stdin: handled like an unexpected exit.
		s.mu.Lock()
		broken := s.conn == conn && (s.state == Ready || s.state == Degraded)
		if broken {
			s.state, s.lastErr = Error, err
		}
		s.mu.Unlock()
		if broken {
			s.events(Event{ServerID: s.spec.Name, Type: EventStateChanged, State: Error, Err: err})
			go s.killForRestart()
		}
	}
	return res, err
}

// Stop initiates Stopping. graceful=true waits up to 5s for the child to
// exit on its own before escalating to a forceful kill.
func (s *Supervisor) Stop(graceful bool) error {
	s.mu.Lock()
	if s.state == Stopped || s.state == Stopping {
		s.mu.Unlock()
		return nil
	}
	proc := s.proc
	exited := s.procExited
	s.stopRequested = true
	s.state = Stopping
	s.mu.Unlock()
	s.events(Event{ServerID: s.spec.Name, Type: EventStateChanged, State: Stopping})

	if proc == nil {
		s.setState(Stopped)
		return nil
	}

	if graceful {
		if err := proc.Terminate(); err != nil {
			log.Printf("[supervisor] %s: terminate: %v", s.spec.Name, err)
		}
		select {
		case <-exited:
		case <-time.After(gracefulStopGrace):
		}
	}

	select {
	case <-exited:
		return nil // watchExit already transitioned state and closed the connection
	default:
	}
	if err := proc.Kill(); err != nil {
		log.Printf("[supervisor] %s: kill: %v", s.spec.Name, err)
	}
	return nil
}

// killForRestart tears down the current process after sustained health
// check failure, without latching stopRequested: watchExit then sees an
// unexpected exit (state is still Error, not Stopping) and schedules a
// restart the same way a bare crash would.
func (s *Supervisor) killForRestart() {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return
	}
	if err := proc.Kill(); err != nil {
		log.Printf("[supervisor] %s: kill for restart: %v", s.spec.Name, err)
	}
}

// Close stops the background maintenance loop. Call once the supervisor is
// permanently retired (daemon shutdown).
func (s *Supervisor) Close() {
	s.loopStoppedOnce.Do(func() { close(s.stopLoopCh) })
}

func (s *Supervisor) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "notifications/tools/list_changed":
		go s.rediscoverTools()
	default:
		log.Printf("[supervisor] %s: unhandled notification %q", s.spec.Name, method)
	}
}

func (s *Supervisor) rediscoverTools() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.handshakeTimeout())
	defer cancel()
	tools, err := conn.ListTools(ctx)
	if err != nil {
		log.Printf("[supervisor] %s: tool rediscovery failed: %v", s.spec.Name, err)
		return
	}
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
	s.events(Event{ServerID: s.spec.Name, Type: EventToolsChanged, State: s.State()})
}

// backgroundLoop runs health checks and idle reap on a coarse tick. One
// loop per supervisor for its whole lifetime, stopped by Close.
func (s *Supervisor) backgroundLoop() {
	ticker := time.NewTicker(loopResolution)
	defer ticker.Stop()
	lastHealthCheck := s.now()
	for {
		select {
		case <-s.stopLoopCh:
			return
		case now := <-ticker.C:
			s.maybeIdleReap(now)
			if s.spec.HealthCheckTool != "" && now.Sub(lastHealthCheck) >= s.healthCheckInterval() {
				lastHealthCheck = now
				s.runHealthCheck()
			}
		}
	}
}

func (s *Supervisor) healthCheckInterval() time.Duration {
	return defaultHealthCheckInterval
}

func (s *Supervisor) maybeIdleReap(now time.Time) {
	if s.spec.IdleTimeout.Duration <= 0 {
		return
	}
	s.mu.Lock()
	ready := s.state == Ready
	idleFor := now.Sub(s.lastUsed)
	noOps := s.inFlight == 0
	s.mu.Unlock()
	if ready && noOps && idleFor > s.spec.IdleTimeout.Duration {
		log.Printf("[supervisor] %s: idle for %v, reaping", s.spec.Name, idleFor)
		go func() { _ = s.Stop(true) }()
	}
}

func (s *Supervisor) runHealthCheck() {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()
	if conn == nil || (state != Ready && state != Degraded) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultHealthCheckDeadline)
	defer cancel()
	_, callErr := conn.CallTool(ctx, s.spec.HealthCheckTool, nil, rpc.CallOptions{})

	s.mu.Lock()
	var becameError, becameDegraded, becameReady bool
	if callErr != nil {
		s.healthFailures++
		switch {
		case s.healthFailures >= errorThreshold && s.state == Degraded:
			s.lastErr = fmt.Errorf("supervisor: sustained health check failure: %w", callErr)
			s.state = Error
			becameError = true
		case s.healthFailures >= degradedThreshold && s.state == Ready:
			s.state = Degraded
			becameDegraded = true
		}
	} else {
		if s.healthFailures > 0 && s.state == Degraded {
			s.state = Ready
			becameReady = true
		}
		s.healthFailures = 0
	}
	s.mu.Unlock()

	switch {
	case becameError:
		s.events(Event{ServerID: s.spec.Name, Type: EventStateChanged, State: Error, Err: callErr})
		go s.killForRestart()
	case becameDegraded:
		s.events(Event{ServerID: s.spec.Name, Type: EventStateChanged, State: Degraded, Err: callErr})
	case becameReady:
		s.events(Event{ServerID: s.spec.Name, Type: EventStateChanged, State: Ready})
	}
}

// maybeScheduleRestart applies the restart policy: up to restartMaxAttempts
// within restartWindow, exponential backoff between attempts. Beyond that
// the supervisor stays in Error until an explicit request.
func (s *Supervisor) maybeScheduleRestart() {
	s.mu.Lock()
	now := s.now()
	cutoff := now.Add(-restartWindow)
	kept := s.restartHistory[:0]
	for _, t := range s.restartHistory {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restartHistory = append(kept, now)
	attempt := len(s.restartHistory)
	stopRequested := s.stopRequested
	s.mu.Unlock()

	if stopRequested || attempt > restartMaxAttempts {
		return
	}

	delay := computeBackoff(attempt - 1)
	log.Printf("[supervisor] %s: restart attempt %d in %v", s.spec.Name, attempt, delay)
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		shouldStart := s.state == Error && !s.stopRequested
		s.mu.Unlock()
		if !shouldStart {
			return
		}
		if err := s.start(context.Background()); err != nil {
			log.Printf("[supervisor] %s: restart failed: %v", s.spec.Name, err)
		}
	})
}

// computeBackoff returns the delay before restart attempt number `attempt`
// (0-indexed): base 500ms, factor 1.5, capped at 5s.
func computeBackoff(attempt int) time.Duration {
	d := float64(restartBaseDelay)
	for i := 0; i < attempt; i++ {
		d *= restartBackoffFactor
	}
	capped := time.Duration(d)
	if capped > restartCapDelay {
		return restartCapDelay
	}
	if capped < restartBaseDelay {
		return restartBaseDelay
	}
	return capped
}
