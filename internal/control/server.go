package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/nodegate/mcpd/internal/registry"
	"github.com/nodegate/mcpd/internal/router"
)

// StatusReporter is the subset of daemon-core state the status request
// types need, kept as a narrow interface so this package does not import
// daemoncore (which imports this package).
type StatusReporter interface {
	ServerStatus(serverID string) (ServerStatusView, bool)
	AllServerStatus() []ServerStatusView
	DaemonStatus() DaemonStatusView
	StartServer(ctx context.Context, serverID string) error
	StopServer(serverID string, graceful bool) error
}

type ServerStatusView struct {
	ServerID     string `json:"server_id"`
	State        string `json:"state"`
	ToolCount    int    `json:"tool_count"`
	RestartCount int    `json:"restart_count,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

type DaemonStatusView struct {
	SocketPath string             `json:"socket_path"`
	Uptime     string             `json:"uptime"`
	Servers    []ServerStatusView `json:"servers"`
}

// Server accepts client connections on a Unix-domain socket and dispatches
// their requests through a Router.
type Server struct {
	socketPath     string
	router         *router.Router
	registry       *registry.Registry
	status         StatusReporter
	requestTimeout time.Duration
	onShutdown     func()

	listener net.Listener

	mu    sync.Mutex
	conns map[*clientConn]struct{}
}

// New constructs a Server. onShutdown is invoked each time a client sends
// a "shutdown" request; the daemon core wires it to its own graceful
// teardown sequence, which runs only once however often it is invoked.
func New(socketPath string, r *router.Router, reg *registry.Registry, status StatusReporter, requestTimeout time.Duration, onShutdown func()) *Server {
	return &Server{
		socketPath:     socketPath,
		router:         r,
		registry:       reg,
		status:         status,
		requestTimeout: requestTimeout,
		onShutdown:     onShutdown,
		conns:          make(map[*clientConn]struct{}),
	}
}

// Listen binds the control socket: refuse to bind when the path exists
// unless a liveness probe on it fails, in which case unlink and rebind.
func (s *Server) Listen() error {
	if conn, err := net.DialTimeout("unix", s.socketPath, 200*time.Millisecond); err == nil {
		_ = conn.Close()
		return fmt.Errorf("control: another daemon is already listening on %s", s.socketPath)
	}
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("control: chmod %s: %w", s.socketPath, err)
	}
	s.listener = ln
	log.Printf("[control] listening on %s", s.socketPath)
	return nil
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[control] accept error: %v", err)
			continue
		}
		cc := newClientConn(conn, s)
		s.mu.Lock()
		s.conns[cc] = struct{}{}
		s.mu.Unlock()
		go func() {
			cc.serve()
			s.mu.Lock()
			delete(s.conns, cc)
			s.mu.Unlock()
		}()
	}
}

// Shutdown closes the listener and every open client connection, which
// cascades into cancelling their in-flight operations.
func (s *Server) Shutdown() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for cc := range s.conns {
		conns = append(conns, cc)
	}
	s.mu.Unlock()
	for _, cc := range conns {
		cc.Close()
	}
	_ = os.Remove(s.socketPath)
}

// clientConn handles one accepted connection's request/response lifecycle.
type clientConn struct {
	conn    net.Conn
	srv     *Server
	writeMu sync.Mutex

	mu         sync.Mutex
	operations map[string]context.CancelFunc
}

func newClientConn(conn net.Conn, srv *Server) *clientConn {
	return &clientConn{conn: conn, srv: srv, operations: make(map[string]context.CancelFunc)}
}

// Close cancels every in-flight operation on this connection and closes the
// underlying socket: on connection close, every operation bound to it is
// cancelled.
func (cc *clientConn) Close() {
	cc.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(cc.operations))
	for _, cancel := range cc.operations {
		cancels = append(cancels, cancel)
	}
	cc.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	_ = cc.conn.Close()
}

func (cc *clientConn) serve() {
	defer cc.Close()
	scanner := bufio.NewScanner(cc.conn)
	scanner.Buffer(make([]byte, 0, 4096), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			cc.write(Response{Status: StatusError, Error: "invalid request JSON"})
			continue
		}
		cc.dispatch(req)
	}
}

func (cc *clientConn) write(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	_, _ = cc.conn.Write(data)
}

func (cc *clientConn) dispatch(req Request) {
	switch req.Type {
	case TypeToolCall:
		go cc.handleToolCall(req)
	case TypeCancel:
		cc.handleCancel(req)
	case TypeListTools:
		cc.handleListTools(req)
	case TypeServerStatus:
		cc.handleServerStatus(req)
	case TypeDaemonStatus:
		cc.handleDaemonStatus(req)
	case TypeStartServer:
		go cc.handleStartServer(req)
	case TypeStopServer:
		cc.handleStopServer(req)
	case TypeShutdown:
		cc.handleShutdown(req)
	default:
		cc.write(Response{RequestID: req.RequestID, Status: StatusError, Error: fmt.Sprintf("unknown request type %q", req.Type)})
	}
}

func (cc *clientConn) handleToolCall(req Request) {
	deadline := cc.srv.requestTimeout
	if req.TimeoutMS > 0 {
		deadline = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if deadline > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), deadline)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	cc.mu.Lock()
	cc.operations[req.RequestID] = cancel
	cc.mu.Unlock()
	defer func() {
		cc.mu.Lock()
		delete(cc.operations, req.RequestID)
		cc.mu.Unlock()
		cancel()
	}()

	result, err := cc.srv.router.Dispatch(ctx, req.ServerID, req.ToolName, req.Args, 0, func(ev router.ProgressEvent) {
		cc.write(progressResponse(req.RequestID, ev.Step, ev.Total, ev.Message))
	})
	if err != nil {
		cc.write(errorResponse(req.RequestID, err))
		return
	}
	cc.write(successResponse(req.RequestID, map[string]any{
		"content":  []map[string]any{{"type": "text", "text": result.Text}},
		"is_error": result.IsError,
	}))
}

func (cc *clientConn) handleCancel(req Request) {
	cc.mu.Lock()
	cancel, ok := cc.operations[req.Cancel]
	cc.mu.Unlock()
	if ok {
		cancel()
	}
	cc.write(successResponse(req.RequestID, map[string]any{"cancelled": ok}))
}

func (cc *clientConn) handleListTools(req Request) {
	all := cc.srv.registry.ListAll(req.ServerID)
	type toolView struct {
		Name       string   `json:"name"`
		ServerID   string   `json:"server_id"`
		Collisions []string `json:"collisions,omitempty"`
	}
	var tools []toolView
	for name, entries := range all {
		var collisions []string
		if len(entries) > 1 {
			for _, e := range entries {
				collisions = append(collisions, e.ServerID)
			}
		}
		tools = append(tools, toolView{Name: name, ServerID: entries[0].ServerID, Collisions: collisions})
	}
	cc.write(successResponse(req.RequestID, map[string]any{"tools": tools}))
}

func (cc *clientConn) handleServerStatus(req Request) {
	if req.ServerID == "" {
		cc.write(successResponse(req.RequestID, map[string]any{"servers": cc.srv.status.AllServerStatus()}))
		return
	}
	view, ok := cc.srv.status.ServerStatus(req.ServerID)
	if !ok {
		cc.write(errorResponse(req.RequestID, fmt.Errorf("unknown server %q", req.ServerID)))
		return
	}
	cc.write(successResponse(req.RequestID, view))
}

func (cc *clientConn) handleDaemonStatus(req Request) {
	cc.write(successResponse(req.RequestID, cc.srv.status.DaemonStatus()))
}

func (cc *clientConn) handleStartServer(req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), cc.srv.requestTimeout)
	defer cancel()
	if err := cc.srv.status.StartServer(ctx, req.ServerID); err != nil {
		cc.write(errorResponse(req.RequestID, err))
		return
	}
	cc.write(successResponse(req.RequestID, nil))
}

func (cc *clientConn) handleStopServer(req Request) {
	if err := cc.srv.status.StopServer(req.ServerID, true); err != nil {
		cc.write(errorResponse(req.RequestID, err))
		return
	}
	cc.write(successResponse(req.RequestID, nil))
}

func (cc *clientConn) handleShutdown(req Request) {
	cc.write(successResponse(req.RequestID, nil))
	if cc.srv.onShutdown != nil {
		go cc.srv.onShutdown()
	}
}
