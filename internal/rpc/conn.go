// Package rpc implements the MCP stdio connection: a correlated-request
// JSON-RPC 2.0 client bound to one child process, with the initialize
// handshake, tool discovery, progress notifications, cancellation, and
// per-request timeouts.
//
// This package hand-rolls the JSON-RPC envelope and pending-request table
// rather than delegating to a transport library, because the correlation
// algorithm and its invariants (id uniqueness, no orphan pending entries)
// are the thing under test here. It reuses github.com/mark3labs/mcp-go's
// protocol-shape types (Implementation, InitializeParams, TextContent,
// LATEST_PROTOCOL_VERSION) for the inner payloads of initialize and
// tools/call, whose shape those types already describe well.
package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	sdkmcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/nodegate/mcpd/internal/util"
)

// ProgressSink receives streaming progress notifications for one in-flight
// call_tool invocation.
type ProgressSink func(step, total int, message string)

// NotificationHandler receives child notifications not tied to a specific
// pending call: tools/list_changed and stray log output.
type NotificationHandler func(method string, params json.RawMessage)

// Tool mirrors the wire shape of one entry in a tools/list result. Kept as
// a local type (rather than sdkmcp.Tool) because this package decodes the
// raw JSON-RPC payload itself and doesn't need sdkmcp.Tool's nested input
// schema type.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// InitializeResult is the daemon-relevant subset of the initialize
// response: the server's self-description and negotiated protocol version.
type InitializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ServerInfo      sdkmcp.Implementation `json:"serverInfo"`
	Capabilities    json.RawMessage     `json:"capabilities,omitempty"`
}

// CallOptions configures a single call_tool invocation.
type CallOptions struct {
	ProgressSink ProgressSink
	// ResetDeadlineOnProgress opts a call into having its deadline pushed
	// forward whenever a progress notification for it arrives. A per-call
	// preference, not a connection default.
	ResetDeadlineOnProgress bool
	Deadline                time.Time
}

type pendingEntry struct {
	resultCh        chan rpcOutcome
	progressSink    ProgressSink
	resetOnProgress bool
	timeout         time.Duration // original budget, re-armed on progress
	timer           *time.Timer
}

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

// Connection is the JSON-RPC client bound to one child's stdio pipes.
// Safe for concurrent use: writes are serialized through writeMu, the
// pending table is serialized through mu, and the reader is single-threaded.
type Connection struct {
	tag    string // log prefix, e.g. the server_id
	writer io.WriteCloser
	writeMu sync.Mutex

	nextID atomic.Int64

	mu             sync.Mutex
	pending        map[int64]*pendingEntry
	progressTokens map[string]int64
	closed         bool

	notify NotificationHandler

	readerDone chan struct{}
}

// NewConnection wraps a pair of byte streams for one child process.
// stderr, if non-nil, is drained line-by-line into the log under tag.
// The stdout reader (and stderr drain) start immediately; the first request
// issued should be Initialize.
func NewConnection(tag string, stdin io.WriteCloser, stdout io.Reader, stderr io.Reader, notify NotificationHandler) *Connection {
	c := &Connection{
		tag:            tag,
		writer:         stdin,
		pending:        make(map[int64]*pendingEntry),
		progressTokens: make(map[string]int64),
		notify:         notify,
		readerDone:     make(chan struct{}),
	}
	go c.readLoop(bufio.NewReaderSize(stdout, 64*1024))
	if stderr != nil {
		go c.drainStderr(stderr)
	}
	return c
}

const maxStderrLogRunes = 2000

func (c *Connection) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		log.Printf("[rpc] %s stderr: %s", c.tag, util.TruncateRunes(scanner.Text(), maxStderrLogRunes))
	}
}

// Initialize performs the MCP handshake: sends initialize, waits for the
// response, and on success sends the initialized notification. It must be
// the first call made on a fresh Connection.
func (c *Connection) Initialize(ctx context.Context, clientInfo sdkmcp.Implementation) (*InitializeResult, error) {
	params, err := json.Marshal(sdkmcp.InitializeParams{
		ProtocolVersion: sdkmcp.LATEST_PROTOCOL_VERSION,
		ClientInfo:      clientInfo,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal initialize params: %v", ErrHandshakeFailed, err)
	}

	raw, err := c.call(ctx, "initialize", params, CallOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed initialize result: %v", ErrHandshakeFailed, err)
	}
	if result.ProtocolVersion != sdkmcp.LATEST_PROTOCOL_VERSION {
		log.Printf("[rpc] %s: protocol version mismatch: got %q, want %q", c.tag, result.ProtocolVersion, sdkmcp.LATEST_PROTOCOL_VERSION)
		return nil, fmt.Errorf("%w: protocol version %q != %q", ErrHandshakeFailed, result.ProtocolVersion, sdkmcp.LATEST_PROTOCOL_VERSION)
	}

	if err := c.notifyChild(ctx, "initialized", json.RawMessage(`{}`)); err != nil {
		return nil, fmt.Errorf("%w: send initialized: %v", ErrHandshakeFailed, err)
	}
	return &result, nil
}

type listToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type listToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ListTools calls tools/list, following pagination via cursor until the
// server stops returning a nextCursor.
func (c *Connection) ListTools(ctx context.Context) ([]Tool, error) {
	var all []Tool
	cursor := ""
	for {
		params, err := json.Marshal(listToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("rpc: marshal tools/list params: %w", err)
		}
		raw, err := c.call(ctx, "tools/list", params, CallOptions{})
		if err != nil {
			return nil, err
		}
		var page listToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("%w: malformed tools/list result: %v", ErrProtocolError, err)
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

type callToolParams struct {
	Name            string         `json:"name"`
	Arguments       map[string]any `json:"arguments,omitempty"`
	ProgressToken   string         `json:"_progressToken,omitempty"`
}

// CallToolResult is the daemon-relevant subset of a tools/call response:
// concatenated text content plus the server's error flag. Non-text content
// (images, resources) is preserved verbatim in Raw for callers that need it.
type CallToolResult struct {
	Text    string
	IsError bool
	Raw     json.RawMessage
}

type callToolWireResult struct {
	Content []json.RawMessage `json:"content"`
	IsError bool              `json:"isError"`
}

// CallTool invokes name with args. If opts.ProgressSink is set, a fresh
// progress token is attached and any notifications/progress bearing that
// token are funneled to the sink until the call resolves.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any, opts CallOptions) (*CallToolResult, error) {
	token := ""
	if opts.ProgressSink != nil {
		token = uuid.NewString()
	}
	params, err := json.Marshal(callToolParams{Name: name, Arguments: args, ProgressToken: token})
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal tools/call params: %w", err)
	}

	raw, err := c.call(ctx, "tools/call", params, opts)
	if token != "" {
		c.mu.Lock()
		delete(c.progressTokens, token)
		c.mu.Unlock()
	}
	if err != nil {
		return nil, err
	}

	var wire callToolWireResult
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: malformed tools/call result: %v", ErrProtocolError, err)
	}

	var sb bytes.Buffer
	for i, item := range wire.Content {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(item, &head); err != nil {
			continue
		}
		if head.Type != "text" {
			continue
		}
		var tc sdkmcp.TextContent
		if err := json.Unmarshal(item, &tc); err != nil {
			continue
		}
		if i > 0 && sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(tc.Text)
	}

	return &CallToolResult{Text: sb.String(), IsError: wire.IsError, Raw: raw}, nil
}

// Cancel sends notifications/cancelled for id and rejects the local
// pending entry immediately with ErrCancelled. Late responses from the
// child for id are discarded by dispatch (the entry is already gone).
func (c *Connection) Cancel(id int64) {
	c.mu.Lock()
	_, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.resolve(id, rpcOutcome{err: ErrCancelled})

	params, _ := json.Marshal(map[string]any{"requestId": id})
	_ = c.notifyChild(context.Background(), "notifications/cancelled", params)
}

// Close closes the writer, stops accepting new calls, and rejects every
// pending entry with ErrConnectionClosed. Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := make([]int64, 0, len(c.pending))
	for id := range c.pending {
		pending = append(pending, id)
	}
	c.mu.Unlock()

	for _, id := range pending {
		c.resolve(id, rpcOutcome{err: ErrConnectionClosed})
	}

	c.writeMu.Lock()
	err := c.writer.Close()
	c.writeMu.Unlock()
	return err
}

// call allocates an id, installs a pending entry, writes the request, and
// blocks until the response arrives, the deadline elapses, or ctx is done.
func (c *Connection) call(ctx context.Context, method string, params json.RawMessage, opts CallOptions) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	deadline := opts.Deadline
	if deadline.IsZero() {
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
	}

	entry := &pendingEntry{
		resultCh:        make(chan rpcOutcome, 1),
		progressSink:    opts.ProgressSink,
		resetOnProgress: opts.ResetDeadlineOnProgress,
	}
	if !deadline.IsZero() {
		entry.timeout = time.Until(deadline)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = entry
	if !deadline.IsZero() {
		// An already-elapsed deadline still must fire: clamp to a minimal
		// positive duration rather than skip arming the timer.
		armIn := entry.timeout
		if armIn <= 0 {
			armIn = time.Nanosecond
		}
		entry.timer = time.AfterFunc(armIn, func() { c.timeout(id) })
	}
	if opts.ProgressSink != nil {
		if tok, ok := progressTokenFromParams(params); ok {
			c.progressTokens[tok] = id
		}
	}
	c.mu.Unlock()

	msg := wireMessage{ID: &id, Method: method, Params: params}
	line, err := encodeLine(msg)
	if err != nil {
		c.resolve(id, rpcOutcome{err: err})
		return nil, err
	}

	c.writeMu.Lock()
	_, writeErr := c.writer.Write(line)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.resolve(id, rpcOutcome{err: fmt.Errorf("%w: write: %v", ErrConnectionClosed, writeErr)})
	}

	select {
	case outcome := <-entry.resultCh:
		return outcome.result, outcome.err
	case <-ctx.Done():
		c.Cancel(id)
		return nil, ctx.Err()
	}
}

func progressTokenFromParams(params json.RawMessage) (string, bool) {
	var p struct {
		ProgressToken string `json:"_progressToken"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ProgressToken == "" {
		return "", false
	}
	return p.ProgressToken, true
}

func (c *Connection) timeout(id int64) {
	c.resolve(id, rpcOutcome{err: ErrTimeout})
	params, _ := json.Marshal(map[string]any{"requestId": id})
	_ = c.notifyChild(context.Background(), "notifications/cancelled", params)
}

// notifyChild writes a fire-and-forget notification (no id, no response
// expected).
func (c *Connection) notifyChild(_ context.Context, method string, params json.RawMessage) error {
	line, err := encodeLine(wireMessage{Method: method, Params: params})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.writer.Write(line)
	return err
}

// resolve delivers outcome to the pending entry for id, if it still
// exists, removing it from the table exactly once.
func (c *Connection) resolve(id int64, outcome rpcOutcome) {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.resultCh <- outcome
}

func (c *Connection) readLoop(br *bufio.Reader) {
	defer close(c.readerDone)
	lr := newLineReader(br)
	for {
		line, err := lr.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[rpc] %s: read error: %v", c.tag, err)
			}
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Printf("[rpc] %s: skipping unparseable line: %v", c.tag, err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Connection) dispatch(msg wireMessage) {
	switch {
	case msg.isResponse():
		c.mu.Lock()
		_, ok := c.pending[*msg.ID]
		c.mu.Unlock()
		if !ok {
			log.Printf("[rpc] %s: discarding response for unknown id %d", c.tag, *msg.ID)
			return
		}
		if msg.Error != nil {
			c.resolve(*msg.ID, rpcOutcome{err: &ToolError{Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data}})
			return
		}
		c.resolve(*msg.ID, rpcOutcome{result: msg.Result})

	case msg.isNotification():
		c.handleNotification(msg.Method, msg.Params)

	default:
		log.Printf("[rpc] %s: discarding malformed message (method=%q id=%v)", c.tag, msg.Method, msg.ID)
	}
}

type progressParams struct {
	ProgressToken string  `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total"`
	Message       string  `json:"message"`
}

func (c *Connection) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "notifications/progress":
		var p progressParams
		if err := json.Unmarshal(params, &p); err != nil {
			log.Printf("[rpc] %s: malformed progress notification: %v", c.tag, err)
			return
		}
		c.mu.Lock()
		id, ok := c.progressTokens[p.ProgressToken]
		var entry *pendingEntry
		if ok {
			entry, ok = c.pending[id]
		}
		if ok && entry.resetOnProgress && entry.timeout > 0 && entry.timer != nil {
			entry.timer.Reset(entry.timeout)
		}
		c.mu.Unlock()
		if ok && entry.progressSink != nil {
			entry.progressSink(int(p.Progress), int(p.Total), p.Message)
		}
	default:
		if c.notify != nil {
			c.notify(method, params)
		}
	}
}
