// Package router resolves a (optional server_id, tool_name) pair to a
// target supervisor, starts that supervisor if needed, and drives the
// call while proxying progress.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nodegate/mcpd/internal/registry"
	"github.com/nodegate/mcpd/internal/rpc"
	"github.com/nodegate/mcpd/internal/supervisor"
)

var (
	ErrUnknownTool   = errors.New("router: unknown tool")
	ErrUnknownServer = errors.New("router: unknown server")
)

// Supervisors is the lookup the router needs from the daemon core: one
// Supervisor per configured server_id.
type Supervisors interface {
	Get(serverID string) (*supervisor.Supervisor, bool)
}

// staticSupervisors is the simplest Supervisors implementation: a fixed map
// assembled once at daemon startup.
type staticSupervisors map[string]*supervisor.Supervisor

func (s staticSupervisors) Get(id string) (*supervisor.Supervisor, bool) {
	sv, ok := s[id]
	return sv, ok
}

// NewSupervisors adapts a plain map into the Supervisors interface.
func NewSupervisors(m map[string]*supervisor.Supervisor) Supervisors {
	return staticSupervisors(m)
}

// Router binds a Registry to a Supervisors lookup.
type Router struct {
	registry    *registry.Registry
	supervisors Supervisors
}

func New(reg *registry.Registry, sup Supervisors) *Router {
	return &Router{registry: reg, supervisors: sup}
}

// Resolve finds the supervisor that should handle toolName: a qualified
// server_id is checked for that exact tool, otherwise the canonical
// (priority, discovery-order) owner of toolName is used.
func (r *Router) Resolve(serverID, toolName string) (*supervisor.Supervisor, error) {
	if serverID != "" {
		sv, ok := r.supervisors.Get(serverID)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
		}
		if _, ok := r.registry.Qualified(serverID, toolName); !ok {
			return nil, fmt.Errorf("%w: %q not offered by %q", ErrUnknownTool, toolName, serverID)
		}
		return sv, nil
	}

	entry, ok := r.registry.Canonical(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, toolName)
	}
	sv, ok := r.supervisors.Get(entry.ServerID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, entry.ServerID)
	}
	return sv, nil
}

// ProgressEvent is one streaming update forwarded to the control-plane
// layer while a Dispatch call is in flight.
type ProgressEvent struct {
	Step    int
	Total   int
	Message string
}

// Dispatch resolves (serverID, toolName), ensures the target supervisor is
// ready, and invokes the tool, funneling progress through onProgress.
func (r *Router) Dispatch(ctx context.Context, serverID, toolName string, args map[string]any, deadline time.Duration, onProgress func(ProgressEvent)) (*rpc.CallToolResult, error) {
	sv, err := r.Resolve(serverID, toolName)
	if err != nil {
		return nil, err
	}

	if err := sv.EnsureReady(ctx); err != nil {
		return nil, fmt.Errorf("router: start %q: %w", sv.ServerID(), err)
	}

	opts := rpc.CallOptions{}
	if deadline > 0 {
		opts.Deadline = time.Now().Add(deadline)
	}
	if onProgress != nil {
		opts.ProgressSink = func(step, total int, message string) {
			onProgress(ProgressEvent{Step: step, Total: total, Message: message})
		}
	}

	return sv.Call(ctx, toolName, args, opts)
}
