package router

import (
	"context"
	"errors"
	"testing"

	sdkmcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/nodegate/mcpd/internal/config"
	"github.com/nodegate/mcpd/internal/registry"
	"github.com/nodegate/mcpd/internal/rpc"
	"github.com/nodegate/mcpd/internal/supervisor"
)

func newUnstartedSupervisor(t *testing.T, name string) *supervisor.Supervisor {
	t.Helper()
	spec := config.ServerSpec{Name: name, Command: "true"}
	s := supervisor.New(spec, config.DaemonSettings{}, sdkmcp.Implementation{Name: "mcpd"}, nil)
	t.Cleanup(s.Close)
	return s
}

func TestRouter_Resolve_Unqualified_PicksCanonical(t *testing.T) {
	reg := registry.New()
	reg.Discover("A", 1, []rpc.Tool{{Name: "echo"}})
	reg.Discover("B", 2, []rpc.Tool{{Name: "echo"}})

	a := newUnstartedSupervisor(t, "A")
	b := newUnstartedSupervisor(t, "B")
	r := New(reg, NewSupervisors(map[string]*supervisor.Supervisor{"A": a, "B": b}))

	sv, err := r.Resolve("", "echo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sv != a {
		t.Fatalf("expected canonical server A, got %v", sv.ServerID())
	}
}

func TestRouter_Resolve_Qualified_Overrides(t *testing.T) {
	reg := registry.New()
	reg.Discover("A", 1, []rpc.Tool{{Name: "echo"}})
	reg.Discover("B", 2, []rpc.Tool{{Name: "echo"}})

	a := newUnstartedSupervisor(t, "A")
	b := newUnstartedSupervisor(t, "B")
	r := New(reg, NewSupervisors(map[string]*supervisor.Supervisor{"A": a, "B": b}))

	sv, err := r.Resolve("B", "echo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sv != b {
		t.Fatalf("expected qualified server B, got %v", sv.ServerID())
	}
}

func TestRouter_Resolve_QualifiedButNotOffered(t *testing.T) {
	reg := registry.New()
	reg.Discover("A", 1, []rpc.Tool{{Name: "echo"}})
	a := newUnstartedSupervisor(t, "A")
	r := New(reg, NewSupervisors(map[string]*supervisor.Supervisor{"A": a}))

	_, err := r.Resolve("A", "sum")
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestRouter_Resolve_UnknownServer(t *testing.T) {
	reg := registry.New()
	r := New(reg, NewSupervisors(map[string]*supervisor.Supervisor{}))

	_, err := r.Resolve("ghost", "echo")
	if !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("expected ErrUnknownServer, got %v", err)
	}
}

func TestRouter_Resolve_NoQualifier_UnknownTool(t *testing.T) {
	reg := registry.New()
	r := New(reg, NewSupervisors(map[string]*supervisor.Supervisor{}))

	_, err := r.Resolve("", "nonexistent")
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestRouter_Dispatch_PropagatesResolveError(t *testing.T) {
	reg := registry.New()
	r := New(reg, NewSupervisors(map[string]*supervisor.Supervisor{}))

	_, err := r.Dispatch(context.Background(), "", "nonexistent", nil, 0, nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}
