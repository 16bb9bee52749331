package registry

import (
	"testing"

	"github.com/nodegate/mcpd/internal/rpc"
)

func TestRegistry_CanonicalIsLowestPriority(t *testing.T) {
	r := New()
	r.Discover("A", 1, []rpc.Tool{{Name: "echo"}, {Name: "ping"}})
	r.Discover("B", 2, []rpc.Tool{{Name: "echo"}, {Name: "sum"}})

	canon, ok := r.Canonical("echo")
	if !ok || canon.ServerID != "A" {
		t.Fatalf("canonical(echo) = %+v, ok=%v, want server A", canon, ok)
	}

	collisions := r.Collisions("echo")
	if len(collisions) != 2 || collisions[0] != "A" || collisions[1] != "B" {
		t.Fatalf("collisions(echo) = %v, want [A B]", collisions)
	}

	if _, ok := r.Canonical("ping"); !ok {
		t.Fatal("expected ping to resolve (only A offers it)")
	}
	if _, ok := r.Canonical("sum"); !ok {
		t.Fatal("expected sum to resolve (only B offers it)")
	}
}

func TestRegistry_TieBrokenByDiscoveryOrder(t *testing.T) {
	r := New()
	r.Discover("first", 5, []rpc.Tool{{Name: "dup"}})
	r.Discover("second", 5, []rpc.Tool{{Name: "dup"}})

	canon, ok := r.Canonical("dup")
	if !ok || canon.ServerID != "first" {
		t.Fatalf("canonical(dup) = %+v, want server 'first' (discovered earlier at equal priority)", canon)
	}
}

func TestRegistry_LaterJoinerWithLowerPriorityBecomesCanonical(t *testing.T) {
	r := New()
	r.Discover("A", 1, []rpc.Tool{{Name: "echo"}})
	r.Discover("B", 0, []rpc.Tool{{Name: "echo"}}) // priority 0 < 1, so B becomes canonical despite joining later.

	canon, _ := r.Canonical("echo")
	if canon.ServerID != "B" {
		t.Fatalf("expected lower-priority server B to become canonical, got %s", canon.ServerID)
	}
}

func TestRegistry_Lost_RemovesServerTools(t *testing.T) {
	r := New()
	r.Discover("A", 1, []rpc.Tool{{Name: "echo"}, {Name: "ping"}})
	r.Discover("B", 2, []rpc.Tool{{Name: "echo"}})

	r.Lost("A")

	canon, ok := r.Canonical("echo")
	if !ok || canon.ServerID != "B" {
		t.Fatalf("after A's loss, echo should resolve to B, got %+v (ok=%v)", canon, ok)
	}
	if _, ok := r.Canonical("ping"); ok {
		t.Fatal("ping should be gone entirely: only A offered it")
	}
}

func TestRegistry_Qualified(t *testing.T) {
	r := New()
	r.Discover("A", 1, []rpc.Tool{{Name: "echo"}})
	r.Discover("B", 2, []rpc.Tool{{Name: "echo"}})

	entry, ok := r.Qualified("B", "echo")
	if !ok || entry.ServerID != "B" {
		t.Fatalf("Qualified(B, echo) = %+v, ok=%v", entry, ok)
	}
	if _, ok := r.Qualified("B", "ping"); ok {
		t.Fatal("B does not offer ping")
	}
}

func TestRegistry_Rediscover_ReplacesPriorToolSet(t *testing.T) {
	r := New()
	r.Discover("A", 1, []rpc.Tool{{Name: "old_tool"}})
	r.Discover("A", 1, []rpc.Tool{{Name: "new_tool"}})

	if _, ok := r.Canonical("old_tool"); ok {
		t.Error("old_tool should have been replaced by the second Discover call")
	}
	if _, ok := r.Canonical("new_tool"); !ok {
		t.Error("new_tool should be present")
	}
}

func TestRegistry_ListAll_FiltersByServer(t *testing.T) {
	r := New()
	r.Discover("A", 1, []rpc.Tool{{Name: "echo"}, {Name: "ping"}})
	r.Discover("B", 2, []rpc.Tool{{Name: "sum"}})

	all := r.ListAll("")
	if len(all) != 3 {
		t.Fatalf("ListAll(\"\") returned %d names, want 3", len(all))
	}

	onlyB := r.ListAll("B")
	if len(onlyB) != 1 {
		t.Fatalf("ListAll(B) returned %d names, want 1", len(onlyB))
	}
	if _, ok := onlyB["sum"]; !ok {
		t.Error("expected 'sum' in B's filtered listing")
	}
}
