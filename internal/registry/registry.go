// Package registry is a cross-server namespace of tools with deterministic
// collision resolution.
//
// The single-writer-with-snapshot-read discipline: all mutation goes
// through one exported entry point per event (Discover/Lost), guarded by
// a mutex, while readers (Canonical/Qualified/Collisions/ListAll) take a
// cheap snapshot under the
// same lock and never hold it during any caller-visible work.
package registry

import (
	"sort"
	"sync"

	"github.com/nodegate/mcpd/internal/rpc"
)

// Entry is one discovered tool, annotated with the server that contributed
// it and the order in which that contribution was discovered (used to break
// priority ties in collision resolution).
type Entry struct {
	ServerID  string
	Tool      rpc.Tool
	Priority  int
	Discovery int64 // monotonic counter, assigned at insertion
}

// Registry indexes tools by name across all known servers. Zero value is
// not usable; construct with New.
type Registry struct {
	mu         sync.RWMutex
	byName     map[string][]Entry // collision list per name, always kept sorted
	byServer   map[string]map[string]struct{}
	discovery  int64
	priorities map[string]int // server_id -> priority, set by Discover
}

func New() *Registry {
	return &Registry{
		byName:     make(map[string][]Entry),
		byServer:   make(map[string]map[string]struct{}),
		priorities: make(map[string]int),
	}
}

// Discover replaces the tool set contributed by serverID (the supervisor's
// tools_discovered / tools_changed event) and rebuilds every affected
// collision list. Safe to call repeatedly as a server's tool set changes.
func (r *Registry) Discover(serverID string, priority int, tools []rpc.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeServerLocked(serverID)
	r.priorities[serverID] = priority

	names := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		names[t.Name] = struct{}{}
		r.discovery++
		entry := Entry{ServerID: serverID, Tool: t, Priority: priority, Discovery: r.discovery}
		r.byName[t.Name] = append(r.byName[t.Name], entry)
	}
	r.byServer[serverID] = names

	for name := range names {
		sortCollisions(r.byName[name])
	}
}

// Lost removes every tool contributed by serverID (the supervisor's
// tools_lost event, typically fired on exit) and rebuilds affected
// collision lists.
func (r *Registry) Lost(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeServerLocked(serverID)
	delete(r.priorities, serverID)
}

func (r *Registry) removeServerLocked(serverID string) {
	owned, ok := r.byServer[serverID]
	if !ok {
		return
	}
	for name := range owned {
		filtered := r.byName[name][:0]
		for _, e := range r.byName[name] {
			if e.ServerID != serverID {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(r.byName, name)
		} else {
			r.byName[name] = filtered
			sortCollisions(r.byName[name])
		}
	}
	delete(r.byServer, serverID)
}

// sortCollisions orders a name's collision list by (priority asc, discovery
// order asc): lowest priority wins, ties broken by first discovered.
func sortCollisions(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		return entries[i].Discovery < entries[j].Discovery
	})
}

// Canonical returns the tool chosen for an unqualified name: the head of
// its collision list.
func (r *Registry) Canonical(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byName[name]
	if len(list) == 0 {
		return Entry{}, false
	}
	return list[0], true
}

// Qualified returns the tool contributed by serverID under name, if any.
func (r *Registry) Qualified(serverID, name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byName[name] {
		if e.ServerID == serverID {
			return e, true
		}
	}
	return Entry{}, false
}

// Collisions returns the ordered list of server_ids offering name, in
// canonical order (head = canonical).
func (r *Registry) Collisions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byName[name]
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.ServerID
	}
	return out
}

// ListAll returns a snapshot of every canonical tool name mapped to its
// full collision list, optionally filtered to one server.
func (r *Registry) ListAll(serverFilter string) map[string][]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]Entry, len(r.byName))
	for name, list := range r.byName {
		if serverFilter != "" {
			var filtered []Entry
			for _, e := range list {
				if e.ServerID == serverFilter {
					filtered = append(filtered, e)
				}
			}
			if len(filtered) == 0 {
				continue
			}
			out[name] = filtered
			continue
		}
		cp := make([]Entry, len(list))
		copy(cp, list)
		out[name] = cp
	}
	return out
}
