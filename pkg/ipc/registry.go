package ipc

import (
	"sort"
	"sync"

	"github.com/blip/broker/pkg/types"
)

// Registry maps service names to their identified connections. A name is
// held by at most one connection at a time.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Connection
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Connection)}
}

// Register claims name for conn. It fails with NAME_IN_USE if the name is
// already held.
func (r *Registry) Register(name string, conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return types.NewError(types.ErrCodeNameInUse, "a service named "+name+" is already connected")
	}
	r.entries[name] = conn
	return nil
}

// Unregister releases name if conn holds it. It reports whether an entry
// was removed; calling it again is a no-op.
func (r *Registry) Unregister(name string, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if held, ok := r.entries[name]; ok && held == conn {
		delete(r.entries, name)
		return true
	}
	return false
}

// Lookup returns the connection registered under name
func (r *Registry) Lookup(name string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.entries[name]
	return conn, ok
}

// Names returns a sorted snapshot of registered names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns a snapshot of registered connections ordered by name
func (r *Registry) List() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	conns := make([]*Connection, len(names))
	for i, name := range names {
		conns[i] = r.entries[name]
	}
	return conns
}

// Len returns the number of registered services
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
