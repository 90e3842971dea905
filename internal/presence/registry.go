// Package presence tracks which identities hold a live connection.
package presence

import (
	"errors"
	"slices"
	"sync"
)

var ErrAlreadyOnline = errors.New("already online")

// Registry maps usernames to live connection handles, at most one per
// username. It is safe for concurrent use. C is the connection handle
// type; handles are compared by identity.
type Registry[C comparable] struct {
	mu    sync.Mutex
	conns map[string]C
}

func NewRegistry[C comparable]() *Registry[C] {
	return &Registry[C]{conns: make(map[string]C)}
}

// Register claims username for conn. It fails with ErrAlreadyOnline if the
// username is held by any connection, including conn itself.
func (r *Registry[C]) Register(username string, conn C) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[username]; ok {
		return ErrAlreadyOnline
	}
	r.conns[username] = conn
	return nil
}

// Unregister removes the entry only if it still points at conn, so a stale
// cleanup never evicts a newer session. It reports whether it removed it.
func (r *Registry[C]) Unregister(username string, conn C) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[username]
	if !ok || current != conn {
		return false
	}
	delete(r.conns, username)
	return true
}

func (r *Registry[C]) Lookup(username string) (C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[username]
	return conn, ok
}

// Online returns the sorted roster.
func (r *Registry[C]) Online() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	r.mu.Unlock()

	slices.Sort(names)
	return names
}

// Others returns a snapshot of every connection except username's.
func (r *Registry[C]) Others(username string) []C {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]C, 0, len(r.conns))
	for name, conn := range r.conns {
		if name != username {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (r *Registry[C]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
