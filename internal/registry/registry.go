// Package registry tracks which connection currently owns each multiplexer
// session name, so a second browser tab can kick the first and so the
// lifecycle supervisor can tell which multiplexer sessions are unattended.
package registry

import (
	"strings"
	"sync"
	"time"
)

// ReplacedCloseCode is the close code sent to a connection that a newer
// bind for the same session name displaces.
const ReplacedCloseCode = 4002

// Occupant is the minimal surface the registry needs from a bound
// connection: the ability to close it and to identify it for ABA-safe
// unbind. Occupant is implemented by *gateway.Conn; this package
// never imports gateway to avoid a cycle.
type Occupant interface {
	Close(code int, reason string)
}

type entry struct {
	occupant Occupant
	boundAt  time.Time
}

// Registry is the Session Registry (component A).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry

	unboundMu sync.Mutex
	unboundAt map[string]time.Time
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		entries:   make(map[string]entry),
		unboundAt: make(map[string]time.Time),
	}
}

// Bind installs occupant as the owner of name. If a prior occupant is
// already bound, it is closed with ReplacedCloseCode before the new one is
// installed.
func (r *Registry) Bind(name string, occupant Occupant) {
	r.mu.Lock()
	prior, had := r.entries[name]
	r.entries[name] = entry{occupant: occupant, boundAt: time.Now()}
	r.mu.Unlock()

	if had {
		prior.occupant.Close(ReplacedCloseCode, "replaced by new connection")
	}
}

// Unbind removes the entry for name only if occupant is still the current
// owner (identity comparison guards against ABA races where a connection's
// teardown runs after a newer bind already replaced it).
func (r *Registry) Unbind(name string, occupant Occupant) {
	r.mu.Lock()
	cur, ok := r.entries[name]
	if ok && cur.occupant == occupant {
		delete(r.entries, name)
	}
	r.mu.Unlock()

	if ok && cur.occupant == occupant {
		r.unboundMu.Lock()
		r.unboundAt[name] = time.Now()
		r.unboundMu.Unlock()
	}
}

// ActiveNames returns a snapshot of all currently bound session names.
func (r *Registry) ActiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// IsActive reports whether name currently has a bound connection.
func (r *Registry) IsActive(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// CountForIdentityPrefix returns the number of open connections whose
// session name begins with prefix.
func (r *Registry) CountForIdentityPrefix(prefix string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for name := range r.entries {
		if strings.HasPrefix(name, prefix) {
			n++
		}
	}
	return n
}

// LastUnboundAt returns when name was last unbound, used by the stale-
// session reaper to approximate "last attached" for sessions with no
// currently bound connection. The zero time is returned if name was never
// unbound in this process's lifetime.
func (r *Registry) LastUnboundAt(name string) time.Time {
	r.unboundMu.Lock()
	defer r.unboundMu.Unlock()
	return r.unboundAt[name]
}

// NoteCreated records a session's creation time as its initial "last
// attached" reference point, so a session that is created but never
// unbound still has a baseline for TTL reaping.
func (r *Registry) NoteCreated(name string) {
	r.unboundMu.Lock()
	defer r.unboundMu.Unlock()
	if _, ok := r.unboundAt[name]; !ok {
		r.unboundAt[name] = time.Now()
	}
}
