package server

import (
	"sync"

	"github.com/pkg/errors"
)

// Registry is the set of live sessions keyed by connection handle.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s. It fails once the registry has been closed or when the
// connection handle is already in use.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrGatewayClosed
	}
	if _, exists := r.sessions[s.ConnID]; exists {
		return errors.Errorf("connection %s already registered", s.ConnID)
	}
	r.sessions[s.ConnID] = s
	return nil
}

// Remove deregisters the session for connID and returns it. Removing an
// unknown handle is a no-op.
func (r *Registry) Remove(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if ok {
		delete(r.sessions, connID)
	}
	return s, ok
}

// Get returns the session for connID.
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[connID]
	return s, ok
}

// ListActive returns a snapshot of every registered session. Order is
// unspecified. Callers may iterate it without holding any lock.
func (r *Registry) ListActive() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close rejects further registrations and removes every session, returning
// them so the caller can shut them down.
func (r *Registry) Close() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	return sessions
}
