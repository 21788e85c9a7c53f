package session

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrAlreadyActive is returned by Admit while another session runs a task.
var ErrAlreadyActive = errors.New("another session is active")

// State is the registry view of a session.
type State int

const (
	StateIdle State = iota
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "idle"
	}
}

// Registry tracks connected sessions and admits at most one active task
// across all of them.
type Registry struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	active   *Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[*Session]struct{})}
}

// Register adds s as an idle session.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
	s.state = StateIdle
}

// Admit marks s active unless any session already is.
func (r *Registry) Admit(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return ErrAlreadyActive
	}
	if _, ok := r.sessions[s]; !ok {
		return errors.New("session not registered")
	}
	r.active = s
	s.state = StateActive
	return nil
}

// Release returns an active s to idle.
func (r *Registry) Release(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == s {
		r.active = nil
		s.state = StateIdle
	}
}

// Remove forgets s and frees the active slot if s held it.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
	s.state = StateClosing
	if r.active == s {
		r.active = nil
	}
}

// Active reports whether a task is running.
func (r *Registry) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Len returns the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// State returns the state of s.
func (r *Registry) State(s *Session) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.state
}
