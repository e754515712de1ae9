package monitor

import (
	"sort"
	"sync"
)

// Registry maps subject ids to sessions. Sessions are created on demand and
// never evicted.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for subjectID, creating it if needed.
// Concurrent callers for the same subject always get the same instance.
func (r *Registry) GetOrCreate(subjectID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[subjectID]
	if !ok {
		s = newSession(subjectID)
		r.sessions[subjectID] = s
	}
	return s
}

// Get returns the session for subjectID, or nil.
func (r *Registry) Get(subjectID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[subjectID]
}

// Detach removes connID from subjectID's session. The session itself is
// kept. It reports whether the session is now empty.
func (r *Registry) Detach(subjectID, connID string) (empty bool) {
	s := r.Get(subjectID)
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, connID)
	return len(s.conns) == 0
}

// Subjects returns the known subject ids in sorted order.
func (r *Registry) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of known sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
