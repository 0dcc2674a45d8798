package relay

import "sync"

// Registry tracks live call sessions for the duration of their Twilio
// connection. Sessions are fully independent; the registry exists for
// metrics and for draining on shutdown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*CallSession)}
}

func (r *Registry) Add(s *CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll tears down every live session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}
