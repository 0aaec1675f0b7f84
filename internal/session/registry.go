package session

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// sessionIDBytes of randomness per session id; base64url-encoded this
// yields a 32-character unguessable token.
const sessionIDBytes = 24

// Registry is the process-wide map of live sessions. Lookup and
// lifecycle go through the registry; per-session state is guarded by
// each session's own mutex.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Create allocates a fresh session with a random id unique among live
// sessions and the given owner.
func (r *Registry) Create(ownerClientID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		id = newSessionID()
		if _, exists := r.sessions[id]; !exists {
			break
		}
	}

	s := newSession(id, ownerClientID, time.Now())
	r.sessions[id] = s
	return s
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Delete removes a session from the registry.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Idle returns sessions with zero attached connections whose last
// mutation predates now minus ttl.
func (r *Registry) Idle(ttl time.Duration) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-ttl)
	var idle []*Session
	for _, s := range r.sessions {
		if updatedAt, empty := s.IdleSince(); empty && updatedAt.Before(cutoff) {
			idle = append(idle, s)
		}
	}
	return idle
}

func newSessionID() string {
	buf := make([]byte, sessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
