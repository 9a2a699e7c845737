package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RuntimeSession associates a running turn with its conversation so that the
// turn can be cancelled from outside. It lives from the start of a turn until
// the turn and all of its tool follow-ups have finished.
type RuntimeSession struct {
	ID             string
	ConversationID string
	Provider       string
	StartedAt      time.Time

	cancel context.CancelFunc
}

// Cancel aborts the turn.
func (s *RuntimeSession) Cancel() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

// SessionRegistry tracks active sessions keyed by conversation ID.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*RuntimeSession
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*RuntimeSession)}
}

// Start registers a session for conversationID. Only one turn may run per
// conversation at a time.
func (r *SessionRegistry) Start(conversationID, provider string, cancel context.CancelFunc) (*RuntimeSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[conversationID]; exists {
		return nil, ErrSessionActive
	}
	s := &RuntimeSession{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Provider:       provider,
		StartedAt:      time.Now(),
		cancel:         cancel,
	}
	r.sessions[conversationID] = s
	return s, nil
}

// Release removes s from the registry. Releasing a session that has already
// been replaced or released is a no-op.
func (r *SessionRegistry) Release(s *RuntimeSession) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ConversationID]; ok && cur == s {
		delete(r.sessions, s.ConversationID)
	}
}

// Cancel aborts the active turn for conversationID, reporting whether one
// was running. The session is released by the turn itself once it unwinds.
func (r *SessionRegistry) Cancel(conversationID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[conversationID]
	r.mu.Unlock()
	if ok {
		s.Cancel()
	}
	return ok
}

// Get returns the active session for conversationID.
func (r *SessionRegistry) Get(conversationID string) (*RuntimeSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conversationID]
	return s, ok
}

// Active returns the number of running sessions.
func (r *SessionRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CancelAll aborts every running turn.
func (r *SessionRegistry) CancelAll() {
	r.mu.Lock()
	active := make([]*RuntimeSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		active = append(active, s)
	}
	r.mu.Unlock()
	for _, s := range active {
		s.Cancel()
	}
}
