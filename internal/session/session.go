// Package session implements per-session conversation history, stored
// independently of workflow state so multiple workflows can share one
// session.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devflow/orchestrator/internal/orchestrator"
)

// DefaultRecallWindow is the default number of most-recent messages fed
// into a new workflow's initial state.
const DefaultRecallWindow = 10

// Session is an append-only log of a caller's messages.
type Session struct {
	ID        string                 `json:"id"`
	Messages  []orchestrator.Message `json:"messages"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Recall returns the last n messages (or all of them if there are fewer
// than n), oldest-first.
func (s Session) Recall(n int) []orchestrator.Message {
	if n <= 0 || n >= len(s.Messages) {
		out := make([]orchestrator.Message, len(s.Messages))
		copy(out, s.Messages)
		return out
	}
	out := make([]orchestrator.Message, n)
	copy(out, s.Messages[len(s.Messages)-n:])
	return out
}

// Store is an in-memory session store. Sessions are identified by a
// caller-supplied session_id; if absent, Append allocates one.
type Store struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	recallWindow int
}

// NewStore constructs an empty Store. recallWindow <= 0 uses
// DefaultRecallWindow.
func NewStore(recallWindow int) *Store {
	if recallWindow <= 0 {
		recallWindow = DefaultRecallWindow
	}
	return &Store{
		sessions:     make(map[string]*Session),
		recallWindow: recallWindow,
	}
}

// Append appends msg to sessionID's log, allocating a new session if
// sessionID is empty or unknown. Returns the (possibly newly allocated)
// session id.
func (s *Store) Append(sessionID string, msg orchestrator.Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sess, ok := s.sessions[sessionID]
	if sessionID == "" || !ok {
		sessionID = uuid.New().String()
		sess = &Session{ID: sessionID, CreatedAt: now}
		s.sessions[sessionID] = sess
	}
	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = now
	return sessionID
}

// Get returns a copy of the session's bounded recall window, or false if
// sessionID is unknown.
func (s *Store) Get(sessionID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return Session{
		ID:        sess.ID,
		Messages:  sess.Recall(s.recallWindow),
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}, true
}

// Delete removes a session.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
