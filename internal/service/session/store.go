package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlastree/explorer/backend/internal/model/chat"
)

var (
	// ErrSessionNotFound is returned when the target session was never
	// created or was evicted concurrently with the caller.
	ErrSessionNotFound = errors.New("session not found")
	// ErrGenerationInFlight signals a conflicting generation for the session.
	ErrGenerationInFlight = errors.New("generation already in flight")
)

// Store holds every live session. The map itself is guarded by a short-held
// structural lock; each entry carries its own mutex so unrelated sessions
// never contend.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	maxHistory int
}

type entry struct {
	mu         sync.Mutex
	session    chat.Session
	messages   []chat.Message
	generating bool
}

// NewStore creates an empty store capping each session's history at
// maxHistory messages.
func NewStore(maxHistory int) *Store {
	if maxHistory < 1 {
		maxHistory = 1
	}
	return &Store{
		entries:    make(map[string]*entry),
		maxHistory: maxHistory,
	}
}

// GetOrCreate returns the session for id, creating it with empty history if
// absent. An empty id provisions a fresh identifier.
func (s *Store) GetOrCreate(id string) chat.Session {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		now := time.Now().UTC()
		e = &entry{
			session: chat.Session{
				ID:           id,
				CreatedAt:    now,
				LastActivity: now,
			},
			messages: make([]chat.Message, 0, 16),
		}
		s.entries[id] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if ok {
		e.touchLocked(time.Now().UTC())
	}
	return e.session
}

// AppendUserMessage records a user turn with its page-context snapshot.
func (s *Store) AppendUserMessage(id, content string, pageCtx *chat.PageContext) (chat.Message, error) {
	return s.append(id, chat.RoleUser, content, pageCtx)
}

// AppendAssistantMessage records a completed assistant reply. The caller must
// hold the session's generation lock; the relay appends exactly once per
// generation, never per delta.
func (s *Store) AppendAssistantMessage(id, content string) (chat.Message, error) {
	return s.append(id, chat.RoleAssistant, content, nil)
}

func (s *Store) append(id string, role chat.Role, content string, pageCtx *chat.PageContext) (chat.Message, error) {
	e, ok := s.lookup(id)
	if !ok {
		return chat.Message{}, ErrSessionNotFound
	}

	msg := chat.Message{
		ID:        uuid.NewString(),
		SessionID: id,
		Role:      role,
		Content:   content,
		Context:   pageCtx,
		CreatedAt: time.Now().UTC(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.messages = append(e.messages, msg)
	if overflow := len(e.messages) - s.maxHistory; overflow > 0 {
		// FIFO trim: oldest out first, relative order preserved.
		e.messages = append(e.messages[:0], e.messages[overflow:]...)
	}
	e.touchLocked(msg.CreatedAt)

	return msg, nil
}

// History returns a read-only snapshot of the session's messages. The second
// return value is false for an unknown session.
func (s *Store) History(id string) ([]chat.Message, bool) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	copied := make([]chat.Message, len(e.messages))
	copy(copied, e.messages)
	return copied, true
}

// Touch bumps the session's last-activity timestamp.
func (s *Store) Touch(id string) {
	if e, ok := s.lookup(id); ok {
		e.mu.Lock()
		e.touchLocked(time.Now().UTC())
		e.mu.Unlock()
	}
}

// TryAcquireGeneration claims the session's generation lock without blocking.
// False means another generation is in flight (or the session is unknown).
func (s *Store) TryAcquireGeneration(id string) bool {
	e, ok := s.lookup(id)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.generating {
		return false
	}
	e.generating = true
	return true
}

// ReleaseGeneration releases the session's generation lock.
func (s *Store) ReleaseGeneration(id string) {
	if e, ok := s.lookup(id); ok {
		e.mu.Lock()
		e.generating = false
		e.mu.Unlock()
	}
}

// Generating reports whether the session currently holds its generation lock.
func (s *Store) Generating(id string) bool {
	e, ok := s.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generating
}

// EvictIfIdle drops the session when it has been inactive for longer than
// timeout. A session holding its generation lock is never evicted.
func (s *Store) EvictIfIdle(id string, now time.Time, timeout time.Duration) bool {
	e, ok := s.lookup(id)
	if !ok {
		return false
	}

	e.mu.Lock()
	idle := !e.generating && now.Sub(e.session.LastActivity) > timeout
	e.mu.Unlock()

	if !idle {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the structural lock: a generation may have started
	// between the two lock scopes.
	current, ok := s.entries[id]
	if !ok || current != e {
		return false
	}
	e.mu.Lock()
	busy := e.generating
	e.mu.Unlock()
	if busy {
		return false
	}
	delete(s.entries, id)
	return true
}

// SweepIdle evicts every idle session and returns how many were dropped.
func (s *Store) SweepIdle(now time.Time, timeout time.Duration) int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	evicted := 0
	for _, id := range ids {
		if s.EvictIfIdle(id, now, timeout) {
			evicted++
		}
	}
	return evicted
}

// Reset destroys the session on explicit client request. It refuses while a
// generation is in flight.
func (s *Store) Reset(id string) error {
	e, ok := s.lookup(id)
	if !ok {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	busy := e.generating
	e.mu.Unlock()
	if busy {
		return ErrGenerationInFlight
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[id]
	if !ok || current != e {
		return ErrSessionNotFound
	}
	// Re-check under the structural lock: a generation may have started
	// between the two lock scopes.
	e.mu.Lock()
	busy = e.generating
	e.mu.Unlock()
	if busy {
		return ErrGenerationInFlight
	}
	delete(s.entries, id)
	return nil
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// touchLocked keeps LastActivity monotonically non-decreasing.
func (e *entry) touchLocked(now time.Time) {
	if now.After(e.session.LastActivity) {
		e.session.LastActivity = now
	}
}
