package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pbryant/counselor/backend/internal/model/chat"
)

var (
	ErrSessionIDRequired = errors.New("session id is required")
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTurn       = errors.New("turn role or content is invalid")
)

// record is the unit of per-session state. Appends to one session contend
// only on this record's lock, never with other sessions. The gone flag is a
// tombstone set while a reset or eviction still holds the lock, so a racing
// append observes it and fails with ErrSessionNotFound instead of writing
// into a detached record.
type record struct {
	mu      sync.Mutex
	session chat.Session
	turns   []chat.Turn
	gone    bool
}

// Store is the concurrency-safe mapping from session id to conversation
// state. The outer lock guards the map only; turn mutation happens under the
// per-session record lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*record
}

// NewStore bootstraps the in-memory session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*record),
	}
}

// GetOrCreate returns the session for id, creating an empty one on first
// contact. It never fails for a non-empty id and refreshes lastActiveAt.
func (s *Store) GetOrCreate(_ context.Context, id string) (chat.Session, error) {
	if id == "" {
		return chat.Session{}, ErrSessionIDRequired
	}

	if rec, ok := s.lookup(id); ok {
		rec.mu.Lock()
		if !rec.gone {
			rec.session.LastActiveAt = time.Now().UTC()
			session := rec.session
			rec.mu.Unlock()
			return session, nil
		}
		rec.mu.Unlock()
		// Tombstoned between lookup and lock; fall through and recreate.
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.sessions[id]; ok {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if !rec.gone {
			rec.session.LastActiveAt = time.Now().UTC()
			return rec.session, nil
		}
	}

	now := time.Now().UTC()
	rec := &record{
		session: chat.Session{ID: id, CreatedAt: now, LastActiveAt: now},
		turns:   make([]chat.Turn, 0, 16),
	}
	s.sessions[id] = rec
	return rec.session, nil
}

// Append adds turns to an existing session's history in order, under that
// session's critical section. It fails with ErrSessionNotFound when the
// session was reset or evicted between lookup and append; the caller is
// expected to recreate and retry once.
func (s *Store) Append(_ context.Context, id string, turns ...chat.Turn) error {
	if id == "" {
		return ErrSessionIDRequired
	}
	for _, turn := range turns {
		if !turn.Role.Valid() || turn.Content == "" {
			return ErrInvalidTurn
		}
	}

	rec, ok := s.lookup(id)
	if !ok {
		return ErrSessionNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.gone {
		return ErrSessionNotFound
	}

	now := time.Now().UTC()
	for _, turn := range turns {
		turn.ID = uuid.NewString()
		turn.SessionID = id
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = now
		}
		rec.turns = append(rec.turns, turn)
	}
	rec.session.LastActiveAt = now
	return nil
}

// Snapshot returns a point-in-time copy of the session's ordered turns. The
// copy is taken under the session lock, so a half-committed exchange is
// never visible.
func (s *Store) Snapshot(_ context.Context, id string) ([]chat.Turn, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return nil, ErrSessionNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.gone {
		return nil, ErrSessionNotFound
	}

	copied := make([]chat.Turn, len(rec.turns))
	copy(copied, rec.turns)
	return copied, nil
}

// Reset removes a single session. Resetting an absent id is a no-op.
func (s *Store) Reset(_ context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return
	}

	rec.mu.Lock()
	rec.gone = true
	rec.mu.Unlock()
	delete(s.sessions, id)
}

// ResetAll removes every session and returns how many were dropped.
func (s *Store) ResetAll(_ context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := len(s.sessions)
	for id, rec := range s.sessions {
		rec.mu.Lock()
		rec.gone = true
		rec.mu.Unlock()
		delete(s.sessions, id)
	}
	return removed
}

// EvictIdle removes every session whose lastActiveAt is older than
// threshold and returns the count removed.
func (s *Store) EvictIdle(_ context.Context, threshold time.Duration) int {
	cutoff := time.Now().UTC().Add(-threshold)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.sessions {
		rec.mu.Lock()
		idle := rec.session.LastActiveAt.Before(cutoff)
		if idle {
			rec.gone = true
		}
		rec.mu.Unlock()

		if idle {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Count reports how many sessions are live, for observability.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) lookup(id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	return rec, ok
}
