package repository

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/geoattend-api/internal/models"
)

const rosterLockStripes = 64

type rosterKey struct {
	sessionID string
	userID    string
}

// MemorySessionStore keeps sessions and rosters in process memory. Mutations
// on the same (session, user) are serialised by a striped lock; the map lock
// is only held for reads and writes of the maps themselves.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	entries  map[rosterKey]models.RosterEntry

	stripes [rosterLockStripes]sync.Mutex
	now     func() time.Time
}

// NewMemorySessionStore constructs an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]models.Session),
		entries:  make(map[rosterKey]models.RosterEntry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession stores a new session.
func (s *MemorySessionStore) CreateSession(ctx context.Context, session *models.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("create session: duplicate id %s", session.ID)
	}
	s.sessions[session.ID] = *session
	return nil
}

// GetSession returns a copy of the session or sql.ErrNoRows.
func (s *MemorySessionStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &session, nil
}

// UpdateSessionStatus moves a session from one status to another, reporting whether it applied.
func (s *MemorySessionStore) UpdateSessionStatus(ctx context.Context, id string, from, to models.SessionStatus, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return false, sql.ErrNoRows
	}
	if session.Status != from {
		return false, nil
	}
	session.Status = to
	session.UpdatedAt = at
	if to != models.SessionStatusOpen {
		closedAt := at
		session.ClosedAt = &closedAt
	}
	s.sessions[id] = session
	return true, nil
}

// ExpireDue flips every open session whose expiry has passed and returns their ids.
func (s *MemorySessionStore) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for id, session := range s.sessions {
		if !session.DueForExpiry(now) {
			continue
		}
		session.Status = models.SessionStatusExpired
		session.UpdatedAt = now
		closedAt := now
		session.ClosedAt = &closedAt
		s.sessions[id] = session
		expired = append(expired, id)
	}
	sort.Strings(expired)
	return expired, nil
}

// ListRoster returns the session's entries ordered by creation.
func (s *MemorySessionStore) ListRoster(ctx context.Context, sessionID string) ([]models.RosterEntry, error) {
	s.mu.RLock()
	entries := make([]models.RosterEntry, 0)
	for key, entry := range s.entries {
		if key.sessionID == sessionID {
			entries = append(entries, entry)
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// GetRosterEntry returns a copy of the entry or sql.ErrNoRows.
func (s *MemorySessionStore) GetRosterEntry(ctx context.Context, sessionID, userID string) (*models.RosterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[rosterKey{sessionID, userID}]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &entry, nil
}

// MutateRosterEntry applies mutate atomically to the (session, user) entry,
// materialising a pending entry when none exists.
func (s *MemorySessionStore) MutateRosterEntry(ctx context.Context, sessionID, userID string, mutate RosterMutation, onCommit CommitHook) (*models.RosterEntry, error) {
	key := rosterKey{sessionID, userID}
	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	entry, existed := s.entries[key]
	s.mu.RUnlock()
	if !existed {
		entry = newRosterEntry(sessionID, userID, s.now())
	}

	working := entry
	changed, err := mutate(&working, existed)
	if err != nil {
		return nil, err
	}
	if !changed {
		return &entry, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.entries[key] = working
	s.mu.Unlock()

	if onCommit != nil {
		onCommit(working)
	}
	return &working, nil
}

func (s *MemorySessionStore) stripe(key rosterKey) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.sessionID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.userID))
	return &s.stripes[h.Sum32()%rosterLockStripes]
}
