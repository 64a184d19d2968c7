package repository

import (
	"context"
	"time"

	"github.com/noah-isme/geoattend-api/internal/models"
)

// RosterMutation edits an entry in place while it is locked. existed is false
// when the entry was materialised for this call. Returning changed=false or an
// error discards the edit, including a freshly materialised entry.
type RosterMutation func(entry *models.RosterEntry, existed bool) (changed bool, err error)

// CommitHook runs after a successful commit while the entry is still serialised.
type CommitHook func(entry models.RosterEntry)

// SessionStore is implemented by the in-memory and Postgres backends.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, from, to models.SessionStatus, at time.Time) (bool, error)
	ExpireDue(ctx context.Context, now time.Time) ([]string, error)
	ListRoster(ctx context.Context, sessionID string) ([]models.RosterEntry, error)
	GetRosterEntry(ctx context.Context, sessionID, userID string) (*models.RosterEntry, error)
	MutateRosterEntry(ctx context.Context, sessionID, userID string, mutate RosterMutation, onCommit CommitHook) (*models.RosterEntry, error)
}

var (
	_ SessionStore = (*MemorySessionStore)(nil)
	_ SessionStore = (*SessionRepository)(nil)
)

func newRosterEntry(sessionID, userID string, now time.Time) models.RosterEntry {
	return models.RosterEntry{
		SessionID: sessionID,
		UserID:    userID,
		Status:    models.RosterStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
