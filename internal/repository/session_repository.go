package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/geoattend-api/internal/models"
)

const sessionColumns = `id, teacher_id, teacher_name, anchor_latitude, anchor_longitude, radius_meters, starts_at, expires_at, status, closed_at, created_at, updated_at`

const rosterColumns = `session_id, user_id, display_name, status, last_distance_meters, photo_ref, last_ping_at, client_pinged_at, uploaded_at, overridden_by, overridden_at, created_at, updated_at`

// SessionRepository persists sessions and rosters in PostgreSQL.
type SessionRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CreateSession inserts a new session row.
func (r *SessionRepository) CreateSession(ctx context.Context, session *models.Session) error {
	const query = `INSERT INTO attendance_sessions (` + sessionColumns + `)
VALUES (:id, :teacher_id, :teacher_name, :anchor_latitude, :anchor_longitude, :radius_meters, :starts_at, :expires_at, :status, :closed_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("insert attendance session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id. sql.ErrNoRows is returned when missing.
func (r *SessionRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	const query = `SELECT ` + sessionColumns + ` FROM attendance_sessions WHERE id = $1`
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get attendance session: %w", err)
	}
	return &session, nil
}

// UpdateSessionStatus performs a compare-and-set on the session status.
func (r *SessionRepository) UpdateSessionStatus(ctx context.Context, id string, from, to models.SessionStatus, at time.Time) (bool, error) {
	const query = `UPDATE attendance_sessions
SET status = $1, updated_at = $2, closed_at = CASE WHEN $1 = 'open' THEN closed_at ELSE $2 END
WHERE id = $3 AND status = $4`
	res, err := r.db.ExecContext(ctx, query, to, at, id, from)
	if err != nil {
		return false, fmt.Errorf("update attendance session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update attendance session status: %w", err)
	}
	return affected == 1, nil
}

// ExpireDue flips every due open session to expired, returning their ids.
func (r *SessionRepository) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	const query = `UPDATE attendance_sessions
SET status = 'expired', updated_at = $1, closed_at = $1
WHERE status = 'open' AND expires_at <= $1
RETURNING id`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, now); err != nil {
		return nil, fmt.Errorf("expire attendance sessions: %w", err)
	}
	return ids, nil
}

// ListRoster returns the entries of a session ordered by creation.
func (r *SessionRepository) ListRoster(ctx context.Context, sessionID string) ([]models.RosterEntry, error) {
	entries := make([]models.RosterEntry, 0)
	const query = `SELECT ` + rosterColumns + ` FROM roster_entries WHERE session_id = $1 ORDER BY created_at, user_id`
	if err := r.db.SelectContext(ctx, &entries, query, sessionID); err != nil {
		return nil, fmt.Errorf("list roster entries: %w", err)
	}
	return entries, nil
}

// GetRosterEntry fetches a single entry. sql.ErrNoRows is returned when missing.
func (r *SessionRepository) GetRosterEntry(ctx context.Context, sessionID, userID string) (*models.RosterEntry, error) {
	var entry models.RosterEntry
	const query = `SELECT ` + rosterColumns + ` FROM roster_entries WHERE session_id = $1 AND user_id = $2`
	if err := r.db.GetContext(ctx, &entry, query, sessionID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get roster entry: %w", err)
	}
	return &entry, nil
}

// MutateRosterEntry applies mutate inside a transaction holding the row lock.
// A missing entry is inserted as pending first and rolled back with the
// transaction when the mutation does not apply.
func (r *SessionRepository) MutateRosterEntry(ctx context.Context, sessionID, userID string, mutate RosterMutation, onCommit CommitHook) (result *models.RosterEntry, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin roster transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	fresh := newRosterEntry(sessionID, userID, r.now())
	const insertQuery = `INSERT INTO roster_entries (session_id, user_id, display_name, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id, user_id) DO NOTHING`
	res, err := tx.ExecContext(ctx, insertQuery, fresh.SessionID, fresh.UserID, fresh.DisplayName, fresh.Status, fresh.CreatedAt, fresh.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("materialise roster entry: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("materialise roster entry: %w", err)
	}
	existed := inserted == 0

	var entry models.RosterEntry
	const lockQuery = `SELECT ` + rosterColumns + ` FROM roster_entries WHERE session_id = $1 AND user_id = $2 FOR UPDATE`
	if err = tx.GetContext(ctx, &entry, lockQuery, sessionID, userID); err != nil {
		return nil, fmt.Errorf("lock roster entry: %w", err)
	}

	working := entry
	changed, err := mutate(&working, existed)
	if err != nil {
		return nil, err
	}
	if !changed {
		return &entry, nil
	}

	const updateQuery = `UPDATE roster_entries SET
	display_name = :display_name,
	status = :status,
	last_distance_meters = :last_distance_meters,
	photo_ref = :photo_ref,
	last_ping_at = :last_ping_at,
	client_pinged_at = :client_pinged_at,
	uploaded_at = :uploaded_at,
	overridden_by = :overridden_by,
	overridden_at = :overridden_at,
	updated_at = :updated_at
WHERE session_id = :session_id AND user_id = :user_id`
	if _, err = tx.NamedExecContext(ctx, updateQuery, working); err != nil {
		return nil, fmt.Errorf("update roster entry: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit roster entry: %w", err)
	}
	committed = true

	if onCommit != nil {
		onCommit(working)
	}
	return &working, nil
}
