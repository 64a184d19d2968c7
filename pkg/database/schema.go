package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS attendance_sessions (
	id                TEXT PRIMARY KEY,
	teacher_id        TEXT NOT NULL,
	teacher_name      TEXT NOT NULL DEFAULT '',
	anchor_latitude   DOUBLE PRECISION NOT NULL,
	anchor_longitude  DOUBLE PRECISION NOT NULL,
	radius_meters     DOUBLE PRECISION NOT NULL,
	starts_at         TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	status            TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'closed', 'expired')),
	closed_at         TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (expires_at > starts_at)
);

CREATE INDEX IF NOT EXISTS idx_attendance_sessions_open_expiry
	ON attendance_sessions (expires_at) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS roster_entries (
	session_id            TEXT NOT NULL REFERENCES attendance_sessions(id),
	user_id               TEXT NOT NULL,
	display_name          TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT 'pending',
	last_distance_meters  DOUBLE PRECISION,
	photo_ref             TEXT,
	last_ping_at          TIMESTAMPTZ,
	client_pinged_at      TIMESTAMPTZ,
	uploaded_at           TIMESTAMPTZ,
	overridden_by         TEXT,
	overridden_at         TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (session_id, user_id)
);
`

// Migrate creates the attendance tables when they do not exist yet.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply attendance schema: %w", err)
	}
	return nil
}
