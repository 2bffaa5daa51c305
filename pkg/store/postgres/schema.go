package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the DDL for the accounting tables. Pool capacity rows are
// inserted by the admin tooling; everything else is written by the core.
const Schema = `
CREATE TABLE IF NOT EXISTS acct_sessions (
	unique_id         TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	username          TEXT NOT NULL,
	nas_identifier    TEXT NOT NULL,
	nas_port          BIGINT NOT NULL DEFAULT 0,
	pool              TEXT NOT NULL DEFAULT '',
	framed_address    INET,
	state             TEXT NOT NULL,
	start_time        TIMESTAMPTZ NOT NULL,
	last_interim_time TIMESTAMPTZ NOT NULL,
	stop_time         TIMESTAMPTZ,
	terminate_cause   BIGINT NOT NULL DEFAULT 0,
	input_bytes       BIGINT NOT NULL DEFAULT 0,
	output_bytes      BIGINT NOT NULL DEFAULT 0,
	recovered         BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS acct_sessions_active_key
	ON acct_sessions (nas_identifier, session_id) WHERE state = 'active';

CREATE TABLE IF NOT EXISTS pool_entries (
	pool       TEXT NOT NULL,
	address    INET NOT NULL,
	owner      TEXT NOT NULL DEFAULT '',
	leased_at  TIMESTAMPTZ,
	expires_at TIMESTAMPTZ,
	PRIMARY KEY (pool, address)
);

CREATE TABLE IF NOT EXISTS traffic_summaries (
	subject               TEXT NOT NULL,
	day                   DATE NOT NULL,
	session_count         BIGINT NOT NULL DEFAULT 0,
	total_input_bytes     BIGINT NOT NULL DEFAULT 0,
	total_output_bytes    BIGINT NOT NULL DEFAULT 0,
	total_session_seconds BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (subject, day)
);
`

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}
