package repository

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id           TEXT PRIMARY KEY,
		sender_id    TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		text         TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		read         BOOLEAN NOT NULL DEFAULT FALSE,
		read_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_pair_idx
		ON chat_messages (sender_id, recipient_id, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id           TEXT PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		sender_id    TEXT NOT NULL,
		type         TEXT NOT NULL,
		reference    TEXT NOT NULL,
		content      TEXT NOT NULL DEFAULT '',
		read         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_recipient_idx
		ON notifications (recipient_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS active_sessions (
		conn_id      TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		node_id      TEXT NOT NULL,
		connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS active_sessions_user_idx ON active_sessions (user_id)`,
}

// EnsureSchema creates the tables used by the Postgres repositories.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
