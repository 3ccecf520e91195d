package presence

import (
	"context"
	"database/sql"
	"fmt"

	"notes_core/internal/domain"
)

// Repository mirrors live sessions into shared storage so that every node
// can answer "is this user online anywhere".
type Repository interface {
	AddSession(ctx context.Context, user domain.UserID, connID, nodeID string) error
	RemoveSession(ctx context.Context, connID string) error
	IsUserOnline(ctx context.Context, user domain.UserID) (bool, error)
	PurgeNode(ctx context.Context, nodeID string) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

func (r *PostgresRepository) AddSession(ctx context.Context, user domain.UserID, connID, nodeID string) error {
	query := `
		INSERT INTO active_sessions (conn_id, user_id, node_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (conn_id) DO UPDATE
		SET user_id = $2, node_id = $3, connected_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, connID, string(user), nodeID)
	if err != nil {
		return fmt.Errorf("failed to add session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemoveSession(ctx context.Context, connID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE conn_id = $1`, connID)
	if err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) IsUserOnline(ctx context.Context, user domain.UserID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM active_sessions WHERE user_id = $1)`
	var exists bool
	err := r.db.QueryRowContext(ctx, query, string(user)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check if user is online: %w", err)
	}
	return exists, nil
}

// PurgeNode drops every session recorded for nodeID. A node calls it on
// startup since its in-memory registry does not survive a restart.
func (r *PostgresRepository) PurgeNode(ctx context.Context, nodeID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("failed to purge node sessions: %w", err)
	}
	return nil
}
