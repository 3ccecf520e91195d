package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"notes_core/internal/domain"
)

var ErrNotFound = errors.New("not found")

type PostgresNotificationRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewNotificationRepository(db *sql.DB) *PostgresNotificationRepository {
	return &PostgresNotificationRepository{db: db, now: now}
}

func (r *PostgresNotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	id := uuid.NewString()
	createdAt := r.now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, sender_id, type, reference, content, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
	`, id, string(n.RecipientID), string(n.SenderID), string(n.Type), n.Reference, n.Content, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}

	n.ID = id
	n.CreatedAt = createdAt
	n.Read = false
	return nil
}

// ListForUser returns the user's notifications, newest first.
func (r *PostgresNotificationRepository) ListForUser(ctx context.Context, user domain.UserID, limit int) ([]*domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, recipient_id, sender_id, type, reference, content, read, created_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(user), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notifications: %w", err)
	}
	defer rows.Close()

	var out []*domain.Notification
	for rows.Next() {
		var (
			n         domain.Notification
			recipient string
			sender    string
			typ       string
		)
		if err := rows.Scan(&n.ID, &recipient, &sender, &typ, &n.Reference, &n.Content, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.RecipientID = domain.UserID(recipient)
		n.SenderID = domain.UserID(sender)
		n.Type = domain.NotificationType(typ)
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (r *PostgresNotificationRepository) MarkRead(ctx context.Context, user domain.UserID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE id = $1 AND recipient_id = $2
	`, id, string(user))
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresNotificationRepository) MarkAllRead(ctx context.Context, user domain.UserID) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE recipient_id = $1 AND read = FALSE
	`, string(user))
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresNotificationRepository) UnreadCount(ctx context.Context, user domain.UserID) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND read = FALSE
	`, string(user)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	return count, nil
}
