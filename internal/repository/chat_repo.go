package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"notes_core/internal/domain"
)

// now is the timestamp source for persisted rows. Postgres keeps
// microseconds, so memory and SQL stores truncate alike.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

type PostgresChatRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewChatRepository(db *sql.DB) *PostgresChatRepository {
	return &PostgresChatRepository{db: db, now: now}
}

// Save inserts msg, assigning its ID and creation timestamp.
func (r *PostgresChatRepository) Save(ctx context.Context, msg *domain.ChatMessage) error {
	id := ulid.Make().String()
	createdAt := r.now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, sender_id, recipient_id, text, created_at, read)
		VALUES ($1, $2, $3, $4, $5, FALSE)
	`, id, string(msg.SenderID), string(msg.RecipientID), msg.Text, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	msg.ID = id
	msg.CreatedAt = createdAt
	msg.Read = false
	msg.ReadAt = nil
	return nil
}

// Conversation returns the newest messages of a conversation in
// chronological order.
func (r *PostgresChatRepository) Conversation(ctx context.Context, filter domain.ConversationFilter) ([]*domain.ChatMessage, error) {
	f := filter.Normalize()

	var rows *sql.Rows
	var err error

	if f.Before == nil {
		query := `
			SELECT id, sender_id, recipient_id, text, created_at, read, read_at
			FROM chat_messages
			WHERE (sender_id = $1 AND recipient_id = $2)
			   OR (sender_id = $2 AND recipient_id = $1)
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		`
		rows, err = r.db.QueryContext(ctx, query, string(f.UserA), string(f.UserB), f.Limit)
	} else {
		query := `
			SELECT id, sender_id, recipient_id, text, created_at, read, read_at
			FROM chat_messages
			WHERE ((sender_id = $1 AND recipient_id = $2)
			    OR (sender_id = $2 AND recipient_id = $1))
			  AND (created_at, id) < ($3, $4)
			ORDER BY created_at DESC, id DESC
			LIMIT $5
		`
		rows, err = r.db.QueryContext(ctx, query, string(f.UserA), string(f.UserB),
			f.Before.CreatedAt.UTC(), f.Before.ID, f.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.ChatMessage
	for rows.Next() {
		var (
			msg       domain.ChatMessage
			sender    string
			recipient string
			readAt    sql.NullTime
		)
		if err := rows.Scan(&msg.ID, &sender, &recipient, &msg.Text, &msg.CreatedAt, &msg.Read, &readAt); err != nil {
			return nil, err
		}
		msg.SenderID = domain.UserID(sender)
		msg.RecipientID = domain.UserID(recipient)
		if readAt.Valid {
			t := readAt.Time
			msg.ReadAt = &t
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Fetched newest first; reverse to chronological.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkRead flags every unread message sent by other to reader as read.
func (r *PostgresChatRepository) MarkRead(ctx context.Context, reader, other domain.UserID, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE chat_messages
		SET read = TRUE, read_at = $3
		WHERE sender_id = $2 AND recipient_id = $1 AND read = FALSE
	`, string(reader), string(other), at.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return res.RowsAffected()
}
