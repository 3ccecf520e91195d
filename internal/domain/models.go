package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// UserID is the opaque identifier of an account, as issued by the user store.
type UserID string

// Valid reports whether the identifier is usable as a registry key.
func (u UserID) Valid() bool {
	return strings.TrimSpace(string(u)) != ""
}

func (u UserID) String() string {
	return string(u)
}

type ChatMessage struct {
	ID          string     `json:"id"`
	SenderID    UserID     `json:"sender_id"`
	RecipientID UserID     `json:"recipient_id"`
	Text        string     `json:"text"`
	CreatedAt   time.Time  `json:"created_at"`
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// ConversationFilter selects the messages exchanged between two users, in
// both directions.
type ConversationFilter struct {
	UserA  UserID
	UserB  UserID
	Limit  int
	Before *Cursor
}

// Cursor marks a position in a conversation. Messages sort by creation time
// and then by id, so a page boundary inside one timestamp loses nothing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// After reports whether msg sorts at or after the cursor.
func (c Cursor) After(msg *ChatMessage) bool {
	if !msg.CreatedAt.Equal(c.CreatedAt) {
		return msg.CreatedAt.After(c.CreatedAt)
	}
	return msg.ID >= c.ID
}

const (
	DefaultHistoryLimit = 200
	MaxHistoryLimit     = 1000
)

// Normalize clamps the limit into the accepted range.
func (f ConversationFilter) Normalize() ConversationFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultHistoryLimit
	}
	if f.Limit > MaxHistoryLimit {
		f.Limit = MaxHistoryLimit
	}
	return f
}

// Involves reports whether msg belongs to the filtered conversation.
func (f ConversationFilter) Involves(msg *ChatMessage) bool {
	return (msg.SenderID == f.UserA && msg.RecipientID == f.UserB) ||
		(msg.SenderID == f.UserB && msg.RecipientID == f.UserA)
}

// DispatchEvent is a named event targeted at every live connection of one user.
type DispatchEvent struct {
	UserID  UserID          `json:"user_id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type NotificationType string

const (
	NotificationNoteShared NotificationType = "note_shared"
	NotificationNewMessage NotificationType = "new_message"
)

type Notification struct {
	ID          string           `json:"id"`
	RecipientID UserID           `json:"recipient_id"`
	SenderID    UserID           `json:"sender_id"`
	Type        NotificationType `json:"type"`
	Reference   string           `json:"reference"`
	Content     string           `json:"content,omitempty"`
	Read        bool             `json:"read"`
	CreatedAt   time.Time        `json:"created_at"`
}

// NotePayload is the body of note-shared and note-deleted events.
type NotePayload struct {
	NoteID string `json:"noteId"`
}

const (
	EventChatMessage     = "chat-message"
	EventNoteShared      = "note-shared"
	EventNoteDeleted     = "note-deleted"
	EventNewNotification = "new_notification"
)
