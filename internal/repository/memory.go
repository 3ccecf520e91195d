package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"notes_core/internal/domain"
)

// MemoryChatRepository keeps chat history in process memory. It is used by
// single-node deployments without a database.
type MemoryChatRepository struct {
	mu       sync.RWMutex
	messages []*domain.ChatMessage
	now      func() time.Time
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{now: now}
}

func (r *MemoryChatRepository) Save(_ context.Context, msg *domain.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg.ID = ulid.Make().String()
	msg.CreatedAt = r.now()
	msg.Read = false
	msg.ReadAt = nil

	stored := *msg
	r.messages = append(r.messages, &stored)
	return nil
}

func (r *MemoryChatRepository) Conversation(_ context.Context, filter domain.ConversationFilter) ([]*domain.ChatMessage, error) {
	f := filter.Normalize()

	r.mu.RLock()
	var matched []*domain.ChatMessage
	for _, m := range r.messages {
		if !f.Involves(m) {
			continue
		}
		if f.Before != nil && f.Before.After(m) {
			continue
		}
		cp := *m
		matched = append(matched, &cp)
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if len(matched) > f.Limit {
		matched = matched[len(matched)-f.Limit:]
	}
	return matched, nil
}

func (r *MemoryChatRepository) MarkRead(_ context.Context, reader, other domain.UserID, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	at = at.UTC()
	var n int64
	for _, m := range r.messages {
		if m.SenderID == other && m.RecipientID == reader && !m.Read {
			m.Read = true
			readAt := at
			m.ReadAt = &readAt
			n++
		}
	}
	return n, nil
}

type MemoryNotificationRepository struct {
	mu            sync.RWMutex
	notifications []*domain.Notification
	now           func() time.Time
}

func NewMemoryNotificationRepository() *MemoryNotificationRepository {
	return &MemoryNotificationRepository{now: now}
}

func (r *MemoryNotificationRepository) Create(_ context.Context, n *domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n.ID = uuid.NewString()
	n.CreatedAt = r.now()
	n.Read = false

	stored := *n
	r.notifications = append(r.notifications, &stored)
	return nil
}

func (r *MemoryNotificationRepository) ListForUser(_ context.Context, user domain.UserID, limit int) ([]*domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Notification
	for i := len(r.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if n := r.notifications[i]; n.RecipientID == user {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryNotificationRepository) MarkRead(_ context.Context, user domain.UserID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notifications {
		if n.ID == id && n.RecipientID == user {
			n.Read = true
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryNotificationRepository) MarkAllRead(_ context.Context, user domain.UserID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var updated int64
	for _, n := range r.notifications {
		if n.RecipientID == user && !n.Read {
			n.Read = true
			updated++
		}
	}
	return updated, nil
}

func (r *MemoryNotificationRepository) UnreadCount(_ context.Context, user domain.UserID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var count int64
	for _, n := range r.notifications {
		if n.RecipientID == user && !n.Read {
			count++
		}
	}
	return count, nil
}
