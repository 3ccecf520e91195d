package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"notes_core/internal/dispatch"
	"notes_core/internal/domain"
	"notes_core/internal/metrics"
)

var ErrInvalidNotification = errors.New("notify: invalid notification")

type Store interface {
	Create(ctx context.Context, n *domain.Notification) error
	ListForUser(ctx context.Context, user domain.UserID, limit int) ([]*domain.Notification, error)
	MarkRead(ctx context.Context, user domain.UserID, id string) error
	MarkAllRead(ctx context.Context, user domain.UserID) (int64, error)
	UnreadCount(ctx context.Context, user domain.UserID) (int64, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, user domain.UserID, event string, payload any) dispatch.Report
}

// Notifier produces the note events and stored notifications the rest of the
// platform asks for.
type Notifier struct {
	store      Store
	dispatcher Dispatcher
	logger     zerolog.Logger
}

func New(store Store, dispatcher Dispatcher, logger zerolog.Logger) *Notifier {
	return &Notifier{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "notifier").Logger(),
	}
}

// Create persists n and pushes it to the recipient as new_notification.
func (n *Notifier) Create(ctx context.Context, notification *domain.Notification) error {
	if !notification.RecipientID.Valid() || notification.Type == "" {
		return fmt.Errorf("%w: recipient and type are required", ErrInvalidNotification)
	}
	if err := n.store.Create(ctx, notification); err != nil {
		return fmt.Errorf("notify: persist notification: %w", err)
	}
	metrics.NotificationsCreated.WithLabelValues(string(notification.Type)).Inc()

	n.dispatcher.Dispatch(ctx, notification.RecipientID, domain.EventNewNotification, notification)
	return nil
}

// NoteShared tells recipient that sender shared noteID with them.
func (n *Notifier) NoteShared(ctx context.Context, sender, recipient domain.UserID, noteID string) (*domain.Notification, error) {
	if noteID == "" {
		return nil, fmt.Errorf("%w: note id is required", ErrInvalidNotification)
	}
	notification := &domain.Notification{
		RecipientID: recipient,
		SenderID:    sender,
		Type:        domain.NotificationNoteShared,
		Reference:   noteID,
	}
	if err := n.Create(ctx, notification); err != nil {
		return nil, err
	}

	n.dispatcher.Dispatch(ctx, recipient, domain.EventNoteShared, domain.NotePayload{NoteID: noteID})
	return notification, nil
}

// NoteDeleted tells every distinct recipient that noteID is gone. Nothing is
// stored. It returns the number of recipients notified.
func (n *Notifier) NoteDeleted(ctx context.Context, noteID string, recipients []domain.UserID) (int, error) {
	if noteID == "" {
		return 0, fmt.Errorf("%w: note id is required", ErrInvalidNotification)
	}

	seen := make(map[domain.UserID]struct{}, len(recipients))
	payload := domain.NotePayload{NoteID: noteID}
	for _, user := range recipients {
		if !user.Valid() {
			continue
		}
		if _, ok := seen[user]; ok {
			continue
		}
		seen[user] = struct{}{}
		n.dispatcher.Dispatch(ctx, user, domain.EventNoteDeleted, payload)
	}
	return len(seen), nil
}

// MessageUndelivered stores a new_message notification for a chat message
// whose recipient was offline when it was sent.
func (n *Notifier) MessageUndelivered(ctx context.Context, msg *domain.ChatMessage) error {
	err := n.Create(ctx, &domain.Notification{
		RecipientID: msg.RecipientID,
		SenderID:    msg.SenderID,
		Type:        domain.NotificationNewMessage,
		Reference:   msg.ID,
		Content:     preview(msg.Text),
	})
	if err != nil {
		return err
	}
	n.logger.Debug().Str("message_id", msg.ID).Str("recipient_id", msg.RecipientID.String()).
		Msg("offline message notification stored")
	return nil
}

func (n *Notifier) List(ctx context.Context, user domain.UserID, limit int) ([]*domain.Notification, int64, error) {
	list, err := n.store.ListForUser(ctx, user, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("notify: list: %w", err)
	}
	unread, err := n.store.UnreadCount(ctx, user)
	if err != nil {
		return nil, 0, fmt.Errorf("notify: unread count: %w", err)
	}
	return list, unread, nil
}

func (n *Notifier) MarkRead(ctx context.Context, user domain.UserID, id string) error {
	return n.store.MarkRead(ctx, user, id)
}

// MarkAllRead clears every unread notification of user and returns how many
// changed.
func (n *Notifier) MarkAllRead(ctx context.Context, user domain.UserID) (int64, error) {
	if !user.Valid() {
		return 0, fmt.Errorf("%w: user is required", ErrInvalidNotification)
	}
	updated, err := n.store.MarkAllRead(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("notify: mark all read: %w", err)
	}
	return updated, nil
}

const previewLength = 100

func preview(text string) string {
	r := []rune(text)
	if len(r) <= previewLength {
		return text
	}
	return string(r[:previewLength]) + "..."
}
