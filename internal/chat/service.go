package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"notes_core/internal/dispatch"
	"notes_core/internal/domain"
	"notes_core/internal/metrics"
)

var (
	ErrInvalidMessage = errors.New("chat: invalid message")
	ErrPersistence    = errors.New("chat: message not persisted")
)

const MaxTextLength = 4000

// Store is the durable chat history.
type Store interface {
	Save(ctx context.Context, msg *domain.ChatMessage) error
	Conversation(ctx context.Context, filter domain.ConversationFilter) ([]*domain.ChatMessage, error)
	MarkRead(ctx context.Context, reader, other domain.UserID, at time.Time) (int64, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, user domain.UserID, event string, payload any) dispatch.Report
}

type PresenceChecker interface {
	IsUserOnline(ctx context.Context, user domain.UserID) (bool, error)
}

// OfflineHook is told about persisted messages whose recipient had no live
// connection at send time.
type OfflineHook interface {
	MessageUndelivered(ctx context.Context, msg *domain.ChatMessage) error
}

type Service struct {
	store      Store
	dispatcher Dispatcher
	presence   PresenceChecker
	offline    OfflineHook
	locks      *keyedMutex
	logger     zerolog.Logger
}

type Option func(*Service)

// WithOfflineHook enables offline follow-up for undelivered messages.
// presence decides who counts as offline.
func WithOfflineHook(presence PresenceChecker, hook OfflineHook) Option {
	return func(s *Service) {
		s.presence = presence
		s.offline = hook
	}
}

func NewService(store Store, dispatcher Dispatcher, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		dispatcher: dispatcher,
		locks:      newKeyedMutex(),
		logger:     logger.With().Str("component", "chat").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send persists a chat message and then delivers it to the recipient's live
// connections. The message is never delivered unless it was persisted first;
// a persistence failure is returned wrapped in ErrPersistence.
//
// Sends within one conversation are serialized, so sequential calls are
// stored and delivered in call order.
func (s *Service) Send(ctx context.Context, sender, recipient domain.UserID, text string) (*domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	switch {
	case !sender.Valid() || !recipient.Valid():
		metrics.ChatMessagesSent.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: sender and recipient are required", ErrInvalidMessage)
	case text == "":
		metrics.ChatMessagesSent.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: text is empty", ErrInvalidMessage)
	case utf8.RuneCountInString(text) > MaxTextLength:
		metrics.ChatMessagesSent.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: text exceeds %d characters", ErrInvalidMessage, MaxTextLength)
	}

	unlock := s.locks.Lock(conversationKey(sender, recipient))
	defer unlock()

	msg := &domain.ChatMessage{
		SenderID:    sender,
		RecipientID: recipient,
		Text:        text,
	}

	start := time.Now()
	err := s.store.Save(ctx, msg)
	metrics.PersistenceLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ChatMessagesSent.WithLabelValues("persist_failed").Inc()
		s.logger.Error().Err(err).Str("sender_id", sender.String()).Str("recipient_id", recipient.String()).
			Msg("failed to persist chat message")
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	metrics.ChatMessagesSent.WithLabelValues("persisted").Inc()

	report := s.dispatcher.Dispatch(ctx, recipient, domain.EventChatMessage, msg)
	s.logger.Debug().Str("message_id", msg.ID).Int("attempted", report.Attempted).
		Int("failed", report.Failed).Bool("forwarded", report.Forwarded).Msg("chat message dispatched")

	if s.offline != nil && report.Delivered() == 0 {
		s.followUpOffline(ctx, msg)
	}
	return msg, nil
}

func (s *Service) followUpOffline(ctx context.Context, msg *domain.ChatMessage) {
	online, err := s.presence.IsUserOnline(ctx, msg.RecipientID)
	if err != nil {
		s.logger.Warn().Err(err).Str("recipient_id", msg.RecipientID.String()).Msg("presence check failed")
		return
	}
	if online {
		return
	}
	if err := s.offline.MessageUndelivered(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("offline follow-up failed")
	}
}

// History returns the conversation between user and other in chronological
// order.
func (s *Service) History(ctx context.Context, user, other domain.UserID, limit int, before *domain.Cursor) ([]*domain.ChatMessage, error) {
	if !user.Valid() || !other.Valid() {
		return nil, fmt.Errorf("%w: both users are required", ErrInvalidMessage)
	}
	msgs, err := s.store.Conversation(ctx, domain.ConversationFilter{
		UserA:  user,
		UserB:  other,
		Limit:  limit,
		Before: before,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: load history: %w", err)
	}
	return msgs, nil
}

// MarkRead marks every message other sent to reader as read.
func (s *Service) MarkRead(ctx context.Context, reader, other domain.UserID) (int64, error) {
	if !reader.Valid() || !other.Valid() {
		return 0, fmt.Errorf("%w: both users are required", ErrInvalidMessage)
	}
	n, err := s.store.MarkRead(ctx, reader, other, time.Now())
	if err != nil {
		return 0, fmt.Errorf("chat: mark read: %w", err)
	}
	return n, nil
}

func conversationKey(a, b domain.UserID) string {
	if a > b {
		a, b = b, a
	}
	return string(a) + "\x00" + string(b)
}
