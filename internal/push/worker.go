package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"notes_core/internal/domain"
)

const eventMessageUndelivered = "MESSAGE_UNDELIVERED"

var errUnknownEvent = errors.New("push: unknown event type")

type event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handler receives each offline chat message taken off the push queue.
type Handler interface {
	MessageUndelivered(ctx context.Context, msg *domain.ChatMessage) error
}

type Source interface {
	ConsumePushQueue() (<-chan amqp.Delivery, error)
}

const DefaultRetryInterval = 5 * time.Second

type Worker struct {
	source        Source
	handler       Handler
	retryInterval time.Duration
	logger        zerolog.Logger
}

type Option func(*Worker)

func WithRetryInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.retryInterval = d
		}
	}
}

func NewWorker(source Source, handler Handler, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		source:        source,
		handler:       handler,
		retryInterval: DefaultRetryInterval,
		logger:        logger.With().Str("component", "push_worker").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start consumes the push queue until ctx is done. A failed or lost
// consumer is started again after the retry interval.
func (w *Worker) Start(ctx context.Context) {
	for {
		if err := w.consume(ctx); err != nil {
			w.logger.Warn().Err(err).Dur("retry_in", w.retryInterval).Msg("push consumer unavailable")
		} else if ctx.Err() == nil {
			w.logger.Warn().Dur("retry_in", w.retryInterval).Msg("push queue closed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.retryInterval):
		}
	}
}

// consume drains one delivery channel. It returns nil when ctx is done or
// the channel closes.
func (w *Worker) consume(ctx context.Context) error {
	msgs, err := w.source.ConsumePushQueue()
	if err != nil {
		return fmt.Errorf("push: start consumer: %w", err)
	}
	w.logger.Info().Msg("push consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	msg, err := decode(d)
	if err != nil {
		w.logger.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("dropping undecodable push message")
		_ = d.Nack(false, false)
		return
	}

	if err := w.handler.MessageUndelivered(ctx, msg); err != nil {
		// Retry once, then give up.
		requeue := !d.Redelivered
		w.logger.Warn().Err(err).Str("message_id", msg.ID).Bool("requeue", requeue).
			Msg("offline follow-up failed")
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}

func decode(d amqp.Delivery) (*domain.ChatMessage, error) {
	var ev event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return nil, fmt.Errorf("push: decode event: %w", err)
	}
	if ev.Type != eventMessageUndelivered {
		return nil, fmt.Errorf("%w: %q", errUnknownEvent, ev.Type)
	}

	var msg domain.ChatMessage
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		return nil, fmt.Errorf("push: decode message: %w", err)
	}

	// The routing key names the recipient; fall back to it when the payload
	// lacks one.
	if !msg.RecipientID.Valid() {
		msg.RecipientID = domain.UserID(strings.TrimPrefix(d.RoutingKey, routingPrefix))
	}
	if !msg.RecipientID.Valid() || msg.ID == "" {
		return nil, errors.New("push: message without id or recipient")
	}
	return &msg, nil
}
