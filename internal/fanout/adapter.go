package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"notes_core/internal/dispatch"
	"notes_core/internal/domain"
	"notes_core/internal/metrics"
)

// Backplane relays opaque messages between every node of the cluster.
type Backplane interface {
	Publish(ctx context.Context, body []byte) error
	// Subscribe returns a channel of messages published by any node. The
	// channel is closed when the subscription is lost or ctx is done.
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// LocalDeliverer performs the node-local half of a dispatch.
type LocalDeliverer interface {
	DeliverLocal(user domain.UserID, event string, raw json.RawMessage) dispatch.Report
}

// envelope is the wire format on the backplane.
type envelope struct {
	Origin string               `json:"origin"`
	Event  domain.DispatchEvent `json:"event"`
}

const (
	DefaultPublishTimeout = 2 * time.Second
	DefaultRetryInterval  = 5 * time.Second
)

type Adapter struct {
	backplane      Backplane
	nodeID         string
	publishTimeout time.Duration
	retryInterval  time.Duration
	logger         zerolog.Logger
}

type Option func(*Adapter)

func WithPublishTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.publishTimeout = d
		}
	}
}

func WithRetryInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.retryInterval = d
		}
	}
}

func NewAdapter(backplane Backplane, nodeID string, logger zerolog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		backplane:      backplane,
		nodeID:         nodeID,
		publishTimeout: DefaultPublishTimeout,
		retryInterval:  DefaultRetryInterval,
		logger:         logger.With().Str("component", "fanout").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ dispatch.Fanout = (*Adapter)(nil)

// Publish sends event to every other node. Errors are returned so the
// dispatcher can log them; they never reach the triggering request.
func (a *Adapter) Publish(ctx context.Context, event domain.DispatchEvent) error {
	body, err := json.Marshal(envelope{Origin: a.nodeID, Event: event})
	if err != nil {
		return fmt.Errorf("fanout: marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.publishTimeout)
	defer cancel()

	if err := a.backplane.Publish(ctx, body); err != nil {
		metrics.BackplanePublishes.WithLabelValues("failed").Inc()
		return fmt.Errorf("fanout: publish: %w", err)
	}
	metrics.BackplanePublishes.WithLabelValues("ok").Inc()
	return nil
}

// Run consumes the backplane until ctx is done, delivering remote-origin
// events to local connections. A lost subscription is retried.
func (a *Adapter) Run(ctx context.Context, local LocalDeliverer) {
	for {
		msgs, err := a.backplane.Subscribe(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Dur("retry_in", a.retryInterval).Msg("backplane subscribe failed")
		} else {
			a.logger.Info().Msg("backplane subscription active")
			a.consume(ctx, msgs, local)
			if ctx.Err() == nil {
				a.logger.Warn().Dur("retry_in", a.retryInterval).Msg("backplane subscription lost")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.retryInterval):
		}
	}
}

func (a *Adapter) consume(ctx context.Context, msgs <-chan []byte, local LocalDeliverer) {
	for {
		select {
		case <-ctx.Done():
			return
		case body, ok := <-msgs:
			if !ok {
				return
			}
			if err := a.handle(body, local); err != nil {
				a.logger.Warn().Err(err).Msg("dropping backplane message")
			}
		}
	}
}

var errMalformed = errors.New("malformed envelope")

func (a *Adapter) handle(body []byte, local LocalDeliverer) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if !env.Event.UserID.Valid() || env.Event.Event == "" {
		return errMalformed
	}
	// This node already delivered its own dispatches before publishing.
	if env.Origin == a.nodeID {
		return nil
	}
	metrics.BackplaneReceived.Inc()
	local.DeliverLocal(env.Event.UserID, env.Event.Event, env.Event.Payload)
	return nil
}
