package dispatch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"notes_core/internal/domain"
	"notes_core/internal/metrics"
	"notes_core/internal/presence"
)

// Fanout forwards a dispatch to the other nodes of the cluster.
type Fanout interface {
	Publish(ctx context.Context, event domain.DispatchEvent) error
}

// Report describes what a dispatch attempted. It is informational only:
// delivery is fire-and-forget.
type Report struct {
	Attempted int
	Failed    int
	Forwarded bool
}

// Delivered returns the number of local connections that accepted the event.
func (r Report) Delivered() int {
	return r.Attempted - r.Failed
}

type Dispatcher struct {
	registry *presence.Registry
	fanout   Fanout
	logger   zerolog.Logger
}

// New creates a dispatcher over registry. fanout may be nil for single-node
// deployments.
func New(registry *presence.Registry, fanout Fanout, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		fanout:   fanout,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch delivers event to every live connection of user on this node and,
// when a fanout is configured, to the user's connections on other nodes.
// Offline users are a silent no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, user domain.UserID, event string, payload any) Report {
	raw, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error().Err(err).Str("event", event).Str("user_id", user.String()).Msg("failed to marshal payload")
		return Report{}
	}

	report := d.DeliverLocal(user, event, raw)

	if d.fanout != nil {
		err := d.fanout.Publish(ctx, domain.DispatchEvent{UserID: user, Event: event, Payload: raw})
		if err != nil {
			d.logger.Warn().Err(err).Str("event", event).Str("user_id", user.String()).
				Msg("backplane publish failed, local delivery only")
		} else {
			report.Forwarded = true
		}
	}
	return report
}

// DeliverLocal performs the local half of a dispatch against this node's
// registry. A failed connection never prevents delivery to the others.
func (d *Dispatcher) DeliverLocal(user domain.UserID, event string, raw json.RawMessage) Report {
	conns := d.registry.Connections(user)
	if len(conns) == 0 {
		metrics.DispatchesDropped.WithLabelValues(event).Inc()
		return Report{}
	}

	var report Report
	for _, conn := range conns {
		report.Attempted++
		if err := conn.Send(event, raw); err != nil {
			report.Failed++
			metrics.DeliveryAttempts.WithLabelValues(event, "failed").Inc()
			d.logger.Debug().Err(err).Str("event", event).Str("user_id", user.String()).
				Str("conn_id", conn.ID()).Msg("delivery failed")
			continue
		}
		metrics.DeliveryAttempts.WithLabelValues(event, "ok").Inc()
	}
	return report
}
