package push

import (
	"context"
	"encoding/json"
	"fmt"

	"notes_core/internal/domain"
)

const routingPrefix = "user."

type Publisher interface {
	PublishPush(ctx context.Context, routingKey string, body interface{}) error
}

// Enqueuer hands offline chat messages to the push queue so that a worker on
// any node can follow up on them.
type Enqueuer struct {
	publisher Publisher
}

func NewEnqueuer(publisher Publisher) *Enqueuer {
	return &Enqueuer{publisher: publisher}
}

func (e *Enqueuer) MessageUndelivered(ctx context.Context, msg *domain.ChatMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("push: encode message: %w", err)
	}
	ev := event{Type: eventMessageUndelivered, Payload: payload}
	if err := e.publisher.PublishPush(ctx, routingPrefix+msg.RecipientID.String(), ev); err != nil {
		return fmt.Errorf("push: enqueue: %w", err)
	}
	return nil
}
