package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeEvents = "notes.events"
	ExchangePush   = "notes.push"
	QueuePush      = "notes.push.offline"
)

var ErrClosed = errors.New("broker: client closed")

// RabbitMQClient is the AMQP side of the cluster: a fanout exchange that
// every node subscribes to, and a durable push queue for offline delivery.
type RabbitMQClient struct {
	url string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

func NewRabbitMQClient(url string) (*RabbitMQClient, error) {
	c := &RabbitMQClient{url: url}
	if _, err := c.ensureChannel(); err != nil {
		return nil, err
	}
	return c, nil
}

// ensureChannel returns a usable channel, redialing if the previous
// connection was dropped.
func (c *RabbitMQClient) ensureChannel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed() {
		return c.channel, nil
	}
	if c.conn != nil {
		c.conn.Close()
	}

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// 1. Fanout exchange for cross-node dispatch
	err = ch.ExchangeDeclare(
		ExchangeEvents, // name
		"fanout",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare events exchange: %w", err)
	}

	// 2. Push exchange for messages whose recipient was offline
	err = ch.ExchangeDeclare(
		ExchangePush, // name
		"fanout",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare push exchange: %w", err)
	}

	c.conn = conn
	c.channel = ch
	return ch, nil
}

// Publish sends body to every node subscribed to the events exchange.
func (c *RabbitMQClient) Publish(ctx context.Context, body []byte) error {
	return c.publishRaw(ctx, ExchangeEvents, "", body)
}

// PublishPush queues body for the offline push worker.
func (c *RabbitMQClient) PublishPush(ctx context.Context, routingKey string, body interface{}) error {
	bytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}
	return c.publishRaw(ctx, ExchangePush, routingKey, bytes)
}

func (c *RabbitMQClient) publishRaw(ctx context.Context, exchange, routingKey string, body []byte) error {
	ch, err := c.ensureChannel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
}

// Subscribe creates a temporary exclusive queue bound to the events exchange
// and streams its message bodies until the subscription is lost or ctx is
// done.
func (c *RabbitMQClient) Subscribe(ctx context.Context) (<-chan []byte, error) {
	deliveries, err := c.ConsumeBroadcast()
	if err != nil {
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case out <- d.Body:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ConsumeBroadcast declares an exclusive auto-delete queue on the events
// exchange. Every node gets its own copy of each event.
func (c *RabbitMQClient) ConsumeBroadcast() (<-chan amqp.Delivery, error) {
	ch, err := c.ensureChannel()
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(
		"",    // name (empty = random auto-generated)
		false, // durable
		true,  // delete when unused
		true,  // exclusive (only this connection can read)
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare broadcast queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,         // queue name
		"",             // routing key (ignored by fanout)
		ExchangeEvents, // exchange
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind broadcast queue: %w", err)
	}

	return ch.Consume(
		q.Name, "", true, false, false, false, nil,
	)
}

// ConsumePushQueue consumes the durable offline push queue with manual acks.
func (c *RabbitMQClient) ConsumePushQueue() (<-chan amqp.Delivery, error) {
	ch, err := c.ensureChannel()
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(
		QueuePush, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare push queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,       // queue name
		"#",          // routing key
		ExchangePush, // exchange
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind push queue: %w", err)
	}

	return ch.Consume(
		q.Name, "", false, false, false, false, nil,
	)
}

func (c *RabbitMQClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
