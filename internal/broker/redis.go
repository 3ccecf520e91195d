package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const RedisEventsChannel = "notes:events"

// RedisBackplane relays dispatches through Redis PUBLISH/SUBSCRIBE.
type RedisBackplane struct {
	client  *redis.Client
	channel string
}

// NewRedisBackplane connects to redisURL and verifies the connection.
func NewRedisBackplane(ctx context.Context, redisURL string) (*RedisBackplane, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewRedisBackplaneFromClient(client), nil
}

func NewRedisBackplaneFromClient(client *redis.Client) *RedisBackplane {
	return &RedisBackplane{client: client, channel: RedisEventsChannel}
}

func (b *RedisBackplane) Publish(ctx context.Context, body []byte) error {
	return b.client.Publish(ctx, b.channel, body).Err()
}

// Subscribe streams message payloads until ctx is done. go-redis reconnects
// the underlying pubsub connection on its own.
func (b *RedisBackplane) Subscribe(ctx context.Context) (<-chan []byte, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so errors surface here.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe: %w", err)
	}

	msgs := pubsub.Channel()
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBackplane) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackplane) Close() error {
	return b.client.Close()
}
