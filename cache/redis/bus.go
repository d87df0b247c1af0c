package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
)

// Message is one message received from a Redis channel.
type Message struct {
	Channel string
	Payload string
}

// Bus is pub/sub over Redis channels, shared by every node.
type Bus struct {
	client *goredis.Client
}

// NewBus connects to Redis and verifies the connection.
func NewBus(cfg Config) (*Bus, error) {
	client, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	return &Bus{client: client}, nil
}

func (b *Bus) Publish(ctx context.Context, channel, message string) error {
	return b.client.Publish(ctx, channel, message).Err()
}

// Subscribe waits for the subscription to be confirmed so no message
// published after it returns is missed.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	ps := b.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}
	out := make(chan *Message, 256)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			out <- &Message{Channel: msg.Channel, Payload: msg.Payload}
		}
	}()
	return out, func() { _ = ps.Close() }, nil
}

func (b *Bus) Close() error { return b.client.Close() }
