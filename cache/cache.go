// Package cache is the shared key-value layer behind login sessions,
// presence records, chat history and the notification bus. Redis backs it
// when cache.redis_addr is set; otherwise an in-process store is used, which
// only suits a single node.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/pongchat/server/cache/local"
	cacheredis "github.com/pongchat/server/cache/redis"
	"github.com/pongchat/server/config"
)

// Cache is the subset of Redis data types the server relies on.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error

	// HSet writes all fields in one step.
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	// ZRevRange lists members by descending score; stop -1 means the end.
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// PushCapped prepends value and keeps only the newest max entries.
	PushCapped(ctx context.Context, key, value string, max int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Message is a received pub/sub message.
type Message struct {
	Channel string
	Payload string
}

// PubSub carries notifications between nodes and to SSE streams.
type PubSub interface {
	Publish(ctx context.Context, channel, message string) error
	// Subscribe delivers messages of channels until the returned cancel func
	// is called, which also closes the message channel.
	Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error)
	Close() error
}

// CacheConfig is the cache section of the server configuration.
type CacheConfig = config.CacheConfig

// IsNotFound reports whether err is the missing-key error of either backend.
func IsNotFound(err error) bool {
	return errors.Is(err, local.ErrNotFound) || errors.Is(err, cacheredis.ErrNotFound)
}

func redisConfig(cfg CacheConfig) cacheredis.Config {
	return cacheredis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

// NewCache returns a Redis-backed Cache if RedisAddr is set, the in-process
// store otherwise.
func NewCache(cfg CacheConfig) (Cache, error) {
	if cfg.RedisAddr != "" {
		return cacheredis.NewStore(redisConfig(cfg))
	}
	return local.NewStore(cfg.LocalGCInterval), nil
}

// NewPubSub returns a Redis-backed PubSub if RedisAddr is set, the
// in-process bus otherwise.
func NewPubSub(cfg CacheConfig) (PubSub, error) {
	if cfg.RedisAddr != "" {
		bus, err := cacheredis.NewBus(redisConfig(cfg))
		if err != nil {
			return nil, err
		}
		return &bridge[*cacheredis.Message]{
			publish:   bus.Publish,
			subscribe: bus.Subscribe,
			close:     bus.Close,
			convert:   func(m *cacheredis.Message) *Message { return &Message{Channel: m.Channel, Payload: m.Payload} },
		}, nil
	}
	bus := local.NewBus(cfg.LocalPubSubBuf)
	return &bridge[*local.Message]{
		publish:   bus.Publish,
		subscribe: bus.Subscribe,
		close:     bus.Close,
		convert:   func(m *local.Message) *Message { return &Message{Channel: m.Channel, Payload: m.Payload} },
	}, nil
}

// bridge adapts a backend bus to PubSub, converting its message type.
type bridge[M any] struct {
	publish   func(ctx context.Context, channel, message string) error
	subscribe func(ctx context.Context, channels ...string) (<-chan M, func(), error)
	close     func() error
	convert   func(M) *Message
}

func (b *bridge[M]) Publish(ctx context.Context, channel, message string) error {
	return b.publish(ctx, channel, message)
}

func (b *bridge[M]) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	in, cancel, err := b.subscribe(ctx, channels...)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan *Message, cap(in))
	go func() {
		defer close(out)
		for m := range in {
			out <- b.convert(m)
		}
	}()
	return out, cancel, nil
}

func (b *bridge[M]) Close() error { return b.close() }
