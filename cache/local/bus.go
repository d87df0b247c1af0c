package local

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by a Bus after Close.
var ErrClosed = errors.New("pubsub: closed")

// Message is one published message.
type Message struct {
	Channel string
	Payload string
}

type subscription struct {
	ch chan *Message
}

// Bus is an in-process fan-out pub/sub. A subscriber whose buffer is full
// misses the message.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buf    int
	closed bool
}

// NewBus creates a Bus with the given per-subscriber buffer (256 when zero).
func NewBus(buf int) *Bus {
	if buf <= 0 {
		buf = 256
	}
	return &Bus{subs: make(map[string]map[*subscription]struct{}), buf: buf}
}

// Publish delivers message to the current subscribers of channel.
func (b *Bus) Publish(_ context.Context, channel, message string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	msg := &Message{Channel: channel, Payload: message}
	for sub := range b.subs[channel] {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe listens on channels. The returned func unsubscribes and closes
// the message channel; it is safe to call more than once.
func (b *Bus) Subscribe(_ context.Context, channels ...string) (<-chan *Message, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrClosed
	}
	sub := &subscription{ch: make(chan *Message, b.buf)}
	for _, c := range channels {
		if b.subs[c] == nil {
			b.subs[c] = make(map[*subscription]struct{})
		}
		b.subs[c][sub] = struct{}{}
	}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, c := range channels {
				delete(b.subs[c], sub)
				if len(b.subs[c]) == 0 {
					delete(b.subs, c)
				}
			}
			if !b.closed {
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel, nil
}

// Close ends every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	seen := map[*subscription]bool{}
	for _, set := range b.subs {
		for sub := range set {
			if !seen[sub] {
				seen[sub] = true
				close(sub.ch)
			}
		}
	}
	b.subs = nil
	return nil
}
