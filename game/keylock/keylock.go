// Package keylock provides keyed FIFO mutual exclusion. Callers contending
// on the same key are admitted one at a time in arrival order; different
// keys never contend.
package keylock

import (
	"context"
	"strconv"
	"sync"
)

type slot struct {
	waiters []chan struct{}
}

// Locker serializes work per key.
type Locker struct {
	mu    sync.Mutex
	slots map[string]*slot // present while held
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{slots: make(map[string]*slot)}
}

// Lock blocks until key is held by the caller or ctx is done.
// The returned unlock func must be called exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, held := l.slots[key]
	if !held {
		l.slots[key] = &slot{}
		l.mu.Unlock()
		return l.releaser(key), nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return l.releaser(key), nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range s.waiters {
			if w == ch {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				l.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		l.mu.Unlock()
		// Ownership was handed over concurrently with cancellation.
		l.unlock(key)
		return nil, ctx.Err()
	}
}

// Do runs fn while holding key.
func (l *Locker) Do(ctx context.Context, key string, fn func() error) error {
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Held reports whether key is currently held. Intended for tests and metrics.
func (l *Locker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.slots[key]
	return ok
}

func (l *Locker) releaser(key string) func() {
	var once sync.Once
	return func() { once.Do(func() { l.unlock(key) }) }
}

// unlock hands the key to the oldest waiter, or frees it.
func (l *Locker) unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		return
	}
	if len(s.waiters) == 0 {
		delete(l.slots, key)
		return
	}
	next := s.waiters[0]
	s.waiters = s.waiters[1:]
	close(next)
}

// UserKey is the serialization key for a user's presence record.
func UserKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// PairKey is the serialization key for the ordered relation pair sender→receiver.
func PairKey(sender, receiver int64) string {
	return "pair:" + strconv.FormatInt(sender, 10) + ":" + strconv.FormatInt(receiver, 10)
}

// ChannelKey is the serialization key for a channel's membership set.
func ChannelKey(channelID int64) string {
	return "channel:" + strconv.FormatInt(channelID, 10)
}

// DMKey is the serialization key for the direct-message channel of an
// unordered user pair.
func DMKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}
