// Package local is the in-process cache backend.
package local

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("cache: key not found")

type str struct {
	value    string
	expireAt time.Time // zero: no expiry
}

func (s str) expired(now time.Time) bool {
	return !s.expireAt.IsZero() && now.After(s.expireAt)
}

// Store keeps every data type in plain maps under one mutex. Expired
// strings are dropped lazily and by a periodic sweep.
type Store struct {
	mu      sync.Mutex
	strings map[string]str
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	lists   map[string][]string

	stop     chan struct{}
	stopOnce sync.Once
}

// NewStore creates a Store sweeping expired keys every gcInterval
// (30s when zero).
func NewStore(gcInterval time.Duration) *Store {
	if gcInterval <= 0 {
		gcInterval = 30 * time.Second
	}
	s := &Store{
		strings: make(map[string]str),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		lists:   make(map[string][]string),
		stop:    make(chan struct{}),
	}
	go s.sweepLoop(gcInterval)
	return s
}

func (s *Store) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.mu.Lock()
			for k, v := range s.strings {
				if v.expired(now) {
					delete(s.strings, k)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close stops the sweep goroutine.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.strings[key]
	if !ok || v.expired(time.Now()) {
		delete(s.strings, key)
		return "", ErrNotFound
	}
	return v.value, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	v := str{value: value}
	if ttl > 0 {
		v.expireAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.strings[key] = v
	s.mu.Unlock()
	return nil
}

// Exists reports whether key holds a live value of any type.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.strings[key]; ok {
		if v.expired(time.Now()) {
			delete(s.strings, key)
			return false, nil
		}
		return true, nil
	}
	return len(s.hashes[key]) > 0 || len(s.sets[key]) > 0 ||
		len(s.zsets[key]) > 0 || len(s.lists[key]) > 0, nil
}

// Del removes keys of every type.
func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.strings, k)
		delete(s.hashes, k)
		delete(s.sets, k)
		delete(s.zsets, k)
		delete(s.lists, k)
	}
	return nil
}

func (s *Store) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hashes[key]
	if h == nil {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	if set == nil {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *Store) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	if z == nil {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *Store) ZRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	for _, m := range members {
		delete(z, m)
	}
	if len(z) == 0 {
		delete(s.zsets, key)
	}
	return nil
}

// ZRevRange orders by score descending, ties by member descending as Redis
// does.
func (s *Store) ZRevRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	z := s.zsets[key]
	members := make([]string, 0, len(z))
	for m := range z {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if z[members[i]] != z[members[j]] {
			return z[members[i]] > z[members[j]]
		}
		return members[i] > members[j]
	})
	s.mu.Unlock()
	lo, hi, ok := window(int64(len(members)), start, stop)
	if !ok {
		return nil, nil
	}
	return members[lo:hi], nil
}

func (s *Store) PushCapped(_ context.Context, key, value string, max int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := append([]string{value}, s.lists[key]...)
	if max > 0 && int64(len(l)) > max {
		l = l[:max]
	}
	s.lists[key] = l
	return nil
}

func (s *Store) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	lo, hi, ok := window(int64(len(l)), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([]string, hi-lo)
	copy(out, l[lo:hi])
	return out, nil
}

// window resolves Redis-style inclusive, possibly negative, start/stop
// indexes over n items into a half-open slice range.
func window(n, start, stop int64) (lo, hi int64, ok bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}
