// Package hook lets plugins observe presence and relation changes and veto
// channel joins and DM opens.
package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrReject is returned by a handler of a before_* event to refuse the action.
var ErrReject = errors.New("hook: rejected")

// Handler reacts to one event. data is the event's payload type.
type Handler func(ctx context.Context, event string, data interface{}) error

// Rejection reports which hook refused an action. It matches ErrReject.
type Rejection struct {
	Event string
	Hook  string
	Err   error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("hook %s rejected %s: %v", r.Hook, r.Event, r.Err)
}

func (r *Rejection) Is(target error) bool { return target == ErrReject }

func (r *Rejection) Unwrap() error { return r.Err }

type registration struct {
	id       uint64
	name     string
	priority int
	fn       Handler
}

// Center holds the handlers of every event. A nil *Center runs nothing and
// rejects nothing.
type Center struct {
	mu     sync.RWMutex
	seq    uint64
	events map[string][]registration
	logger *zap.Logger
}

// New creates an empty Center.
func New(logger *zap.Logger) *Center {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Center{events: make(map[string][]registration), logger: logger}
}

// RegisterOption tunes one registration.
type RegisterOption func(*registration)

// Priority orders handlers of one event, lowest first. Equal priorities run
// in registration order. The default is 0.
func Priority(p int) RegisterOption {
	return func(r *registration) { r.priority = p }
}

// Register adds fn under name and returns a func removing exactly this
// registration.
func (hc *Center) Register(event, name string, fn Handler, opts ...RegisterOption) (unregister func()) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.seq++
	reg := registration{id: hc.seq, name: name, fn: fn}
	for _, o := range opts {
		o(&reg)
	}
	list := append(hc.events[event], reg)
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority < list[j].priority })
	hc.events[event] = list

	id := reg.id
	return func() { hc.remove(event, func(r registration) bool { return r.id == id }) }
}

// RemoveAll drops every handler registered under name.
func (hc *Center) RemoveAll(name string) {
	hc.mu.RLock()
	events := make([]string, 0, len(hc.events))
	for ev := range hc.events {
		events = append(events, ev)
	}
	hc.mu.RUnlock()
	for _, ev := range events {
		hc.remove(ev, func(r registration) bool { return r.name == name })
	}
}

func (hc *Center) remove(event string, match func(registration) bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	list := hc.events[event]
	kept := list[:0:0]
	for _, r := range list {
		if !match(r) {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(hc.events, event)
		return
	}
	hc.events[event] = kept
}

// Len reports how many handlers event has.
func (hc *Center) Len(event string) int {
	if hc == nil {
		return 0
	}
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return len(hc.events[event])
}

func (hc *Center) snapshot(event string) []registration {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return append([]registration(nil), hc.events[event]...)
}

func (hc *Center) call(ctx context.Context, event string, r registration, data interface{}) (err error) {
	defer func() {
		if p := recover(); p != nil {
			hc.logger.Error("hook panicked",
				zap.String("event", event), zap.String("hook", r.name), zap.Any("panic", p))
			err = fmt.Errorf("hook panicked: %v", p)
		}
	}()
	return r.fn(ctx, event, data)
}

// Veto runs the handlers of a before_* event in order. The first handler
// returning an error stops the chain and the action is refused with a
// *Rejection. A panicking handler refuses too.
func (hc *Center) Veto(ctx context.Context, event string, data interface{}) error {
	if hc == nil {
		return nil
	}
	for _, r := range hc.snapshot(event) {
		if err := hc.call(ctx, event, r, data); err != nil {
			return &Rejection{Event: event, Hook: r.name, Err: err}
		}
	}
	return nil
}

// Notify runs every handler of an on_* event. Errors are logged and do not
// stop later handlers.
func (hc *Center) Notify(ctx context.Context, event string, data interface{}) {
	if hc == nil {
		return
	}
	for _, r := range hc.snapshot(event) {
		if err := hc.call(ctx, event, r, data); err != nil {
			hc.logger.Warn("hook failed",
				zap.String("event", event), zap.String("hook", r.name), zap.Error(err))
		}
	}
}
