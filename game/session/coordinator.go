// Package session drives each connected user's presence state machine.
//
// Every operation follows the same discipline: take the user's keylock,
// check the transition table, mutate the registry and the collaborating
// stores, release the lock, then notify. Notifications are queued on an
// outbox while the lock is held and flushed after it is released.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/audit"
	"github.com/pongchat/server/cache"
	"github.com/pongchat/server/config"
	"github.com/pongchat/server/game/channel"
	"github.com/pongchat/server/game/event"
	"github.com/pongchat/server/game/keylock"
	"github.com/pongchat/server/game/match"
	"github.com/pongchat/server/game/notify"
	"github.com/pongchat/server/game/player"
	"github.com/pongchat/server/game/presence"
	"github.com/pongchat/server/game/relation"
	"github.com/pongchat/server/game/users"
	"github.com/pongchat/server/model"
	"github.com/pongchat/server/plugin/hook"
	"go.uber.org/zap"
)

// transitions lists, per inbound event, the states it may be issued from.
// Events without a row are not presence transitions.
var transitions = map[event.Inbound][]presence.State{
	event.JoinChannel:        {presence.Idle, presence.Profile},
	event.LeaveChannel:       {presence.InChat},
	event.CloseChannel:       {presence.InChat},
	event.CloseChannelWindow: {presence.InChat},
	event.SendMessage:        {presence.InChat},
	event.EnterMatching:      {presence.Idle, presence.Profile},
	event.CancelMatching:     {presence.Matching},
	event.ExitGame:           {presence.InGame},
	event.EnterDM:            {presence.Idle, presence.Profile, presence.InChat, presence.Matching},
}

// Allowed reports whether ev may be issued from state s.
func Allowed(ev event.Inbound, s presence.State) bool {
	for _, st := range transitions[ev] {
		if st == s {
			return true
		}
	}
	return false
}

func guard(rec *presence.Record, ev event.Inbound) error {
	if rec == nil {
		return apperr.ErrInvalidTransition.With("not connected")
	}
	if !Allowed(ev, rec.State) {
		return apperr.ErrInvalidTransition.With(fmt.Sprintf("%s is not available while %s", ev, rec.State))
	}
	return nil
}

// Deps are the collaborators of a Coordinator. Sessions, Audit and Hooks
// are optional.
type Deps struct {
	Presence  *presence.Registry
	Channels  *channel.Manager
	Relations *relation.Engine
	Matches   *match.Matchmaker
	Users     *users.Directory
	Notify    *notify.Dispatcher
	Sessions  *player.SessionManager
	Locks     *keylock.Locker
	Cache     cache.Cache
	Audit     *audit.Service
	Hooks     *hook.Center
	Social    config.SocialConfig
	Logger    *zap.Logger
}

// Coordinator owns the presence state machine.
type Coordinator struct {
	presence  *presence.Registry
	channels  *channel.Manager
	relations *relation.Engine
	matches   *match.Matchmaker
	users     *users.Directory
	notify    *notify.Dispatcher
	sessions  *player.SessionManager
	locks     *keylock.Locker
	cache     cache.Cache
	audit     *audit.Service
	hooks     *hook.Center
	social    config.SocialConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(d Deps) *Coordinator {
	return &Coordinator{
		presence:  d.Presence,
		channels:  d.Channels,
		relations: d.Relations,
		matches:   d.Matches,
		users:     d.Users,
		notify:    d.Notify,
		sessions:  d.Sessions,
		locks:     d.Locks,
		cache:     d.Cache,
		audit:     d.Audit,
		hooks:     d.Hooks,
		social:    d.Social,
		logger:    d.Logger,
		now:       time.Now,
	}
}

// outbox collects side effects that must run after the user lock is
// released.
type outbox struct {
	fns []func()
}

func (o *outbox) add(fn func()) { o.fns = append(o.fns, fn) }

func (o *outbox) flush() {
	for _, fn := range o.fns {
		fn()
	}
	o.fns = nil
}

// lockUser serializes presence mutations of one user. The wait is bounded by
// social.lock_timeout.
func (c *Coordinator) lockUser(ctx context.Context, userID int64) (func(), error) {
	lctx := ctx
	if c.social.LockTimeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, c.social.LockTimeout)
		defer cancel()
	}
	unlock, err := c.locks.Lock(lctx, keylock.UserKey(userID))
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return unlock, nil
}

// displayStatus maps a presence state to the status stored on the user.
func displayStatus(rec *presence.Record) string {
	switch {
	case rec == nil:
		return model.UserStatusOffline
	case rec.State == presence.InGame:
		return model.UserStatusInGame
	default:
		return model.UserStatusOnline
	}
}

// commit stores next and keeps the user's display status in step.
func (c *Coordinator) commit(ctx context.Context, prev *presence.Record, next presence.Record) error {
	if err := c.presence.Put(ctx, next); err != nil {
		return err
	}
	if displayStatus(prev) != displayStatus(&next) {
		if err := c.users.SetStatus(ctx, next.UserID, displayStatus(&next)); err != nil {
			return err
		}
	}
	return nil
}

// restore puts prev back after a failed multi-step transition.
func (c *Coordinator) restore(ctx context.Context, current *presence.Record, prev presence.Record) {
	if err := c.commit(ctx, current, prev); err != nil {
		c.logger.Error("restore presence failed",
			zap.Int64("user_id", prev.UserID),
			zap.String("state", string(prev.State)),
			zap.Error(err))
	}
}

// changed notifies followers and hooks about a committed transition.
func (c *Coordinator) changed(ctx context.Context, userID int64, from, to *presence.Record) {
	fs, ts := stateOf(from), stateOf(to)
	if fs == ts && channelOf(from) == channelOf(to) {
		return
	}
	c.logger.Debug("presence changed",
		zap.Int64("user_id", userID),
		zap.String("from", string(fs)),
		zap.String("to", string(ts)),
		zap.Int64("channel_id", channelOf(to)))
	c.notify.StatusChanged(ctx, userID, string(ts))
	c.hooks.Notify(ctx, hook.OnPresenceChange, hook.PresenceChange{
		UserID: userID, From: string(fs), To: string(ts), ChannelID: channelOf(to),
	})
}

func stateOf(rec *presence.Record) presence.State {
	if rec == nil {
		return presence.Offline
	}
	return rec.State
}

func channelOf(rec *presence.Record) int64 {
	if rec == nil {
		return 0
	}
	return rec.ChannelID
}

// observe logs a rejected operation at the level its kind calls for and
// audits Forbidden attempts.
func (c *Coordinator) observe(ctx context.Context, op event.Inbound, userID, channelID int64, err error) error {
	if err == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("op", op.String()),
		zap.Int64("user_id", userID),
		zap.Int64("channel_id", channelID),
		zap.String("trace_id", audit.TraceIDFrom(ctx)),
		zap.Error(err),
	}
	switch apperr.KindOf(err) {
	case apperr.KindInvalidTransition:
		c.logger.Info("transition rejected", fields...)
	case apperr.KindForbidden:
		c.logger.Warn("forbidden request", fields...)
		entry := audit.Entry{
			TraceID: audit.TraceIDFrom(ctx),
			ActorID: audit.Int64(userID),
			Action:  audit.ActionForbidden,
			Request: map[string]interface{}{"op": op.String(), "channel_id": channelID},
			Error:   apperr.CodeOf(err),
		}
		if channelID != 0 {
			entry.ChannelID = audit.Int64(channelID)
		}
		c.audit.Log(entry)
	case apperr.KindUnavailable:
		c.logger.Error("request failed", fields...)
	default:
		c.logger.Debug("request rejected", fields...)
	}
	return err
}

// Presence returns the user's current record, nil when offline.
func (c *Coordinator) Presence(ctx context.Context, userID int64) (*presence.Record, error) {
	return c.presence.Get(ctx, userID)
}

// Connect registers a connection of userID. The first connection creates the
// presence record in PROFILE; later ones leave it untouched.
func (c *Coordinator) Connect(ctx context.Context, userID int64) error {
	out := &outbox{}
	defer out.flush()
	unlock, err := c.lockUser(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := c.presence.Get(ctx, userID)
	if err != nil {
		return err
	}
	if rec != nil {
		return nil
	}
	next := presence.Record{UserID: userID, State: presence.Profile}
	if err := c.commit(ctx, nil, next); err != nil {
		return err
	}
	c.logger.Info("user online", zap.Int64("user_id", userID))
	out.add(func() { c.changed(ctx, userID, nil, &next) })
	return nil
}

// Disconnect tears down userID's presence once no connection remains:
// a queued match is cancelled, a running game is ended, the channel window
// is dropped and the record removed.
func (c *Coordinator) Disconnect(ctx context.Context, userID int64) error {
	out := &outbox{}
	defer out.flush()
	unlock, err := c.lockUser(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	if c.sessions != nil && c.sessions.IsOnline(userID) {
		return nil
	}
	rec, err := c.presence.Get(ctx, userID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	switch rec.State {
	case presence.Matching:
		// false means a pairing is in flight; matchFound sees the missing
		// record and aborts the game.
		c.matches.Cancel(userID)
	case presence.InGame:
		g, err := c.matches.Finalize(ctx, rec.GameID, userID)
		if err != nil {
			c.logger.Error("finalize game on disconnect",
				zap.Int64("user_id", userID), zap.Int64("game_id", rec.GameID), zap.Error(err))
			break
		}
		opponent := g.LeftID
		if opponent == userID {
			opponent = g.RightID
		}
		gameID := g.ID
		ended := GamePayload{GameID: gameID, EndedBy: userID}
		out.add(func() { c.releaseFromGame(ctx, opponent, gameID, &ended) })
	}

	if err := c.presence.Remove(ctx, userID); err != nil {
		return err
	}
	if err := c.users.SetStatus(ctx, userID, model.UserStatusOffline); err != nil {
		c.logger.Warn("set offline status failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	c.logger.Info("user offline", zap.Int64("user_id", userID), zap.String("last_state", string(rec.State)))
	prev := *rec
	out.add(func() { c.changed(ctx, userID, &prev, nil) })
	return nil
}

// forceIdle moves userID to IDLE when their active window is channelID.
// Used when the channel disappears or the user is removed from it.
func (c *Coordinator) forceIdle(ctx context.Context, userID, channelID int64) bool {
	unlock, err := c.lockUser(ctx, userID)
	if err != nil {
		c.logger.Warn("force idle: lock failed, window stays open until next send",
			zap.Int64("user_id", userID), zap.Int64("channel_id", channelID), zap.Error(err))
		return false
	}
	rec, err := c.presence.Get(ctx, userID)
	if err != nil || rec == nil || rec.State != presence.InChat || rec.ChannelID != channelID {
		unlock()
		return false
	}
	next := presence.Record{UserID: userID, State: presence.Idle}
	if err := c.commit(ctx, rec, next); err != nil {
		unlock()
		c.logger.Warn("force idle failed", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	unlock()
	c.changed(ctx, userID, rec, &next)
	return true
}
