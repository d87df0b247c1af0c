// Package presence stores each connected user's single global activity state.
package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/cache"
)

// State is a user's global activity mode.
type State string

const (
	Idle        State = "idle"
	ChatJoining State = "chat_joining"
	InChat      State = "in_chat"
	Matching    State = "matching"
	InGame      State = "in_game"
	Profile     State = "profile"
	// Offline is reported for users without a record; it is never stored.
	Offline State = "offline"
)

// Record is the presence of one connected user. Zero ChannelID / GameID mean
// "none".
type Record struct {
	UserID    int64     `json:"user_id"`
	State     State     `json:"state"`
	ChannelID int64     `json:"channel_id,omitempty"`
	GameID    int64     `json:"game_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	keyOnline       = "presence:online"
	fieldState      = "state"
	fieldChannel    = "channel"
	fieldGame       = "game"
	fieldUpdated    = "updated"
	windowKeyPrefix = "presence:window:"
)

func recordKey(userID int64) string {
	return "presence:" + strconv.FormatInt(userID, 10)
}

func windowKey(channelID int64) string {
	return windowKeyPrefix + strconv.FormatInt(channelID, 10)
}

// Registry persists presence records in the cache layer: one hash per user,
// a sorted set of online users scored by connect time, and per-channel sets
// of the users whose active window is that channel.
//
// Registry does no locking of its own; callers serialize per user.
type Registry struct {
	c   cache.Cache
	now func() time.Time
}

// NewRegistry creates a Registry on top of c.
func NewRegistry(c cache.Cache) *Registry {
	return &Registry{c: c, now: time.Now}
}

// Get returns the user's record, or nil when the user is offline.
func (r *Registry) Get(ctx context.Context, userID int64) (*Record, error) {
	fields, err := r.c.HGetAll(ctx, recordKey(userID))
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	st, ok := fields[fieldState]
	if !ok || st == "" {
		return nil, nil
	}
	rec := &Record{UserID: userID, State: State(st)}
	rec.ChannelID, _ = strconv.ParseInt(fields[fieldChannel], 10, 64)
	rec.GameID, _ = strconv.ParseInt(fields[fieldGame], 10, 64)
	if ms, err := strconv.ParseInt(fields[fieldUpdated], 10, 64); err == nil {
		rec.UpdatedAt = time.UnixMilli(ms)
	}
	return rec, nil
}

// Put stores rec, replacing any previous record for the same user.
func (r *Registry) Put(ctx context.Context, rec Record) error {
	prev, err := r.Get(ctx, rec.UserID)
	if err != nil {
		return err
	}
	rec.UpdatedAt = r.now()
	key := recordKey(rec.UserID)
	member := strconv.FormatInt(rec.UserID, 10)

	fields := map[string]string{
		fieldState:   string(rec.State),
		fieldChannel: strconv.FormatInt(rec.ChannelID, 10),
		fieldGame:    strconv.FormatInt(rec.GameID, 10),
		fieldUpdated: strconv.FormatInt(rec.UpdatedAt.UnixMilli(), 10),
	}
	if err := r.c.HSet(ctx, key, fields); err != nil {
		return apperr.Unavailable(err)
	}

	if prev == nil {
		if err := r.c.ZAdd(ctx, keyOnline, float64(rec.UpdatedAt.UnixMilli()), member); err != nil {
			return apperr.Unavailable(err)
		}
	}
	if prev != nil && prev.ChannelID != 0 && prev.ChannelID != rec.ChannelID {
		if err := r.c.SRem(ctx, windowKey(prev.ChannelID), member); err != nil {
			return apperr.Unavailable(err)
		}
	}
	if rec.ChannelID != 0 {
		if err := r.c.SAdd(ctx, windowKey(rec.ChannelID), member); err != nil {
			return apperr.Unavailable(err)
		}
	}
	return nil
}

// Remove deletes the user's record, taking them offline.
func (r *Registry) Remove(ctx context.Context, userID int64) error {
	prev, err := r.Get(ctx, userID)
	if err != nil {
		return err
	}
	member := strconv.FormatInt(userID, 10)
	if prev != nil && prev.ChannelID != 0 {
		if err := r.c.SRem(ctx, windowKey(prev.ChannelID), member); err != nil {
			return apperr.Unavailable(err)
		}
	}
	if err := r.c.Del(ctx, recordKey(userID)); err != nil {
		return apperr.Unavailable(err)
	}
	if err := r.c.ZRem(ctx, keyOnline, member); err != nil {
		return apperr.Unavailable(err)
	}
	return nil
}

// State returns the user's current state, Offline when there is no record.
func (r *Registry) State(ctx context.Context, userID int64) (State, error) {
	rec, err := r.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return Offline, nil
	}
	return rec.State, nil
}

// Online lists connected users, most recent first.
func (r *Registry) Online(ctx context.Context) ([]int64, error) {
	members, err := r.c.ZRevRange(ctx, keyOnline, 0, -1)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return parseIDs(members), nil
}

// InWindow lists users whose active channel is channelID.
func (r *Registry) InWindow(ctx context.Context, channelID int64) ([]int64, error) {
	members, err := r.c.SMembers(ctx, windowKey(channelID))
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return parseIDs(members), nil
}

// Reset drops every record. Called once at startup: no connection survives a
// restart, so every previously online user is offline.
func (r *Registry) Reset(ctx context.Context) (int, error) {
	ids, err := r.Online(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := r.Remove(ctx, id); err != nil {
			return 0, err
		}
	}
	if err := r.c.Del(ctx, keyOnline); err != nil {
		return 0, apperr.Unavailable(err)
	}
	return len(ids), nil
}

func parseIDs(members []string) []int64 {
	out := make([]int64, 0, len(members))
	for _, m := range members {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}
