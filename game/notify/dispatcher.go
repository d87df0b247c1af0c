// Package notify fans out state changes to every connection interested in
// them. Delivery is best effort: a failing connection is logged and skipped,
// and callers only dispatch after their mutation committed and all keylocks
// were released.
package notify

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/oklog/ulid/v2"
	"github.com/pongchat/server/cache"
	"github.com/pongchat/server/game/event"
	"github.com/pongchat/server/game/player"
	"go.uber.org/zap"
)

// AnnounceChannel is the pubsub channel for server-wide announcements.
const AnnounceChannel = "announce"

// UserChannel is the pubsub channel mirroring deliveries to userID.
func UserChannel(userID int64) string {
	return "notify:user:" + strconv.FormatInt(userID, 10)
}

// MemberSource lists a channel's members.
type MemberSource interface {
	MemberIDs(ctx context.Context, channelID int64) ([]int64, error)
}

// WindowSource lists the users whose active window is a channel.
type WindowSource interface {
	InWindow(ctx context.Context, channelID int64) ([]int64, error)
}

// FollowerSource lists the users who friended a user.
type FollowerSource interface {
	Followers(ctx context.Context, userID int64) ([]int64, error)
}

// Audience selects recipients. All selectors are unioned, then Except is
// removed.
type Audience struct {
	Users       []int64
	Channel     int64 // every member of the channel
	Window      int64 // users with the channel window open
	FollowersOf int64 // users who friended this user
	Except      []int64
}

// Event is one logical notification.
type Event struct {
	ID       string
	Kind     event.Outbound
	Payload  interface{}
	Audience Audience
}

// Dispatcher resolves audiences to connections and delivers events.
type Dispatcher struct {
	sessions  *player.SessionManager
	members   MemberSource
	windows   WindowSource
	followers FollowerSource
	pubsub    cache.PubSub
	logger    *zap.Logger
}

// NewDispatcher creates a Dispatcher. pubsub may be nil.
func NewDispatcher(sessions *player.SessionManager, members MemberSource, windows WindowSource,
	followers FollowerSource, pubsub cache.PubSub, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sessions:  sessions,
		members:   members,
		windows:   windows,
		followers: followers,
		pubsub:    pubsub,
		logger:    logger,
	}
}

// Dispatch delivers ev and returns the number of connections reached.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) int {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	payload, err := player.EncodePayload(ev.Payload)
	if err != nil {
		d.logger.Error("encode notification", zap.String("event", ev.Kind.String()), zap.Error(err))
		return 0
	}
	data, err := json.Marshal(&player.Packet{ID: ev.ID, Type: ev.Kind.String(), Payload: payload})
	if err != nil {
		d.logger.Error("encode notification", zap.String("event", ev.Kind.String()), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, uid := range d.resolve(ctx, ev.Audience) {
		for _, s := range d.sessions.Sessions(uid) {
			if err := s.SendRaw(data); err != nil {
				d.logger.Warn("notification delivery failed",
					zap.String("event", ev.Kind.String()),
					zap.Int64("user_id", uid),
					zap.String("conn_id", s.ID),
					zap.Error(err))
				continue
			}
			delivered++
		}
		if d.pubsub != nil {
			if err := d.pubsub.Publish(ctx, UserChannel(uid), string(data)); err != nil {
				d.logger.Warn("notification publish failed",
					zap.String("event", ev.Kind.String()),
					zap.Int64("user_id", uid),
					zap.Error(err))
			}
		}
	}
	return delivered
}

func (d *Dispatcher) resolve(ctx context.Context, a Audience) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	add := func(ids ...int64) {
		for _, id := range ids {
			if id != 0 && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	for _, id := range a.Except {
		seen[id] = true
	}
	add(a.Users...)
	if a.Channel != 0 && d.members != nil {
		ids, err := d.members.MemberIDs(ctx, a.Channel)
		if err != nil {
			d.logger.Warn("resolve channel audience", zap.Int64("channel_id", a.Channel), zap.Error(err))
		}
		add(ids...)
	}
	if a.Window != 0 && d.windows != nil {
		ids, err := d.windows.InWindow(ctx, a.Window)
		if err != nil {
			d.logger.Warn("resolve window audience", zap.Int64("channel_id", a.Window), zap.Error(err))
		}
		add(ids...)
	}
	if a.FollowersOf != 0 && d.followers != nil {
		ids, err := d.followers.Followers(ctx, a.FollowersOf)
		if err != nil {
			d.logger.Warn("resolve follower audience", zap.Int64("user_id", a.FollowersOf), zap.Error(err))
		}
		add(ids...)
	}
	return out
}

// ToUser delivers one event to all of userID's connections.
func (d *Dispatcher) ToUser(ctx context.Context, userID int64, kind event.Outbound, payload interface{}) int {
	return d.Dispatch(ctx, Event{Kind: kind, Payload: payload, Audience: Audience{Users: []int64{userID}}})
}

// ToWindow delivers one event to the users viewing a channel.
func (d *Dispatcher) ToWindow(ctx context.Context, channelID int64, kind event.Outbound, payload interface{}, except ...int64) int {
	return d.Dispatch(ctx, Event{Kind: kind, Payload: payload, Audience: Audience{Window: channelID, Except: except}})
}

// StatusPayload is the body of refresh-status.
type StatusPayload struct {
	UserID int64  `json:"user_id"`
	State  string `json:"state,omitempty"`
}

// StatusChanged tells the user's own connections and their followers that
// the user's presence changed.
func (d *Dispatcher) StatusChanged(ctx context.Context, userID int64, state string) {
	d.Dispatch(ctx, Event{
		Kind:     event.RefreshStatus,
		Payload:  StatusPayload{UserID: userID, State: state},
		Audience: Audience{Users: []int64{userID}, FollowersOf: userID},
	})
}

// RelationChanged tells both parties of an edge change to refresh their lists.
func (d *Dispatcher) RelationChanged(ctx context.Context, sender, receiver int64) {
	d.Dispatch(ctx, Event{
		Kind:     event.RefreshStatus,
		Payload:  map[string]int64{"sender_id": sender, "receiver_id": receiver},
		Audience: Audience{Users: []int64{sender, receiver}},
	})
}

// Announce sends a message to every connection and to SSE subscribers.
func (d *Dispatcher) Announce(ctx context.Context, message string) {
	payload, _ := json.Marshal(map[string]string{"message": message})
	data, _ := json.Marshal(&player.Packet{ID: ulid.Make().String(), Type: event.Announce.String(), Payload: payload})
	d.sessions.BroadcastAll(data)
	if d.pubsub != nil {
		if err := d.pubsub.Publish(ctx, AnnounceChannel, string(data)); err != nil {
			d.logger.Warn("announce publish failed", zap.Error(err))
		}
	}
}
