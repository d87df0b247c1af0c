package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/audit"
	"github.com/pongchat/server/game/event"
	"github.com/pongchat/server/game/notify"
	"github.com/pongchat/server/game/presence"
	"github.com/pongchat/server/model"
	"github.com/pongchat/server/plugin/hook"
	"go.uber.org/zap"
)

func historyKey(channelID int64) string {
	return "chat:history:" + strconv.FormatInt(channelID, 10)
}

// JoinChannel moves userID from IDLE or PROFILE through CHAT_JOINING into
// IN_CHAT on channelID. Joining a channel the user already belongs to
// reopens its window. On failure the previous record is restored.
func (c *Coordinator) JoinChannel(ctx context.Context, userID, channelID int64, password string) (err error) {
	defer func() { err = c.observe(ctx, event.JoinChannel, userID, channelID, err) }()

	if err := c.hooks.Veto(ctx, hook.BeforeChannelJoin, &hook.ChannelJoin{UserID: userID, ChannelID: channelID}); err != nil {
		return apperr.ErrForbidden.With("join rejected")
	}

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
	if err := guard(rec, event.JoinChannel); err != nil {
		return err
	}

	joining := presence.Record{UserID: userID, State: presence.ChatJoining}
	if err := c.commit(ctx, rec, joining); err != nil {
		return err
	}
	role, err := c.channels.Join(ctx, channelID, userID, password)
	rejoined := false
	if errors.Is(err, apperr.ErrAlreadyMember) {
		mem, merr := c.channels.Member(ctx, channelID, userID)
		if merr == nil && mem != nil {
			role, err, rejoined = mem.Role, nil, true
		}
	}
	if err != nil {
		c.restore(ctx, &joining, *rec)
		return err
	}
	next := presence.Record{UserID: userID, State: presence.InChat, ChannelID: channelID}
	if err := c.commit(ctx, &joining, next); err != nil {
		c.restore(ctx, &joining, *rec)
		return err
	}
	history := c.history(ctx, channelID, userID)

	prev := *rec
	out.add(func() {
		c.notify.ToUser(ctx, userID, event.JoinSuccess, JoinPayload{
			ChannelID: channelID, Role: role.String(), History: history,
		})
		if !rejoined {
			c.notify.ToWindow(ctx, channelID, event.UserEvent, UserEventPayload{
				Type: event.UserJoin, UserID: userID, Nickname: c.users.Nickname(ctx, userID), ChannelID: channelID,
			}, userID)
		}
		c.changed(ctx, userID, &prev, &next)
	})
	return nil
}

// LeaveChannel drops userID's membership of channelID. When channelID is the
// active window the user returns to IDLE.
func (c *Coordinator) LeaveChannel(ctx context.Context, userID, channelID int64) (err error) {
	defer func() { err = c.observe(ctx, event.LeaveChannel, userID, channelID, err) }()

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
	if err := guard(rec, event.LeaveChannel); err != nil {
		return err
	}
	res, err := c.channels.Leave(ctx, channelID, userID)
	if err != nil {
		return err
	}
	next := *rec
	if rec.ChannelID == channelID {
		next = presence.Record{UserID: userID, State: presence.Idle}
		if err := c.commit(ctx, rec, next); err != nil {
			return err
		}
	}
	if res.Closed {
		c.dropHistory(ctx, channelID)
	}

	prev := *rec
	out.add(func() {
		c.notify.ToUser(ctx, userID, event.LeaveSuccess, ChannelPayload{
			ChannelID: channelID, NewOwner: res.NewOwner, Closed: res.Closed,
		})
		if !res.Closed {
			c.notify.ToWindow(ctx, channelID, event.UserEvent, UserEventPayload{
				Type: event.UserLeave, UserID: userID, Nickname: c.users.Nickname(ctx, userID), ChannelID: channelID,
			})
		}
		if res.NewOwner != 0 {
			c.notify.Dispatch(ctx, notify.Event{
				Kind: event.UserEvent,
				Payload: UserEventPayload{
					Type: event.UserOwner, UserID: res.NewOwner, Nickname: c.users.Nickname(ctx, res.NewOwner),
					ChannelID: channelID, Role: model.RoleOwner.String(),
				},
				Audience: notify.Audience{Window: channelID, Users: []int64{res.NewOwner}},
			})
		}
		c.changed(ctx, userID, &prev, &next)
	})
	return nil
}

// CloseChannel deletes channelID. Only its OWNER may close it; every member
// whose window was the channel is returned to IDLE.
func (c *Coordinator) CloseChannel(ctx context.Context, userID, channelID int64) (err error) {
	defer func() { err = c.observe(ctx, event.CloseChannel, userID, channelID, err) }()

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
	if err := guard(rec, event.CloseChannel); err != nil {
		return err
	}
	start := c.now()
	peers, err := c.channels.Close(ctx, userID, channelID)
	if err != nil {
		return err
	}
	c.audit.Log(audit.Entry{
		TraceID:   audit.TraceIDFrom(ctx),
		ActorID:   audit.Int64(userID),
		ChannelID: audit.Int64(channelID),
		Action:    audit.ActionClose,
		Response:  map[string]interface{}{"members": len(peers) + 1},
		Latency:   c.now().Sub(start),
	})
	next := *rec
	if rec.ChannelID == channelID {
		next = presence.Record{UserID: userID, State: presence.Idle}
		if err := c.commit(ctx, rec, next); err != nil {
			return err
		}
	}
	c.dropHistory(ctx, channelID)

	prev := *rec
	nickname := c.users.Nickname(ctx, userID)
	out.add(func() {
		for _, peer := range peers {
			c.forceIdle(ctx, peer, channelID)
		}
		c.notify.ToUser(ctx, userID, event.CloseSuccess, ChannelPayload{ChannelID: channelID, Closed: true})
		c.notify.Dispatch(ctx, notify.Event{
			Kind: event.UserEvent,
			Payload: UserEventPayload{
				Type: event.UserClose, UserID: userID, Nickname: nickname, ChannelID: channelID,
			},
			Audience: notify.Audience{Users: peers},
		})
		c.changed(ctx, userID, &prev, &next)
	})
	return nil
}

// CloseWindow returns userID from IN_CHAT to IDLE without leaving the
// channel.
func (c *Coordinator) CloseWindow(ctx context.Context, userID, channelID int64) (err error) {
	defer func() { err = c.observe(ctx, event.CloseChannelWindow, userID, channelID, err) }()

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
	if err := guard(rec, event.CloseChannelWindow); err != nil {
		return err
	}
	if rec.ChannelID != channelID {
		return apperr.ErrInvalidTransition.With("channel window is not open")
	}
	next := presence.Record{UserID: userID, State: presence.Idle}
	if err := c.commit(ctx, rec, next); err != nil {
		return err
	}
	prev := *rec
	out.add(func() {
		c.notify.ToUser(ctx, userID, event.CloseSuccess, ChannelPayload{ChannelID: channelID, Window: true})
		c.changed(ctx, userID, &prev, &next)
	})
	return nil
}

// Moderate applies kick, ban, mute, unmute or unban from actor to target.
// A zero until mutes for social.default_mute. Kicked and banned targets
// viewing the channel are returned to IDLE and told alone; the channel
// window sees a user-event.
func (c *Coordinator) Moderate(ctx context.Context, actor, channelID, target int64, kind event.Inbound, until time.Time) (err error) {
	defer func() { err = c.observe(ctx, kind, actor, channelID, err) }()

	start := c.now()
	var (
		action   string
		userType event.UserEventType
		notice   event.Outbound
		payload  = ModerationPayload{ChannelID: channelID, ActorID: actor}
	)
	switch kind {
	case event.Kick:
		action, userType, notice = audit.ActionKick, event.UserKick, event.GotKicked
		err = c.channels.Kick(ctx, actor, channelID, target)
	case event.Ban:
		action, userType, notice = audit.ActionBan, event.UserBan, event.GotBanned
		err = c.channels.Ban(ctx, actor, channelID, target)
	case event.Mute:
		if until.IsZero() {
			until = c.now().Add(c.social.DefaultMute)
		}
		payload.Until = &until
		action, userType, notice = audit.ActionMute, event.UserMute, event.GotMuted
		err = c.channels.Mute(ctx, actor, channelID, target, until)
	case event.Unmute:
		action, userType = audit.ActionUnmute, event.UserUnmute
		err = c.channels.Unmute(ctx, actor, channelID, target)
	case event.Unban:
		action = audit.ActionUnban
		err = c.channels.Unban(ctx, actor, channelID, target)
	default:
		return apperr.ErrBadRequest.With("not a moderation action")
	}
	if apperr.KindOf(err) == apperr.KindForbidden {
		return err
	}
	entry := audit.Entry{
		TraceID:   audit.TraceIDFrom(ctx),
		ActorID:   audit.Int64(actor),
		ChannelID: audit.Int64(channelID),
		Action:    action,
		Request:   map[string]interface{}{"target": target, "until": payload.Until},
		Latency:   c.now().Sub(start),
	}
	if err != nil {
		entry.Error = apperr.CodeOf(err)
		c.audit.Log(entry)
		return err
	}
	c.audit.Log(entry)

	if kind == event.Kick || kind == event.Ban {
		c.forceIdle(ctx, target, channelID)
	}
	if notice != 0 {
		c.notify.ToUser(ctx, target, notice, payload)
	}
	if userType != "" {
		c.notify.ToWindow(ctx, channelID, event.UserEvent, UserEventPayload{
			Type: userType, UserID: target, Nickname: c.users.Nickname(ctx, target),
			ChannelID: channelID, ActorID: actor,
		})
	}
	return nil
}

// SetAdmin grants or revokes ADMIN on target. Only the OWNER may.
func (c *Coordinator) SetAdmin(ctx context.Context, actor, channelID, target int64, grant bool) (err error) {
	defer func() { err = c.observe(ctx, event.SetAdmin, actor, channelID, err) }()

	role := model.RoleMember
	if grant {
		role = model.RoleAdmin
	}
	if err := c.channels.SetRole(ctx, actor, channelID, target, role); err != nil {
		return err
	}
	c.audit.Log(audit.Entry{
		TraceID:   audit.TraceIDFrom(ctx),
		ActorID:   audit.Int64(actor),
		ChannelID: audit.Int64(channelID),
		Action:    audit.ActionSetRole,
		Request:   map[string]interface{}{"target": target, "role": role.String()},
	})
	c.notify.Dispatch(ctx, notify.Event{
		Kind: event.UserEvent,
		Payload: UserEventPayload{
			Type: event.UserAdmin, UserID: target, Nickname: c.users.Nickname(ctx, target),
			ChannelID: channelID, ActorID: actor, Role: role.String(),
		},
		Audience: notify.Audience{Window: channelID, Users: []int64{target}},
	})
	return nil
}

// SendMessage posts content to channelID. The sender must be viewing the
// channel and not be muted. Viewers who block the sender do not receive it.
func (c *Coordinator) SendMessage(ctx context.Context, userID, channelID int64, content string) (msg *ChatMessage, err error) {
	defer func() { err = c.observe(ctx, event.SendMessage, userID, channelID, err) }()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.ErrBadRequest.With("empty message")
	}
	if c.social.MaxMessageLen > 0 && utf8.RuneCountInString(content) > c.social.MaxMessageLen {
		return nil, apperr.ErrMessageTooLong
	}

	unlock, err := c.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	rec, err := c.presence.Get(ctx, userID)
	if err == nil {
		err = guard(rec, event.SendMessage)
	}
	if err == nil && rec.ChannelID != channelID {
		err = apperr.ErrInvalidTransition.With("channel window is not open")
	}
	if err != nil {
		unlock()
		return nil, err
	}
	muted, err := c.channels.IsMuted(ctx, channelID, userID, c.now())
	if errors.Is(err, apperr.ErrNotMember) {
		// membership was removed while the window stayed open
		next := presence.Record{UserID: userID, State: presence.Idle}
		if cerr := c.commit(ctx, rec, next); cerr != nil {
			unlock()
			return nil, err
		}
		unlock()
		c.changed(ctx, userID, rec, &next)
		return nil, err
	}
	if err != nil {
		unlock()
		return nil, err
	}
	if muted {
		unlock()
		return nil, apperr.ErrMuted
	}
	msg = &ChatMessage{
		ID:        ulid.Make().String(),
		ChannelID: channelID,
		UserID:    userID,
		Nickname:  c.users.Nickname(ctx, userID),
		Content:   content,
		SentAt:    c.now(),
	}
	c.appendHistory(ctx, msg)
	unlock()

	viewers, err := c.presence.InWindow(ctx, channelID)
	if err != nil {
		c.logger.Warn("resolve chat audience", zap.Int64("channel_id", channelID), zap.Error(err))
		return msg, nil
	}
	blockers, err := c.relations.ListIncomingBlocks(ctx, userID)
	if err != nil {
		c.logger.Warn("resolve chat blockers", zap.Int64("user_id", userID), zap.Error(err))
	}
	c.notify.Dispatch(ctx, notify.Event{
		ID:       msg.ID,
		Kind:     event.ChatMessage,
		Payload:  msg,
		Audience: notify.Audience{Users: viewers, Except: blockers},
	})
	return msg, nil
}

func (c *Coordinator) appendHistory(ctx context.Context, msg *ChatMessage) {
	if c.social.HistoryLen <= 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	key := historyKey(msg.ChannelID)
	if err := c.cache.PushCapped(ctx, key, string(data), int64(c.social.HistoryLen)); err != nil {
		c.logger.Warn("append chat history", zap.Int64("channel_id", msg.ChannelID), zap.Error(err))
	}
}

// history returns the channel's recent messages oldest first, without those
// of senders viewer blocks.
func (c *Coordinator) history(ctx context.Context, channelID, viewer int64) []ChatMessage {
	out := []ChatMessage{}
	if c.social.HistoryLen <= 0 {
		return out
	}
	raw, err := c.cache.LRange(ctx, historyKey(channelID), 0, int64(c.social.HistoryLen-1))
	if err != nil {
		c.logger.Warn("read chat history", zap.Int64("channel_id", channelID), zap.Error(err))
		return out
	}
	blocked := map[int64]bool{}
	if ids, err := c.relations.BlockedIDs(ctx, viewer); err == nil {
		for _, id := range ids {
			blocked[id] = true
		}
	}
	for i := len(raw) - 1; i >= 0; i-- {
		var m ChatMessage
		if json.Unmarshal([]byte(raw[i]), &m) != nil || blocked[m.UserID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (c *Coordinator) dropHistory(ctx context.Context, channelID int64) {
	if err := c.cache.Del(ctx, historyKey(channelID)); err != nil {
		c.logger.Warn("drop chat history", zap.Int64("channel_id", channelID), zap.Error(err))
	}
}

// ExpireMutes lifts every mute that has elapsed and tells each channel's
// window. It returns how many mutes were lifted.
func (c *Coordinator) ExpireMutes(ctx context.Context) (int, error) {
	expired, err := c.channels.ExpireMutes(ctx, c.now())
	for _, mem := range expired {
		c.notify.ToWindow(ctx, mem.ChannelID, event.UserEvent, UserEventPayload{
			Type: event.UserUnmute, UserID: mem.UserID, Nickname: c.users.Nickname(ctx, mem.UserID),
			ChannelID: mem.ChannelID,
		})
	}
	if len(expired) > 0 {
		c.logger.Info("mutes expired", zap.Int("count", len(expired)))
	}
	if err != nil {
		c.logger.Error("expire mutes", zap.Error(err))
	}
	return len(expired), err
}
