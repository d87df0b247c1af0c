package session

import (
	"context"

	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/game/event"
	"github.com/pongchat/server/game/presence"
	"github.com/pongchat/server/model"
	"github.com/pongchat/server/plugin/hook"
	"go.uber.org/zap"
)

// EnterDM opens the direct-message channel between userID and targetID and
// makes it the active window.
//
// Entering is two-phase. An open channel window is closed first, and the
// registry commit of that IDLE record is the acknowledgement that allows the
// DM to be opened. If opening fails the previous record is restored and
// DmUnavailable returned. From MATCHING the queue entry is cancelled before
// anything else changes, and a failed open then leaves the user IDLE.
func (c *Coordinator) EnterDM(ctx context.Context, userID, targetID int64) (ch *model.Channel, err error) {
	defer func() { err = c.observe(ctx, event.EnterDM, userID, 0, err) }()

	if userID == targetID {
		return nil, apperr.ErrSelfReference
	}
	exists, err := c.users.UserExists(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperr.ErrUserNotFound
	}
	if err := c.hooks.Veto(ctx, hook.BeforeEnterDM, &hook.DMOpen{UserID: userID, TargetID: targetID}); err != nil {
		return nil, apperr.ErrDmUnavailable
	}
	blockers, err := c.relations.ListIncomingBlocks(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, id := range blockers {
		if id == targetID {
			return nil, apperr.ErrDmUnavailable
		}
	}

	out := &outbox{}
	defer out.flush()
	unlock, err := c.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := c.presence.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := guard(rec, event.EnterDM); err != nil {
		return nil, err
	}
	prior := *rec
	current := rec

	var closedWindow int64
	if prior.State == presence.InChat {
		idle := presence.Record{UserID: userID, State: presence.Idle}
		if err := c.commit(ctx, current, idle); err != nil {
			return nil, err
		}
		current = &idle
		closedWindow = prior.ChannelID
	}

	if prior.State == presence.Matching && !c.matches.Cancel(userID) {
		return nil, apperr.ErrInvalidTransition.With("match already found")
	}

	ch, err = c.channels.OpenDM(ctx, userID, targetID)
	if err != nil {
		c.logger.Warn("open dm failed",
			zap.Int64("user_id", userID), zap.Int64("target_id", targetID), zap.Error(err))
		switch {
		case prior.State == presence.Matching:
			// the queue entry is gone
			idle := presence.Record{UserID: userID, State: presence.Idle}
			if cerr := c.commit(ctx, current, idle); cerr == nil {
				out.add(func() { c.changed(ctx, userID, &prior, &idle) })
			}
		case current != rec:
			c.restore(ctx, current, prior)
		}
		return nil, apperr.ErrDmUnavailable
	}

	next := presence.Record{UserID: userID, State: presence.InChat, ChannelID: ch.ID}
	if err := c.commit(ctx, current, next); err != nil {
		if current != rec {
			c.restore(ctx, current, prior)
		}
		return nil, err
	}
	history := c.history(ctx, ch.ID, userID)
	channelID := ch.ID
	out.add(func() {
		if closedWindow != 0 && closedWindow != channelID {
			c.notify.ToUser(ctx, userID, event.CloseSuccess, ChannelPayload{ChannelID: closedWindow, Window: true})
		}
		c.notify.ToUser(ctx, userID, event.EnterDMSuccess, DMPayload{
			ChannelID: channelID, TargetID: targetID, History: history,
		})
		c.notify.ToWindow(ctx, channelID, event.UserEvent, UserEventPayload{
			Type: event.UserJoin, UserID: userID, Nickname: c.users.Nickname(ctx, userID), ChannelID: channelID,
		}, userID)
		c.changed(ctx, userID, &prior, &next)
	})
	return ch, nil
}
