package session

import (
	"context"

	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/game/event"
	"github.com/pongchat/server/game/match"
	"github.com/pongchat/server/game/presence"
	"go.uber.org/zap"
)

// EnterMatching queues userID for a game. When another user is already
// waiting both sides move straight to IN_GAME.
func (c *Coordinator) EnterMatching(ctx context.Context, userID int64) (err error) {
	defer func() { err = c.observe(ctx, event.EnterMatching, userID, 0, err) }()

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
	if err := guard(rec, event.EnterMatching); err != nil {
		return err
	}
	p, err := c.matches.Enqueue(ctx, userID)
	if err != nil {
		return err
	}
	prev := *rec

	if p == nil {
		next := presence.Record{UserID: userID, State: presence.Matching}
		if err := c.commit(ctx, rec, next); err != nil {
			c.matches.Cancel(userID)
			return err
		}
		out.add(func() { c.changed(ctx, userID, &prev, &next) })
		return nil
	}

	next := presence.Record{UserID: userID, State: presence.InGame, GameID: p.GameID}
	if err := c.commit(ctx, rec, next); err != nil {
		if _, ferr := c.matches.Finalize(ctx, p.GameID, userID); ferr != nil {
			c.logger.Error("finalize unstarted game", zap.Int64("game_id", p.GameID), zap.Error(ferr))
		}
		out.add(func() { c.abortWaiter(ctx, p) })
		return err
	}
	out.add(func() {
		c.notify.ToUser(ctx, userID, event.MatchFound, MatchPayload{GameID: p.GameID, OpponentID: p.Waiter})
		c.changed(ctx, userID, &prev, &next)
		c.matchFound(ctx, p)
	})
	return nil
}

// matchFound moves the waiting side of p into IN_GAME. When the waiter is no
// longer matching the game is ended and the joiner released.
func (c *Coordinator) matchFound(ctx context.Context, p *match.Pairing) {
	unlock, err := c.lockUser(ctx, p.Waiter)
	if err != nil {
		c.logger.Error("match found: lock failed", zap.Int64("user_id", p.Waiter), zap.Error(err))
		return
	}
	rec, err := c.presence.Get(ctx, p.Waiter)
	if err != nil || rec == nil || rec.State != presence.Matching {
		unlock()
		c.logger.Info("match aborted, waiter gone",
			zap.Int64("game_id", p.GameID), zap.Int64("waiter", p.Waiter), zap.Int64("joiner", p.Joiner))
		if _, err := c.matches.Finalize(ctx, p.GameID, p.Waiter); err != nil {
			c.logger.Error("finalize aborted game", zap.Int64("game_id", p.GameID), zap.Error(err))
		}
		c.releaseFromGame(ctx, p.Joiner, p.GameID, nil)
		c.notify.ToUser(ctx, p.Joiner, event.MatchFound, MatchPayload{
			GameID: p.GameID, OpponentID: p.Waiter, Aborted: true,
		})
		return
	}
	next := presence.Record{UserID: p.Waiter, State: presence.InGame, GameID: p.GameID}
	if err := c.commit(ctx, rec, next); err != nil {
		unlock()
		c.logger.Error("match found: commit failed", zap.Int64("user_id", p.Waiter), zap.Error(err))
		return
	}
	unlock()
	c.notify.ToUser(ctx, p.Waiter, event.MatchFound, MatchPayload{GameID: p.GameID, OpponentID: p.Joiner})
	c.changed(ctx, p.Waiter, rec, &next)
}

// abortWaiter returns the waiting side of a pairing that could not start to
// IDLE.
func (c *Coordinator) abortWaiter(ctx context.Context, p *match.Pairing) {
	unlock, err := c.lockUser(ctx, p.Waiter)
	if err != nil {
		return
	}
	rec, err := c.presence.Get(ctx, p.Waiter)
	if err != nil || rec == nil || rec.State != presence.Matching {
		unlock()
		return
	}
	next := presence.Record{UserID: p.Waiter, State: presence.Idle}
	if err := c.commit(ctx, rec, next); err != nil {
		unlock()
		return
	}
	unlock()
	c.notify.ToUser(ctx, p.Waiter, event.MatchFound, MatchPayload{
		GameID: p.GameID, OpponentID: p.Joiner, Aborted: true,
	})
	c.changed(ctx, p.Waiter, rec, &next)
}

// CancelMatching takes userID out of the queue. It fails when a match was
// already found for them.
func (c *Coordinator) CancelMatching(ctx context.Context, userID int64) (err error) {
	defer func() { err = c.observe(ctx, event.CancelMatching, userID, 0, err) }()

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
	if err := guard(rec, event.CancelMatching); err != nil {
		return err
	}
	if !c.matches.Cancel(userID) {
		return apperr.ErrInvalidTransition.With("match already found")
	}
	next := presence.Record{UserID: userID, State: presence.Idle}
	if err := c.commit(ctx, rec, next); err != nil {
		return err
	}
	prev := *rec
	out.add(func() { c.changed(ctx, userID, &prev, &next) })
	return nil
}

// ExitGame ends userID's game. Both players return to IDLE.
func (c *Coordinator) ExitGame(ctx context.Context, userID int64) (err error) {
	defer func() { err = c.observe(ctx, event.ExitGame, userID, 0, err) }()

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
	if err := guard(rec, event.ExitGame); err != nil {
		return err
	}
	g, err := c.matches.Finalize(ctx, rec.GameID, userID)
	if err != nil {
		return err
	}
	next := presence.Record{UserID: userID, State: presence.Idle}
	if err := c.commit(ctx, rec, next); err != nil {
		return err
	}
	opponent := g.LeftID
	if opponent == userID {
		opponent = g.RightID
	}
	ended := GamePayload{GameID: g.ID, EndedBy: userID}
	if g.EndedBy != nil {
		ended.EndedBy = *g.EndedBy
	}
	prev := *rec
	out.add(func() {
		c.notify.ToUser(ctx, userID, event.GameEnded, ended)
		c.changed(ctx, userID, &prev, &next)
		c.releaseFromGame(ctx, opponent, g.ID, &ended)
	})
	return nil
}

// releaseFromGame returns userID to IDLE if they are still playing gameID.
// ended, when set, is delivered as game-ended.
func (c *Coordinator) releaseFromGame(ctx context.Context, userID, gameID int64, ended *GamePayload) {
	unlock, err := c.lockUser(ctx, userID)
	if err != nil {
		c.logger.Warn("release from game: lock failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	rec, err := c.presence.Get(ctx, userID)
	if err != nil || rec == nil || rec.State != presence.InGame || rec.GameID != gameID {
		unlock()
		return
	}
	next := presence.Record{UserID: userID, State: presence.Idle}
	if err := c.commit(ctx, rec, next); err != nil {
		unlock()
		c.logger.Warn("release from game failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	unlock()
	if ended != nil {
		c.notify.ToUser(ctx, userID, event.GameEnded, *ended)
	}
	c.changed(ctx, userID, rec, &next)
}
