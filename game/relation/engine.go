// Package relation maintains directed friend/block edges between users.
//
// For every ordered pair (sender, receiver) at most one edge exists. Adding
// the opposite type replaces the existing edge atomically. Edges in the
// reverse direction are independent and never consulted.
package relation

import (
	"context"

	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/game/keylock"
	"github.com/pongchat/server/game/presence"
	"github.com/pongchat/server/model"
	"github.com/pongchat/server/plugin/hook"
	"go.uber.org/zap"
)

// UserDirectory resolves user identities.
type UserDirectory interface {
	ResolveUser(ctx context.Context, id int64) (*model.User, error)
	UserExists(ctx context.Context, id int64) (bool, error)
}

// PresenceQuery reads a user's current presence state.
type PresenceQuery interface {
	State(ctx context.Context, userID int64) (presence.State, error)
}

// Notifier is told about every committed edge change.
type Notifier interface {
	RelationChanged(ctx context.Context, sender, receiver int64)
}

// Social is one entry of a friend or block list.
type Social struct {
	UserID    int64          `json:"user_id"`
	Nickname  string         `json:"nickname"`
	IsFriend  bool           `json:"is_friend"`
	IsBlocked bool           `json:"is_blocked"`
	Status    string         `json:"status"`
	State     presence.State `json:"state"`
}

// Engine enforces friend/block exclusivity on top of a Store.
type Engine struct {
	store    Store
	users    UserDirectory
	presence PresenceQuery
	locks    *keylock.Locker
	notifier Notifier
	hooks    *hook.Center
	logger   *zap.Logger
}

// NewEngine creates an Engine. notifier and hooks may be nil.
func NewEngine(store Store, users UserDirectory, pq PresenceQuery, locks *keylock.Locker,
	notifier Notifier, hooks *hook.Center, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		users:    users,
		presence: pq,
		locks:    locks,
		notifier: notifier,
		hooks:    hooks,
		logger:   logger,
	}
}

// AddFriend creates a FRIEND edge sender→receiver, replacing a BLOCK edge.
func (e *Engine) AddFriend(ctx context.Context, sender, receiver int64) (*model.Relation, error) {
	return e.add(ctx, sender, receiver, model.RelationFriend)
}

// AddBlock creates a BLOCK edge sender→receiver, replacing a FRIEND edge.
func (e *Engine) AddBlock(ctx context.Context, sender, receiver int64) (*model.Relation, error) {
	return e.add(ctx, sender, receiver, model.RelationBlock)
}

// UnFriend removes the FRIEND edge sender→receiver.
func (e *Engine) UnFriend(ctx context.Context, sender, receiver int64) error {
	return e.remove(ctx, sender, receiver, model.RelationFriend)
}

// UnBlock removes the BLOCK edge sender→receiver.
func (e *Engine) UnBlock(ctx context.Context, sender, receiver int64) error {
	return e.remove(ctx, sender, receiver, model.RelationBlock)
}

func (e *Engine) add(ctx context.Context, sender, receiver int64, typ model.RelationType) (*model.Relation, error) {
	if sender == receiver {
		return nil, apperr.ErrSelfReference
	}
	ok, err := e.users.UserExists(ctx, receiver)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	if !ok {
		return nil, apperr.ErrUserNotFound
	}

	unlock, err := e.locks.Lock(ctx, keylock.PairKey(sender, receiver))
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	cur, err := e.store.Get(ctx, sender, receiver)
	if err != nil {
		unlock()
		return nil, err
	}
	if cur != nil && cur.Type == typ {
		unlock()
		if typ == model.RelationFriend {
			return nil, apperr.ErrAlreadyFriended
		}
		return nil, apperr.ErrAlreadyBlocked
	}
	rel, err := e.store.Put(ctx, sender, receiver, typ)
	unlock()
	if err != nil {
		return nil, err
	}

	if cur != nil {
		e.logger.Debug("relation superseded",
			zap.Int64("sender", sender), zap.Int64("receiver", receiver),
			zap.String("from", string(cur.Type)), zap.String("to", string(typ)))
	}
	e.changed(ctx, sender, receiver, string(typ))
	return rel, nil
}

func (e *Engine) remove(ctx context.Context, sender, receiver int64, typ model.RelationType) error {
	unlock, err := e.locks.Lock(ctx, keylock.PairKey(sender, receiver))
	if err != nil {
		return apperr.Unavailable(err)
	}
	cur, err := e.store.Get(ctx, sender, receiver)
	if err != nil {
		unlock()
		return err
	}
	if cur == nil || cur.Type != typ {
		unlock()
		return apperr.ErrNotFoundRelation
	}
	err = e.store.Delete(ctx, cur.ID)
	unlock()
	if err != nil {
		return err
	}
	e.changed(ctx, sender, receiver, "")
	return nil
}

// changed runs after the pair lock is released.
func (e *Engine) changed(ctx context.Context, sender, receiver int64, typ string) {
	if e.notifier != nil {
		e.notifier.RelationChanged(ctx, sender, receiver)
	}
	e.hooks.Notify(ctx, hook.OnRelationChange, hook.RelationChange{
		SenderID: sender, ReceiverID: receiver, Type: typ,
	})
}

// Get returns the edge sender→receiver, or nil.
func (e *Engine) Get(ctx context.Context, sender, receiver int64) (*model.Relation, error) {
	return e.store.Get(ctx, sender, receiver)
}

// ListFriends returns the users userID has friended.
func (e *Engine) ListFriends(ctx context.Context, userID int64) ([]Social, error) {
	return e.list(ctx, userID, model.RelationFriend)
}

// ListBlocks returns the users userID has blocked.
func (e *Engine) ListBlocks(ctx context.Context, userID int64) ([]Social, error) {
	return e.list(ctx, userID, model.RelationBlock)
}

func (e *Engine) list(ctx context.Context, userID int64, typ model.RelationType) ([]Social, error) {
	rels, err := e.store.ListBySender(ctx, userID, typ)
	if err != nil {
		return nil, err
	}
	out := make([]Social, 0, len(rels))
	for _, r := range rels {
		u, err := e.users.ResolveUser(ctx, r.ReceiverID)
		if apperr.KindOf(err) == apperr.KindNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		st, err := e.presence.State(ctx, r.ReceiverID)
		if err != nil {
			return nil, err
		}
		out = append(out, Social{
			UserID:    u.ID,
			Nickname:  u.Nickname,
			IsFriend:  typ == model.RelationFriend,
			IsBlocked: typ == model.RelationBlock,
			Status:    u.Status,
			State:     st,
		})
	}
	return out, nil
}

// ListIncomingBlocks returns the ids of users who block userID.
func (e *Engine) ListIncomingBlocks(ctx context.Context, userID int64) ([]int64, error) {
	return e.senders(ctx, userID, model.RelationBlock)
}

// ListIncomingFriends returns the ids of users who friended userID.
func (e *Engine) ListIncomingFriends(ctx context.Context, userID int64) ([]int64, error) {
	return e.senders(ctx, userID, model.RelationFriend)
}

func (e *Engine) senders(ctx context.Context, userID int64, typ model.RelationType) ([]int64, error) {
	rels, err := e.store.ListByReceiver(ctx, userID, typ)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(rels))
	for i, r := range rels {
		ids[i] = r.SenderID
	}
	return ids, nil
}

// IsBlocking reports whether sender holds a BLOCK edge toward receiver.
func (e *Engine) IsBlocking(ctx context.Context, sender, receiver int64) (bool, error) {
	rel, err := e.store.Get(ctx, sender, receiver)
	if err != nil {
		return false, err
	}
	return rel != nil && rel.Type == model.RelationBlock, nil
}

// BlockedIDs returns the ids of users userID blocks.
func (e *Engine) BlockedIDs(ctx context.Context, userID int64) ([]int64, error) {
	rels, err := e.store.ListBySender(ctx, userID, model.RelationBlock)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(rels))
	for i, r := range rels {
		ids[i] = r.ReceiverID
	}
	return ids, nil
}
