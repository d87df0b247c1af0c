package ws

import (
	"context"
	"encoding/json"

	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/game/player"
)

type targetPayload struct {
	TargetID int64 `json:"target_id"`
}

func decodeTarget(raw json.RawMessage) (int64, error) {
	var req targetPayload
	if err := decode(raw, &req); err != nil {
		return 0, err
	}
	if req.TargetID <= 0 {
		return 0, apperr.ErrBadRequest.With("target_id required")
	}
	return req.TargetID, nil
}

// Relation changes reach both parties through refresh-status; the ack only
// confirms the request.

func (h *Handler) handleAddFriend(ctx context.Context, s *player.Session, raw json.RawMessage) (interface{}, error) {
	target, err := decodeTarget(raw)
	if err != nil {
		return nil, err
	}
	return h.relations.AddFriend(ctx, s.UserID, target)
}

func (h *Handler) handleAddBlock(ctx context.Context, s *player.Session, raw json.RawMessage) (interface{}, error) {
	target, err := decodeTarget(raw)
	if err != nil {
		return nil, err
	}
	return h.relations.AddBlock(ctx, s.UserID, target)
}

func (h *Handler) handleRemoveFriend(ctx context.Context, s *player.Session, raw json.RawMessage) (interface{}, error) {
	target, err := decodeTarget(raw)
	if err != nil {
		return nil, err
	}
	if err := h.relations.UnFriend(ctx, s.UserID, target); err != nil {
		return nil, err
	}
	return targetPayload{TargetID: target}, nil
}

func (h *Handler) handleRemoveBlock(ctx context.Context, s *player.Session, raw json.RawMessage) (interface{}, error) {
	target, err := decodeTarget(raw)
	if err != nil {
		return nil, err
	}
	if err := h.relations.UnBlock(ctx, s.UserID, target); err != nil {
		return nil, err
	}
	return targetPayload{TargetID: target}, nil
}

func (h *Handler) handleEnterDM(ctx context.Context, s *player.Session, raw json.RawMessage) (interface{}, error) {
	target, err := decodeTarget(raw)
	if err != nil {
		return nil, err
	}
	_, err = h.coord.EnterDM(ctx, s.UserID, target)
	return nil, err
}
