package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/game/event"
	"github.com/pongchat/server/game/player"
)

type channelPayload struct {
	ChannelID int64  `json:"channel_id"`
	Password  string `json:"password,omitempty"`
}

type moderationPayload struct {
	ChannelID int64 `json:"channel_id"`
	TargetID  int64 `json:"target_id"`
	// Until is an absolute mute deadline; Minutes a relative one. Both zero
	// mutes for the configured default.
	Until   *time.Time `json:"until,omitempty"`
	Minutes int        `json:"minutes,omitempty"`
}

type setAdminPayload struct {
	ChannelID int64 `json:"channel_id"`
	TargetID  int64 `json:"target_id"`
	Grant     bool  `json:"grant"`
}

type messagePayload struct {
	ChannelID int64  `json:"channel_id"`
	Content   string `json:"content"`
}

func decodeChannel(raw json.RawMessage) (channelPayload, error) {
	var req channelPayload
	if err := decode(raw, &req); err != nil {
		return req, err
	}
	if req.ChannelID <= 0 {
		return req, apperr.ErrBadRequest.With("channel_id required")
	}
	return req, nil
}

func (h *Handler) handleJoin(ctx context.Context, s *player.Session, raw json.RawMessage) (interface{}, error) {
	req, err := decodeChannel(raw)
	if err != nil {
		return nil, err
	}
	return nil, h.coord.JoinChannel(ctx, s.UserID, req.ChannelID, req.Password)
}

func (h *Handler) handleLeave(ctx context.Context, s *player.Session, raw json.RawMessage) (interface{}, error) {
	req, err := decodeChannel(raw)
	if err != nil {
		return nil, err
	}
	return nil, h.coord.LeaveChannel(ctx, s.UserID, req.ChannelID)
}

func (h *Handler) handleClose(ctx context.Context, s *player.Session, raw json.RawMessage) (interface{}, error) {
	req, err := decodeChannel(raw)
	if err != nil {
		return nil, err
	}
	return nil, h.coord.CloseChannel(ctx, s.UserID, req.ChannelID)
}

func (h *Handler) handleCloseWindow(ctx context.Context, s *player.Session, raw json.RawMessage) (interface{}, error) {
	req, err := decodeChannel(raw)
	if err != nil {
		return nil, err
	}
	return nil, h.coord.CloseWindow(ctx, s.UserID, req.ChannelID)
}

func (h *Handler) handleSend(ctx context.Context, s *player.Session, raw json.RawMessage) (interface{}, error) {
	var req messagePayload
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if req.ChannelID <= 0 {
		return nil, apperr.ErrBadRequest.With("channel_id required")
	}
	_, err := h.coord.SendMessage(ctx, s.UserID, req.ChannelID, req.Content)
	return nil, err
}

// moderation returns the handler of one moderation kind.
func (h *Handler) moderation(kind event.Inbound) HandlerFunc {
	return func(ctx context.Context, s *player.Session, raw json.RawMessage) (interface{}, error) {
		var req moderationPayload
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
		if req.ChannelID <= 0 || req.TargetID <= 0 {
			return nil, apperr.ErrBadRequest.With("channel_id and target_id required")
		}
		return nil, h.coord.Moderate(ctx, s.UserID, req.ChannelID, req.TargetID, kind, muteUntil(req, time.Now()))
	}
}

// maxMuteMinutes caps a relative mute at one year.
const maxMuteMinutes = 365 * 24 * 60

// muteUntil resolves the requested deadline. Zero means the server default.
func muteUntil(req moderationPayload, now time.Time) time.Time {
	switch {
	case req.Until != nil:
		return *req.Until
	case req.Minutes > 0:
		return now.Add(time.Duration(min(req.Minutes, maxMuteMinutes)) * time.Minute)
	}
	return time.Time{}
}

func (h *Handler) handleSetAdmin(ctx context.Context, s *player.Session, raw json.RawMessage) (interface{}, error) {
	var req setAdminPayload
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if req.ChannelID <= 0 || req.TargetID <= 0 {
		return nil, apperr.ErrBadRequest.With("channel_id and target_id required")
	}
	return nil, h.coord.SetAdmin(ctx, s.UserID, req.ChannelID, req.TargetID, req.Grant)
}
