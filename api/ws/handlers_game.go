package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pongchat/server/game/event"
	"github.com/pongchat/server/game/player"
)

func (h *Handler) handleEnterMatching(ctx context.Context, s *player.Session, _ json.RawMessage) (interface{}, error) {
	return nil, h.coord.EnterMatching(ctx, s.UserID)
}

func (h *Handler) handleCancelMatching(ctx context.Context, s *player.Session, _ json.RawMessage) (interface{}, error) {
	return nil, h.coord.CancelMatching(ctx, s.UserID)
}

func (h *Handler) handleExitGame(ctx context.Context, s *player.Session, _ json.RawMessage) (interface{}, error) {
	return nil, h.coord.ExitGame(ctx, s.UserID)
}

// handlePing answers on the calling connection only.
func (h *Handler) handlePing(_ context.Context, s *player.Session, raw json.RawMessage) (interface{}, error) {
	var req struct {
		ClientTS int64 `json:"ts"`
	}
	_ = json.Unmarshal(raw, &req)
	_ = s.Emit(event.Pong, map[string]int64{"ts": req.ClientTS, "server_ts": time.Now().UnixMilli()})
	return nil, nil
}
