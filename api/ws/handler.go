package ws

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/cache"
	"github.com/pongchat/server/config"
	"github.com/pongchat/server/game/event"
	"github.com/pongchat/server/game/player"
	"github.com/pongchat/server/game/relation"
	"github.com/pongchat/server/game/session"
	"github.com/pongchat/server/game/users"
	mw "github.com/pongchat/server/middleware"
	"go.uber.org/zap"
)

// Handler is the Gin handler for GET /ws.
type Handler struct {
	cache     cache.Cache
	sec       config.SecurityConfig
	sm        *player.SessionManager
	coord     *session.Coordinator
	relations *relation.Engine
	users     *users.Directory
	limiters  *mw.Limiters
	router    *Router
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only). limiters may be nil.
func NewHandler(
	c cache.Cache,
	sec config.SecurityConfig,
	sm *player.SessionManager,
	coord *session.Coordinator,
	relations *relation.Engine,
	dir *users.Directory,
	limiters *mw.Limiters,
	router *Router,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		cache:     c,
		sec:       sec,
		sm:        sm,
		coord:     coord,
		relations: relations,
		users:     dir,
		limiters:  limiters,
		router:    router,
		logger:    logger,
	}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Table binds every inbound event to its handler.
func (h *Handler) Table() Table {
	return Table{
		event.JoinChannel:        h.handleJoin,
		event.LeaveChannel:       h.handleLeave,
		event.CloseChannel:       h.handleClose,
		event.CloseChannelWindow: h.handleCloseWindow,
		event.SendMessage:        h.handleSend,
		event.Kick:               h.moderation(event.Kick),
		event.Ban:                h.moderation(event.Ban),
		event.Mute:               h.moderation(event.Mute),
		event.Unmute:             h.moderation(event.Unmute),
		event.Unban:              h.moderation(event.Unban),
		event.SetAdmin:           h.handleSetAdmin,
		event.AddFriend:          h.handleAddFriend,
		event.AddBlock:           h.handleAddBlock,
		event.RemoveFriend:       h.handleRemoveFriend,
		event.RemoveBlock:        h.handleRemoveBlock,
		event.EnterDM:            h.handleEnterDM,
		event.EnterMatching:      h.handleEnterMatching,
		event.CancelMatching:     h.handleCancelMatching,
		event.ExitGame:           h.handleExitGame,
		event.Ping:               h.handlePing,
	}
}

// ServeWS handles GET /ws?token=<jwt>.
func (h *Handler) ServeWS(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	claims, ok := mw.Authenticate(c.Request.Context(), tokenStr, h.sec, h.cache)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	ctx := context.Background()
	sess := player.NewSession(claims.UserID, h.users.Nickname(ctx, claims.UserID), conn, h.logger)
	h.sm.Register(sess)
	if err := h.coord.Connect(ctx, sess.UserID); err != nil {
		h.logger.Error("presence connect failed", zap.Int64("user_id", sess.UserID), zap.Error(err))
		h.teardown(ctx, sess)
		return
	}
	h.logger.Info("ws connected",
		zap.Int64("user_id", sess.UserID),
		zap.String("conn_id", sess.ID))

	// Blocks until the connection closes; the table goes with it.
	h.readPump(ctx, sess, h.Table())
}

// readPump reads messages from the WebSocket connection and dispatches them.
func (h *Handler) readPump(ctx context.Context, s *player.Session, table Table) {
	defer h.teardown(ctx, s)

	s.SetReadDeadline()
	s.Conn.SetPongHandler(func(string) error {
		s.SetReadDeadline()
		return nil
	})

	key := "ws:" + strconv.FormatInt(s.UserID, 10)
	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.Int64("user_id", s.UserID),
					zap.Error(err))
			}
			return
		}
		// Reset read deadline on any message (heartbeat or otherwise).
		s.SetReadDeadline()
		if h.limiters != nil && !h.limiters.Allow(key) {
			h.router.reply(s, event.Error, ErrorPayload{
				Code: apperr.ErrRateLimited.Code, Message: apperr.ErrRateLimited.Message,
			})
			continue
		}
		h.router.Dispatch(ctx, s, table, raw)
	}
}

// teardown releases the connection. Presence is only torn down once the
// user's last connection is gone.
func (h *Handler) teardown(ctx context.Context, s *player.Session) {
	s.Close()
	last := h.sm.Unregister(s)
	if err := h.coord.Disconnect(ctx, s.UserID); err != nil {
		h.logger.Error("presence disconnect failed", zap.Int64("user_id", s.UserID), zap.Error(err))
	}
	h.logger.Info("ws disconnected",
		zap.Int64("user_id", s.UserID),
		zap.String("conn_id", s.ID),
		zap.Bool("last", last))
}
