// Package sse mirrors a user's notifications over server-sent events for
// clients that cannot hold a WebSocket.
package sse

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/pongchat/server/cache"
	"github.com/pongchat/server/config"
	"github.com/pongchat/server/game/notify"
	mw "github.com/pongchat/server/middleware"
	"go.uber.org/zap"
)

const (
	keepaliveInterval = 30 * time.Second
	retryMillis       = 3000
)

// Handler serves GET /sse.
type Handler struct {
	pubsub    cache.PubSub
	sec       config.SecurityConfig
	c         cache.Cache
	keepalive time.Duration
	logger    *zap.Logger
}

func NewHandler(pubsub cache.PubSub, c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, c: c, sec: sec, keepalive: keepaliveInterval, logger: logger}
}

// frame turns a mirrored packet into an SSE event named after its type and
// carrying its id. Payloads that are not packets go out as "message".
func frame(payload string) sse.Event {
	var pkt struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	ev := sse.Event{Event: "message", Data: payload}
	if err := json.Unmarshal([]byte(payload), &pkt); err == nil {
		if pkt.Type != "" {
			ev.Event = pkt.Type
		}
		ev.Id = pkt.ID
	}
	return ev
}

// token reads the session token from the query or a bearer header.
func token(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	t, _ := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	return strings.TrimSpace(t)
}

// ServeSSE streams every notification addressed to the caller plus
// announcements until the client goes away or the bus closes.
func (h *Handler) ServeSSE(c *gin.Context) {
	tok := token(c)
	if tok == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	claims, ok := mw.Authenticate(c.Request.Context(), tok, h.sec, h.c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}
	userID := claims.UserID

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	msgs, unsub, err := h.pubsub.Subscribe(ctx, notify.UserChannel(userID), notify.AnnounceChannel)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Int64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notifications unavailable", "code": "unavailable"})
		return
	}
	defer unsub()

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	write := func(ev sse.Event) bool {
		if err := sse.Encode(c.Writer, ev); err != nil {
			h.logger.Debug("sse write failed", zap.Int64("user_id", userID), zap.Error(err))
			return false
		}
		c.Writer.Flush()
		return true
	}
	if !write(sse.Event{Event: "connected", Retry: retryMillis, Data: gin.H{"user_id": userID}}) {
		return
	}
	h.logger.Debug("sse connected", zap.Int64("user_id", userID))
	defer h.logger.Debug("sse closed", zap.Int64("user_id", userID))

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok || !write(frame(msg.Payload)) {
				return
			}
		case <-ticker.C:
			if _, err := c.Writer.WriteString(": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}
