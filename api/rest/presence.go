package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pongchat/server/game/presence"
	"github.com/pongchat/server/game/session"
	"github.com/pongchat/server/game/users"
)

// PresenceHandler reports users' presence.
type PresenceHandler struct {
	coord *session.Coordinator
	users *users.Directory
}

// NewPresenceHandler creates a new PresenceHandler.
func NewPresenceHandler(coord *session.Coordinator, dir *users.Directory) *PresenceHandler {
	return &PresenceHandler{coord: coord, users: dir}
}

// Get handles GET /api/presence/:id. Users without a record are OFFLINE.
func (h *PresenceHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	u, err := h.users.ResolveUser(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	rec, err := h.coord.Presence(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	if rec == nil {
		rec = &presence.Record{UserID: id, State: presence.Offline}
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":  u.ID,
		"nickname": u.Nickname,
		"status":   u.Status,
		"presence": rec,
	})
}
