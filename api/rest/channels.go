package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pongchat/server/apperr"
	"github.com/pongchat/server/game/channel"
	mw "github.com/pongchat/server/middleware"
	"github.com/pongchat/server/model"
)

// ChannelHandler creates channels and reads their membership. Joining and
// leaving go through the WebSocket so presence stays consistent.
type ChannelHandler struct {
	channels *channel.Manager
}

// NewChannelHandler creates a new ChannelHandler.
func NewChannelHandler(channels *channel.Manager) *ChannelHandler {
	return &ChannelHandler{channels: channels}
}

type createChannelRequest struct {
	Name     string            `json:"name" binding:"required"`
	Kind     model.ChannelKind `json:"kind"`
	Password string            `json:"password"`
}

// Create handles POST /api/channels. The caller becomes the owner.
func (h *ChannelHandler) Create(c *gin.Context) {
	var req createChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Kind == model.ChannelDM {
		fail(c, apperr.ErrBadRequest.With("direct-message channels are opened with enter-dm"))
		return
	}
	ch, err := h.channels.Create(c.Request.Context(), mw.GetUserID(c), req.Name, req.Kind, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"channel": ch})
}

// Get handles GET /api/channels/:id.
func (h *ChannelHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ch, err := h.channels.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch})
}

// Members handles GET /api/channels/:id/members. Only members may list.
func (h *ChannelHandler) Members(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	mem, err := h.channels.Member(ctx, id, mw.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	if mem == nil {
		fail(c, apperr.ErrNotMember)
		return
	}
	members, err := h.channels.Members(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// Mine handles GET /api/channels. It lists the caller's channels.
func (h *ChannelHandler) Mine(c *gin.Context) {
	list, err := h.channels.ChannelsOf(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": nonNil(list)})
}
