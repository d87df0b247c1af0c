package rest

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pongchat/server/game/relation"
	mw "github.com/pongchat/server/middleware"
)

// SocialHandler exposes the caller's friend and block edges.
type SocialHandler struct {
	relations *relation.Engine
}

// NewSocialHandler creates a new SocialHandler.
func NewSocialHandler(relations *relation.Engine) *SocialHandler {
	return &SocialHandler{relations: relations}
}

// ListFriends handles GET /api/social/friends.
func (h *SocialHandler) ListFriends(c *gin.Context) {
	list, err := h.relations.ListFriends(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": nonNil(list)})
}

// ListBlocks handles GET /api/social/blocks.
func (h *SocialHandler) ListBlocks(c *gin.Context) {
	list, err := h.relations.ListBlocks(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": nonNil(list)})
}

// ListIncomingFriends handles GET /api/social/incoming-friends.
func (h *SocialHandler) ListIncomingFriends(c *gin.Context) {
	ids, err := h.relations.ListIncomingFriends(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_ids": nonNil(ids)})
}

// ListIncomingBlocks handles GET /api/social/incoming-blocks.
func (h *SocialHandler) ListIncomingBlocks(c *gin.Context) {
	ids, err := h.relations.ListIncomingBlocks(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_ids": nonNil(ids)})
}

// AddFriend handles POST /api/social/friends/:id.
func (h *SocialHandler) AddFriend(c *gin.Context) {
	target, ok := paramID(c, "id")
	if !ok {
		return
	}
	rel, err := h.relations.AddFriend(c.Request.Context(), mw.GetUserID(c), target)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"relation": rel})
}

// AddBlock handles POST /api/social/blocks/:id.
func (h *SocialHandler) AddBlock(c *gin.Context) {
	target, ok := paramID(c, "id")
	if !ok {
		return
	}
	rel, err := h.relations.AddBlock(c.Request.Context(), mw.GetUserID(c), target)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"relation": rel})
}

// RemoveFriend handles DELETE /api/social/friends/:id.
func (h *SocialHandler) RemoveFriend(c *gin.Context) {
	h.remove(c, h.relations.UnFriend)
}

// RemoveBlock handles DELETE /api/social/blocks/:id.
func (h *SocialHandler) RemoveBlock(c *gin.Context) {
	h.remove(c, h.relations.UnBlock)
}

func (h *SocialHandler) remove(c *gin.Context, fn func(ctx context.Context, sender, receiver int64) error) {
	target, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), mw.GetUserID(c), target); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
