package rest

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pongchat/server/audit"
	"github.com/pongchat/server/game/match"
	"github.com/pongchat/server/game/player"
	"github.com/pongchat/server/game/presence"
	mw "github.com/pongchat/server/middleware"
	"github.com/pongchat/server/scheduler"
	"go.uber.org/zap"
)

// Announcer broadcasts a server-wide message.
type Announcer interface {
	Announce(ctx context.Context, message string)
}

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by the AdminKey middleware.
type AdminHandler struct {
	sm       *player.SessionManager
	presence *presence.Registry
	matches  *match.Matchmaker
	sched    *scheduler.Scheduler
	audit    *audit.Service
	announce Announcer
	logger   *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	sm *player.SessionManager,
	reg *presence.Registry,
	matches *match.Matchmaker,
	sched *scheduler.Scheduler,
	auditSvc *audit.Service,
	announcer Announcer,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		sm:    sm, presence: reg, matches: matches, sched: sched,
		audit: auditSvc, announce: announcer, logger: logger,
	}
}

// Metrics returns server health metrics.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online_users":     h.sm.UserCount(),
		"connections":      h.sm.Count(),
		"matching_waiting": h.matches.Waiting(),
		"scheduler_tasks":  h.sched.Names(),
		"audit":            h.audit.Stats(),
	})
}

// ListOnline returns the users holding a presence record with their state.
// GET /api/admin/online
func (h *AdminHandler) ListOnline(c *gin.Context) {
	ctx := c.Request.Context()
	ids, err := h.presence.Online(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	result := make([]presence.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := h.presence.Get(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		result = append(result, *rec)
	}
	c.JSON(http.StatusOK, gin.H{"users": result, "count": len(result)})
}

// Disconnect closes every connection of a user. Presence teardown follows
// from the WebSocket handler once the last connection is gone.
// POST /api/admin/disconnect/:id
func (h *AdminHandler) Disconnect(c *gin.Context) {
	userID, ok := paramID(c, "id")
	if !ok {
		return
	}
	n := h.sm.Disconnect(userID)
	h.audit.Log(audit.Entry{
		TraceID:  mw.GetTraceID(c),
		ActorID:  audit.Int64(userID),
		Action:   audit.ActionDisconnect,
		Response: map[string]int{"connections": n},
		IP:       c.ClientIP(),
	})
	if n == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not online"})
		return
	}
	h.logger.Info("admin disconnected user", zap.Int64("user_id", userID), zap.Int("connections", n))
	c.JSON(http.StatusOK, gin.H{"ok": true, "connections": n})
}

// ListSchedulerTasks returns the registered tasks with their run counters.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.Names(), "details": h.sched.Tasks()})
}

// RunSchedulerTask runs a task now instead of waiting for its interval.
// POST /api/admin/scheduler/:name/run
func (h *AdminHandler) RunSchedulerTask(c *gin.Context) {
	name := c.Param("name")
	if !h.sched.Run(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task", "code": "not_found"})
		return
	}
	h.logger.Info("admin triggered task", zap.String("task", name))
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "task": name})
}

type announceRequest struct {
	Message string `json:"message" binding:"required,max=500"`
}

// Announce sends a message to every connection and SSE subscriber.
// POST /api/admin/announce
func (h *AdminHandler) Announce(c *gin.Context) {
	var req announceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.announce.Announce(c.Request.Context(), req.Message)
	h.audit.Log(audit.Entry{
		TraceID: mw.GetTraceID(c),
		Action:  audit.ActionAnnounce,
		Request: req,
		IP:      c.ClientIP(),
	})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type auditQuery struct {
	Action    string    `form:"action"`
	ActorID   int64     `form:"actor_id" binding:"min=0"`
	ChannelID int64     `form:"channel_id" binding:"min=0"`
	Since     time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit     int       `form:"limit" binding:"min=0,max=500"`
}

// ListAudit returns stored audit entries, newest first.
// GET /api/admin/audit?action=&actor_id=&channel_id=&since=&limit=
func (h *AdminHandler) ListAudit(c *gin.Context) {
	var q auditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logs, err := h.audit.Query(c.Request.Context(), audit.Filter{
		Action:    q.Action,
		ActorID:   q.ActorID,
		ChannelID: q.ChannelID,
		Since:     q.Since,
		Limit:     q.Limit,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": logs, "count": len(logs)})
}
