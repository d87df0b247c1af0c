package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/pongchat/server/api/rest"
	"github.com/pongchat/server/api/sse"
	apiws "github.com/pongchat/server/api/ws"
	"github.com/pongchat/server/audit"
	"github.com/pongchat/server/cache"
	"github.com/pongchat/server/config"
	dbadapter "github.com/pongchat/server/db"
	"github.com/pongchat/server/game/channel"
	"github.com/pongchat/server/game/keylock"
	"github.com/pongchat/server/game/match"
	"github.com/pongchat/server/game/notify"
	"github.com/pongchat/server/game/player"
	"github.com/pongchat/server/game/presence"
	"github.com/pongchat/server/game/relation"
	"github.com/pongchat/server/game/session"
	"github.com/pongchat/server/game/users"
	mw "github.com/pongchat/server/middleware"
	"github.com/pongchat/server/model"
	"github.com/pongchat/server/plugin/hook"
	"github.com/pongchat/server/scheduler"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// App is a fully wired server.
type App struct {
	Engine      *gin.Engine
	DB          *gorm.DB
	Cache       cache.Cache
	PubSub      cache.PubSub
	Sessions    *player.SessionManager
	Coordinator *session.Coordinator
	Hooks       *hook.Center
	Scheduler   *scheduler.Scheduler
	Audit       *audit.Service

	logger *zap.Logger
}

// NewApp opens storage, resets presence left over from a previous run and
// wires every component.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Cache / PubSub ----
	c, err := cache.NewCache(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	pubsub, err := cache.NewPubSub(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("pubsub: %w", err)
	}
	logger.Info("Cache initialized", zap.Bool("redis", cfg.Cache.RedisAddr != ""))

	// ---- Boot reset: nobody is connected yet ----
	registry := presence.NewRegistry(c)
	dir := users.NewDirectory(db)
	if n, err := registry.Reset(ctx); err != nil {
		return nil, fmt.Errorf("presence reset: %w", err)
	} else if n > 0 {
		logger.Info("stale presence cleared", zap.Int("records", n))
	}
	if n, err := dir.ResetStatuses(ctx); err != nil {
		return nil, fmt.Errorf("status reset: %w", err)
	} else if n > 0 {
		logger.Info("stale statuses cleared", zap.Int64("users", n))
	}

	// ---- Core services ----
	auditSvc := audit.New(db, logger)
	hooks := hook.New(logger)
	locks := keylock.New()
	sm := player.NewSessionManager(logger)
	channels := channel.NewManager(db, locks, logger)
	matches := match.NewMatchmaker(db, logger)
	store := relation.NewGormStore(db)
	disp := notify.NewDispatcher(sm, channels, registry, store, pubsub, logger)
	relations := relation.NewEngine(store, dir, registry, locks, disp, hooks, logger)
	coord := session.NewCoordinator(session.Deps{
		Presence:  registry,
		Channels:  channels,
		Relations: relations,
		Matches:   matches,
		Users:     dir,
		Notify:    disp,
		Sessions:  sm,
		Locks:     locks,
		Cache:     c,
		Audit:     auditSvc,
		Hooks:     hooks,
		Social:    cfg.Social,
		Logger:    logger,
	})

	// ---- Periodic Scheduler Tasks ----
	sched := scheduler.New(logger)
	if cfg.Social.MuteSweepInterval > 0 {
		sched.Every("mute_expiry", cfg.Social.MuteSweepInterval, func(ctx context.Context) error {
			_, err := coord.ExpireMutes(ctx)
			return err
		})
	}

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	limit := rate.Limit(cfg.Security.RateLimitRPS)

	r.GET("/health", func(ctx *gin.Context) {
		pctx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(pctx)
		}
		if err == nil {
			err = c.Ping(pctx)
		}
		if err != nil {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "ok", "online": sm.UserCount()})
	})

	// ---- REST API routes ----
	authH := apirest.NewAuthHandler(db, c, cfg.Security, auditSvc, logger)
	socialH := apirest.NewSocialHandler(relations)
	channelH := apirest.NewChannelHandler(channels)
	presenceH := apirest.NewPresenceHandler(coord, dir)
	adminH := apirest.NewAdminHandler(sm, registry, matches, sched, auditSvc, disp, logger)
	requireAuth := mw.Auth(cfg.Security, c)

	api := r.Group("/api")
	api.Use(mw.RateLimit(limit, cfg.Security.RateLimitBurst))
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", requireAuth, authH.Logout)
		authG.POST("/refresh", requireAuth, authH.Refresh)

		socialG := api.Group("/social", requireAuth)
		socialG.GET("/friends", socialH.ListFriends)
		socialG.GET("/blocks", socialH.ListBlocks)
		socialG.GET("/incoming-friends", socialH.ListIncomingFriends)
		socialG.GET("/incoming-blocks", socialH.ListIncomingBlocks)
		socialG.POST("/friends/:id", socialH.AddFriend)
		socialG.DELETE("/friends/:id", socialH.RemoveFriend)
		socialG.POST("/blocks/:id", socialH.AddBlock)
		socialG.DELETE("/blocks/:id", socialH.RemoveBlock)

		channelsG := api.Group("/channels", requireAuth)
		channelsG.GET("", channelH.Mine)
		channelsG.POST("", channelH.Create)
		channelsG.GET("/:id", channelH.Get)
		channelsG.GET("/:id/members", channelH.Members)

		api.GET("/presence/:id", requireAuth, presenceH.Get)

		adminG := api.Group("/admin", mw.IPWhitelist(cfg.Server.AdminIPs), mw.AdminKey(cfg.Server.AdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/online", adminH.ListOnline)
		adminG.POST("/disconnect/:id", adminH.Disconnect)
		adminG.GET("/scheduler", adminH.ListSchedulerTasks)
		adminG.POST("/announce", adminH.Announce)
		adminG.GET("/audit", adminH.ListAudit)
		adminG.POST("/scheduler/:name/run", adminH.RunSchedulerTask)
	}

	// ---- WebSocket ----
	wsLimiters := mw.NewLimiters(limit, cfg.Security.RateLimitBurst)
	wsH := apiws.NewHandler(c, cfg.Security, sm, coord, relations, dir, wsLimiters, apiws.NewRouter(logger), logger)
	r.GET("/ws", wsH.ServeWS)

	// ---- SSE ----
	sseH := sse.NewHandler(pubsub, c, cfg.Security, logger)
	r.GET("/sse", sseH.ServeSSE)

	return &App{
		Engine:      r,
		DB:          db,
		Cache:       c,
		PubSub:      pubsub,
		Sessions:    sm,
		Coordinator: coord,
		Hooks:       hooks,
		Scheduler:   sched,
		Audit:       auditSvc,
		logger:      logger,
	}, nil
}

// Close stops background work and flushes pending audit entries.
func (a *App) Close() {
	a.Scheduler.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Audit.Stop(ctx); err != nil {
		a.logger.Warn("audit flush incomplete", zap.Error(err))
	}
	_ = a.PubSub.Close()
	_ = a.Cache.Close()
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	a.logger.Info("server stopped")
}
