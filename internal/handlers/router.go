package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/config"
	"github.com/mossy-p/webrtc-roulette/internal/metrics"
	"github.com/mossy-p/webrtc-roulette/internal/middleware"
	"github.com/mossy-p/webrtc-roulette/internal/moderation"
)

// Store is what the relay keeps in Redis.
type Store interface {
	moderation.Checker
	LobbyStore
}

// NewRouter assembles the relay's HTTP surface.
func NewRouter(cfg *config.Config, store Store, reg *prometheus.Registry, log *zap.Logger) (*gin.Engine, *Lobby) {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	lobby := NewLobby(cfg.JWTSecret, store, metrics.NewRelay(reg), cfg.RateLimit, log.Named("lobby"))
	mod := &Moderation{Store: store, Log: log.Named("moderation")}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(log.Named("http")))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "members": lobby.Size()})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler(reg)))

	api := router.Group("/api")
	{
		api.POST("/auth/login", Login(cfg.JWTSecret, cfg.TokenTTL, log.Named("auth")))

		authed := api.Group("/moderation", middleware.JWTAuth(cfg.JWTSecret))
		authed.GET("/status", mod.Status)
		authed.POST("/connected", mod.Connected)
		authed.POST("/disconnected", mod.Disconnected)
	}

	ws := router.Group("/ws")
	{
		// The token travels as a query parameter; browsers cannot set
		// headers on a WebSocket handshake.
		ws.GET("/signal", lobby.HandleSignaling)
	}

	return router, lobby
}
