package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Test       *handler.TestHandler
	Preference *handler.PreferenceHandler
	WS         *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// ctx bounds background housekeeping such as rate limiter cleanup.
func SetupRouter(
	ctx context.Context,
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())

	// Recordings and listening audio are already compressed.
	router.Use(middleware.BrotliWithConfig(middleware.BrotliConfig{
		Skipper: middleware.SkipPathPrefix("/uploads"),
	}))

	uploadsGroup := router.Group("/uploads")
	uploadsGroup.Use(middleware.CacheControl(365*24*time.Hour, true))
	{
		uploadsGroup.Static("/", cfg.UploadDir)
	}

	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. REST (JWT + Single Device) ─────────────────────────────────
	api := router.Group("/api/v1")
	api.Use(
		middleware.RequireJWT(authService),
		middleware.CheckSingleDeviceSession(authService),
	)
	{
		api.GET("/tests/:test_id/material", handlers.Test.GetMaterial)
		api.GET("/tests/:test_id/answers", handlers.Test.GetAnswers)
		api.POST("/tests/:test_id/refresh-cache",
			middleware.RequireRole(model.RoleTeacher),
			handlers.Test.RefreshMaterial,
		)

		api.GET("/me/volume", handlers.Preference.GetVolume)
		api.PUT("/me/volume", handlers.Preference.PutVolume)
	}

	// Reconnect storms after a network blip are throttled per user.
	wsLimiter := middleware.NewRateLimiter(ctx, 30, time.Minute)

	// ─── 2. WebSocket (query token + Single Device) ────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireWSAuth(authService),
		middleware.CheckSingleDeviceSession(authService),
		wsLimiter.Middleware(),
	)
	{
		ws.GET("/tests/:test_id/stream", handlers.WS.TestStream)
	}

	return router
}
