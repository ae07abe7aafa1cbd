package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/handler"
	"github.com/stemsi/exstem-assessment/internal/metrics"
	"github.com/stemsi/exstem-assessment/internal/middleware"
	"github.com/stemsi/exstem-assessment/internal/response"
	"github.com/stemsi/exstem-assessment/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	Proctor *handler.ProctorHandler
	Stream  *handler.StreamHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// Deps are the non-handler collaborators the routes need.
type Deps struct {
	Auth *service.AuthService
	// Sessions checks session ownership for examinee routes.
	Sessions middleware.SessionAuthorizer
	// IntegrityLimiter bounds integrity reports per session.
	IntegrityLimiter *middleware.RateLimiter
	Log              zerolog.Logger
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(handlers *Handlers, deps Deps, cfg *config.Config) *gin.Engine {
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
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware(deps.Log))
	router.Use(metrics.Middleware())
	brotliCfg := middleware.DefaultBrotliConfig
	brotliCfg.ExcludedPaths = []string{"/metrics"}
	router.Use(middleware.BrotliWithConfig(brotliCfg))

	router.GET("/health", handlers.System.Health)
	router.GET("/metrics", metrics.Handler())

	examinee := []gin.HandlerFunc{
		middleware.RequireExaminee(deps.Auth),
		middleware.RequireSessionOwner(deps.Sessions),
	}
	// Reports over the limit are counted, not stored.
	integrityLimit := deps.IntegrityLimiter.ThrottleBy(func(c *gin.Context) string {
		return middleware.GetSessionID(c).String()
	})

	// ─── 1. Examinee Group ─────────────────────────────────────────────
	api := router.Group("/api/v1")
	api.Use(middleware.NoStore())
	{
		api.POST("/assessments/:assessment_id/sessions",
			middleware.RequireExaminee(deps.Auth),
			handlers.Session.CreateSession,
		)

		sessions := api.Group("/sessions/:session_id", examinee...)
		{
			sessions.GET("", handlers.Session.GetSession)
			sessions.POST("/answers", handlers.Session.RecordAnswer)
			sessions.POST("/integrity-events", integrityLimit, handlers.Session.RecordIntegrityEvent)
			sessions.POST("/submit", handlers.Session.Submit)
			sessions.GET("/status", handlers.Session.GetStatus)
			sessions.GET("/result", handlers.Session.GetResult)
		}
	}

	// ─── 2. WebSocket Group (token in query) ───────────────────────────
	ws := router.Group("/ws/v1")
	{
		ws.GET("/sessions/:session_id/stream", append(examinee, handlers.Stream.SessionStream)...)
	}

	// ─── 3. Proctor Group ──────────────────────────────────────────────
	proctor := router.Group("/api/v1/proctor")
	proctor.Use(middleware.RequireProctor(deps.Auth), middleware.NoStore())
	{
		ps := proctor.Group("/sessions/:session_id", middleware.ParseSessionID())
		{
			ps.GET("", handlers.Proctor.Review)
			ps.GET("/answers/:question_id/history", handlers.Proctor.AnswerHistory)
			ps.POST("/abandon", handlers.Proctor.Abandon)
			ps.POST("/flag", handlers.Proctor.Flag)
		}

		proctor.GET("/assessments/:assessment_id/monitor", handlers.Monitor.MonitorAssessmentSSE)
		proctor.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	return router
}
