package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kawacukennedy/polygot-sub000/internal/delivery/http/middleware"
	"github.com/kawacukennedy/polygot-sub000/internal/notify"
	"github.com/kawacukennedy/polygot-sub000/internal/runner"
	"github.com/kawacukennedy/polygot-sub000/internal/usecase"
)

// requestBodyLimit bounds the whole request body; it leaves headroom above the
// 1MB code cap enforced in the usecase layer.
const requestBodyLimit = 2 << 20

// NewRouter creates and configures the Gin router with all routes and middleware.
func NewRouter(
	service *usecase.ExecutionService,
	registry *runner.Registry,
	subscriber notify.EventSubscriber,
	healthChecks map[string]HealthCheck,
	logger *zap.Logger,
	rateLimitPerMin int,
) *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS())
	router.Use(middleware.Logger(logger))

	// Metrics endpoint (no auth, scraped from inside the cluster)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 group
	v1 := router.Group("/api/v1")
	{
		// Health check (no auth, no rate limiting)
		healthHandler := NewHealthHandler(logger, healthChecks)
		v1.GET("/health", healthHandler.Health)

		// Languages
		langHandler := NewLanguageHandler(registry)
		v1.GET("/languages", langHandler.List)

		authed := v1.Group("")
		authed.Use(middleware.Identity())
		authed.Use(middleware.RateLimiter(rateLimitPerMin))
		authed.Use(middleware.BodySizeLimit(requestBodyLimit))
		{
			execHandler := NewExecutionHandler(service, logger)
			authed.POST("/executions", execHandler.Submit)
			authed.GET("/executions/:id", execHandler.GetByID)
			authed.POST("/snippets/:id/run", execHandler.RunSnippet)

			// WebSocket for real-time status updates
			wsHandler := NewWebSocketHandler(subscriber, logger)
			authed.GET("/executions/stream", wsHandler.Stream)
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.Identity())
		admin.Use(middleware.RequireAdmin())
		{
			adminHandler := NewAdminHandler(service, logger)
			admin.GET("/executions", adminHandler.List)
			admin.POST("/executions/:id/rerun", adminHandler.Rerun)
			admin.POST("/executions/:id/kill", adminHandler.Kill)
		}
	}

	return router
}
