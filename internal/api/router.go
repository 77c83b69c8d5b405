package api

import (
	"sendflow/internal/metrics"
	"sendflow/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func RegisterRoutes(scheduleHandler *ScheduleHandler, authHandler *AuthHandler, rdb *redis.Client, requestsPerSecond int, env string) *gin.Engine {
	r := gin.New()

	// Global Middleware
	r.Use(
		middleware.CorsMiddleware(),
		middleware.RequestID(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(),
		middleware.TraceMiddleware(),
	)
	r.SetTrustedProxies(nil)

	// Public Routes
	r.GET("/health", scheduleHandler.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Auth Routes (Public)
	auth := r.Group("/v1/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/refresh", authHandler.Refresh)
	}

	// Auth Routes (Protected)
	authProtected := r.Group("/v1/auth")
	authProtected.Use(middleware.JWTMiddleware(env == "dev"))
	{
		authProtected.GET("/me", authHandler.Me)
		authProtected.POST("/logout", authHandler.Logout)
	}

	// Protected Routes
	// Enable Dev-Pass=true for debugging in dev
	protected := r.Group("/v1")
	protected.Use(middleware.JWTMiddleware(env == "dev"))

	// Rate Limiter for Write Operations
	writeLimiter := middleware.RateLimitMiddleware(rdb, requestsPerSecond)

	{
		protected.POST("/schedule", writeLimiter, scheduleHandler.Schedule)
		protected.GET("/schedule", scheduleHandler.ListScheduled)
		protected.GET("/schedule/:id", scheduleHandler.GetJob)
		protected.GET("/inbox", scheduleHandler.Inbox)
	}
	return r
}
