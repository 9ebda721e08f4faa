package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/recipe-auth-api/api/swagger"
	"github.com/noah-isme/recipe-auth-api/internal/middleware"
	"github.com/noah-isme/recipe-auth-api/internal/service"
	"github.com/noah-isme/recipe-auth-api/pkg/config"
	"github.com/noah-isme/recipe-auth-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/recipe-auth-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/recipe-auth-api/pkg/middleware/requestid"
	"github.com/noah-isme/recipe-auth-api/pkg/response"
)

// RouterDeps carries the services the HTTP layer is built from.
type RouterDeps struct {
	Auth    *service.AuthService
	Metrics *service.MetricsService
	Logger  *zap.Logger
	Checks  map[string]ReadinessCheck
}

// NewRouter builds the gin engine with every route and middleware mounted.
// Protected recipe routes hang off the returned API group.
func NewRouter(cfg *config.Config, deps RouterDeps) (*gin.Engine, *gin.RouterGroup) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(deps.Logger, "/health", "/metrics"))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(deps.Metrics, "/metrics", "/health", "/ready"))

	ops := NewMetricsHandler(deps.Metrics, deps.Checks)
	r.GET("/health", ops.Health)
	r.GET("/ready", ops.Ready)
	r.GET("/metrics", ops.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authHandler := NewAuthHandler(deps.Auth)
	requireAuth := middleware.JWT(deps.Auth)
	throttle := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst).Handler()

	auth := r.Group("/auth")
	auth.POST("/register", throttle, authHandler.Register)
	auth.POST("/login", throttle, authHandler.Login)
	auth.POST("/refresh", throttle, authHandler.Refresh)
	auth.POST("/logout", authHandler.Logout)
	auth.GET("/me", requireAuth, authHandler.Me)
	auth.GET("/sessions", requireAuth, authHandler.Sessions)
	auth.DELETE("/sessions/:id", requireAuth, authHandler.RevokeSession)

	api := r.Group(cfg.APIPrefix, requireAuth)
	api.GET("/session", func(c *gin.Context) {
		principal, _ := middleware.PrincipalFrom(c)
		response.JSON(c, http.StatusOK, gin.H{
			"userId":    principal.UserID,
			"sessionId": principal.SessionID,
			"expiresAt": principal.ExpiresAt,
		})
	})

	return r, api
}
