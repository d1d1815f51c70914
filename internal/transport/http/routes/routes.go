package routes

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arklim/ipc-gateway/internal/audit"
	"github.com/arklim/ipc-gateway/internal/gateway"
	"github.com/arklim/ipc-gateway/internal/infra/config"
	"github.com/arklim/ipc-gateway/internal/ratelimit"
	"github.com/arklim/ipc-gateway/internal/session"
	"github.com/arklim/ipc-gateway/internal/transport/http/handlers"
	"github.com/arklim/ipc-gateway/internal/transport/http/middleware"
)

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config   *config.AppConfig
	Logger   *zap.Logger
	Gateway  *gateway.Gateway
	Sessions *session.Manager
	Limiter  *ratelimit.Limiter
	Recorder *audit.Recorder
	Database DatabaseChecker
	Cache    CacheChecker
}

// DatabaseChecker exposes readiness behaviour for database connections.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// CacheChecker exposes readiness behaviour for cache backends.
type CacheChecker interface {
	HealthCheck(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))

	healthOptions := make([]handlers.HealthOption, 0, 2)
	if deps.Database != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("postgres", deps.Database.Ping))
	}
	if deps.Cache != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("redis", deps.Cache.HealthCheck))
	}
	healthHandler := handlers.NewHealthHandler(healthOptions...)

	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Readiness)
	r.GET(deps.Config.Telemetry.MetricsPath, gin.WrapH(promhttp.Handler()))

	sessionHandler := handlers.NewSessionHandler(deps.Sessions)
	dispatchHandler := handlers.NewDispatchHandler(deps.Gateway)
	statsHandler := handlers.NewStatsHandler(deps.Sessions, deps.Limiter, deps.Recorder)

	v1 := r.Group("/v1")
	{
		v1.POST("/session", sessionHandler.Create)
		v1.POST("/session/enroll", sessionHandler.Enroll)
		v1.POST("/session/verify", sessionHandler.Verify)
		v1.POST("/session/refresh", sessionHandler.Refresh)
		v1.DELETE("/session", sessionHandler.Terminate)

		v1.POST("/dispatch", dispatchHandler.Dispatch)

		v1.GET("/stats", statsHandler.Stats)
	}

	return r
}
