package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/recipe-auth-api/internal/handler"
	"github.com/noah-isme/recipe-auth-api/internal/models"
	"github.com/noah-isme/recipe-auth-api/internal/repository"
	"github.com/noah-isme/recipe-auth-api/internal/service"
	"github.com/noah-isme/recipe-auth-api/pkg/cache"
	"github.com/noah-isme/recipe-auth-api/pkg/config"
	"github.com/noah-isme/recipe-auth-api/pkg/database"
	"github.com/noah-isme/recipe-auth-api/pkg/logger"
)

// @title Recipe Auth API
// @version 1.0.0
// @description Account, session and token lifecycle for the recipe app.
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

// app is everything main starts and stops.
type app struct {
	auth    *service.AuthService
	janitor *service.TokenJanitor
	checks  map[string]handler.ReadinessCheck
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := service.NewMetricsService()
	a, err := build(ctx, cfg, logr, metrics)
	if err != nil {
		logr.Fatal("failed to initialise storage", zap.Error(err))
	}
	defer a.close()

	if err := a.janitor.Start(ctx); err != nil {
		logr.Fatal("failed to start token janitor", zap.Error(err))
	}
	defer a.janitor.Stop()

	router, _ := handler.NewRouter(cfg, handler.RouterDeps{
		Auth:    a.auth,
		Metrics: metrics,
		Logger:  logr,
		Checks:  a.checks,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "storage", cfg.StorageDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

func build(ctx context.Context, cfg *config.Config, logr *zap.Logger, metrics *service.MetricsService) (*app, error) {
	issuer := service.NewTokenIssuer(service.TokenConfig{
		Secret:         cfg.JWT.Secret,
		Issuer:         cfg.JWT.Issuer,
		AccessTTL:      cfg.JWT.Expiration,
		RefreshTTL:     cfg.JWT.RefreshExpiration,
		RefreshHashKey: cfg.JWT.RefreshHashKey,
	})
	validate := validator.New()
	janitorCfg := service.JanitorConfig{Interval: cfg.Janitor.Interval, Workers: cfg.Janitor.Workers}
	a := &app{checks: map[string]handler.ReadinessCheck{}}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		a.closers = append(a.closers, func() { _ = redisClient.Close() })
		a.checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	switch cfg.StorageDriver {
	case config.StorageDriverMemory:
		logr.Warn("using in-memory storage, sessions will not survive a restart")
		store := repository.NewMemoryStore()
		revocations := newRevocations(store.Blacklist(), redisClient, metrics, logr)
		a.auth = service.NewAuthService(store.Users(), store.RefreshTokens(), revocations, issuer, validate, logr, metrics)
		a.janitor = service.NewTokenJanitor(store.RefreshTokens(), store.Blacklist(), metrics, logr, janitorCfg)
	default:
		db, err := database.NewPostgres(ctx, cfg.Database)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if cfg.Database.MigrateOnStart {
			if err := database.Migrate(ctx, db); err != nil {
				a.close()
				return nil, err
			}
		}
		a.checks["database"] = db.PingContext

		blacklist := repository.NewBlacklistRepository(db)
		refreshTokens := repository.NewRefreshTokenRepository(db)
		revocations := newRevocations(blacklist, redisClient, metrics, logr)
		a.auth = service.NewAuthService(repository.NewUserRepository(db), refreshTokens, revocations, issuer, validate, logr, metrics)
		a.janitor = service.NewTokenJanitor(refreshTokens, blacklist, metrics, logr, janitorCfg)
	}
	return a, nil
}

// blacklistStore is satisfied by both the Postgres and in-memory blacklists.
type blacklistStore interface {
	Exists(ctx context.Context, tokenKey string) (bool, error)
	RevokeSession(ctx context.Context, rev models.SessionRevocation) error
}

// newRevocations leaves the cache out entirely when Redis is disabled, so
// lookups are not counted as cache misses.
func newRevocations(store blacklistStore, client *redis.Client, metrics *service.MetricsService, logr *zap.Logger) *service.RevocationService {
	if client == nil {
		return service.NewRevocationService(store, nil, metrics, logr)
	}
	return service.NewRevocationService(store, repository.NewBlacklistCache(client), metrics, logr)
}
