package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"stockroom/backend/internal/cache"
	"stockroom/backend/internal/config"
	"stockroom/backend/internal/httpapi"
	"stockroom/backend/internal/logging"
	"stockroom/backend/internal/report"
	"stockroom/backend/internal/service"
	"stockroom/backend/internal/store"
	"stockroom/backend/internal/store/memory"
	"stockroom/backend/internal/store/sqlstore"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Environment)
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("repository unavailable; refusing to start with in-memory fallback", zap.Error(err))
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	var guard cache.SubmissionGuard = cache.NewMemorySubmissionGuard()
	var limiterStore limiter.Store
	if cfg.RedisAddr != "" {
		redisGuard := cache.NewRedisSubmissionGuard(cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB))
		if err := redisGuard.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using in-process guard and limiter", zap.Error(err))
			_ = redisGuard.Close()
		} else {
			guard = redisGuard
			closers = append(closers, redisGuard.Close)
			limiterStore, err = sredis.NewStoreWithOptions(redisGuard.Client(), limiter.StoreOptions{
				Prefix:   "stockroom:limiter",
				MaxRetry: 3,
			})
			if err != nil {
				logger.Warn("redis limiter store unavailable, using in-process limiter", zap.Error(err))
				limiterStore = nil
			}
			logger.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("cache: in-process")
	}

	svc := service.New(repo, service.Options{
		Guard:         guard,
		SubmissionTTL: time.Duration(cfg.SubmissionTTLSeconds) * time.Second,
		Logger:        logger.Named("audit"),
		Reports: report.Weekly{
			Dir:      cfg.ReportsDir,
			Currency: cfg.ReportCurrency,
			Location: cfg.Location(),
		},
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin:      cfg.AllowedOrigin,
		Logger:             logger,
		LimiterStore:       limiterStore,
		LoginRatePerMinute: cfg.LoginRatePerMinute,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("stockroom backend listening", zap.String("addr", cfg.Address()), zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

// openRepository connects to DATABASE_URL and applies the schema, or falls
// back to the seeded in-memory store when no database is configured.
func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("repository: in-memory")
		repo, err := memory.NewSeeded(logger.Named("memory"))
		if err != nil {
			return nil, nil, err
		}
		return repo, nil, nil
	}

	db, err := sqlstore.New(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", cfg.DatabaseDriver, err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	logger.Info("repository: sql", zap.String("driver", db.Driver()))
	return db, db.Close, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.Environment == "production" && cfg.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must name an origin in production")
	}
	return nil
}
