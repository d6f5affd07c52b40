package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/astrid-app/astrid/internal/app"
	"github.com/astrid-app/astrid/internal/authn"
	"github.com/astrid-app/astrid/internal/health"
	"github.com/astrid-app/astrid/internal/observability"
	"github.com/astrid-app/astrid/internal/platform/cache"
	"github.com/astrid-app/astrid/internal/platform/db"
	"github.com/astrid-app/astrid/internal/secrets"
	"github.com/astrid-app/astrid/internal/shared"
	"github.com/astrid-app/astrid/internal/users"
	"github.com/astrid-app/astrid/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// A lost cache only degrades reads, so Redis being down is not fatal.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, cache degraded", slog.Any("error", err))
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	key, err := cfg.DecodeSecretsKey()
	if err != nil {
		logger.Error("decode secrets key", slog.Any("error", err))
		os.Exit(1)
	}
	cipher, err := secrets.NewCipher(key)
	if err != nil {
		logger.Error("init cipher", slog.Any("error", err))
		os.Exit(1)
	}

	verifier, err := authn.NewFirebaseVerifier(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsFile)
	if err != nil {
		logger.Error("init token verifier", slog.Any("error", err))
		os.Exit(1)
	}

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	usersRepo := users.NewRepository(pool)
	profileCache := users.NewProfileCache(redisClient, cfg.ProfileCacheTTL)
	usersService := users.NewService(logger, usersRepo, nil, cipher, profileCache, jobsClient)
	auditRecorder := shared.NewAuditRecorder(pool)
	usersHandler := users.NewHandler(logger, usersService, auditRecorder)

	healthHandler := health.NewHandler(logger, pool, redisClient)
	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		Authn:         authn.RequireToken(verifier, logger),
		UsersHandler:  usersHandler,
		HealthHandler: healthHandler,
		JobsHandler:   jobsHandler,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
