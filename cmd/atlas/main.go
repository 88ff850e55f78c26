package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/creative-atlas/atlas/internal/app"
	"github.com/creative-atlas/atlas/internal/auth"
	"github.com/creative-atlas/atlas/internal/capability"
	"github.com/creative-atlas/atlas/internal/engagement"
	engagementhttp "github.com/creative-atlas/atlas/internal/engagement/http"
	"github.com/creative-atlas/atlas/internal/engagement/postgres"
	"github.com/creative-atlas/atlas/internal/invalidation"
	"github.com/creative-atlas/atlas/internal/observability"
	"github.com/creative-atlas/atlas/internal/platform/cache"
	"github.com/creative-atlas/atlas/internal/platform/db"
	"github.com/creative-atlas/atlas/internal/shared"
	"github.com/creative-atlas/atlas/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{ApplicationName: "atlas"})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()
	if err := auth.EnsureSchema(ctx, dbpool); err != nil {
		logger.Error("auth schema", slog.Any("error", err))
		os.Exit(1)
	}
	if err := postgres.EnsureSchema(ctx, dbpool); err != nil {
		logger.Error("engagement schema", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	views := invalidation.NewRegistry(
		invalidation.NewCache(redisClient, cfg.CountsCacheTTL),
		logger,
		invalidation.NewMetrics(metrics.Registerer()),
	)
	views.SetEnqueuer(jobClient)

	sessions := engagement.NewSessions(engagement.Deps{
		Backends: engagement.Backends{
			Favorites: postgres.NewFavoritesRepository(dbpool),
			Likes:     postgres.NewLikesRepository(dbpool),
			Lists:     postgres.NewListRepository(dbpool),
			RSVPs:     postgres.NewRSVPRepository(dbpool),
		},
		Resolver: capability.NewResolver(postgres.NewEntitlementRepository(dbpool), logger, cfg.CapabilityTimeout),
		Views:    views,
		Logger:   logger,
	}, cfg.EngagementSessionIdle)
	sessions.RegisterRefetchers(views)

	go func() {
		if err := views.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("invalidation listener", slog.Any("error", err))
		}
	}()
	go sessions.RunSweeper(ctx, time.Minute)

	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	authHandler := auth.NewHandler(logger, auth.NewService(auth.NewRepository(dbpool)), sessionManager, csrfManager, sessions)
	engagementHandler := engagementhttp.NewHandler(logger, sessions, views,
		postgres.NewCountsRepository(dbpool),
		postgres.NewContactRepository(dbpool),
		engagementhttp.Config{
			CapabilityWait:     cfg.CapabilityTimeout,
			MutationsPerMinute: cfg.RateLimitPerMinute,
		},
	)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		SessionManager:    sessionManager,
		CSRFManager:       csrfManager,
		AuthHandler:       authHandler,
		EngagementHandler: engagementHandler,
		JobHandler:        jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
		Ready: func(r *http.Request) error {
			if err := dbpool.Ping(r.Context()); err != nil {
				return err
			}
			return redisClient.Ping(r.Context()).Err()
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
