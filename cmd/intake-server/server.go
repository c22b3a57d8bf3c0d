package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/AananditKanwar/SehatSetu/internal/config"
	"github.com/AananditKanwar/SehatSetu/internal/domain/scheduling"
	"github.com/AananditKanwar/SehatSetu/internal/platform/auth"
	"github.com/AananditKanwar/SehatSetu/internal/platform/classifier"
	"github.com/AananditKanwar/SehatSetu/internal/platform/db"
	"github.com/AananditKanwar/SehatSetu/internal/platform/events"
	"github.com/AananditKanwar/SehatSetu/internal/platform/middleware"
	"github.com/AananditKanwar/SehatSetu/internal/platform/redislock"
	"github.com/AananditKanwar/SehatSetu/internal/platform/webhook"
	"github.com/AananditKanwar/SehatSetu/internal/platform/websocket"
)

const wsPath = "/api/v1/ws"

type serveOptions struct {
	migrate       bool
	migrationsDir string
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.JWTIssuer,
		SigningKey: []byte(cfg.JWTSecret),
		Skipper:    auth.AuthSkipper,
	}
}

// app is the assembled server plus the resources to release on shutdown.
type app struct {
	echo    *echo.Echo
	closers []io.Closer
	cleanup []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts serveOptions) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	a.echo = e

	// Record store
	var store scheduling.RecordStore
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:             cfg.DatabaseURL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			ApplicationName: "intake-server",
		})
		if err != nil {
			return fail(fmt.Errorf("connect to database: %w", err))
		}
		a.cleanup = append(a.cleanup, pool.Close)
		if opts.migrate {
			n, err := db.NewMigrator(pool, os.DirFS(opts.migrationsDir)).Up(ctx)
			if err != nil {
				return fail(fmt.Errorf("apply migrations: %w", err))
			}
			logger.Info().Int("applied", n).Msg("migrations applied")
		}
		store = scheduling.NewPGStore(pool)
		e.GET("/health/db", db.HealthHandler(pool))
		logger.Info().Msg("connected to database")
	} else {
		store = scheduling.NewMemoryStore()
		logger.Warn().Msg("DATABASE_URL not set; intake records are kept in memory")
	}

	catalog := scheduling.DefaultCatalog()
	if len(cfg.SlotCatalog) > 0 {
		c, err := scheduling.NewCatalog(cfg.SlotCatalog)
		if err != nil {
			return fail(fmt.Errorf("SLOT_CATALOG: %w", err))
		}
		catalog = c
	}

	hub := websocket.NewHub(logger)
	publishers := events.Fanout{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		a.closers = append(a.closers, kp)
		publishers = append(publishers, kp)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka event stream enabled")
	}
	if len(cfg.WebhookURLs) > 0 {
		endpoints := lo.Map(cfg.WebhookURLs, func(u string, _ int) webhook.Endpoint {
			return webhook.Endpoint{URL: u, Secret: cfg.WebhookSecret, Events: cfg.WebhookEvents}
		})
		wp, err := webhook.New(endpoints, webhook.WithLogger(logger))
		if err != nil {
			return fail(fmt.Errorf("WEBHOOK_URLS: %w", err))
		}
		a.closers = append(a.closers, wp)
		publishers = append(publishers, wp)
		logger.Info().Int("endpoints", len(endpoints)).Strs("events", cfg.WebhookEvents).Msg("webhook delivery enabled")
	}

	svcOpts := []scheduling.Option{
		scheduling.WithLogger(logger),
		scheduling.WithPublisher(publishers),
		scheduling.WithCatalog(catalog),
	}

	switch cfg.SlotLockBackend {
	case config.LockMemory:
		svcOpts = append(svcOpts, scheduling.WithLocker(scheduling.NewKeyedLocker()))
	case config.LockRedis:
		rl, err := redislock.New(ctx, cfg.RedisURL, redislock.WithLogger(logger))
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, rl)
		svcOpts = append(svcOpts, scheduling.WithLocker(rl))
	}

	if cfg.ClassifierURL != "" {
		cl := classifier.New(cfg.ClassifierURL, classifier.WithTimeout(cfg.ClassifierTimeout))
		svcOpts = append(svcOpts, scheduling.WithClassifier(cl, cfg.ClassifierTimeout))
		e.GET("/health/classifier", classifier.HealthHandler(cl))
	} else {
		logger.Warn().Msg("CLASSIFIER_URL not set; intake enrichment disabled")
	}

	svc := scheduling.NewService(store, svcOpts...)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevUserHeader, auth.DevRoleHeader},
	}))
	e.Use(middleware.BodyLimit("64K"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, wsPath))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtConfig(cfg)))
	} else {
		e.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}

	e.GET("/health", func(c echo.Context) error {
		backend := "memory"
		if cfg.DatabaseURL != "" {
			backend = "postgres"
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status": "ok",
			"store":  backend,
		})
	})

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 || rateLimitCfg.BurstSize <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	scheduling.NewHandler(svc).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	return a, nil
}

func runServer(cfg *config.Config, logger zerolog.Logger, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
