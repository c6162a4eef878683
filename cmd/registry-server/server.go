package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/config"
	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/domain/shockcase"
	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/platform/cache"
	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/platform/db"
	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/platform/events"
	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/platform/metrics"
	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/platform/middleware"
	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/platform/validate"
)

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	ctx := context.Background()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StorageDriver).Msg("failed to open store")
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	lifecycleMetrics := metrics.NewLifecycle(reg)

	opts := []shockcase.Option{
		shockcase.WithLogger(logger.With().Str("component", "lifecycle").Logger()),
		shockcase.WithRecorder(lifecycleMetrics),
	}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewArchivePublisher(cfg.KafkaBrokers, cfg.KafkaArchiveTopic)
		defer publisher.Close()
		opts = append(opts, shockcase.WithNotifier(publisher))
		logger.Info().Str("topic", cfg.KafkaArchiveTopic).Msg("archive events enabled")
	}
	svc := shockcase.NewService(st.repo, opts...)

	var idem middleware.IdempotencyStore = middleware.NewMemoryIdempotencyStore()
	if cfg.RedisURL != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		idem = middleware.NewRedisIdempotencyStore(rdb)
		logger.Info().Msg("connected to redis")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader, middleware.IdempotencyKeyHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(st.driver, st.ping, st.pool))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(reg)))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	shockcase.NewHandler(svc).RegisterRoutes(apiV1, middleware.Idempotency(idem, cfg.IdempotencyTTL))
	newAPIDocs(e, cfg.PublicURL).RegisterRoutes(e.Group("/api"))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", st.driver).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
