package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	httpapi "github.com/i474232898/metar-aggregation/internal/api/http"
	"github.com/i474232898/metar-aggregation/internal/config"
	"github.com/i474232898/metar-aggregation/internal/metar"
	"github.com/i474232898/metar-aggregation/internal/metar/providers"
	"github.com/i474232898/metar-aggregation/internal/scheduler"
	"github.com/i474232898/metar-aggregation/internal/store"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	// Shared HTTP client for outbound provider calls; per-provider timeouts apply on top.
	httpClient := &http.Client{
		Timeout: max(cfg.HTTPTimeout, cfg.FeedTimeout),
	}

	// Caches share the wall clock.
	clk := clock.RealClock{}
	metarCache := store.NewMetarCache(cfg.MetarCacheTTL, clk)
	feedCache := store.NewFeedCache(cfg.FeedCacheTTL, clk)

	// Providers, in priority order, each with its own breaker and limiter.
	feedHTTP := upstreamConfig(cfg, httpClient, cfg.FeedTimeout)
	provs := []metar.Source{
		providers.NewFeedProvider(cfg.FeedURL, feedCache, feedHTTP, zl.Named("vatsim")),
		providers.NewAviationWeatherProvider(cfg.AviationWeatherURL, upstreamConfig(cfg, httpClient, cfg.HTTPTimeout), zl.Named("aviationweather")),
		providers.NewApocflyProvider(cfg.ApocflyURL, upstreamConfig(cfg, httpClient, cfg.HTTPTimeout), zl.Named("apocfly")),
	}

	// Core service orchestrating caches and providers.
	service := metar.NewService(metarCache, provs,
		metar.WithFeedStore(feedCache),
		metar.WithDeadline(cfg.AggregationDeadline),
		metar.WithWorkers(cfg.WorkerPoolSize),
		metar.WithLogger(zl.Named("aggregator")),
	)

	// Background feed warm-up and cache pruning.
	sched := scheduler.New(service, cfg.FeedRefreshInterval, cfg.CachePruneInterval, zl.Named("scheduler"))
	if err := sched.Start(); err != nil {
		zl.Fatal("failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "metar-aggregation",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler:          httpapi.ErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	if cfg.AccessLog {
		app.Use(logger.New())
	}

	httpapi.RegisterRoutes(app, service)

	go func() {
		zl.Info("metar service starting", zap.String("addr", ":"+cfg.Port))
		if err := app.Listen(":" + cfg.Port); err != nil {
			zl.Error("fiber server stopped", zap.Error(err))
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		zl.Error("error during shutdown", zap.Error(err))
	}
}

func newLogger(cfg *config.AppConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.AppEnv == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}

func upstreamConfig(cfg *config.AppConfig, client *http.Client, timeout time.Duration) providers.HTTPClientConfig {
	hc := providers.DefaultHTTPClientConfig(client)
	hc.Timeout = timeout
	hc.Backoff = providers.BackoffConfig{
		MaxRetries:      cfg.UpstreamMaxRetries,
		InitialInterval: cfg.UpstreamBackoff,
		MaxInterval:     cfg.UpstreamMaxBackoff,
		Jitter:          cfg.UpstreamJitter,
	}
	if cfg.UpstreamRateLimit > 0 {
		hc.Limiter = rate.NewLimiter(rate.Limit(cfg.UpstreamRateLimit), cfg.UpstreamRateBurst)
	}
	return hc
}
