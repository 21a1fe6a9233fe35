// Package main is the entry point for the Argus detection service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"argus/api"
	"argus/config"
	"argus/core"
	"argus/detect"
	"argus/incident"
	"argus/storage"
	"argus/stream"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, sugar, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	sugar.Infow("Starting Argus", "api_port", cfg.API.Port)

	// Stores.
	ch, err := storage.NewClickHouse(cfg, sugar)
	if err != nil {
		return err
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := ch.CreateTablesIfNotExist(ctx); err != nil {
		cancel()
		return err
	}
	cancel()

	sqlite, err := storage.NewSQLite(cfg.SQLite.Path, sugar)
	if err != nil {
		return err
	}
	defer sqlite.Close()

	// Optional Redis for the distributed token bucket.
	var redisClient *core.RedisClient
	if cfg.Redis.Enabled {
		redisClient = core.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password,
			cfg.Redis.DB, cfg.Redis.PoolSize, sugar)
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx); err != nil {
			sugar.Warnw("Redis unreachable, rate limiting falls back to in-process buckets", "error", err)
		}
		pingCancel()
		defer redisClient.Close()
	}

	resilience, err := core.NewResilience(core.ResilienceConfig{
		CircuitBreaker: core.CircuitBreakerConfig{
			ErrorsToOpen: cfg.CircuitBreaker.ErrorsToOpen,
			Window:       cfg.CircuitBreaker.Window,
			Cooldown:     cfg.CircuitBreaker.Cooldown,
		},
		RateLimit: core.RateLimiterConfig{
			RefillRate: cfg.RateLimit.RefillRate,
			Capacity:   cfg.RateLimit.Capacity,
			KeyTTL:     cfg.RateLimit.KeyTTL,
		},
		QueryTimeout: cfg.Scheduler.QueryTimeout,
	}, redisClient, sugar)
	if err != nil {
		return err
	}

	// Streaming matcher.
	pipeline, err := stream.NewPipeline(stream.PipelineConfig{
		QueueSize: cfg.Stream.QueueSize,
		HighWater: cfg.Stream.HighWater,
		LowWater:  cfg.Stream.LowWater,
		Matcher: stream.MatcherConfig{
			RegexTimeout:   time.Duration(cfg.Stream.RegexTimeoutMs) * time.Millisecond,
			RegexCacheSize: cfg.Stream.RegexCacheSize,
		},
		SpecRefresh: 30 * time.Second,
	}, sqlite, ch, sugar)
	if err != nil {
		return err
	}
	if err := pipeline.Start(context.Background()); err != nil {
		return err
	}
	defer pipeline.Stop()

	// Scheduled detections.
	scheduler := detect.NewScheduler(detect.SchedulerConfig{
		TickInterval:       cfg.Scheduler.TickInterval,
		MaxConcurrentRules: cfg.Scheduler.MaxConcurrentRules,
		AlertBatchLimit:    cfg.Scheduler.AlertBatchLimit,
	}, sqlite, ch, resilience, sugar)
	scheduler.Start()
	defer scheduler.Stop()

	// Incident aggregation.
	aggregator := incident.NewAggregator(incident.Config{
		Interval: cfg.Incidents.Interval,
	}, ch, sqlite, resilience, sugar)
	aggregator.Start()
	defer aggregator.Stop()

	// HTTP surface.
	server := api.NewServer(cfg.API.Port, ch, pipeline, resilience, sugar)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		sugar.Infow("Shutdown signal received", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			sugar.Errorw("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("HTTP shutdown incomplete", "error", err)
	}

	sugar.Info("Argus stopped")
	return nil
}

// initLogger builds the zap logger per config: JSON for production
// pipelines, colored console for development.
func initLogger(cfg *config.Config) (*zap.Logger, *zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(cfg.Logging.Level); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	var encoder zapcore.Encoder
	if cfg.Logging.Format == "console" {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	zapCore := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	logger := zap.New(zapCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}
