package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/api"
	"github.com/Harshitk-cp/agentruntime/internal/buildconfig"
	"github.com/Harshitk-cp/agentruntime/internal/config"
	"github.com/Harshitk-cp/agentruntime/internal/notify"
	"github.com/Harshitk-cp/agentruntime/internal/telemetry"
	"github.com/Harshitk-cp/agentruntime/internal/webhook"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func main() {
	if err := config.Load(); err != nil {
		bootLogger, _ := zap.NewProduction()
		bootLogger.Fatal("failed to load config", zap.Error(err))
	}

	logger := newLogger(config.LogLevel())
	defer func() { _ = logger.Sync() }()

	dbURL := config.DatabaseURL()
	if dbURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping database", zap.Error(err))
	}
	logger.Info("connected to database")

	var streams notify.StreamWriter
	if redisURL := config.RedisURL(); redisURL != "" {
		rdb, err := notify.Connect(ctx, redisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer func() { _ = rdb.Close() }()
		streams = rdb
		logger.Info("connected to redis")
	}

	notifier, err := notify.NewSink(config.NotifyProvider(), streams, config.NotifyStream(), logger)
	if err != nil {
		logger.Fatal("notification sink initialization failed", zap.Error(err))
	}
	logger.Info("notification sink initialized", zap.String("provider", config.NotifyProvider()))

	meters, err := telemetry.NewProvider(config.MetricsExportInterval(), os.Stdout)
	if err != nil {
		logger.Fatal("meter provider initialization failed", zap.Error(err))
	}
	otel.SetMeterProvider(meters)

	app := api.NewApp(api.Deps{
		DB:        pool,
		Webhook:   webhook.New(),
		Notifier:  notifier,
		Telemetry: meters,
		Logger:    logger,
	})
	defer app.Close()

	recovered, err := app.Queue.Recover(ctx)
	if err != nil {
		logger.Error("run recovery failed", zap.Error(err))
	} else if recovered > 0 {
		logger.Info("recovered unfinished runs", zap.Int("count", recovered))
	}

	// Start background services
	app.Runtime.Start()
	app.Queue.Start()

	addr := config.ServerAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server starting", zap.String("addr", addr), zap.String("version", buildconfig.Version()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, config.ShutdownGracePeriod()+10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server forced to shutdown", zap.Error(err))
	}
	// The queue goes first so no new attempts reach runtimes that are closing.
	if err := app.Queue.Shutdown(shutdownCtx); err != nil {
		logger.Error("execution queue shutdown", zap.Error(err))
	}
	if err := app.Runtime.Shutdown(shutdownCtx); err != nil {
		logger.Error("runtime manager shutdown", zap.Error(err))
	}
	if err := meters.Shutdown(shutdownCtx); err != nil {
		logger.Error("meter provider shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
