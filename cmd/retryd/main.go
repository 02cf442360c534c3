package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"http-retry-engine/internal/api"
	"http-retry-engine/internal/config"
	"http-retry-engine/internal/dispatch"
	"http-retry-engine/internal/faultgate"
	"http-retry-engine/internal/ratelimit"
	"http-retry-engine/internal/store"
	"http-retry-engine/internal/sweeper"
	"http-retry-engine/internal/transport"
)

func main() {
	cfg := config.Load()

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	gate := faultgate.New(cfg.GateRetryInterval, store.IsConnectivityErr, logger)

	if err := gate.Do(ctx, "bootstrap schema", st.Bootstrap); err != nil {
		logger.Fatal("bootstrap schema", zap.Error(err))
	}

	dispatcher := dispatch.New(ctx, st, gate, transport.New(), logger)

	// Re-attach a task to every record left processing by the previous run
	// before accepting new submissions.
	if err := dispatcher.Recover(ctx); err != nil {
		logger.Fatal("recover retry tasks", zap.Error(err))
	}

	sw := sweeper.New(st, gate, cfg.RetentionWindow, cfg.CleanupBatchSize, logger)
	if err := sw.Start(ctx, cfg.CleanupCron); err != nil {
		logger.Fatal("start cleanup sweeper", zap.Error(err))
	}
	defer sw.Stop()

	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, dispatcher, gate, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("retry engine listening",
		zap.String("port", cfg.HTTPPort),
		zap.Duration("gate_retry_interval", cfg.GateRetryInterval),
		zap.String("cleanup_cron", cfg.CleanupCron))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	// Outstanding tasks are not drained: persisted state plus recovery on the
	// next start is the continuation path.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
