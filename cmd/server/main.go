package main

import (
	"context"
	"crypto/rand"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Priya8975/webhook-notifier/internal/api"
	"github.com/Priya8975/webhook-notifier/internal/config"
	"github.com/Priya8975/webhook-notifier/internal/engine"
	"github.com/Priya8975/webhook-notifier/internal/metrics"
	"github.com/Priya8975/webhook-notifier/internal/queue"
	"github.com/Priya8975/webhook-notifier/internal/registry"
	"github.com/Priya8975/webhook-notifier/internal/signer"
	"github.com/Priya8975/webhook-notifier/internal/store"
	ws "github.com/Priya8975/webhook-notifier/internal/websocket"
	"github.com/Priya8975/webhook-notifier/internal/worker"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := store.Migrate(ctx, cfg.DatabaseURL); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		logger.Info("connected to Redis")
	}

	m := metrics.New()
	hub := ws.NewHub(logger, cfg.AllowedOrigins...)
	go hub.Run()

	sender := worker.NewSender(pgStore, cfg.DeliveryTimeout, hub, m, logger)
	pool := worker.NewPool(cfg.NumWorkers, sender, logger)

	// Workers outlive the loops so queued attempts can drain on shutdown.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()

	pool.Start(workCtx)

	var lifecycle conc.WaitGroup

	var (
		enqueuer   engine.Enqueuer
		queueDepth api.QueueDepthFunc
		locker     engine.Locker
		health     = map[string]api.Pinger{"postgres": pgStore}
	)
	if redisStore != nil {
		rq := queue.NewRedisQueue(redisStore.Client())
		enqueuer = rq
		queueDepth = rq.Depth
		locker = redisStore
		health["redis"] = redisStore

		poller := worker.NewPoller(rq, pool, cfg.QueuePollInterval, logger)
		lifecycle.Go(func() { poller.Start(loopCtx) })
	} else {
		logger.Warn("REDIS_URL not set, using the in-process worker queue")
		enqueuer = pool
		queueDepth = pool.Depth
	}

	m.RegisterQueueDepth(func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := queueDepth(ctx)
		if err != nil {
			return 0
		}
		return float64(n)
	})

	scheduler := engine.NewRetryScheduler(pgStore, enqueuer, locker, engine.SchedulerConfig{
		Interval:   cfg.RetrySweepInterval,
		BatchSize:  cfg.RetrySweepBatch,
		StaleAfter: cfg.StalePendingAfter,
		Retention:  cfg.DeliveryRetention,
	}, m, logger)
	lifecycle.Go(func() { scheduler.Start(loopCtx) })

	reg := registry.New(pgStore, signer.NewSecretGenerator(rand.Reader), cfg.MaxSubscribersPerOwner, logger)

	router := api.NewRouter(api.Deps{
		Registry:   reg,
		History:    engine.NewHistory(pgStore, reg),
		Dispatcher: engine.NewDispatcher(pgStore, enqueuer, m, logger),
		Hub:        hub,
		QueueDepth: queueDepth,
		Metrics:    m.Handler(),
		Health:     health,
		Version:    version,
		Logger:     logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	cancelLoops()
	lifecycle.Wait()
	pool.Stop()
	cancelWork()

	logger.Info("server stopped")
}
