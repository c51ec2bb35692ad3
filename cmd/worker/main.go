package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kawacukennedy/polygot-sub000/internal/config"
	"github.com/kawacukennedy/polygot-sub000/internal/external"
	"github.com/kawacukennedy/polygot-sub000/internal/notify"
	"github.com/kawacukennedy/polygot-sub000/internal/queue"
	"github.com/kawacukennedy/polygot-sub000/internal/reconcile"
	"github.com/kawacukennedy/polygot-sub000/internal/repository/postgres"
	redisrepo "github.com/kawacukennedy/polygot-sub000/internal/repository/redis"
	"github.com/kawacukennedy/polygot-sub000/internal/runner"
	"github.com/kawacukennedy/polygot-sub000/internal/sandbox"
	"github.com/kawacukennedy/polygot-sub000/internal/worker"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting code execution worker")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to PostgreSQL
	dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer dbPool.Close()
	if err := dbPool.Ping(ctx); err != nil {
		logger.Fatal("Failed to ping PostgreSQL", zap.Error(err))
	}
	logger.Info("Connected to PostgreSQL")

	// Connect to Redis
	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Invalid Redis URL", zap.Error(err))
	}
	redisClient := goredis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Connected to Redis")

	// Initialize repositories
	repo := postgres.NewExecutionRepository(dbPool)
	idempotencyStore := redisrepo.NewIdempotencyStore(redisClient)

	// Initialize sandbox runtime and executor
	runtime, err := sandbox.NewRuntime(cfg.Sandbox.Backend, logger)
	if err != nil {
		logger.Fatal("Failed to initialize sandbox runtime", zap.Error(err))
	}
	defer runtime.Close()
	if err := runtime.Ping(ctx); err != nil {
		logger.Fatal("Sandbox runtime unavailable", zap.Error(err))
	}
	logger.Info("Sandbox runtime ready", zap.String("backend", cfg.Sandbox.Backend))

	limits := sandbox.DefaultLimits()
	if cfg.Sandbox.MemoryLimitMB > 0 {
		limits.MemoryBytes = int64(cfg.Sandbox.MemoryLimitMB) << 20
	}
	if cfg.Sandbox.PidsLimit > 0 {
		limits.PidsLimit = int64(cfg.Sandbox.PidsLimit)
	}
	if cfg.Sandbox.ScratchMB > 0 {
		limits.ScratchMB = int64(cfg.Sandbox.ScratchMB)
	}

	registry := runner.NewRegistry()
	executor := sandbox.NewSandboxExecutor(registry, runtime, limits, logger)

	// Initialize side-effect clients and the reconciler
	bus := notify.NewRedisBus(redisClient, logger)
	scoring := external.NewHTTPScoring(cfg.Services.ScoringURL, logger)
	analytics := external.NewHTTPAnalytics(cfg.Services.AnalyticsURL, logger)
	reconciler := reconcile.NewReconciler(repo, scoring, analytics, bus, logger)

	// Create buffered job channel
	jobsChan := make(chan *queue.JobMessage, cfg.Worker.PoolSize*2)

	// Initialize AMQP consumer
	consumer, err := queue.NewConsumer(cfg.RabbitMQ.URL, cfg.Worker.Prefetch, jobsChan, logger)
	if err != nil {
		logger.Fatal("Failed to initialize AMQP consumer", zap.Error(err))
	}
	defer consumer.Close()
	logger.Info("Connected to RabbitMQ")

	// Start worker pool
	workerPool := worker.NewWorkerPool(
		cfg.Worker.PoolSize,
		jobsChan,
		executor,
		repo,
		idempotencyStore,
		reconciler,
		bus,
		logger,
	)
	workerPool.Start(ctx)

	// Listen for kill broadcasts and cancel the matching in-flight run
	go func() {
		kills, err := bus.ListenKills(ctx)
		if err != nil {
			logger.Error("Kill listener failed to start", zap.Error(err))
			return
		}
		for executionID := range kills {
			if workerPool.Kill(executionID) {
				logger.Info("Kill signal applied", zap.String("execution_id", executionID.String()))
			}
		}
	}()

	// Start AMQP consumer in a goroutine
	go func() {
		if err := consumer.Start(ctx); err != nil {
			logger.Error("AMQP consumer error", zap.Error(err))
			cancel()
		}
	}()

	// Start Prometheus metrics server
	go func() {
		metricsAddr := fmt.Sprintf(":%d", cfg.Worker.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics server listening", zap.String("addr", metricsAddr))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()

	// Wait for workers to finish in-flight jobs
	workerPool.Stop()

	logger.Info("Worker stopped")
}
