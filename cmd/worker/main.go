// Command worker runs the scheduler loop and the dynamic worker pool that
// drains reservations from the task queue.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	mockexecutor "github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/executor/mock"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/queue/redisqueue"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/app"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/progress"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/scheduler"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close redis client", slog.Any("error", err))
		}
	}()

	taskRepo := postgres.NewTaskRepo(pool)
	queue := redisqueue.New(rdb, cfg.MaxConcurrentTasksGlobal, cfg.MaxConcurrentTasksUser, cfg.VisibilityTimeout, cfg.RetryPolicy())
	progressStore := progress.NewStore(rdb)
	executor := mockexecutor.New(2 * time.Second)

	nodeID, err := os.Hostname()
	if err != nil || nodeID == "" {
		nodeID = "worker-node"
	}

	w := worker.New(worker.Config{
		NodeID:         nodeID,
		VisibilityTTL:  cfg.VisibilityTimeout,
		ProgressTTL:    cfg.ProgressTTL,
		DepthEstimates: config.DefaultDepthEstimates(cfg.DefaultAnalysisTimeout),
	}, queue, taskRepo, progressStore, executor)

	workerPool := worker.NewPool(worker.PoolConfig{
		MinWorkers:      cfg.WorkerPoolMin,
		MaxWorkers:      cfg.WorkerPoolMax,
		ScalingInterval: cfg.WorkerScalingInterval,
	}, w.Process)
	workerPool.Start(ctx)

	sched := scheduler.New(scheduler.Config{
		NodeID:          nodeID,
		ReclaimInterval: cfg.ReclaimInterval,
		PollInterval:    cfg.PollInterval,
	}, queue, taskRepo, workerPool)

	sweeper := app.NewTimeoutSweeper(taskRepo, maxWallClockTimeout(cfg), cfg.TimeoutSweepInterval)
	go sweeper.Run(ctx)

	go sched.Run(ctx)

	<-ctx.Done()
	slog.Info("shutdown signal received, draining worker")
}

// maxWallClockTimeout returns the largest wall-clock timeout across all
// configured research depths, so the sweeper never races ahead of a
// worker's own in-progress enforcement for the slowest depth.
func maxWallClockTimeout(cfg config.Config) time.Duration {
	longest := cfg.DefaultAnalysisTimeout
	for _, est := range config.DefaultDepthEstimates(cfg.DefaultAnalysisTimeout) {
		if est.WallClockT > longest {
			longest = est.WallClockT
		}
	}
	return longest
}
