// Package main is the entrypoint for the InSAR pipeline API server. One
// process hosts the HTTP API, the queue promoters, and both worker pools.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sentryal/insar-pipeline/internal/admission"
	"github.com/sentryal/insar-pipeline/internal/api"
	"github.com/sentryal/insar-pipeline/internal/api/handler"
	mw "github.com/sentryal/insar-pipeline/internal/api/middleware"
	"github.com/sentryal/insar-pipeline/internal/api/response"
	"github.com/sentryal/insar-pipeline/internal/catalog"
	"github.com/sentryal/insar-pipeline/internal/config"
	"github.com/sentryal/insar-pipeline/internal/ingest"
	"github.com/sentryal/insar-pipeline/internal/metrics"
	"github.com/sentryal/insar-pipeline/internal/processing"
	"github.com/sentryal/insar-pipeline/internal/queue"
	"github.com/sentryal/insar-pipeline/internal/store"
	"github.com/sentryal/insar-pipeline/internal/worker"
)

const (
	shutdownTimeout     = 30 * time.Second
	recomputeBackoffMax = time.Minute
	processQueueName    = "process"
	recomputeQueueName  = "recompute"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "backend", cfg.Processing.Backend, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Connect to Redis
	rdb, err := queue.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()
	slog.Info("redis connected")

	// 5. Build queues
	processQueue := queue.New(rdb, queue.Config{
		Name:         processQueueName,
		MaxAttempts:  cfg.Queue.ProcessAttempts,
		Delay:        queue.FixedDelay(cfg.Queue.ProcessRetryDelay),
		CompletedTTL: cfg.Queue.ProcessCompletedTTL,
		FailedTTL:    cfg.Queue.ProcessFailedTTL,
		ClaimTimeout: cfg.Queue.ProcessClaimTimeout,
	})
	recomputeQueue := queue.New(rdb, queue.Config{
		Name:         recomputeQueueName,
		MaxAttempts:  cfg.Queue.RecomputeAttempts,
		Delay:        queue.ExponentialBackoff(cfg.Queue.RecomputeBackoffBase, recomputeBackoffMax),
		CompletedTTL: cfg.Queue.RecomputeRetainedTTL,
		FailedTTL:    cfg.Queue.RecomputeRetainedTTL,
		ClaimTimeout: cfg.Queue.RecomputeClaimTimeout,
	})

	// 6. Create processing backend and catalog client
	procClient, err := processing.NewClient(cfg.Processing)
	if err != nil {
		return fmt.Errorf("create processing client: %w", err)
	}
	slog.Info("processing backend initialized", "backend", procClient.Name())

	resolver := catalog.NewHTTPClient(cfg.Catalog.BaseURL, cfg.Catalog.Timeout)

	// 7. Create store and metrics
	pgStore := store.NewPostgresStore(pool)

	m := metrics.New()
	m.Register(metrics.NewQueueDepthCollector(processQueue, recomputeQueue))

	// 8. Build workers
	processHandler := worker.NewProcessHandler(
		pgStore, resolver, procClient, ingest.New(pgStore), recomputeQueue, m,
		cfg.Processing.Deadline, cfg.Queue.ProcessAttempts, cfg.Processing.WebhookURL)

	limiter := worker.NewRateLimiter(rdb, processQueueName,
		cfg.Workers.DequeueRateLimit, cfg.Workers.DequeueRateWindow)

	processPool := worker.NewPool(processQueue, processHandler,
		cfg.Workers.ProcessConcurrency, limiter, m)
	recomputePool := worker.NewPool(recomputeQueue, worker.NewRecomputeHandler(pgStore),
		cfg.Workers.RecomputeConcurrency, nil, m)

	// Workers get their own context so the HTTP listener can stop accepting
	// requests first while in-flight jobs drain.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); processQueue.RunPromoter(workerCtx) }()
	go func() { defer wg.Done(); recomputeQueue.RunPromoter(workerCtx) }()
	go func() { defer wg.Done(); processPool.Run(workerCtx) }()
	go func() { defer wg.Done(); recomputePool.Run(workerCtx) }()
	slog.Info("worker pools started",
		"process_concurrency", cfg.Workers.ProcessConcurrency,
		"recompute_concurrency", cfg.Workers.RecomputeConcurrency)

	// 9. Build router with dependencies
	admitter := admission.New(pgStore, admission.Limits{
		MaxJobsPerHour:    cfg.Quota.MaxJobsPerHour,
		MaxJobsPerDay:     cfg.Quota.MaxJobsPerDay,
		MaxConcurrentJobs: cfg.Quota.MaxConcurrentJobs,
	})

	deps := api.Dependencies{
		Auth:    mw.NewAuth(pgStore),
		Metrics: m.Handler(),

		HealthHandler: healthHandler(pgStore, rdb),

		SubmitJobHandler: handler.NewSubmitJobHandler(pgStore, admitter, processQueue, m),
		GetJobHandler:    handler.NewGetJobHandler(pgStore),
		CancelJobHandler: handler.NewCancelJobHandler(pgStore),

		CreateInfrastructureHandler: handler.NewCreateInfrastructureHandler(pgStore),
		CreatePointHandler:          handler.NewCreatePointHandler(pgStore),
		ListPointsHandler:           handler.NewListPointsHandler(pgStore),
		ListVelocitiesHandler:       handler.NewListVelocitiesHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 10. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections and workers...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Stop dequeuing and wait for in-flight deliveries to finish.
	stopWorkers()
	wg.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and queue backend connectivity.
func healthHandler(s store.Store, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"queue":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			checks["queue"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["queue"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
