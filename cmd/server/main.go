// Package main is the entrypoint for the gRINN job API server.
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

	"github.com/osercinoglu/grinn-web/internal/api"
	"github.com/osercinoglu/grinn-web/internal/api/handler"
	mw "github.com/osercinoglu/grinn-web/internal/api/middleware"
	"github.com/osercinoglu/grinn-web/internal/api/response"
	"github.com/osercinoglu/grinn-web/internal/blob"
	"github.com/osercinoglu/grinn-web/internal/cache"
	"github.com/osercinoglu/grinn-web/internal/config"
	"github.com/osercinoglu/grinn-web/internal/jobs"
	"github.com/osercinoglu/grinn-web/internal/metrics"
	"github.com/osercinoglu/grinn-web/internal/queue"
	"github.com/osercinoglu/grinn-web/internal/registry"
	"github.com/osercinoglu/grinn-web/internal/scheduler"
	"github.com/osercinoglu/grinn-web/internal/store"
	"github.com/osercinoglu/grinn-web/internal/sweeper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	appName         = "grinn-server"
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
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"queue_backend", cfg.Queue.Backend,
		"storage_backend", cfg.Storage.Backend,
		"worker_auth", cfg.Server.WorkerTokenHash != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database, appName)
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

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Blob storage and dispatch queue
	blobs, err := blob.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open blob storage: %w", err)
	}
	slog.Info("blob storage ready", "backend", cfg.Storage.Backend)

	q, err := queue.Open(cfg.Queue, redisCache.Client(), slog.Default())
	if err != nil {
		return fmt.Errorf("open dispatch queue: %w", err)
	}
	defer q.Close()
	slog.Info("dispatch queue ready", "backend", cfg.Queue.Backend)

	// 6. Core components
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	pgStore := store.NewPostgresStore(pool)
	reg := registry.New(pgStore, cfg.Scheduler.HeartbeatTimeout, slog.Default())
	sched := scheduler.New(pgStore, reg, q, m, cfg.Scheduler, slog.Default())
	sweep := sweeper.New(pgStore, blobs, m, cfg.Retention, slog.Default())
	jobSvc := jobs.NewService(pgStore, blobs, redisCache, sched, cfg.Limits, cfg.Server.StatusCacheTTL, slog.Default())

	// 7. Build router with dependencies
	deps := api.Dependencies{
		WorkerAuth: mw.NewWorkerAuth(cfg.Server.WorkerTokenHash),
		RateLimit:  mw.NewRateLimit(redisCache, cfg.Server.RateLimit),

		HealthHandler:  healthHandler(pgStore, redisCache, blobs),
		MetricsHandler: promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),

		CreateJob:  handler.NewCreateJobHandler(jobSvc),
		ListJobs:   handler.NewListJobsHandler(jobSvc),
		GetJob:     handler.NewGetJobHandler(jobSvc),
		JobStatus:  handler.NewJobStatusHandler(jobSvc),
		CancelJob:  handler.NewCancelJobHandler(jobSvc),
		UploadFile: handler.NewUploadFileHandler(jobSvc),
		SubmitJob:  handler.NewSubmitJobHandler(jobSvc),
		JobResults: handler.NewJobResultsHandler(jobSvc),
		JobLogs:    handler.NewJobLogsHandler(jobSvc),

		ListWorkers:    handler.NewListWorkersHandler(reg),
		RemoveWorker:   handler.NewRemoveWorkerHandler(reg),
		RegisterWorker: handler.NewRegisterWorkerHandler(reg),
		Heartbeat:      handler.NewHeartbeatHandler(reg),

		QueueStats: handler.NewQueueStatsHandler(sched),
	}

	router := api.NewRouter(deps)

	// 8. Start background loops and the HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var loops sync.WaitGroup
	if err := sched.Start(ctx, &loops); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := sweep.Start(ctx, &loops); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	stop()
	loops.Wait()
	if err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database, cache and blob storage connectivity.
func healthHandler(db, c, blobs pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"storage":  "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := blobs.Ping(r.Context()); err != nil {
			checks["storage"] = "degraded"
		}

		for _, v := range checks {
			if v != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
