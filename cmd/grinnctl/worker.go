package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/osercinoglu/grinn-web/internal/agent"
	"github.com/osercinoglu/grinn-web/internal/blob"
	"github.com/osercinoglu/grinn-web/internal/cache"
	"github.com/osercinoglu/grinn-web/internal/config"
	"github.com/osercinoglu/grinn-web/internal/metrics"
	"github.com/osercinoglu/grinn-web/internal/queue"
	"github.com/osercinoglu/grinn-web/internal/registry"
	"github.com/osercinoglu/grinn-web/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const workerAppName = "grinn-worker"

func newWorkerCmd(_ *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker node commands",
	}

	var metricsAddr string
	start := &cobra.Command{
		Use:   "start",
		Short: "Register this host as a worker and execute assigned jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, metricsAddr)
		},
	}
	start.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")

	cmd.AddCommand(start)
	return cmd
}

func runWorker(ctx context.Context, metricsAddr string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := store.Connect(ctx, cfg.Database, workerAppName)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer redisCache.Close()

	blobs, err := blob.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open blob storage: %w", err)
	}

	q, err := queue.Open(cfg.Queue, redisCache.Client(), slog.Default())
	if err != nil {
		return fmt.Errorf("open dispatch queue: %w", err)
	}
	defer q.Close()

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	pgStore := store.NewPostgresStore(pool)
	reg := registry.New(pgStore, cfg.Scheduler.HeartbeatTimeout, slog.Default())
	runner := agent.NewDockerRunner(cfg.Worker, slog.Default())
	a := agent.New(pgStore, reg, q, blobs, runner, m, cfg.Worker, slog.Default())

	slog.Info("worker starting",
		"worker_id", a.WorkerID(),
		"facility", cfg.Worker.Facility,
		"max_concurrent_jobs", cfg.Worker.MaxConcurrentJobs,
		"capabilities", cfg.Worker.Capabilities,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(gctx)
	})
	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("worker stopped", "worker_id", a.WorkerID())
	return nil
}
