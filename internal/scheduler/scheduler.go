// Package scheduler matches queued jobs to workers with free capacity and
// takes jobs back from workers that stopped heartbeating.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/internal/config"
	"github.com/osercinoglu/grinn-web/internal/metrics"
	"github.com/osercinoglu/grinn-web/internal/queue"
	"github.com/osercinoglu/grinn-web/internal/registry"
	"github.com/osercinoglu/grinn-web/internal/store"
	"github.com/osercinoglu/grinn-web/pkg/models"
	ua "go.uber.org/atomic"
)

var ErrAlreadyStarted = errors.New("scheduler already started")

// cancelAttempts bounds re-reads when a cancel races another status change.
const cancelAttempts = 3

// Scheduler dispatches queued jobs FIFO to the least-loaded eligible worker.
// All coordination goes through conditional store updates, so several
// schedulers may run against the same database.
type Scheduler struct {
	store     store.Store
	registry  *registry.Registry
	publisher queue.Publisher
	metrics   *metrics.Metrics
	cfg       config.SchedulerConfig
	logger    *slog.Logger
	now       func() time.Time

	started ua.Bool
	runNow  chan struct{}
}

func New(s store.Store, reg *registry.Registry, pub queue.Publisher, m *metrics.Metrics, cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     s,
		registry:  reg,
		publisher: pub,
		metrics:   m,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
		now:       time.Now,
		runNow:    make(chan struct{}, 1),
	}
}

// Start launches the dispatch, reclaim and reconcile loops. They stop when ctx
// is cancelled; wg tracks them. A scheduler can only be started once.
func (s *Scheduler) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if wg == nil {
		return errors.New("missing wait group")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		s.dispatchLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.every(ctx, "reclaim", s.cfg.ReclaimInterval, func(ctx context.Context) error {
			_, err := s.Reclaim(ctx)
			return err
		})
	}()
	go func() {
		defer wg.Done()
		s.every(ctx, "reconcile", s.cfg.ReconcileInterval, func(ctx context.Context) error {
			_, err := s.Reconcile(ctx)
			return err
		})
	}()
	return nil
}

// RunNow asks the dispatch loop to run a pass as soon as possible.
func (s *Scheduler) RunNow() {
	select {
	case s.runNow <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	s.logger.Info("dispatch loop running", "interval", s.cfg.Interval.String())
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("dispatch loop shutting down")
			return
		case <-timer.C:
		case <-s.runNow:
		}

		if _, err := s.RunPass(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("dispatch pass failed", "error", err)
		}
		if _, err := s.QueueStats(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("refresh queue metrics failed", "error", err)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.Interval)
	}
}

func (s *Scheduler) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	s.logger.Info(name+" loop running", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error(name+" failed", "error", err)
			}
		}
	}
}

// RunPass dispatches as many queued jobs as current capacity allows and
// returns how many were claimed. Jobs with no eligible worker stay queued.
func (s *Scheduler) RunPass(ctx context.Context) (int, error) {
	jobs, err := s.store.ListQueuedJobs(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}

	dispatched := 0
	// requirements already found unsatisfiable in this pass
	exhausted := make(map[string]bool)
	for _, job := range jobs {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		req := job.GromacsRequirement()
		if exhausted[req] {
			continue
		}

		candidates, err := s.registry.FindEligible(ctx, req)
		if err != nil {
			return dispatched, fmt.Errorf("find eligible workers: %w", err)
		}
		if len(candidates) == 0 {
			exhausted[req] = true
			s.logger.Debug("no eligible worker", "job_id", job.ID, "requirement", req)
			continue
		}

		ok, err := s.dispatch(ctx, job, candidates)
		if err != nil {
			return dispatched, err
		}
		if ok {
			dispatched++
		}
	}
	return dispatched, nil
}

// dispatch tries candidates in preference order until one claim succeeds.
func (s *Scheduler) dispatch(ctx context.Context, job *models.Job, candidates []*models.Worker) (bool, error) {
	for _, w := range candidates {
		claimed, err := s.store.ClaimJob(ctx, job.ID, w.WorkerID)
		switch {
		case err == nil:
			s.metrics.Dispatched()
			s.logger.Info("job dispatched", "job_id", job.ID, "worker_id", w.WorkerID)
			s.publishDispatch(ctx, claimed, w.WorkerID)
			return true, nil
		case errors.Is(err, store.ErrCapacityExhausted), errors.Is(err, store.ErrNotFound):
			// the worker filled up or vanished since FindEligible
			continue
		case errors.Is(err, store.ErrConflict):
			s.logger.Info("job no longer queued, skipping", "job_id", job.ID, "error", err)
			return false, nil
		default:
			return false, fmt.Errorf("claim job %s: %w", job.ID, err)
		}
	}
	return false, nil
}

// publishDispatch notifies the worker. A lost message is recovered by the
// worker's periodic poll of its assigned jobs.
func (s *Scheduler) publishDispatch(ctx context.Context, job *models.Job, workerID string) {
	err := s.publisher.Publish(ctx, queue.Envelope{
		Kind:                   queue.KindDispatch,
		JobID:                  job.ID,
		WorkerID:               workerID,
		RequiredGromacsVersion: job.GromacsRequirement(),
		SentAt:                 s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("publish dispatch failed, worker will pick the job up by polling",
			"job_id", job.ID, "worker_id", workerID, "error", err)
	}
}

// Reclaim takes running jobs away from workers whose heartbeat is older than
// the timeout plus grace. A job is requeued once; a second loss fails it.
func (s *Scheduler) Reclaim(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-(s.cfg.HeartbeatTimeout + s.cfg.ReclaimGrace))
	jobs, err := s.store.ListStaleRunningJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale running jobs: %w", err)
	}

	reclaimed, requeued := 0, 0
	for _, job := range jobs {
		if job.AssignedWorkerID == nil {
			continue
		}
		workerID := *job.AssignedWorkerID
		res, err := s.store.ReclaimJob(ctx, job.ID, workerID)
		if errors.Is(err, store.ErrConflict) {
			s.logger.Info("reclaim skipped, job moved on", "job_id", job.ID, "worker_id", workerID)
			continue
		}
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim job %s: %w", job.ID, err)
		}
		reclaimed++
		s.metrics.Reclaimed(res.Status)
		if res.Status == models.JobStatusQueued {
			requeued++
		}
		s.logger.Warn("job reclaimed from unreachable worker",
			"job_id", job.ID, "worker_id", workerID, "status", res.Status, "reclaim_count", res.ReclaimCount)
	}
	if requeued > 0 {
		s.RunNow()
	}
	return reclaimed, nil
}

// Reconcile recomputes every worker's job count from the jobs table and
// returns how many workers were corrected.
func (s *Scheduler) Reconcile(ctx context.Context) (int, error) {
	corrections, err := s.store.ReconcileWorkerCounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile worker counts: %w", err)
	}
	for _, c := range corrections {
		s.logger.Warn("worker job count corrected", "worker_id", c.WorkerID, "stored", c.Stored, "actual", c.Actual)
	}
	s.metrics.CountsCorrected(len(corrections))
	if len(corrections) > 0 {
		s.RunNow()
	}
	return len(corrections), nil
}

// Cancel moves a job to cancelled. A running job's worker is told to stop;
// that notice is best effort since the worker also notices on its next write.
func (s *Scheduler) Cancel(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	var lastErr error
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		cur, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !cancellable(cur.Status) {
			return nil, fmt.Errorf("%w: job %s is already %s", store.ErrConflict, jobID, cur.Status)
		}

		updated, err := s.store.UpdateJobStatus(ctx, jobID, []models.JobStatus{cur.Status}, models.JobStatusCancelled,
			store.WithCurrentStep("Cancelled by user"))
		if errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrInvalidTransition) {
			// status changed under us; look again
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("job cancelled", "job_id", jobID, "previous_status", cur.Status)
		if cur.Status == models.JobStatusRunning && cur.AssignedWorkerID != nil {
			s.publishCancel(ctx, jobID, *cur.AssignedWorkerID)
		}
		return updated, nil
	}
	return nil, lastErr
}

func (s *Scheduler) publishCancel(ctx context.Context, jobID uuid.UUID, workerID string) {
	err := s.publisher.Publish(ctx, queue.Envelope{
		Kind:     queue.KindCancel,
		JobID:    jobID,
		WorkerID: workerID,
		SentAt:   s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("publish cancel failed", "job_id", jobID, "worker_id", workerID, "error", err)
	}
}

func cancellable(st models.JobStatus) bool {
	for _, c := range models.CancellableStatuses {
		if c == st {
			return true
		}
	}
	return false
}

// QueueStats reports the job pipeline and refreshes the gauges.
func (s *Scheduler) QueueStats(ctx context.Context) (models.QueueStats, error) {
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("count jobs: %w", err)
	}
	workers, err := s.registry.Stats(ctx)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("worker stats: %w", err)
	}
	stats := models.QueueStats{
		ByStatus: counts,
		Backlog:  counts[models.JobStatusQueued],
		Running:  counts[models.JobStatusRunning],
		Workers:  workers,
	}
	for _, n := range counts {
		stats.Total += n
	}
	s.metrics.ObserveQueue(stats)
	return stats, nil
}
