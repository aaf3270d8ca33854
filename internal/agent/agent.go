// Package agent is the worker side of the broker: it registers with the
// registry, heartbeats, receives dispatches and runs each job's analysis
// container to completion.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/internal/blob"
	"github.com/osercinoglu/grinn-web/internal/config"
	"github.com/osercinoglu/grinn-web/internal/metrics"
	"github.com/osercinoglu/grinn-web/internal/queue"
	"github.com/osercinoglu/grinn-web/internal/registry"
	"github.com/osercinoglu/grinn-web/internal/store"
	"github.com/osercinoglu/grinn-web/pkg/models"
	ua "go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Execution outcomes, also used as metric labels.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
	OutcomeSkipped   = "skipped"
)

var (
	errCancelRequested = errors.New("cancel requested")
	errJobMovedOn      = errors.New("job no longer owned by this worker")
)

// JobStore is the part of the job store the agent writes through.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, expected []models.JobStatus, next models.JobStatus, opts ...store.JobUpdateOption) (*models.Job, error)
	UpdateJobProgress(ctx context.Context, id uuid.UUID, workerID string, progress *float64, step string) error
	ListRunningJobsForWorker(ctx context.Context, workerID string) ([]*models.Job, error)
}

// Registrar is the registry as seen by one worker.
type Registrar interface {
	Register(ctx context.Context, d registry.Descriptor) (*models.Worker, []uuid.UUID, error)
	Heartbeat(ctx context.Context, workerID string, reportedCount int) error
	SetStatus(ctx context.Context, workerID string, status models.WorkerStatus) error
}

// Consumer delivers this worker's queue messages.
type Consumer interface {
	Consume(ctx context.Context, workerID string, prefetch int, h queue.Handler) error
}

type activeJob struct {
	cancel context.CancelCauseFunc
	since  time.Time
}

// Agent runs jobs assigned to one worker identity.
type Agent struct {
	jobs     JobStore
	registry Registrar
	consumer Consumer
	blobs    blob.Store
	runner   Runner
	metrics  *metrics.Metrics
	cfg      config.WorkerConfig
	logger   *slog.Logger

	descriptor registry.Descriptor
	workerID   string

	mu      sync.Mutex
	active  map[uuid.UUID]*activeJob
	running ua.Int32
	wg      sync.WaitGroup
}

func New(jobs JobStore, reg Registrar, consumer Consumer, blobs blob.Store, runner Runner, m *metrics.Metrics, cfg config.WorkerConfig, logger *slog.Logger) *Agent {
	d := registry.Descriptor{
		WorkerID:          cfg.WorkerID,
		Facility:          cfg.Facility,
		Hostname:          cfg.Hostname,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		Capabilities:      cfg.Capabilities,
	}
	return &Agent{
		jobs:       jobs,
		registry:   reg,
		consumer:   consumer,
		blobs:      blobs,
		runner:     runner,
		metrics:    m,
		cfg:        cfg,
		logger:     logger.With("component", "agent"),
		descriptor: d,
		workerID:   d.Identity(),
		active:     make(map[uuid.UUID]*activeJob),
	}
}

func (a *Agent) WorkerID() string {
	return a.workerID
}

// ActiveJobs reports how many jobs this process is executing.
func (a *Agent) ActiveJobs() int {
	return int(a.running.Load())
}

// Run registers the worker and serves it until ctx is cancelled. Jobs still
// running at shutdown are abandoned and reclaimed on the next registration.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return a.consumer.Consume(gctx, a.workerID, a.cfg.MaxConcurrentJobs, a.Handle)
	})
	g.Go(func() error {
		a.pollLoop(gctx)
		return nil
	})

	err := g.Wait()
	a.wg.Wait()
	a.markOffline()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker %s: %w", a.workerID, err)
	}
	return nil
}

func (a *Agent) register(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = a.cfg.RegistrationWindow
	err := backoff.RetryNotify(func() error {
		w, orphans, err := a.registry.Register(ctx, a.descriptor)
		if errors.Is(err, registry.ErrInvalidDescriptor) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		if len(orphans) > 0 {
			a.logger.Warn("jobs from a previous run were reclaimed", "worker_id", w.WorkerID, "jobs", orphans)
		}
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		a.logger.Warn("registration failed, retrying", "error", err, "retry_in", next.String())
	})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.heartbeat(ctx)
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	err := a.registry.Heartbeat(ctx, a.workerID, a.ActiveJobs())
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		a.logger.Warn("worker unknown to registry, registering again", "worker_id", a.workerID)
		if err := a.register(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("re-registration failed", "error", err)
		}
	case ctx.Err() == nil:
		a.logger.Warn("heartbeat failed", "error", err)
	}
}

func (a *Agent) markOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.registry.SetStatus(ctx, a.workerID, models.WorkerStatusOffline); err != nil {
		a.logger.Warn("could not mark worker offline", "worker_id", a.workerID, "error", err)
		return
	}
	a.logger.Info("worker offline", "worker_id", a.workerID)
}

// pollLoop picks up jobs assigned to this worker whose dispatch never
// arrived, and stops local executions the store no longer assigns here.
func (a *Agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.JobPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Poll(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("assignment poll failed", "error", err)
			}
		}
	}
}

// Poll reconciles local executions against the store once.
func (a *Agent) Poll(ctx context.Context) error {
	listedAt := time.Now()
	assigned, err := a.jobs.ListRunningJobsForWorker(ctx, a.workerID)
	if err != nil {
		return fmt.Errorf("list assigned jobs: %w", err)
	}
	owned := make(map[uuid.UUID]bool, len(assigned))
	for _, job := range assigned {
		owned[job.ID] = true
	}

	a.mu.Lock()
	for id, aj := range a.active {
		// executions tracked after the listing may not be in it yet
		if !owned[id] && aj.since.Before(listedAt) {
			a.logger.Info("job no longer assigned here, stopping", "job_id", id)
			aj.cancel(errJobMovedOn)
		}
	}
	a.mu.Unlock()

	for _, job := range assigned {
		if a.isActive(job.ID) {
			continue
		}
		a.logger.Info("picking up assigned job without dispatch", "job_id", job.ID)
		id := job.ID
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.Execute(ctx, id); err != nil && ctx.Err() == nil {
				a.logger.Warn("execute polled job failed", "job_id", id, "error", err)
			}
		}()
	}
	return nil
}

// Handle is the queue handler. Dispatches block for the whole execution so the
// prefetch window bounds local concurrency.
func (a *Agent) Handle(ctx context.Context, e queue.Envelope) error {
	if e.WorkerID != a.workerID {
		a.logger.Warn("message for another worker ignored", "job_id", e.JobID, "addressed_to", e.WorkerID)
		return nil
	}
	switch e.Kind {
	case queue.KindCancel:
		a.Cancel(e.JobID)
		return nil
	case queue.KindDispatch:
		return a.Execute(ctx, e.JobID)
	default:
		return nil
	}
}

// Cancel stops a local execution of jobID, if any. No further writes are made for it.
func (a *Agent) Cancel(jobID uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	aj, ok := a.active[jobID]
	if ok {
		a.logger.Info("cancelling job", "job_id", jobID)
		aj.cancel(errCancelRequested)
	}
	return ok
}

func (a *Agent) isActive(id uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[id]
	return ok
}

func (a *Agent) track(id uuid.UUID, cancel context.CancelCauseFunc) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.active[id]; ok {
		return false
	}
	a.active[id] = &activeJob{cancel: cancel, since: time.Now()}
	a.running.Inc()
	return true
}

func (a *Agent) untrack(id uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.active[id]; ok {
		delete(a.active, id)
		a.running.Dec()
	}
}

// Execute runs jobID if the store still assigns it to this worker. Stale or
// duplicate dispatches are acknowledged without effect. An error means the
// job could not be read and the dispatch should be redelivered.
func (a *Agent) Execute(ctx context.Context, jobID uuid.UUID) error {
	jctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !a.track(jobID, cancel) {
		a.logger.Info("job already running here, duplicate dispatch ignored", "job_id", jobID)
		return nil
	}
	defer a.untrack(jobID)

	job, err := a.jobs.GetJob(jctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		a.logger.Warn("dispatched job does not exist", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get job %s: %w", jobID, err)
	}
	if job.Status != models.JobStatusRunning || !job.IsAssignedTo(a.workerID) {
		a.logger.Info("stale dispatch ignored", "job_id", jobID, "status", job.Status)
		a.metrics.AgentOutcome(OutcomeSkipped)
		return nil
	}

	start := time.Now()
	outcome := a.run(jctx, cancel, job)
	a.metrics.AgentOutcome(outcome)
	a.logger.Info("job execution finished", "job_id", jobID, "outcome", outcome,
		"duration_ms", time.Since(start).Milliseconds(), "cause", context.Cause(jctx))
	return nil
}

func (a *Agent) run(ctx context.Context, cancel context.CancelCauseFunc, job *models.Job) string {
	logger := a.logger.With("job_id", job.ID)

	workDir, err := os.MkdirTemp(a.cfg.WorkDir, "grinn-"+job.ID.String()+"-")
	if err != nil {
		return a.fail(ctx, job, models.ErrorKindInternal, fmt.Sprintf("create work dir: %v", err))
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("remove work dir failed", "dir", workDir, "error", err)
		}
	}()
	inputDir := filepath.Join(workDir, "input")
	outputDir := filepath.Join(workDir, "output")
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return a.fail(ctx, job, models.ErrorKindInternal, fmt.Sprintf("create work dir: %v", err))
		}
	}
	clog, err := openContainerLog(filepath.Join(workDir, "container.log"))
	if err != nil {
		return a.fail(ctx, job, models.ErrorKindInternal, err.Error())
	}
	defer clog.Close()

	if !a.progress(ctx, cancel, job.ID, PercentDownloading, StepDownloading) {
		return OutcomeAbandoned
	}
	if err := a.download(ctx, job, inputDir); err != nil {
		if ctx.Err() != nil {
			return OutcomeAbandoned
		}
		return a.fail(ctx, job, models.ErrorKindStorage, err.Error())
	}

	if !a.progress(ctx, cancel, job.ID, PercentValidating, StepValidating) {
		return OutcomeAbandoned
	}
	if err := checkInputs(job, inputDir); err != nil {
		return a.fail(ctx, job, models.ErrorKindInvalidInput, err.Error())
	}

	if !a.progress(ctx, cancel, job.ID, PercentRunning, StepRunning) {
		return OutcomeAbandoned
	}
	runCtx, cancelRun := context.WithTimeout(ctx, a.cfg.DockerTimeout)
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		a.flushLogs(runCtx, job.ID, clog, a.cfg.JobPollInterval)
	}()
	res, err := a.runner.Run(runCtx, RunSpec{
		JobID:      job.ID,
		InputDir:   inputDir,
		OutputDir:  outputDir,
		Parameters: job.Parameters,
	}, a.lineHandler(ctx, cancel, job.ID, clog))
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancelRun()
	<-flushed
	// a job that moved on may already belong to another attempt's log
	if ctx.Err() == nil {
		a.uploadLog(ctx, job.ID, clog)
	}

	switch {
	case ctx.Err() != nil:
		logger.Info("execution stopped", "cause", context.Cause(ctx))
		return OutcomeAbandoned
	case timedOut:
		return a.fail(ctx, job, models.ErrorKindTimeout,
			fmt.Sprintf("analysis exceeded the %s time limit", a.cfg.DockerTimeout))
	case err != nil:
		return a.fail(ctx, job, models.ErrorKindExecution, err.Error())
	case res.ExitCode != 0:
		msg := fmt.Sprintf("analysis exited with code %d", res.ExitCode)
		if len(res.StderrTail) > 0 {
			msg += ": " + strings.Join(res.StderrTail, "\n")
		}
		return a.fail(ctx, job, models.ErrorKindExecution, msg)
	}

	if !a.progress(ctx, cancel, job.ID, PercentUploading, StepUploading) {
		return OutcomeAbandoned
	}
	n, err := a.upload(ctx, job, outputDir)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeAbandoned
		}
		return a.fail(ctx, job, models.ErrorKindStorage, err.Error())
	}
	if n == 0 {
		return a.fail(ctx, job, models.ErrorKindExecution, "analysis produced no output files")
	}

	_, err = a.jobs.UpdateJobStatus(ctx, job.ID, []models.JobStatus{models.JobStatusRunning}, models.JobStatusCompleted,
		store.WithAssignedWorker(a.workerID),
		store.WithResultRef(blob.ResultPrefix(job.ID)),
		store.WithProgress(PercentCompleted),
		store.WithCurrentStep(StepCompleted),
	)
	if err != nil {
		return a.writeFailed(ctx, cancel, job.ID, err)
	}
	logger.Info("job completed", "result_files", n)
	return OutcomeCompleted
}

// fail records a failed terminal status unless the execution was stopped.
func (a *Agent) fail(ctx context.Context, job *models.Job, kind models.ErrorKind, msg string) string {
	if ctx.Err() != nil {
		return OutcomeAbandoned
	}
	a.logger.Warn("job failed", "job_id", job.ID, "error_kind", kind, "error", msg)
	_, err := a.jobs.UpdateJobStatus(ctx, job.ID, []models.JobStatus{models.JobStatusRunning}, models.JobStatusFailed,
		store.WithAssignedWorker(a.workerID),
		store.Failure(kind, msg),
	)
	if err != nil {
		return a.writeFailed(ctx, nil, job.ID, err)
	}
	return OutcomeFailed
}

func (a *Agent) writeFailed(ctx context.Context, cancel context.CancelCauseFunc, jobID uuid.UUID, err error) string {
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		a.logger.Info("job moved on, abandoning", "job_id", jobID, "error", err)
		if cancel != nil {
			cancel(errJobMovedOn)
		}
		return OutcomeAbandoned
	}
	// The job stays running; reclamation fails or requeues it if this worker goes away.
	a.logger.Error("could not record job outcome", "job_id", jobID, "error", err)
	return OutcomeAbandoned
}

// progress reports a checkpoint and returns false once the job is no longer
// this worker's. Other write errors are logged and execution continues.
func (a *Agent) progress(ctx context.Context, cancel context.CancelCauseFunc, jobID uuid.UUID, pct float64, step string) bool {
	if ctx.Err() != nil {
		return false
	}
	p := pct
	err := a.jobs.UpdateJobProgress(ctx, jobID, a.workerID, &p, step)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
		a.logger.Info("job moved on, abandoning", "job_id", jobID, "error", err)
		cancel(errJobMovedOn)
		return false
	default:
		a.logger.Warn("progress update failed", "job_id", jobID, "error", err)
		return ctx.Err() == nil
	}
}

// lineHandler records container output in the job log and turns recognised
// progress lines into store updates.
func (a *Agent) lineHandler(ctx context.Context, cancel context.CancelCauseFunc, jobID uuid.UUID, clog *containerLog) LineFunc {
	return func(stream, line string) {
		clog.add(stream, line)
		u, ok := ParseProgress(line)
		if !ok || ctx.Err() != nil {
			return
		}
		err := a.jobs.UpdateJobProgress(ctx, jobID, a.workerID, u.Percent, u.Step)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			a.logger.Info("job moved on during execution, stopping container", "job_id", jobID)
			cancel(errJobMovedOn)
		case ctx.Err() == nil:
			a.logger.Warn("progress update failed", "job_id", jobID, "error", err)
		}
	}
}
