package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/osercinoglu/grinn-web/internal/config"
	"github.com/osercinoglu/grinn-web/internal/queue"
	"github.com/osercinoglu/grinn-web/internal/registry"
	"github.com/osercinoglu/grinn-web/internal/scheduler"
	"github.com/osercinoglu/grinn-web/internal/store"
	"github.com/osercinoglu/grinn-web/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("grinn_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

// fakePublisher records envelopes instead of sending them.
type fakePublisher struct {
	mu   sync.Mutex
	sent []queue.Envelope
}

var _ queue.Publisher = (*fakePublisher)(nil)

func (p *fakePublisher) Publish(_ context.Context, e queue.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, e)
	return nil
}

func (p *fakePublisher) byKind(kind queue.Kind) []queue.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []queue.Envelope
	for _, e := range p.sent {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	store store.Store
	reg   *registry.Registry
	pub   *fakePublisher
	sched *scheduler.Scheduler
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Interval:          time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  2 * time.Minute,
		ReclaimGrace:      time.Minute,
		ReclaimInterval:   30 * time.Second,
		ReconcileInterval: 5 * time.Minute,
		BatchSize:         100,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig()
	reg := registry.New(s, cfg.HeartbeatTimeout, logger)
	pub := &fakePublisher{}
	return &harness{
		store: s,
		reg:   reg,
		pub:   pub,
		sched: scheduler.New(s, reg, pub, nil, cfg, logger),
	}
}

func (h *harness) register(t *testing.T, id string, capacity int, caps ...string) {
	t.Helper()
	_, _, err := h.reg.Register(context.Background(), registry.Descriptor{
		WorkerID: id, Facility: "facility", Hostname: id, MaxConcurrentJobs: capacity, Capabilities: caps,
	})
	require.NoError(t, err)
}

func (h *harness) queueJob(t *testing.T, createdAt time.Time, requirement string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	job := &models.Job{
		ID:      uuid.New(),
		JobName: "job",
		Status:  models.JobStatusPending,
		Parameters: models.Parameters{Mode: models.ModeEnsemble, Ensemble: &models.EnsembleParams{
			EnsembleFile: "ensemble.pdb",
		}},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if requirement != "" {
		job.RequiredGromacsVersion = &requirement
	}
	require.NoError(t, h.store.CreateJob(ctx, job))
	_, err := h.store.UpdateJobStatus(ctx, job.ID, []models.JobStatus{models.JobStatusPending}, models.JobStatusQueued)
	require.NoError(t, err)
	return job.ID
}

func (h *harness) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (h *harness) worker(t *testing.T, id string) *models.Worker {
	t.Helper()
	w, err := h.store.GetWorker(context.Background(), id)
	require.NoError(t, err)
	return w
}

func TestStart_Twice(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := scheduler.New(nil, nil, &fakePublisher{}, nil, testConfig(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var wg sync.WaitGroup
	assert.ErrorIs(t, s.Start(ctx, &wg), context.Canceled)
	assert.ErrorIs(t, s.Start(ctx, &wg), scheduler.ErrAlreadyStarted)
	wg.Wait()
}

func TestRunPass_RoutesByCapability(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, "w1", 1, "2023.3")
	h.register(t, "w2", 1, "2024.1")
	jobID := h.queueJob(t, time.Now(), "2024.1")

	n, err := h.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j := h.job(t, jobID)
	assert.Equal(t, models.JobStatusRunning, j.Status)
	require.NotNil(t, j.AssignedWorkerID)
	assert.Equal(t, "w2", *j.AssignedWorkerID)
	assert.Equal(t, 0, h.worker(t, "w1").CurrentJobCount)
	assert.Equal(t, 1, h.worker(t, "w2").CurrentJobCount)

	dispatches := h.pub.byKind(queue.KindDispatch)
	require.Len(t, dispatches, 1)
	assert.Equal(t, jobID, dispatches[0].JobID)
	assert.Equal(t, "w2", dispatches[0].WorkerID)
}

func TestRunPass_NoEligibleWorkerStaysQueued(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	h := newHarness(t)

	h.register(t, "w1", 1, "2023.3")
	jobID := h.queueJob(t, time.Now(), "2024.1")

	n, err := h.sched.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.JobStatusQueued, h.job(t, jobID).Status)
	assert.Empty(t, h.pub.byKind(queue.KindDispatch))
}

func TestRunPass_SingleSlotIsFIFO(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, "w1", 1)
	base := time.Now().Add(-time.Minute)
	j1 := h.queueJob(t, base, "")
	j2 := h.queueJob(t, base.Add(time.Second), "")
	j3 := h.queueJob(t, base.Add(2*time.Second), "")

	n, err := h.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.JobStatusRunning, h.job(t, j1).Status)
	assert.Equal(t, models.JobStatusQueued, h.job(t, j2).Status)
	assert.Equal(t, models.JobStatusQueued, h.job(t, j3).Status)

	// nothing more fits until j1 finishes
	n, err = h.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.store.UpdateJobStatus(ctx, j1, []models.JobStatus{models.JobStatusRunning}, models.JobStatusCompleted,
		store.WithAssignedWorker("w1"))
	require.NoError(t, err)

	n, err = h.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.JobStatusRunning, h.job(t, j2).Status)
	assert.Equal(t, models.JobStatusQueued, h.job(t, j3).Status)
	assert.Equal(t, 1, h.worker(t, "w1").CurrentJobCount)
}

func TestRunPass_PrefersLeastLoaded(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, "a", 2)
	h.register(t, "b", 2)
	base := time.Now().Add(-time.Minute)
	first := h.queueJob(t, base, "")
	second := h.queueJob(t, base.Add(time.Second), "")

	n, err := h.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a1, a2 := h.job(t, first).AssignedWorkerID, h.job(t, second).AssignedWorkerID
	require.NotNil(t, a1)
	require.NotNil(t, a2)
	assert.NotEqual(t, *a1, *a2, "second job goes to the idle worker")
}

func TestCancel_QueuedJobIsNeverDispatched(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	h := newHarness(t)
	ctx := context.Background()

	jobID := h.queueJob(t, time.Now(), "")
	cancelled, err := h.sched.Cancel(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	h.register(t, "w1", 1)
	n, err := h.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.JobStatusCancelled, h.job(t, jobID).Status)
	assert.Empty(t, h.pub.byKind(queue.KindDispatch))
	assert.Empty(t, h.pub.byKind(queue.KindCancel), "nobody to notify for a queued job")
}

func TestCancel_RunningJobNotifiesWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, "w1", 1)
	jobID := h.queueJob(t, time.Now(), "")
	_, err := h.sched.RunPass(ctx)
	require.NoError(t, err)

	_, err = h.sched.Cancel(ctx, jobID)
	require.NoError(t, err)

	cancels := h.pub.byKind(queue.KindCancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, "w1", cancels[0].WorkerID)
	assert.Equal(t, 0, h.worker(t, "w1").CurrentJobCount)
}

func TestCancel_TerminalJobConflicts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	h := newHarness(t)
	ctx := context.Background()

	jobID := h.queueJob(t, time.Now(), "")
	_, err := h.sched.Cancel(ctx, jobID)
	require.NoError(t, err)

	_, err = h.sched.Cancel(ctx, jobID)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = h.sched.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReclaim_StaleWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, "w1", 1)
	h.register(t, "w2", 1)
	jobID := h.queueJob(t, time.Now(), "")
	_, err := h.store.ClaimJob(ctx, jobID, "w1")
	require.NoError(t, err)

	// w1 went silent well past timeout plus grace; w2 keeps heartbeating
	_, err = h.store.TouchWorker(ctx, "w1", time.Now().Add(-10*time.Minute))
	require.NoError(t, err)

	n, err := h.sched.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j := h.job(t, jobID)
	assert.Equal(t, models.JobStatusQueued, j.Status)
	assert.Nil(t, j.AssignedWorkerID)
	assert.Equal(t, 1, j.ReclaimCount)
	assert.Equal(t, 0, h.worker(t, "w1").CurrentJobCount)

	// the requeued job lands on the live worker
	n, err = h.sched.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NotNil(t, h.job(t, jobID).AssignedWorkerID)
	assert.Equal(t, "w2", *h.job(t, jobID).AssignedWorkerID)

	// losing a second worker fails the job instead of requeueing it again
	_, err = h.store.TouchWorker(ctx, "w2", time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	n, err = h.sched.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j = h.job(t, jobID)
	assert.Equal(t, models.JobStatusFailed, j.Status)
	require.NotNil(t, j.ErrorKind)
	assert.Equal(t, models.ErrorKindWorkerLost, *j.ErrorKind)
}

func TestReclaim_FreshWorkerUntouched(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, "w1", 1)
	jobID := h.queueJob(t, time.Now(), "")
	_, err := h.sched.RunPass(ctx)
	require.NoError(t, err)

	n, err := h.sched.Reclaim(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.JobStatusRunning, h.job(t, jobID).Status)
}

func TestQueueStats(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, "w1", 2)
	h.queueJob(t, time.Now().Add(-time.Second), "")
	h.queueJob(t, time.Now(), "2099.1")
	_, err := h.sched.RunPass(ctx)
	require.NoError(t, err)

	stats, err := h.sched.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Backlog)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Workers.Online)
	assert.Equal(t, 2, stats.Workers.CapacityTotal)
	assert.Equal(t, 1, stats.Workers.CapacityUsed)
}
