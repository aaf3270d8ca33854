package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/osercinoglu/grinn-web/internal/store"
	"github.com/osercinoglu/grinn-web/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
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

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func trajectoryParams() models.Parameters {
	return models.Parameters{
		Mode: models.ModeTrajectory,
		Trajectory: &models.TrajectoryParams{
			StructureFile:  "system.pdb",
			TrajectoryFile: "traj.xtc",
			SkipFrames:     1,
		},
	}
}

func newJob(t *testing.T, s store.Store, status models.JobStatus, private bool) *models.Job {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	job := &models.Job{
		ID:         uuid.New(),
		JobName:    "lysozyme",
		IsPrivate:  private,
		Status:     models.JobStatusPending,
		Parameters: trajectoryParams(),
		InputFiles: []models.JobFile{{Filename: "system.pdb", FileType: models.FileTypePDB, SizeBytes: 10}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))

	// walk the state machine up to the requested status
	path := map[models.JobStatus][]models.JobStatus{
		models.JobStatusPending: {},
		models.JobStatusQueued:  {models.JobStatusQueued},
	}
	steps, ok := path[status]
	require.True(t, ok, "unsupported fixture status %s", status)
	prev := models.JobStatusPending
	for _, next := range steps {
		_, err := s.UpdateJobStatus(context.Background(), job.ID, []models.JobStatus{prev}, next)
		require.NoError(t, err)
		prev = next
	}
	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	return got
}

func newWorker(t *testing.T, s store.Store, id string, capacity int, caps ...string) *models.Worker {
	t.Helper()
	w, orphans, err := s.RegisterWorker(context.Background(), &models.Worker{
		WorkerID:              id,
		FacilityName:          "facility-1",
		Hostname:              id + ".local",
		MaxConcurrentJobs:     capacity,
		AvailableCapabilities: caps,
	})
	require.NoError(t, err)
	require.Empty(t, orphans)
	return w
}

// --- Jobs ---

func TestJob_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(t, s, models.JobStatusPending, false)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "lysozyme", got.JobName)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, models.ModeTrajectory, got.Parameters.Mode)
	require.NotNil(t, got.Parameters.Trajectory)
	assert.Equal(t, "traj.xtc", got.Parameters.Trajectory.TrajectoryFile)
	require.Len(t, got.InputFiles, 1)
	assert.Equal(t, "system.pdb", got.InputFiles[0].Filename)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestJob_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_ListExcludesPrivate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	public := newJob(t, s, models.JobStatusPending, false)
	newJob(t, s, models.JobStatusPending, true)
	queued := newJob(t, s, models.JobStatusQueued, false)

	jobs, total, err := s.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, jobs, 2)
	// newest first
	assert.Equal(t, queued.ID, jobs[0].ID)
	assert.Equal(t, public.ID, jobs[1].ID)

	st := models.JobStatusQueued
	jobs, total, err = s.ListJobs(ctx, store.JobFilter{Status: &st})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, queued.ID, jobs[0].ID)

	jobs, total, err = s.ListJobs(ctx, store.JobFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, public.ID, jobs[0].ID)
}

func TestJob_UpdateStatusConflict(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(t, s, models.JobStatusQueued, false)

	// stale expectation
	_, err := s.UpdateJobStatus(ctx, job.ID, []models.JobStatus{models.JobStatusPending}, models.JobStatusCancelled)
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, job.UpdatedAt, got.UpdatedAt)
}

func TestJob_IllegalTransitionLeavesStateUnchanged(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(t, s, models.JobStatusQueued, false)

	_, err := s.UpdateJobStatus(ctx, job.ID, []models.JobStatus{models.JobStatusQueued}, models.JobStatusCompleted)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Nil(t, got.CompletedAt)
}

func TestJob_CancelStampsCompletedAt(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(t, s, models.JobStatusQueued, false)
	got, err := s.UpdateJobStatus(ctx, job.ID, models.CancellableStatuses, models.JobStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.UpdatedAt.Before(job.UpdatedAt))
}

func TestJob_AddInputFileReplacesByName(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(t, s, models.JobStatusPending, false)
	open := []models.JobStatus{models.JobStatusPending, models.JobStatusUploading}

	got, err := s.AddInputFile(ctx, job.ID, open, models.JobFile{Filename: "traj.xtc", FileType: models.FileTypeXTC, SizeBytes: 5})
	require.NoError(t, err)
	assert.Len(t, got.InputFiles, 2)

	got, err = s.AddInputFile(ctx, job.ID, open, models.JobFile{Filename: "traj.xtc", FileType: models.FileTypeXTC, SizeBytes: 7})
	require.NoError(t, err)
	require.Len(t, got.InputFiles, 2)
	assert.Equal(t, int64(7), got.InputFiles[1].SizeBytes)

	_, err = s.UpdateJobStatus(ctx, job.ID, open, models.JobStatusQueued)
	require.NoError(t, err)
	_, err = s.AddInputFile(ctx, job.ID, open, models.JobFile{Filename: "late.pdb"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

// --- Claims and capacity ---

func TestClaimJob_AssignsAndCounts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	newWorker(t, s, "w1", 2)
	job := newJob(t, s, models.JobStatusQueued, false)

	claimed, err := s.ClaimJob(ctx, job.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, claimed.Status)
	require.NotNil(t, claimed.AssignedWorkerID)
	assert.Equal(t, "w1", *claimed.AssignedWorkerID)
	require.NotNil(t, claimed.WorkerHost)
	assert.Equal(t, "w1.local", *claimed.WorkerHost)
	assert.NotNil(t, claimed.StartedAt)

	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.CurrentJobCount)

	// a second claim of the same job loses and does not leak a slot
	_, err = s.ClaimJob(ctx, job.ID, "w1")
	assert.ErrorIs(t, err, store.ErrConflict)
	w, err = s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.CurrentJobCount)
}

func TestClaimJob_UnknownWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	job := newJob(t, s, models.JobStatusQueued, false)
	_, err := s.ClaimJob(context.Background(), job.ID, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimJob_ConcurrentClaimsNeverExceedCapacity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	const capacity = 3
	const attempts = 12
	newWorker(t, s, "w1", capacity)

	jobs := make([]*models.Job, attempts)
	for i := range jobs {
		jobs[i] = newJob(t, s, models.JobStatusQueued, false)
	}

	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := range jobs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.ClaimJob(ctx, jobs[i].ID, "w1")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrCapacityExhausted)
	}
	assert.Equal(t, capacity, succeeded)

	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, capacity, w.CurrentJobCount)

	counts, err := s.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, capacity, counts[models.JobStatusRunning])
	assert.Equal(t, attempts-capacity, counts[models.JobStatusQueued])
}

func TestTerminalTransitionReleasesSlot(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	newWorker(t, s, "w1", 1)
	job := newJob(t, s, models.JobStatusQueued, false)
	_, err := s.ClaimJob(ctx, job.ID, "w1")
	require.NoError(t, err)

	// a different worker cannot complete it
	_, err = s.UpdateJobStatus(ctx, job.ID, []models.JobStatus{models.JobStatusRunning}, models.JobStatusCompleted,
		store.WithAssignedWorker("w2"))
	assert.ErrorIs(t, err, store.ErrConflict)

	done, err := s.UpdateJobStatus(ctx, job.ID, []models.JobStatus{models.JobStatusRunning}, models.JobStatusCompleted,
		store.WithAssignedWorker("w1"), store.WithResultRef("jobs/x/results/"), store.WithProgress(100))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, 100.0, done.ProgressPercentage)
	require.NotNil(t, done.CompletedAt)

	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, w.CurrentJobCount)
	assert.Equal(t, int64(1), w.JobsCompleted)
}

func TestUpdateJobProgress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	newWorker(t, s, "w1", 1)
	job := newJob(t, s, models.JobStatusQueued, false)
	_, err := s.ClaimJob(ctx, job.ID, "w1")
	require.NoError(t, err)

	fifty, ten := 50.0, 10.0
	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, "w1", &fifty, "Computing energies"))
	require.NoError(t, s.UpdateJobProgress(ctx, job.ID, "w1", &ten, ""))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.ProgressPercentage)
	assert.Equal(t, "Computing energies", got.CurrentStep)

	err = s.UpdateJobProgress(ctx, job.ID, "w2", &fifty, "x")
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.UpdateJobStatus(ctx, job.ID, models.CancellableStatuses, models.JobStatusCancelled)
	require.NoError(t, err)
	err = s.UpdateJobProgress(ctx, job.ID, "w1", &fifty, "still going")
	assert.ErrorIs(t, err, store.ErrConflict)
}

// --- Reclamation ---

func TestReclaimJob_OnceThenFails(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	newWorker(t, s, "w1", 1)
	newWorker(t, s, "w2", 1)
	job := newJob(t, s, models.JobStatusQueued, false)

	_, err := s.ClaimJob(ctx, job.ID, "w1")
	require.NoError(t, err)

	requeued, err := s.ReclaimJob(ctx, job.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, requeued.Status)
	assert.Nil(t, requeued.AssignedWorkerID)
	assert.Equal(t, 1, requeued.ReclaimCount)

	w1, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, w1.CurrentJobCount)

	// reclaiming again from the old worker is a conflict
	_, err = s.ReclaimJob(ctx, job.ID, "w1")
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.ClaimJob(ctx, job.ID, "w2")
	require.NoError(t, err)

	failed, err := s.ReclaimJob(ctx, job.ID, "w2")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorKind)
	assert.Equal(t, models.ErrorKindWorkerLost, *failed.ErrorKind)

	w2, err := s.GetWorker(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, 0, w2.CurrentJobCount)
	assert.Equal(t, int64(1), w2.JobsFailed)
}

func TestListStaleRunningJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	newWorker(t, s, "fresh", 1)
	newWorker(t, s, "stale", 1)
	newWorker(t, s, "gone", 1)

	fresh := newJob(t, s, models.JobStatusQueued, false)
	stale := newJob(t, s, models.JobStatusQueued, false)
	gone := newJob(t, s, models.JobStatusQueued, false)
	for id, w := range map[uuid.UUID]string{fresh.ID: "fresh", stale.ID: "stale", gone.ID: "gone"} {
		_, err := s.ClaimJob(ctx, id, w)
		require.NoError(t, err)
	}

	_, err := s.TouchWorker(ctx, "stale", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.DeleteWorker(ctx, "gone"))

	jobs, err := s.ListStaleRunningJobs(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)

	var ids []uuid.UUID
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{stale.ID, gone.ID}, ids)
}

// --- Retention queries ---

func TestListExpirableJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	cancelled := newJob(t, s, models.JobStatusQueued, false)
	_, err := s.UpdateJobStatus(ctx, cancelled.ID, models.CancellableStatuses, models.JobStatusCancelled)
	require.NoError(t, err)
	active := newJob(t, s, models.JobStatusQueued, false)

	jobs, err := s.ListExpirableJobs(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, cancelled.ID, jobs[0].ID)
	assert.NotEqual(t, active.ID, jobs[0].ID)

	jobs, err = s.ListExpirableJobs(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	expired, err := s.UpdateJobStatus(ctx, cancelled.ID, models.TerminalStatuses, models.JobStatusExpired)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusExpired, expired.Status)
	assert.NotNil(t, expired.CompletedAt, "expiry keeps completion history")
}

// --- Workers ---

func TestRegisterWorker_IdempotentAndReclaimsOrphans(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	newWorker(t, s, "w1", 2, "2023.5")
	job := newJob(t, s, models.JobStatusQueued, false)
	_, err := s.ClaimJob(ctx, job.ID, "w1")
	require.NoError(t, err)

	w, orphans, err := s.RegisterWorker(ctx, &models.Worker{
		WorkerID:              "w1",
		FacilityName:          "facility-2",
		Hostname:              "w1.local",
		MaxConcurrentJobs:     4,
		AvailableCapabilities: []string{"2024.1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{job.ID}, orphans)
	assert.Equal(t, 0, w.CurrentJobCount)
	assert.Equal(t, 4, w.MaxConcurrentJobs)
	assert.Equal(t, "facility-2", w.FacilityName)
	assert.Equal(t, []string{"2024.1"}, w.AvailableCapabilities)
	assert.Equal(t, models.WorkerStatusOnline, w.Status)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}

func TestTouchWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	newWorker(t, s, "w1", 1)
	require.NoError(t, s.SetWorkerStatus(ctx, "w1", models.WorkerStatusOffline))

	at := time.Now().UTC().Truncate(time.Microsecond)
	w, err := s.TouchWorker(ctx, "w1", at)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusOnline, w.Status)
	assert.True(t, at.Equal(w.LastHeartbeat))

	require.NoError(t, s.SetWorkerStatus(ctx, "w1", models.WorkerStatusError))
	w, err = s.TouchWorker(ctx, "w1", at)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusError, w.Status)

	_, err = s.TouchWorker(ctx, "ghost", at)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	newWorker(t, s, "w1", 1)
	require.NoError(t, s.DeleteWorker(ctx, "w1"))
	assert.ErrorIs(t, s.DeleteWorker(ctx, "w1"), store.ErrNotFound)
	_, err := s.GetWorker(ctx, "w1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcileWorkerCounts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	newWorker(t, s, "w1", 3)
	for i := 0; i < 2; i++ {
		job := newJob(t, s, models.JobStatusQueued, false)
		_, err := s.ClaimJob(ctx, job.ID, "w1")
		require.NoError(t, err)
	}

	// simulate drift
	_, err := pool.Exec(ctx, `UPDATE workers SET current_job_count = 0 WHERE worker_id = 'w1'`)
	require.NoError(t, err)

	corrections, err := s.ReconcileWorkerCounts(ctx)
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	assert.Equal(t, store.WorkerCountCorrection{WorkerID: "w1", Stored: 0, Actual: 2}, corrections[0])

	corrections, err = s.ReconcileWorkerCounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, corrections, fmt.Sprintf("second pass should be a no-op: %v", corrections))
}
