package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/osercinoglu/grinn-web/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
// Row-level locking inside short transactions provides the compare-and-swap
// semantics; no in-process locks are relied upon.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var jobColumnList = []string{
	"id", "job_name", "description", "user_email", "is_private", "status", "parameters",
	"input_files", "result_blob_ref", "required_gromacs_version", "assigned_worker_id",
	"worker_host", "reclaim_count", "progress_percentage", "current_step", "error_kind",
	"error_message", "created_at", "started_at", "completed_at", "updated_at",
}

var jobColumns = strings.Join(jobColumnList, ", ")

func qualifiedJobColumns(alias string) string {
	cols := make([]string, len(jobColumnList))
	for i, c := range jobColumnList {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.JobName, &j.Description, &j.UserEmail, &j.IsPrivate, &j.Status,
		&j.Parameters, &j.InputFiles, &j.ResultBlobRef, &j.RequiredGromacsVersion,
		&j.AssignedWorkerID, &j.WorkerHost, &j.ReclaimCount, &j.ProgressPercentage,
		&j.CurrentStep, &j.ErrorKind, &j.ErrorMessage, &j.CreatedAt, &j.StartedAt,
		&j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if j.InputFiles == nil {
		j.InputFiles = []models.JobFile{}
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func containsStatus(statuses []models.JobStatus, st models.JobStatus) bool {
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	files := job.InputFiles
	if files == nil {
		files = []models.JobFile{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, job_name, description, user_email, is_private, status, parameters,
		   input_files, required_gromacs_version, current_step, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.JobName, job.Description, job.UserEmail, job.IsPrivate, string(job.Status),
		job.Parameters, files, job.RequiredGromacsVersion, job.CurrentStep, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	filter = filter.Normalize()

	// Build WHERE clause dynamically
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if !filter.IncludePrivate {
		conditions = append(conditions, "is_private = FALSE")
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(*filter.Status))
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

// UpdateJobStatus moves a job to next if its stored status is one of expected
// and the edge exists in the state machine. Leaving running releases the
// assigned worker's slot in the same transaction.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, expected []models.JobStatus, next models.JobStatus, opts ...JobUpdateOption) (*models.Job, error) {
	params := ApplyOptions(opts...)

	var updated *models.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if !containsStatus(expected, cur.Status) {
			return fmt.Errorf("%w: job %s is %s, expected one of %v", ErrConflict, id, cur.Status, expected)
		}
		if params.AssignedWorker != nil && !cur.IsAssignedTo(*params.AssignedWorker) {
			return fmt.Errorf("%w: job %s is not assigned to worker %s", ErrConflict, id, *params.AssignedWorker)
		}
		updated, err = applyTransition(ctx, tx, cur, next, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func lockJob(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	return j, nil
}

// applyTransition writes cur -> next inside tx. cur must be locked.
func applyTransition(ctx context.Context, tx pgx.Tx, cur *models.Job, next models.JobStatus, params *JobUpdate) (*models.Job, error) {
	if !models.CanTransition(cur.Status, next, cur.ReclaimCount) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{cur.ID, string(next), now}
	argIdx := 4

	reclaiming := cur.Status == models.JobStatusRunning && next == models.JobStatusQueued

	if next == models.JobStatusRunning {
		query += fmt.Sprintf(", started_at = COALESCE(started_at, $%d)", argIdx)
		args = append(args, now)
		argIdx++
	}
	if next.SetsCompletedAt() {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if reclaiming {
		query += `, assigned_worker_id = NULL, worker_host = NULL, started_at = NULL,
			reclaim_count = reclaim_count + 1, progress_percentage = 0`
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.ErrorKind != nil {
		query += fmt.Sprintf(", error_kind = $%d", argIdx)
		args = append(args, string(*params.ErrorKind))
		argIdx++
	}
	if params.ResultRef != nil {
		query += fmt.Sprintf(", result_blob_ref = $%d", argIdx)
		args = append(args, *params.ResultRef)
		argIdx++
	}
	if params.Progress != nil && !reclaiming {
		query += fmt.Sprintf(", progress_percentage = GREATEST(progress_percentage, $%d)", argIdx)
		args = append(args, clampProgress(*params.Progress))
		argIdx++
	}
	if params.CurrentStep != nil {
		query += fmt.Sprintf(", current_step = $%d", argIdx)
		args = append(args, truncate(*params.CurrentStep, 500))
		argIdx++
	}

	query += " WHERE id = $1 RETURNING " + jobColumns

	updated, err := scanJob(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}

	if cur.Status == models.JobStatusRunning && next != models.JobStatusRunning && cur.AssignedWorkerID != nil {
		if err := releaseSlot(ctx, tx, *cur.AssignedWorkerID, next); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// releaseSlot decrements a worker's job count, floored at zero. A deleted
// worker is not an error: its row no longer tracks anything.
func releaseSlot(ctx context.Context, tx pgx.Tx, workerID string, outcome models.JobStatus) error {
	var completed, failed int
	switch outcome {
	case models.JobStatusCompleted:
		completed = 1
	case models.JobStatusFailed:
		failed = 1
	}
	_, err := tx.Exec(ctx,
		`UPDATE workers SET current_job_count = GREATEST(current_job_count - 1, 0),
		   jobs_completed = jobs_completed + $2, jobs_failed = jobs_failed + $3, updated_at = NOW()
		 WHERE worker_id = $1`, workerID, completed, failed)
	if err != nil {
		return fmt.Errorf("release worker slot: %w", err)
	}
	return nil
}

// UpdateJobProgress records progress for a job the worker still owns.
// Progress never moves backwards; a lower value leaves the stored one intact.
func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, workerID string, progress *float64, step string) error {
	var pct any
	if progress != nil {
		pct = clampProgress(*progress)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   progress_percentage = GREATEST(progress_percentage, COALESCE($3::double precision, progress_percentage)),
		   current_step = CASE WHEN $4 = '' THEN current_step ELSE $4 END,
		   updated_at = NOW()
		 WHERE id = $1 AND status = 'running' AND assigned_worker_id = $2`,
		id, workerID, pct, truncate(step, 500))
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: job %s is no longer running on worker %s", ErrConflict, id, workerID)
	}
	return nil
}

// AddInputFile records an uploaded file, replacing any earlier file of the same
// name, while the job is still in one of expected.
func (s *PostgresStore) AddInputFile(ctx context.Context, id uuid.UUID, expected []models.JobStatus, file models.JobFile) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET
		   input_files = (
		     SELECT COALESCE(jsonb_agg(f), '[]'::jsonb)
		     FROM jsonb_array_elements(input_files) AS f
		     WHERE f->>'filename' <> $2
		   ) || jsonb_build_array($3::jsonb),
		   updated_at = NOW()
		 WHERE id = $1 AND status = ANY($4)
		 RETURNING `+jobColumns,
		id, file.Filename, file, statusStrings(expected)))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.GetJob(ctx, id); errors.Is(gerr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: job %s no longer accepts uploads", ErrConflict, id)
	}
	if err != nil {
		return nil, fmt.Errorf("add input file: %w", err)
	}
	return j, nil
}

// ListQueuedJobs returns queued jobs oldest first.
func (s *PostgresStore) ListQueuedJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = MaxListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' ORDER BY created_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListRunningJobsForWorker(ctx context.Context, workerID string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'running' AND assigned_worker_id = $1 ORDER BY created_at`,
		workerID)
	if err != nil {
		return nil, fmt.Errorf("list running jobs for worker: %w", err)
	}
	return collectJobs(rows)
}

// ListStaleRunningJobs returns running jobs whose worker is gone or has not
// heartbeated since heartbeatCutoff.
func (s *PostgresStore) ListStaleRunningJobs(ctx context.Context, heartbeatCutoff time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+qualifiedJobColumns("j")+`
		 FROM jobs j LEFT JOIN workers w ON w.worker_id = j.assigned_worker_id
		 WHERE j.status = 'running' AND (w.worker_id IS NULL OR w.last_heartbeat < $1)
		 ORDER BY j.created_at`, heartbeatCutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale running jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListExpirableJobs returns terminal jobs that finished (or, if they never ran,
// were created) before cutoff.
func (s *PostgresStore) ListExpirableJobs(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = MaxListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ANY($1) AND COALESCE(completed_at, created_at) < $2
		 ORDER BY COALESCE(completed_at, created_at) LIMIT $3`,
		statusStrings(models.TerminalStatuses), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expirable jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int, len(models.AllJobStatuses))
	for _, st := range models.AllJobStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[models.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// ClaimJob atomically takes a slot on the worker and moves the job
// queued -> running assigned to it. If either half fails nothing is written.
func (s *PostgresStore) ClaimJob(ctx context.Context, jobID uuid.UUID, workerID string) (*models.Job, error) {
	var claimed *models.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var hostname string
		err := tx.QueryRow(ctx,
			`UPDATE workers SET current_job_count = current_job_count + 1, updated_at = NOW()
			 WHERE worker_id = $1 AND current_job_count < max_concurrent_jobs
			 RETURNING hostname`, workerID).Scan(&hostname)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM workers WHERE worker_id = $1)`, workerID).Scan(&exists); err != nil {
				return fmt.Errorf("check worker: %w", err)
			}
			if !exists {
				return ErrNotFound
			}
			return fmt.Errorf("%w: %s", ErrCapacityExhausted, workerID)
		}
		if err != nil {
			return fmt.Errorf("reserve worker slot: %w", err)
		}

		now := time.Now().UTC()
		claimed, err = scanJob(tx.QueryRow(ctx,
			`UPDATE jobs SET status = 'running', assigned_worker_id = $2, worker_host = $3,
			   started_at = COALESCE(started_at, $4), updated_at = $4, current_step = $5
			 WHERE id = $1 AND status = 'queued' AND assigned_worker_id IS NULL
			 RETURNING `+jobColumns,
			jobID, workerID, hostname, now, "Dispatched to worker"))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: job %s is no longer queued", ErrConflict, jobID)
		}
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReclaimJob takes a running job away from workerID. The first reclamation
// returns it to the queue; a job that was already reclaimed once fails instead.
func (s *PostgresStore) ReclaimJob(ctx context.Context, jobID uuid.UUID, workerID string) (*models.Job, error) {
	var result *models.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		result, err = reclaimLocked(ctx, tx, cur, workerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func reclaimLocked(ctx context.Context, tx pgx.Tx, cur *models.Job, workerID string) (*models.Job, error) {
	if cur.Status != models.JobStatusRunning || !cur.IsAssignedTo(workerID) {
		return nil, fmt.Errorf("%w: job %s is no longer running on worker %s", ErrConflict, cur.ID, workerID)
	}
	if models.CanTransition(cur.Status, models.JobStatusQueued, cur.ReclaimCount) {
		return applyTransition(ctx, tx, cur, models.JobStatusQueued, &JobUpdate{
			CurrentStep: ptr("Requeued after worker " + workerID + " became unreachable"),
		})
	}
	return applyTransition(ctx, tx, cur, models.JobStatusFailed, &JobUpdate{
		ErrorKind:    ptr(models.ErrorKindWorkerLost),
		ErrorMessage: ptr("worker " + workerID + " became unreachable after the job had already been requeued once"),
	})
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func ptr[T any](v T) *T {
	return &v
}
