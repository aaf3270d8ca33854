package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/osercinoglu/grinn-web/pkg/models"
)

const workerColumns = `worker_id, facility_name, hostname, max_concurrent_jobs, current_job_count,
	available_capabilities, status, last_heartbeat, jobs_completed, jobs_failed, registered_at, updated_at`

func scanWorker(row pgx.Row) (*models.Worker, error) {
	var w models.Worker
	err := row.Scan(&w.WorkerID, &w.FacilityName, &w.Hostname, &w.MaxConcurrentJobs,
		&w.CurrentJobCount, &w.AvailableCapabilities, &w.Status, &w.LastHeartbeat,
		&w.JobsCompleted, &w.JobsFailed, &w.RegisteredAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if w.AvailableCapabilities == nil {
		w.AvailableCapabilities = []string{}
	}
	return &w, nil
}

// RegisterWorker inserts or refreshes a worker. A registering process cannot be
// running anything yet, so jobs still assigned to this id are reclaimed and the
// job count restarts at zero, all in one transaction. The ids of the reclaimed
// jobs are returned.
func (s *PostgresStore) RegisterWorker(ctx context.Context, w *models.Worker) (*models.Worker, []uuid.UUID, error) {
	caps := w.AvailableCapabilities
	if caps == nil {
		caps = []string{}
	}

	var registered *models.Worker
	var orphans []uuid.UUID
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE status = 'running' AND assigned_worker_id = $1
			 ORDER BY id FOR UPDATE`, w.WorkerID)
		if err != nil {
			return fmt.Errorf("lock orphaned jobs: %w", err)
		}
		stale, err := collectJobs(rows)
		if err != nil {
			return fmt.Errorf("lock orphaned jobs: %w", err)
		}
		for _, j := range stale {
			if _, err := reclaimLocked(ctx, tx, j, w.WorkerID); err != nil {
				return err
			}
			orphans = append(orphans, j.ID)
		}

		now := time.Now().UTC()
		registered, err = scanWorker(tx.QueryRow(ctx,
			`INSERT INTO workers (worker_id, facility_name, hostname, max_concurrent_jobs, current_job_count,
			   available_capabilities, status, last_heartbeat, registered_at, updated_at)
			 VALUES ($1, $2, $3, $4, 0, $5, 'online', $6, $6, $6)
			 ON CONFLICT (worker_id) DO UPDATE SET
			   facility_name = EXCLUDED.facility_name,
			   hostname = EXCLUDED.hostname,
			   max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			   current_job_count = 0,
			   available_capabilities = EXCLUDED.available_capabilities,
			   status = 'online',
			   last_heartbeat = EXCLUDED.last_heartbeat,
			   updated_at = EXCLUDED.updated_at
			 RETURNING `+workerColumns,
			w.WorkerID, w.FacilityName, w.Hostname, w.MaxConcurrentJobs, caps, now))
		if err != nil {
			return fmt.Errorf("upsert worker: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return registered, orphans, nil
}

func (s *PostgresStore) GetWorker(ctx context.Context, workerID string) (*models.Worker, error) {
	w, err := scanWorker(s.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE worker_id = $1`, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY facility_name, worker_id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// TouchWorker records a heartbeat. A worker marked offline comes back online;
// an error status is kept until the worker re-registers.
func (s *PostgresStore) TouchWorker(ctx context.Context, workerID string, at time.Time) (*models.Worker, error) {
	w, err := scanWorker(s.pool.QueryRow(ctx,
		`UPDATE workers SET last_heartbeat = $2, updated_at = $2,
		   status = CASE WHEN status = 'offline' THEN 'online' ELSE status END
		 WHERE worker_id = $1
		 RETURNING `+workerColumns, workerID, at.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("touch worker: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) SetWorkerStatus(ctx context.Context, workerID string, status models.WorkerStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workers SET status = $2, updated_at = NOW() WHERE worker_id = $1`, workerID, string(status))
	if err != nil {
		return fmt.Errorf("set worker status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteWorker(ctx context.Context, workerID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workers WHERE worker_id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReconcileWorkerCounts recomputes every worker's job count from the jobs it
// is actually running. Worker rows are locked first, the same order ClaimJob
// uses, so a concurrent claim either finishes before the recount or waits.
func (s *PostgresStore) ReconcileWorkerCounts(ctx context.Context) ([]WorkerCountCorrection, error) {
	var corrections []WorkerCountCorrection
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		type slot struct {
			stored, max int
		}
		stored := make(map[string]slot)
		var order []string

		rows, err := tx.Query(ctx,
			`SELECT worker_id, current_job_count, max_concurrent_jobs FROM workers ORDER BY worker_id FOR UPDATE`)
		if err != nil {
			return fmt.Errorf("lock workers: %w", err)
		}
		for rows.Next() {
			var id string
			var sl slot
			if err := rows.Scan(&id, &sl.stored, &sl.max); err != nil {
				rows.Close()
				return fmt.Errorf("scan worker count: %w", err)
			}
			stored[id] = sl
			order = append(order, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("lock workers: %w", err)
		}

		actual := make(map[string]int)
		rows, err = tx.Query(ctx,
			`SELECT assigned_worker_id, COUNT(*) FROM jobs
			 WHERE status = 'running' AND assigned_worker_id IS NOT NULL
			 GROUP BY assigned_worker_id`)
		if err != nil {
			return fmt.Errorf("count running jobs: %w", err)
		}
		for rows.Next() {
			var id string
			var n int
			if err := rows.Scan(&id, &n); err != nil {
				rows.Close()
				return fmt.Errorf("scan running count: %w", err)
			}
			actual[id] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("count running jobs: %w", err)
		}

		for _, id := range order {
			sl := stored[id]
			want := min(actual[id], sl.max)
			if want == sl.stored {
				continue
			}
			if _, err := tx.Exec(ctx,
				`UPDATE workers SET current_job_count = $2, updated_at = NOW() WHERE worker_id = $1`,
				id, want); err != nil {
				return fmt.Errorf("correct worker count: %w", err)
			}
			corrections = append(corrections, WorkerCountCorrection{WorkerID: id, Stored: sl.stored, Actual: want})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return corrections, nil
}
