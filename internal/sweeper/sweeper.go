// Package sweeper expires finished jobs once their retention window has
// passed: their blobs are deleted and the row is marked expired.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/osercinoglu/grinn-web/internal/blob"
	"github.com/osercinoglu/grinn-web/internal/config"
	"github.com/osercinoglu/grinn-web/internal/metrics"
	"github.com/osercinoglu/grinn-web/internal/store"
	"github.com/osercinoglu/grinn-web/pkg/models"
	ua "go.uber.org/atomic"
)

var ErrAlreadyStarted = errors.New("sweeper already started")

// JobStore is what the sweeper needs from the job store.
type JobStore interface {
	ListExpirableJobs(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, expected []models.JobStatus, next models.JobStatus, opts ...store.JobUpdateOption) (*models.Job, error)
}

type Sweeper struct {
	jobs    JobStore
	blobs   blob.Store
	metrics *metrics.Metrics
	cfg     config.RetentionConfig
	logger  *slog.Logger
	now     func() time.Time

	started ua.Bool
}

func New(jobs JobStore, blobs blob.Store, m *metrics.Metrics, cfg config.RetentionConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		jobs:    jobs,
		blobs:   blobs,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With("component", "sweeper"),
		now:     time.Now,
	}
}

// Start runs Sweep every cfg.Interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if wg == nil {
		return errors.New("missing wait group")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("retention sweeper running", "window", s.cfg.Window.String(), "interval", s.cfg.Interval.String())
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("retention sweeper shutting down")
				return
			case <-ticker.C:
				n, err := s.Sweep(ctx)
				if err != nil && ctx.Err() == nil {
					s.logger.Error("sweep finished with errors", "expired", n, "error", err)
				} else if n > 0 {
					s.logger.Info("sweep finished", "expired", n)
				}
			}
		}
	}()
	return nil
}

// Sweep expires every terminal job older than the retention window and
// returns how many it expired. A failure on one job does not stop the others;
// all failures are returned together.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.Window)
	expired := 0
	var result *multierror.Error

	for {
		jobs, err := s.jobs.ListExpirableJobs(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("list expirable jobs: %w", err))
			break
		}

		failed := false
		for _, job := range jobs {
			if ctx.Err() != nil {
				return expired, multierror.Append(result, ctx.Err()).ErrorOrNil()
			}
			ok, err := s.expire(ctx, job)
			if err != nil {
				result = multierror.Append(result, err)
				failed = true
				continue
			}
			if ok {
				expired++
			}
		}
		// A failed job would be listed again; leave it for the next sweep.
		if failed || len(jobs) == 0 || len(jobs) < s.cfg.BatchSize {
			break
		}
	}

	s.metrics.Expired(expired)
	return expired, result.ErrorOrNil()
}

func (s *Sweeper) expire(ctx context.Context, job *models.Job) (bool, error) {
	if err := s.deleteFiles(ctx, job); err != nil {
		return false, fmt.Errorf("delete files of job %s: %w", job.ID, err)
	}
	_, err := s.jobs.UpdateJobStatus(ctx, job.ID, models.TerminalStatuses, models.JobStatusExpired)
	if errors.Is(err, store.ErrConflict) {
		s.logger.Debug("job already expired elsewhere", "job_id", job.ID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("expire job %s: %w", job.ID, err)
	}
	s.logger.Info("job expired", "job_id", job.ID, "previous_status", job.Status)
	return true, nil
}

// deleteFiles removes the job's prefix and any blob the job references outside it.
func (s *Sweeper) deleteFiles(ctx context.Context, job *models.Job) error {
	if err := s.blobs.DeletePrefix(ctx, blob.JobPrefix(job.ID)); err != nil {
		return err
	}
	for _, f := range job.InputFiles {
		if f.StorageKey == "" || blob.IsJobKey(job.ID, f.StorageKey) {
			continue
		}
		if err := s.blobs.Delete(ctx, f.StorageKey); err != nil {
			return err
		}
	}
	if ref := job.ResultBlobRef; ref != nil && *ref != "" && !blob.IsJobKey(job.ID, *ref) {
		if err := s.blobs.DeletePrefix(ctx, *ref); err != nil {
			return err
		}
	}
	return nil
}
