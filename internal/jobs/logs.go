package jobs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/internal/blob"
	"github.com/osercinoglu/grinn-web/pkg/models"
)

const (
	DefaultLogTail = 100
	MaxLogTail     = 1000
)

// JobLogs is the tail of a job's container output.
type JobLogs struct {
	JobID uuid.UUID        `json:"job_id"`
	Lines []models.LogLine `json:"lines"`
}

// Logs returns the last tail lines the analysis container wrote, optionally
// only those at or after since. A job whose container has not started yet has
// no lines. tail is clamped to [1, MaxLogTail]; zero means DefaultLogTail.
func (s *Service) Logs(ctx context.Context, jobID uuid.UUID, tail int, since time.Time) (*JobLogs, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusExpired {
		return nil, ErrExpired
	}
	switch {
	case tail <= 0:
		tail = DefaultLogTail
	case tail > MaxLogTail:
		tail = MaxLogTail
	}

	out := &JobLogs{JobID: jobID, Lines: []models.LogLine{}}
	rc, err := s.blobs.Get(ctx, blob.LogKey(jobID))
	if errors.Is(err, blob.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job log: %w", err)
	}
	defer rc.Close()

	ring := make([]models.LogLine, 0, tail)
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line, ok := models.ParseLogLine(sc.Text())
		if !ok {
			continue
		}
		if !since.IsZero() && line.Time.Before(since) {
			continue
		}
		if len(ring) == tail {
			copy(ring, ring[1:])
			ring = ring[:tail-1]
		}
		ring = append(ring, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read job log: %w", err)
	}
	out.Lines = append(out.Lines, ring...)
	return out, nil
}
