package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/internal/blob"
	"github.com/osercinoglu/grinn-web/pkg/models"
)

const maxContainerLogBytes = 32 << 20

// containerLog appends container output to a local file that is uploaded to
// the job's log key while the analysis runs and once it exits.
type containerLog struct {
	mu        sync.Mutex
	f         *os.File
	size      int64
	truncated bool
	now       func() time.Time
}

func openContainerLog(path string) (*containerLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create container log: %w", err)
	}
	return &containerLog{f: f, now: time.Now}, nil
}

func (l *containerLog) add(stream, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.truncated {
		return
	}
	line := models.LogLine{Time: l.now(), Stream: stream, Text: text}.Format() + "\n"
	if l.size+int64(len(line)) > maxContainerLogBytes {
		l.truncated = true
		line = models.LogLine{Time: l.now(), Stream: StreamStderr, Text: "[log truncated]"}.Format() + "\n"
	}
	n, _ := l.f.WriteString(line)
	l.size += int64(n)
}

// snapshot returns a reader over everything written so far.
func (l *containerLog) snapshot() (io.ReadCloser, int64, error) {
	l.mu.Lock()
	size := l.size
	name := l.f.Name()
	l.mu.Unlock()

	f, err := os.Open(name)
	if err != nil {
		return nil, 0, err
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(f, size), f}, size, nil
}

func (l *containerLog) Close() error {
	return l.f.Close()
}

// uploadLog stores the current container log for jobID. Failures are logged
// and never fail the job.
func (a *Agent) uploadLog(ctx context.Context, jobID uuid.UUID, clog *containerLog) {
	err := a.retry(ctx, func() error {
		rc, size, err := clog.snapshot()
		if err != nil {
			return err
		}
		defer rc.Close()
		return a.blobs.Put(ctx, blob.LogKey(jobID), rc, size)
	})
	if err != nil && ctx.Err() == nil {
		a.logger.Warn("container log upload failed", "job_id", jobID, "error", err)
	}
}

// flushLogs uploads the log every interval until ctx is done.
func (a *Agent) flushLogs(ctx context.Context, jobID uuid.UUID, clog *containerLog, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.uploadLog(ctx, jobID, clog)
		}
	}
}
