// Package blob stores job input and result files under per-job key prefixes.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/internal/config"
)

var ErrNotFound = errors.New("blob not found")

// Object describes a stored blob.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Store is the blob storage interface shared by the API, the agent and the sweeper.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (*Object, error)
	List(ctx context.Context, prefix string) ([]Object, error)
	// Delete removes one blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every blob under prefix. Deleting nothing is not an error.
	DeletePrefix(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error
}

// JobPrefix is the root of everything stored for a job.
func JobPrefix(jobID uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/", jobID)
}

func InputPrefix(jobID uuid.UUID) string {
	return JobPrefix(jobID) + "input/"
}

func InputKey(jobID uuid.UUID, filename string) string {
	return InputPrefix(jobID) + filename
}

func ResultPrefix(jobID uuid.UUID) string {
	return JobPrefix(jobID) + "results/"
}

// LogKey holds the analysis container's combined output.
func LogKey(jobID uuid.UUID) string {
	return JobPrefix(jobID) + "logs/container.log"
}

// IsJobKey reports whether key lives under jobID's prefix.
func IsJobKey(jobID uuid.UUID, key string) bool {
	return strings.HasPrefix(key, JobPrefix(jobID))
}

// RelativeName strips prefix from key, returning the slash-separated remainder.
func RelativeName(key, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}

// Open builds the blob store selected by cfg.Backend. The S3 bucket is
// created on first use.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	if cfg.Backend == config.StorageBackendLocal {
		return NewLocalStore(cfg.LocalPath)
	}
	st, err := NewS3Store(cfg)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return st, nil
}
