package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
	"github.com/osercinoglu/grinn-web/internal/blob"
	"github.com/osercinoglu/grinn-web/pkg/models"
)

// retry runs op with bounded exponential backoff. A missing blob is not retried.
func (a *Agent) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.StorageRetryDelay
	b.MaxElapsedTime = 0
	retries := a.cfg.StorageRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, blob.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
}

// download copies every input file of job into dir.
func (a *Agent) download(ctx context.Context, job *models.Job, dir string) error {
	for _, f := range job.InputFiles {
		if !models.ValidFilename(f.Filename) {
			return fmt.Errorf("invalid input filename %q", f.Filename)
		}
		key := f.StorageKey
		if key == "" {
			key = blob.InputKey(job.ID, f.Filename)
		}
		dest := filepath.Join(dir, f.Filename)
		err := a.retry(ctx, func() error {
			return a.fetch(ctx, key, dest)
		})
		if err != nil {
			return fmt.Errorf("download %s: %w", f.Filename, err)
		}
	}
	return nil
}

func (a *Agent) fetch(ctx context.Context, key, dest string) error {
	rc, err := a.blobs.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// upload replaces the job's result prefix with the contents of dir and
// returns how many files were written.
func (a *Agent) upload(ctx context.Context, job *models.Job, dir string) (int, error) {
	prefix := blob.ResultPrefix(job.ID)
	if err := a.retry(ctx, func() error { return a.blobs.DeletePrefix(ctx, prefix) }); err != nil {
		return 0, fmt.Errorf("clear previous results: %w", err)
	}

	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := prefix + filepath.ToSlash(rel)
		if err := a.retry(ctx, func() error { return a.push(ctx, key, p) }); err != nil {
			return fmt.Errorf("upload %s: %w", rel, err)
		}
		n++
		return nil
	})
	return n, err
}

func (a *Agent) push(ctx context.Context, key, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return backoff.Permanent(err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return backoff.Permanent(err)
	}
	return a.blobs.Put(ctx, key, f, info.Size())
}

// checkInputs verifies the files the analysis needs are on disk and non-empty.
func checkInputs(job *models.Job, dir string) error {
	if err := job.Parameters.Validate(job.InputFiles); err != nil {
		return err
	}
	required := job.Parameters.RequiredFiles()
	if c := job.Parameters.Common(); c != nil && c.TopologyFile != "" {
		required = append(required, c.TopologyFile)
	}
	for _, name := range required {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("required file %s: %w", name, err)
		}
		if info.Size() == 0 {
			return fmt.Errorf("required file %s is empty", name)
		}
	}
	return nil
}
