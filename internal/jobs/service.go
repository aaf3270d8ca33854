// Package jobs holds the submission-side job operations: creating jobs,
// accepting their input files, queueing them and reading them back.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/internal/blob"
	"github.com/osercinoglu/grinn-web/internal/cache"
	"github.com/osercinoglu/grinn-web/internal/config"
	"github.com/osercinoglu/grinn-web/internal/store"
	"github.com/osercinoglu/grinn-web/pkg/models"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrFileTooLarge   = errors.New("file exceeds size limit")
	ErrLengthRequired = errors.New("content length required")
	ErrNotReady       = errors.New("results not available")
	ErrExpired        = errors.New("job files have expired")
)

const maxJobNameLen = 255

// Dispatcher is the scheduler as seen by the submission side.
type Dispatcher interface {
	RunNow()
	Cancel(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
}

// FileRef names an input file already in blob storage when a job is created.
type FileRef struct {
	Filename   string `json:"filename"`
	StorageKey string `json:"storage_key,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`
}

// CreateRequest is a job submission.
type CreateRequest struct {
	JobName                string            `json:"job_name"`
	Description            string            `json:"description,omitempty"`
	UserEmail              string            `json:"user_email,omitempty"`
	IsPrivate              bool              `json:"is_private"`
	Parameters             models.Parameters `json:"parameters"`
	InputFiles             []FileRef         `json:"input_files,omitempty"`
	RequiredGromacsVersion string            `json:"required_gromacs_version,omitempty"`
}

// ResultFile is one file of a completed job's output.
type ResultFile struct {
	Name         string    `json:"name"`
	Key          string    `json:"key"`
	SizeBytes    int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
}

// Service implements the job operations behind the public API.
type Service struct {
	store      store.JobStore
	blobs      blob.Store
	cache      cache.Cache
	dispatcher Dispatcher
	limits     config.LimitsConfig
	statusTTL  time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(s store.JobStore, blobs blob.Store, c cache.Cache, d Dispatcher, limits config.LimitsConfig, statusTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:      s,
		blobs:      blobs,
		cache:      c,
		dispatcher: d,
		limits:     limits,
		statusTTL:  statusTTL,
		logger:     logger.With("component", "jobs"),
		now:        time.Now,
	}
}

// Create stores a new job. Jobs submitted with their input files already in
// storage go straight to the queue; others wait for uploads and Submit.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Job, error) {
	name := strings.TrimSpace(req.JobName)
	if name == "" {
		return nil, fmt.Errorf("%w: job_name is required", ErrInvalidRequest)
	}
	if len(name) > maxJobNameLen {
		return nil, fmt.Errorf("%w: job_name is longer than %d characters", ErrInvalidRequest, maxJobNameLen)
	}

	params := req.Parameters
	params.ApplyDefaults()

	id := uuid.New()
	files, err := s.resolveFiles(ctx, id, req.InputFiles)
	if err != nil {
		return nil, err
	}
	var check []models.JobFile
	if len(files) > 0 {
		check = files
	}
	if err := params.Validate(check); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := s.now().UTC()
	job := &models.Job{
		ID:          id,
		JobName:     name,
		Description: req.Description,
		UserEmail:   strings.TrimSpace(req.UserEmail),
		IsPrivate:   req.IsPrivate,
		Status:      models.JobStatusPending,
		Parameters:  params,
		InputFiles:  files,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if v := gromacsRequirement(req); v != "" {
		job.RequiredGromacsVersion = &v
	}
	if len(files) == 0 {
		job.CurrentStep = "Waiting for input files"
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.logger.Info("job created", "job_id", job.ID, "mode", params.Mode, "files", len(files))

	if len(files) == 0 {
		return job, nil
	}
	return s.enqueue(ctx, job.ID, []models.JobStatus{models.JobStatusPending})
}

func gromacsRequirement(req CreateRequest) string {
	if v := strings.TrimSpace(req.RequiredGromacsVersion); v != "" {
		return v
	}
	if c := req.Parameters.Common(); c != nil {
		return strings.TrimSpace(c.GromacsVersion)
	}
	return ""
}

// resolveFiles checks declared input files against the limits and blob storage.
func (s *Service) resolveFiles(ctx context.Context, jobID uuid.UUID, refs []FileRef) ([]models.JobFile, error) {
	files := make([]models.JobFile, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		ft, err := s.checkFile(ref.Filename, ref.SizeBytes)
		if err != nil {
			return nil, err
		}
		if seen[ref.Filename] {
			return nil, fmt.Errorf("%w: duplicate file %q", ErrInvalidRequest, ref.Filename)
		}
		seen[ref.Filename] = true

		key := ref.StorageKey
		if key == "" {
			key = blob.InputKey(jobID, ref.Filename)
		}
		obj, err := s.blobs.Stat(ctx, key)
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fmt.Errorf("%w: file %q not found in storage", ErrInvalidRequest, ref.Filename)
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", key, err)
		}
		if _, err := s.checkFile(ref.Filename, obj.Size); err != nil {
			return nil, err
		}
		// The job owns a copy of staged files so retention can drop its whole prefix.
		if own := blob.InputKey(jobID, ref.Filename); key != own {
			if err := s.copyBlob(ctx, key, own, obj.Size); err != nil {
				return nil, err
			}
			key = own
		}
		files = append(files, models.JobFile{
			Filename:   ref.Filename,
			FileType:   ft,
			SizeBytes:  obj.Size,
			StorageKey: key,
			UploadedAt: obj.LastModified,
		})
	}
	return files, nil
}

func (s *Service) copyBlob(ctx context.Context, src, dst string, size int64) error {
	rc, err := s.blobs.Get(ctx, src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	defer rc.Close()
	if err := s.blobs.Put(ctx, dst, rc, size); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}

// checkFile validates a filename and, when size is known, its size limit.
func (s *Service) checkFile(filename string, size int64) (models.FileType, error) {
	if !models.ValidFilename(filename) {
		return "", fmt.Errorf("%w: invalid filename %q", ErrInvalidRequest, filename)
	}
	ft, ok := models.DetectFileType(filename)
	if !ok {
		return "", fmt.Errorf("%w: unsupported file type %q", ErrInvalidRequest, filename)
	}
	limit := s.limits.MaxFileBytes
	if ft.IsTrajectory() {
		limit = s.limits.MaxTrajectoryBytes
	}
	if limit > 0 && size > limit {
		return "", fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrFileTooLarge, filename, size, limit)
	}
	return ft, nil
}

// Upload streams one input file into storage and records it on the job.
// The first upload moves a pending job to uploading.
func (s *Service) Upload(ctx context.Context, jobID uuid.UUID, filename string, body io.Reader, size int64) (*models.Job, error) {
	if size < 0 {
		return nil, ErrLengthRequired
	}
	ft, err := s.checkFile(filename, size)
	if err != nil {
		return nil, err
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPending && job.Status != models.JobStatusUploading {
		return nil, fmt.Errorf("%w: job %s is %s and no longer accepts files", store.ErrConflict, jobID, job.Status)
	}

	key := blob.InputKey(jobID, filename)
	if err := s.blobs.Put(ctx, key, body, size); err != nil {
		return nil, fmt.Errorf("store %s: %w", filename, err)
	}

	accepting := []models.JobStatus{models.JobStatusPending, models.JobStatusUploading}
	job, err = s.store.AddInputFile(ctx, jobID, accepting, models.JobFile{
		Filename:   filename,
		FileType:   ft,
		SizeBytes:  size,
		StorageKey: key,
		UploadedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if job.Status == models.JobStatusPending {
		updated, err := s.store.UpdateJobStatus(ctx, jobID, []models.JobStatus{models.JobStatusPending}, models.JobStatusUploading,
			store.WithCurrentStep("Uploading input files"))
		switch {
		case err == nil:
			job = updated
		case errors.Is(err, store.ErrConflict):
			// another upload got there first
			if job, err = s.store.GetJob(ctx, jobID); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
	s.invalidate(ctx, jobID)
	s.logger.Info("input file stored", "job_id", jobID, "filename", filename, "size_bytes", size)
	return job, nil
}

// Submit queues a job whose uploads are complete.
func (s *Service) Submit(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPending && job.Status != models.JobStatusUploading {
		return nil, fmt.Errorf("%w: job %s is already %s", store.ErrConflict, jobID, job.Status)
	}
	files := job.InputFiles
	if files == nil {
		files = []models.JobFile{}
	}
	if err := job.Parameters.Validate(files); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.enqueue(ctx, jobID, []models.JobStatus{models.JobStatusPending, models.JobStatusUploading})
}

func (s *Service) enqueue(ctx context.Context, jobID uuid.UUID, from []models.JobStatus) (*models.Job, error) {
	job, err := s.store.UpdateJobStatus(ctx, jobID, from, models.JobStatusQueued,
		store.WithCurrentStep("Waiting for a worker"))
	if err != nil {
		return nil, fmt.Errorf("queue job: %w", err)
	}
	s.invalidate(ctx, jobID)
	s.dispatcher.RunNow()
	s.logger.Info("job queued", "job_id", jobID, "requirement", job.GromacsRequirement())
	return job, nil
}

func (s *Service) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Status serves the polling view, from cache when fresh.
func (s *Service) Status(ctx context.Context, jobID uuid.UUID) (*models.JobStatusView, error) {
	if view, ok, err := s.cache.GetJobStatus(ctx, jobID); err == nil && ok {
		return view, nil
	} else if err != nil {
		s.logger.Warn("status cache read failed", "job_id", jobID, "error", err)
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	view := job.StatusView()
	if err := s.cache.SetJobStatus(ctx, view, s.statusTTL); err != nil {
		s.logger.Warn("status cache write failed", "job_id", jobID, "error", err)
	}
	return &view, nil
}

// List returns public jobs, newest first.
func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	filter.IncludePrivate = false
	return s.store.ListJobs(ctx, filter.Normalize())
}

func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.dispatcher.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, jobID)
	return job, nil
}

// Results lists a completed job's output files.
func (s *Service) Results(ctx context.Context, jobID uuid.UUID) ([]ResultFile, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.JobStatusCompleted:
	case models.JobStatusExpired:
		return nil, ErrExpired
	default:
		return nil, fmt.Errorf("%w: job is %s", ErrNotReady, job.Status)
	}

	prefix := blob.ResultPrefix(jobID)
	if job.ResultBlobRef != nil && *job.ResultBlobRef != "" {
		prefix = *job.ResultBlobRef
	}
	objs, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	out := make([]ResultFile, 0, len(objs))
	for _, o := range objs {
		out = append(out, ResultFile{
			Name:         blob.RelativeName(o.Key, prefix),
			Key:          o.Key,
			SizeBytes:    o.Size,
			LastModified: o.LastModified,
		})
	}
	return out, nil
}

func (s *Service) invalidate(ctx context.Context, jobID uuid.UUID) {
	if err := s.cache.InvalidateJobStatus(ctx, jobID); err != nil {
		s.logger.Warn("status cache invalidation failed", "job_id", jobID, "error", err)
	}
}
