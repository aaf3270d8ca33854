package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConflict means a conditional update lost a race: the row moved on since
// the caller last read it. Callers re-evaluate instead of retrying blindly.
var ErrConflict = errors.New("conflict")

var (
	ErrCapacityExhausted = fmt.Errorf("%w: worker at capacity", ErrConflict)
	ErrInvalidTransition = fmt.Errorf("%w: invalid job status transition", ErrConflict)
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	JobStore
	WorkerStore
}

// JobStore persists job records. Every status change is conditional on the
// caller's view of the current status.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, expected []models.JobStatus, next models.JobStatus, opts ...JobUpdateOption) (*models.Job, error)
	UpdateJobProgress(ctx context.Context, id uuid.UUID, workerID string, progress *float64, step string) error
	AddInputFile(ctx context.Context, id uuid.UUID, expected []models.JobStatus, file models.JobFile) (*models.Job, error)

	ListQueuedJobs(ctx context.Context, limit int) ([]*models.Job, error)
	ListRunningJobsForWorker(ctx context.Context, workerID string) ([]*models.Job, error)
	ListStaleRunningJobs(ctx context.Context, heartbeatCutoff time.Time) ([]*models.Job, error)
	ListExpirableJobs(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error)
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)

	ClaimJob(ctx context.Context, jobID uuid.UUID, workerID string) (*models.Job, error)
	ReclaimJob(ctx context.Context, jobID uuid.UUID, workerID string) (*models.Job, error)
}

// WorkerStore persists the worker registry.
type WorkerStore interface {
	RegisterWorker(ctx context.Context, w *models.Worker) (*models.Worker, []uuid.UUID, error)
	GetWorker(ctx context.Context, workerID string) (*models.Worker, error)
	ListWorkers(ctx context.Context) ([]*models.Worker, error)
	TouchWorker(ctx context.Context, workerID string, at time.Time) (*models.Worker, error)
	SetWorkerStatus(ctx context.Context, workerID string, status models.WorkerStatus) error
	DeleteWorker(ctx context.Context, workerID string) error
	ReconcileWorkerCounts(ctx context.Context) ([]WorkerCountCorrection, error)
}

// JobFilter selects jobs for the public listing.
type JobFilter struct {
	Status         *models.JobStatus
	IncludePrivate bool
	Limit          int
	Offset         int
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Normalize clamps pagination to sane bounds.
func (f JobFilter) Normalize() JobFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// WorkerCountCorrection records a worker whose denormalized job count drifted.
type WorkerCountCorrection struct {
	WorkerID string
	Stored   int
	Actual   int
}

// JobUpdate is the set of fields a status change writes besides the status.
type JobUpdate struct {
	ErrorMessage   *string
	ErrorKind      *models.ErrorKind
	ResultRef      *string
	Progress       *float64
	CurrentStep    *string
	AssignedWorker *string
}

type JobUpdateOption func(*JobUpdate)

// ApplyOptions folds opts into a JobUpdate.
func ApplyOptions(opts ...JobUpdateOption) *JobUpdate {
	u := &JobUpdate{}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

func WithErrorKind(kind models.ErrorKind) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorKind = &kind
	}
}

func WithResultRef(ref string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ResultRef = &ref
	}
}

func WithProgress(pct float64) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Progress = &pct
	}
}

func WithCurrentStep(step string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.CurrentStep = &step
	}
}

// WithAssignedWorker guards the update: it only applies while workerID owns the job.
func WithAssignedWorker(workerID string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.AssignedWorker = &workerID
	}
}

// Failure is shorthand for the options recording a failed job.
func Failure(kind models.ErrorKind, msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		WithErrorKind(kind)(p)
		WithErrorMessage(msg)(p)
	}
}
