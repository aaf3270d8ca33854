package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusUploading JobStatus = "uploading"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusExpired   JobStatus = "expired"
)

// AllJobStatuses lists every status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusUploading,
	JobStatusQueued,
	JobStatusRunning,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
	JobStatusExpired,
}

// CancellableStatuses are the states a user may cancel from.
var CancellableStatuses = []JobStatus{
	JobStatusPending,
	JobStatusUploading,
	JobStatusQueued,
	JobStatusRunning,
}

// TerminalStatuses are the states eligible for retention expiry.
var TerminalStatuses = []JobStatus{
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// ParseJobStatus returns the status named by s, or false if s is not a known status.
func ParseJobStatus(s string) (JobStatus, bool) {
	for _, st := range AllJobStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether the job has finished executing.
// Expired counts as terminal: its outcome is final, only the files are gone.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusExpired:
		return true
	}
	return false
}

// SetsCompletedAt reports whether entering s stamps completed_at.
func (s JobStatus) SetsCompletedAt() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:   {JobStatusUploading, JobStatusQueued, JobStatusCancelled},
	JobStatusUploading: {JobStatusQueued, JobStatusCancelled},
	JobStatusQueued:    {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning:   {JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusQueued},
	JobStatusCompleted: {JobStatusExpired},
	JobStatusFailed:    {JobStatusExpired},
	JobStatusCancelled: {JobStatusExpired},
}

// MaxReclaims bounds how many times a running job may be returned to the queue.
const MaxReclaims = 1

// CanTransition reports whether from -> to is an edge of the job state machine.
// running -> queued (reclamation) is only allowed while reclaimCount < MaxReclaims.
func CanTransition(from, to JobStatus, reclaimCount int) bool {
	if from == JobStatusRunning && to == JobStatusQueued && reclaimCount >= MaxReclaims {
		return false
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	ErrorKindExecution    ErrorKind = "execution_failure"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindStorage      ErrorKind = "storage_failure"
	ErrorKindWorkerLost   ErrorKind = "worker_lost"
	ErrorKindInvalidInput ErrorKind = "invalid_input"
	ErrorKindInternal     ErrorKind = "internal"
)

// Job is one user-submitted analysis request and its lifecycle record.
// Rows are never hard-deleted; expiry only removes the referenced blobs.
type Job struct {
	ID                     uuid.UUID  `db:"id"                       json:"id"`
	JobName                string     `db:"job_name"                 json:"job_name"`
	Description            string     `db:"description"              json:"description,omitempty"`
	UserEmail              string     `db:"user_email"               json:"user_email,omitempty"`
	IsPrivate              bool       `db:"is_private"               json:"is_private"`
	Status                 JobStatus  `db:"status"                   json:"status"`
	Parameters             Parameters `db:"parameters"               json:"parameters"`
	InputFiles             []JobFile  `db:"input_files"              json:"input_files"`
	ResultBlobRef          *string    `db:"result_blob_ref"          json:"result_blob_ref,omitempty"`
	RequiredGromacsVersion *string    `db:"required_gromacs_version" json:"required_gromacs_version,omitempty"`
	AssignedWorkerID       *string    `db:"assigned_worker_id"       json:"assigned_worker_id,omitempty"`
	WorkerHost             *string    `db:"worker_host"              json:"worker_host,omitempty"`
	ReclaimCount           int        `db:"reclaim_count"            json:"reclaim_count"`
	ProgressPercentage     float64    `db:"progress_percentage"      json:"progress_percentage"`
	CurrentStep            string     `db:"current_step"             json:"current_step,omitempty"`
	ErrorKind              *ErrorKind `db:"error_kind"               json:"error_kind,omitempty"`
	ErrorMessage           *string    `db:"error_message"            json:"error_message,omitempty"`
	CreatedAt              time.Time  `db:"created_at"               json:"created_at"`
	StartedAt              *time.Time `db:"started_at"               json:"started_at,omitempty"`
	CompletedAt            *time.Time `db:"completed_at"             json:"completed_at,omitempty"`
	UpdatedAt              time.Time  `db:"updated_at"               json:"updated_at"`
}

// DurationSeconds returns the wall time between start and completion, or nil if
// the job has not both started and finished.
func (j *Job) DurationSeconds() *float64 {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return nil
	}
	d := j.CompletedAt.Sub(*j.StartedAt).Seconds()
	return &d
}

// GromacsRequirement returns the capability the job needs, or "" for any worker.
func (j *Job) GromacsRequirement() string {
	if j.RequiredGromacsVersion == nil {
		return ""
	}
	return *j.RequiredGromacsVersion
}

// IsAssignedTo reports whether workerID currently owns the job.
func (j *Job) IsAssignedTo(workerID string) bool {
	return j.AssignedWorkerID != nil && *j.AssignedWorkerID == workerID
}

// JobStatusView is the lightweight polling projection of a Job.
type JobStatusView struct {
	ID                 uuid.UUID  `json:"id"`
	Status             JobStatus  `json:"status"`
	ProgressPercentage float64    `json:"progress_percentage"`
	CurrentStep        string     `json:"current_step,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
	DurationSeconds    *float64   `json:"duration_seconds,omitempty"`
	ErrorKind          *ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage       *string    `json:"error_message,omitempty"`
}

// StatusView projects j for the polling endpoint.
func (j *Job) StatusView() JobStatusView {
	return JobStatusView{
		ID:                 j.ID,
		Status:             j.Status,
		ProgressPercentage: j.ProgressPercentage,
		CurrentStep:        j.CurrentStep,
		CreatedAt:          j.CreatedAt,
		StartedAt:          j.StartedAt,
		CompletedAt:        j.CompletedAt,
		UpdatedAt:          j.UpdatedAt,
		DurationSeconds:    j.DurationSeconds(),
		ErrorKind:          j.ErrorKind,
		ErrorMessage:       j.ErrorMessage,
	}
}
