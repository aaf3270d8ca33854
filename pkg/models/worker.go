package models

import "time"

// WorkerStatus is the liveness state of a worker.
type WorkerStatus string

const (
	WorkerStatusOnline  WorkerStatus = "online"
	WorkerStatusOffline WorkerStatus = "offline"
	WorkerStatusError   WorkerStatus = "error"
)

// ParseWorkerStatus returns the status named by s, or false if unknown.
func ParseWorkerStatus(s string) (WorkerStatus, bool) {
	switch WorkerStatus(s) {
	case WorkerStatusOnline, WorkerStatusOffline, WorkerStatusError:
		return WorkerStatus(s), true
	}
	return "", false
}

// Worker is a process able to run the analysis container with bounded concurrency.
type Worker struct {
	WorkerID              string       `db:"worker_id"              json:"worker_id"`
	FacilityName          string       `db:"facility_name"          json:"facility_name"`
	Hostname              string       `db:"hostname"               json:"hostname"`
	MaxConcurrentJobs     int          `db:"max_concurrent_jobs"    json:"max_concurrent_jobs"`
	CurrentJobCount       int          `db:"current_job_count"      json:"current_job_count"`
	AvailableCapabilities []string     `db:"available_capabilities" json:"available_capabilities"`
	Status                WorkerStatus `db:"status"                 json:"status"`
	LastHeartbeat         time.Time    `db:"last_heartbeat"         json:"last_heartbeat"`
	JobsCompleted         int64        `db:"jobs_completed"         json:"jobs_completed"`
	JobsFailed            int64        `db:"jobs_failed"            json:"jobs_failed"`
	RegisteredAt          time.Time    `db:"registered_at"          json:"registered_at"`
	UpdatedAt             time.Time    `db:"updated_at"             json:"updated_at"`
}

// EffectiveStatus derives liveness from heartbeat age. A stored online status
// is not trusted once the heartbeat is older than timeout.
func (w *Worker) EffectiveStatus(now time.Time, timeout time.Duration) WorkerStatus {
	if w.Status != WorkerStatusOnline {
		return w.Status
	}
	if now.Sub(w.LastHeartbeat) >= timeout {
		return WorkerStatusOffline
	}
	return WorkerStatusOnline
}

// HasCapacity reports whether another job fits under the concurrency ceiling.
func (w *Worker) HasCapacity() bool {
	return w.CurrentJobCount < w.MaxConcurrentJobs
}

// Load is the fraction of capacity in use.
func (w *Worker) Load() float64 {
	if w.MaxConcurrentJobs <= 0 {
		return 1
	}
	return float64(w.CurrentJobCount) / float64(w.MaxConcurrentJobs)
}

// FacilityStats aggregates workers of one facility.
type FacilityStats struct {
	Workers       int `json:"workers"`
	Online        int `json:"online"`
	Offline       int `json:"offline"`
	Error         int `json:"error"`
	CapacityTotal int `json:"capacity_total"`
	CapacityUsed  int `json:"capacity_used"`
}

// WorkerStats summarises the registry.
type WorkerStats struct {
	Total         int                      `json:"total"`
	Online        int                      `json:"online"`
	Offline       int                      `json:"offline"`
	Error         int                      `json:"error"`
	CapacityTotal int                      `json:"capacity_total"`
	CapacityUsed  int                      `json:"capacity_used"`
	ByFacility    map[string]FacilityStats `json:"by_facility"`
}

// QueueStats is the dashboard view of the job pipeline.
type QueueStats struct {
	ByStatus map[JobStatus]int `json:"by_status"`
	Total    int               `json:"total"`
	Backlog  int               `json:"queued_backlog"`
	Running  int               `json:"running"`
	Workers  WorkerStats       `json:"workers"`
}
