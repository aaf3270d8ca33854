// Package registry tracks workers, their capacity and their liveness.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/internal/store"
	"github.com/osercinoglu/grinn-web/pkg/models"
)

var ErrInvalidDescriptor = errors.New("invalid worker descriptor")

// identityNamespace seeds derived worker ids so the same facility and host
// always map to the same id across restarts.
var identityNamespace = uuid.MustParse("6f1c7a52-3d0e-4b8a-9a51-0c9e2f7d4b13")

// Descriptor is what a worker declares when it registers.
type Descriptor struct {
	WorkerID          string   `json:"worker_id,omitempty"`
	Facility          string   `json:"facility_name"`
	Hostname          string   `json:"hostname"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Capabilities      []string `json:"available_capabilities"`
}

// Identity returns the declared worker id, or one derived from facility and hostname.
func (d Descriptor) Identity() string {
	if id := strings.TrimSpace(d.WorkerID); id != "" {
		return id
	}
	return uuid.NewSHA1(identityNamespace, []byte(d.Facility+"/"+d.Hostname)).String()
}

func (d Descriptor) validate() error {
	if strings.TrimSpace(d.Facility) == "" {
		return fmt.Errorf("%w: facility_name is required", ErrInvalidDescriptor)
	}
	// a derived identity needs the host to tell workers of one facility apart
	if strings.TrimSpace(d.WorkerID) == "" && strings.TrimSpace(d.Hostname) == "" {
		return fmt.Errorf("%w: hostname is required without worker_id", ErrInvalidDescriptor)
	}
	if d.MaxConcurrentJobs < 1 {
		return fmt.Errorf("%w: max_concurrent_jobs must be at least 1", ErrInvalidDescriptor)
	}
	if len(d.Identity()) > 128 {
		return fmt.Errorf("%w: worker_id is too long", ErrInvalidDescriptor)
	}
	return nil
}

// Registry manages worker rows. Liveness is derived from heartbeat age on
// every read rather than trusted from the stored status.
type Registry struct {
	store            store.WorkerStore
	heartbeatTimeout time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

func New(s store.WorkerStore, heartbeatTimeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		store:            s,
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger.With("component", "registry"),
		now:              time.Now,
	}
}

// Register inserts or refreshes a worker. Re-registering the same identity is
// idempotent; jobs the previous incarnation was running are reclaimed and
// their ids returned.
func (r *Registry) Register(ctx context.Context, d Descriptor) (*models.Worker, []uuid.UUID, error) {
	if err := d.validate(); err != nil {
		return nil, nil, err
	}
	w, orphans, err := r.store.RegisterWorker(ctx, &models.Worker{
		WorkerID:              d.Identity(),
		FacilityName:          strings.TrimSpace(d.Facility),
		Hostname:              strings.TrimSpace(d.Hostname),
		MaxConcurrentJobs:     d.MaxConcurrentJobs,
		AvailableCapabilities: NormalizeCapabilities(d.Capabilities),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("register worker: %w", err)
	}
	r.logger.Info("worker registered",
		"worker_id", w.WorkerID,
		"facility", w.FacilityName,
		"hostname", w.Hostname,
		"max_concurrent_jobs", w.MaxConcurrentJobs,
		"capabilities", w.AvailableCapabilities,
		"reclaimed_jobs", len(orphans),
	)
	return w, orphans, nil
}

// Heartbeat refreshes a worker's liveness. reportedCount is the worker's own
// view of its running jobs, or negative when unknown. The stored count is
// authoritative; a mismatch is only logged.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, reportedCount int) error {
	w, err := r.store.TouchWorker(ctx, workerID, r.now())
	if err != nil {
		return err
	}
	if reportedCount >= 0 && reportedCount != w.CurrentJobCount {
		r.logger.Warn("worker job count diverges from registry",
			"worker_id", workerID, "reported", reportedCount, "stored", w.CurrentJobCount)
	}
	return nil
}

// FindEligible returns online workers with a free slot whose capabilities
// satisfy requirement, least loaded first, then longest since heartbeat.
func (r *Registry) FindEligible(ctx context.Context, requirement string) ([]*models.Worker, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	eligible := make([]*models.Worker, 0, len(workers))
	for _, w := range workers {
		if w.EffectiveStatus(now, r.heartbeatTimeout) != models.WorkerStatusOnline {
			continue
		}
		if !w.HasCapacity() {
			continue
		}
		if !MatchesCapability(w.AvailableCapabilities, requirement) {
			continue
		}
		eligible = append(eligible, w)
	}
	SortByPreference(eligible)
	return eligible, nil
}

// SortByPreference orders workers by load, then earliest heartbeat, then id.
func SortByPreference(workers []*models.Worker) {
	sort.SliceStable(workers, func(i, j int) bool {
		a, b := workers[i], workers[j]
		if la, lb := a.Load(), b.Load(); la != lb {
			return la < lb
		}
		if !a.LastHeartbeat.Equal(b.LastHeartbeat) {
			return a.LastHeartbeat.Before(b.LastHeartbeat)
		}
		return a.WorkerID < b.WorkerID
	})
}

func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	if err := r.store.DeleteWorker(ctx, workerID); err != nil {
		return err
	}
	r.logger.Info("worker deregistered", "worker_id", workerID)
	return nil
}

func (r *Registry) SetStatus(ctx context.Context, workerID string, status models.WorkerStatus) error {
	return r.store.SetWorkerStatus(ctx, workerID, status)
}

func (r *Registry) Get(ctx context.Context, workerID string) (*models.Worker, error) {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	w.Status = w.EffectiveStatus(r.now(), r.heartbeatTimeout)
	return w, nil
}

// List returns all workers with their effective status.
func (r *Registry) List(ctx context.Context) ([]*models.Worker, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	for _, w := range workers {
		w.Status = w.EffectiveStatus(now, r.heartbeatTimeout)
	}
	return workers, nil
}

// Stats aggregates the registry by effective status and facility.
// Capacity counts only online workers.
func (r *Registry) Stats(ctx context.Context) (models.WorkerStats, error) {
	workers, err := r.List(ctx)
	if err != nil {
		return models.WorkerStats{}, err
	}
	return Summarize(workers), nil
}

// Summarize builds WorkerStats from workers whose Status is already effective.
func Summarize(workers []*models.Worker) models.WorkerStats {
	stats := models.WorkerStats{ByFacility: make(map[string]models.FacilityStats)}
	for _, w := range workers {
		fs := stats.ByFacility[w.FacilityName]
		stats.Total++
		fs.Workers++
		switch w.Status {
		case models.WorkerStatusOnline:
			stats.Online++
			fs.Online++
			stats.CapacityTotal += w.MaxConcurrentJobs
			stats.CapacityUsed += w.CurrentJobCount
			fs.CapacityTotal += w.MaxConcurrentJobs
			fs.CapacityUsed += w.CurrentJobCount
		case models.WorkerStatusOffline:
			stats.Offline++
			fs.Offline++
		case models.WorkerStatusError:
			stats.Error++
			fs.Error++
		}
		stats.ByFacility[w.FacilityName] = fs
	}
	return stats
}
