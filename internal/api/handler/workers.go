package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/internal/api/response"
	"github.com/osercinoglu/grinn-web/internal/registry"
	"github.com/osercinoglu/grinn-web/pkg/models"
)

// WorkerRegistry defines the registry operations the handlers depend on.
type WorkerRegistry interface {
	Register(ctx context.Context, d registry.Descriptor) (*models.Worker, []uuid.UUID, error)
	Heartbeat(ctx context.Context, workerID string, reportedCount int) error
	List(ctx context.Context) ([]*models.Worker, error)
	Deregister(ctx context.Context, workerID string) error
}

var _ WorkerRegistry = (*registry.Registry)(nil)

// NewListWorkersHandler returns an http.HandlerFunc for GET /workers.
func NewListWorkersHandler(reg WorkerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers, err := reg.List(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if workers == nil {
			workers = []*models.Worker{}
		}
		response.JSON(w, workers)
	}
}

// NewRemoveWorkerHandler returns an http.HandlerFunc for DELETE /workers/{workerID}.
func NewRemoveWorkerHandler(reg WorkerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Deregister(r.Context(), chi.URLParam(r, "workerID")); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

type registerResponse struct {
	Worker        *models.Worker `json:"worker"`
	ReclaimedJobs []uuid.UUID    `json:"reclaimed_jobs"`
}

// NewRegisterWorkerHandler returns an http.HandlerFunc for POST /workers.
func NewRegisterWorkerHandler(reg WorkerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var d registry.Descriptor
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		worker, reclaimed, err := reg.Register(r.Context(), d)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if reclaimed == nil {
			reclaimed = []uuid.UUID{}
		}
		response.JSON(w, registerResponse{Worker: worker, ReclaimedJobs: reclaimed})
	}
}

// NewHeartbeatHandler returns an http.HandlerFunc for POST /workers/{workerID}/heartbeat.
// An unknown worker gets 404 and is expected to register again.
func NewHeartbeatHandler(reg WorkerRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CurrentJobCount *int `json:"current_job_count"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}
		reported := -1
		if req.CurrentJobCount != nil {
			reported = *req.CurrentJobCount
		}
		if err := reg.Heartbeat(r.Context(), chi.URLParam(r, "workerID"), reported); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
