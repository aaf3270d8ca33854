package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/internal/api/response"
	"github.com/osercinoglu/grinn-web/internal/jobs"
	"github.com/osercinoglu/grinn-web/internal/registry"
	"github.com/osercinoglu/grinn-web/internal/store"
)

// writeError maps service and store errors onto the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest), errors.Is(err, registry.ErrInvalidDescriptor):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, jobs.ErrLengthRequired):
		response.Error(w, http.StatusLengthRequired, "LENGTH_REQUIRED",
			"Content-Length header is required for uploads", nil)
	case errors.Is(err, jobs.ErrFileTooLarge):
		response.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", err.Error(), nil)
	case errors.Is(err, jobs.ErrExpired):
		response.Error(w, http.StatusGone, "JOB_EXPIRED",
			"Job files have been removed by the retention policy", nil)
	case errors.Is(err, jobs.ErrNotReady):
		response.Error(w, http.StatusConflict, "RESULTS_NOT_READY",
			"Results are available once the job has completed", nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, store.ErrConflict):
		slog.Debug("request conflicted", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusConflict, "CONFLICT",
			"The job's current status does not allow this operation", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job id must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
