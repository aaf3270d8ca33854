package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/internal/api/response"
	"github.com/osercinoglu/grinn-web/internal/jobs"
	"github.com/osercinoglu/grinn-web/internal/store"
	"github.com/osercinoglu/grinn-web/pkg/models"
)

// maxCreateBodyBytes bounds the JSON body of POST /jobs. File contents are
// uploaded separately.
const maxCreateBodyBytes = 1 << 20

// JobService defines the job operations the handlers depend on.
type JobService interface {
	Create(ctx context.Context, req jobs.CreateRequest) (*models.Job, error)
	Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	Status(ctx context.Context, jobID uuid.UUID) (*models.JobStatusView, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	Cancel(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	Upload(ctx context.Context, jobID uuid.UUID, filename string, body io.Reader, size int64) (*models.Job, error)
	Submit(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	Results(ctx context.Context, jobID uuid.UUID) ([]jobs.ResultFile, error)
	Logs(ctx context.Context, jobID uuid.UUID, tail int, since time.Time) (*jobs.JobLogs, error)
}

var _ JobService = (*jobs.Service)(nil)

type createJobResponse struct {
	JobID  uuid.UUID        `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /jobs.
func NewCreateJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobs.CreateRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBodyBytes))
		if err := dec.Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.Create(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, createJobResponse{JobID: job.ID, Status: job.Status})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		job, err := svc.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, jobResponse(job))
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /jobs/{jobID}/status.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		view, err := svc.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, view)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /jobs/{jobID}/cancel.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		job, err := svc.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, jobResponse(job))
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var filter store.JobFilter

		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			filter.Limit = n
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "offset must be a non-negative integer", nil)
				return
			}
			filter.Offset = n
		}
		if v := q.Get("status"); v != "" {
			status, ok := models.ParseJobStatus(v)
			if !ok {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status "+strconv.Quote(v), nil)
				return
			}
			filter.Status = &status
		}
		filter = filter.Normalize()

		list, total, err := svc.List(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}
		items := make([]jobView, 0, len(list))
		for _, j := range list {
			items = append(items, jobResponse(j))
		}
		response.Collection(w, items, response.NewPaginationMeta(filter.Limit, filter.Offset, total))
	}
}

// NewUploadFileHandler returns an http.HandlerFunc for PUT /jobs/{jobID}/files/{filename}.
// The body is streamed straight into blob storage.
func NewUploadFileHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		filename := chi.URLParam(r, "filename")

		job, err := svc.Upload(r.Context(), id, filename, r.Body, r.ContentLength)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, jobResponse(job))
	}
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /jobs/{jobID}/submit.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		job, err := svc.Submit(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, createJobResponse{JobID: job.ID, Status: job.Status})
	}
}

// NewJobResultsHandler returns an http.HandlerFunc for GET /jobs/{jobID}/results.
func NewJobResultsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		files, err := svc.Results(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, resultsResponse{JobID: id, Files: files})
	}
}

// NewJobLogsHandler returns an http.HandlerFunc for GET /jobs/{jobID}/logs.
// tail bounds the number of lines; since is a unix timestamp in seconds.
func NewJobLogsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		tail := jobs.DefaultLogTail
		if v := q.Get("tail"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "tail must be a positive integer", nil)
				return
			}
			tail = min(n, jobs.MaxLogTail)
		}
		var since time.Time
		if v := q.Get("since"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be a unix timestamp", nil)
				return
			}
			since = time.Unix(n, 0)
		}
		logs, err := svc.Logs(r.Context(), id, tail, since)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, logs)
	}
}

type resultsResponse struct {
	JobID uuid.UUID         `json:"job_id"`
	Files []jobs.ResultFile `json:"files"`
}

// jobView adds the derived duration to the stored record.
type jobView struct {
	*models.Job
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

func jobResponse(j *models.Job) jobView {
	return jobView{Job: j, DurationSeconds: j.DurationSeconds()}
}
