package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/osercinoglu/grinn-web/internal/api/middleware"
	"github.com/osercinoglu/grinn-web/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	WorkerAuth *mw.WorkerAuth
	RateLimit  *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	CreateJob  http.HandlerFunc
	ListJobs   http.HandlerFunc
	GetJob     http.HandlerFunc
	JobStatus  http.HandlerFunc
	CancelJob  http.HandlerFunc
	UploadFile http.HandlerFunc
	SubmitJob  http.HandlerFunc
	JobResults http.HandlerFunc
	JobLogs    http.HandlerFunc

	ListWorkers    http.HandlerFunc
	RemoveWorker   http.HandlerFunc
	RegisterWorker http.HandlerFunc
	Heartbeat      http.HandlerFunc

	QueueStats http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if deps.RateLimit != nil {
				r.Use(deps.RateLimit.Limit)
			}
			r.Post("/", orNotImplemented(deps.CreateJob))
		})
		r.Get("/", orNotImplemented(deps.ListJobs))

		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", orNotImplemented(deps.GetJob))
			r.Get("/status", orNotImplemented(deps.JobStatus))
			r.Post("/cancel", orNotImplemented(deps.CancelJob))
			r.Put("/files/{filename}", orNotImplemented(deps.UploadFile))
			r.Post("/submit", orNotImplemented(deps.SubmitJob))
			r.Get("/results", orNotImplemented(deps.JobResults))
			r.Get("/logs", orNotImplemented(deps.JobLogs))
		})
	})

	r.Get("/workers", orNotImplemented(deps.ListWorkers))
	r.Delete("/workers/{workerID}", orNotImplemented(deps.RemoveWorker))

	// Worker-facing routes
	r.Group(func(r chi.Router) {
		if deps.WorkerAuth != nil {
			r.Use(deps.WorkerAuth.Authenticate)
		}
		r.Post("/workers", orNotImplemented(deps.RegisterWorker))
		r.Post("/workers/{workerID}/heartbeat", orNotImplemented(deps.Heartbeat))
	})

	r.Get("/queue/stats", orNotImplemented(deps.QueueStats))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
