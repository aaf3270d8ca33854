package handler

import (
	"context"
	"net/http"

	"github.com/osercinoglu/grinn-web/internal/api/response"
	"github.com/osercinoglu/grinn-web/internal/scheduler"
	"github.com/osercinoglu/grinn-web/pkg/models"
)

// QueueStatter reports the state of the job pipeline.
type QueueStatter interface {
	QueueStats(ctx context.Context) (models.QueueStats, error)
}

var _ QueueStatter = (*scheduler.Scheduler)(nil)

// NewQueueStatsHandler returns an http.HandlerFunc for GET /queue/stats.
func NewQueueStatsHandler(q QueueStatter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := q.QueueStats(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, stats)
	}
}
