package handler

import (
	"net/http"

	"github.com/CalmProton/auto-i18n/internal/api/response"
)

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(q JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}
		item, err := q.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, "JOB_NOT_FOUND")
			return
		}
		response.JSON(w, item)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{jobID}.
// Only pending jobs can be cancelled.
func NewCancelJobHandler(q JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}
		if err := q.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err, "JOB_NOT_FOUND")
			return
		}
		item, err := q.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, "JOB_NOT_FOUND")
			return
		}
		response.JSON(w, item)
	}
}
