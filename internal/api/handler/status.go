package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/CalmProton/auto-i18n/internal/api/response"
	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/google/uuid"
)

// StatusCache reads the batch statuses the batch service publishes.
type StatusCache interface {
	GetBatchStatus(ctx context.Context, batchID uuid.UUID) (string, bool, error)
}

type batchStatusResponse struct {
	BatchID uuid.UUID          `json:"batch_id"`
	Status  models.BatchStatus `json:"status"`
	Source  string             `json:"source"`
}

// NewBatchStatusHandler returns an http.HandlerFunc for
// GET /api/v1/batches/{batchID}/status. Terminal statuses never change, so a
// cached terminal status is served without touching the store; anything else
// is read from the manifest.
func NewBatchStatusHandler(svc BatchService, c StatusCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "batchID")
		if !ok {
			return
		}

		cached, ok, err := c.GetBatchStatus(r.Context(), id)
		if err != nil {
			slog.Warn("reading cached batch status", "batch_id", id, "error", err)
		} else if ok && models.BatchStatus(cached).Terminal() {
			response.JSON(w, batchStatusResponse{BatchID: id, Status: models.BatchStatus(cached), Source: "cache"})
			return
		}

		m, err := svc.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, "BATCH_NOT_FOUND")
			return
		}
		response.JSON(w, batchStatusResponse{BatchID: id, Status: m.Status, Source: "store"})
	}
}
