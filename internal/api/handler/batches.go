package handler

import (
	"context"
	"net/http"

	"github.com/CalmProton/auto-i18n/internal/api/response"
	"github.com/CalmProton/auto-i18n/internal/batch"
	"github.com/CalmProton/auto-i18n/internal/queue"
	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/google/uuid"
)

// JobQueue is the queue surface the HTTP handlers use.
type JobQueue interface {
	Enqueue(ctx context.Context, p queue.Payload, opts queue.EnqueueOptions) (*models.QueueItem, error)
	Get(ctx context.Context, id uuid.UUID) (*models.QueueItem, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) ([]models.QueueStat, error)
}

// BatchService is the batch state machine surface the HTTP handlers use.
type BatchService interface {
	Get(ctx context.Context, batchID uuid.UUID) (*models.BatchManifest, error)
	CheckStatus(ctx context.Context, batchID uuid.UUID) (*models.BatchManifest, error)
	Cancel(ctx context.Context, batchID uuid.UUID) (*models.BatchManifest, error)
	Stats(ctx context.Context) ([]models.BatchStat, error)
}

type createBatchRequest struct {
	BatchID       *uuid.UUID           `json:"batch_id"`
	SenderID      string               `json:"sender_id"`
	SourceLocale  string               `json:"source_locale"`
	TargetLocales []string             `json:"target_locales"`
	Provider      string               `json:"provider"`
	Model         string               `json:"model"`
	Types         []models.ContentType `json:"types"`
	Paths         []string             `json:"paths"`
	AutoSubmit    bool                 `json:"auto_submit"`
}

type acceptedResponse struct {
	JobID   uuid.UUID `json:"job_id"`
	BatchID uuid.UUID `json:"batch_id"`
}

// NewCreateBatchHandler returns an http.HandlerFunc for POST /api/v1/batches.
// The batch is built by a worker; the response carries the job to follow.
func NewCreateBatchHandler(q JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createBatchRequest
		if err := response.Decode(w, r, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		batchID := uuid.New()
		if req.BatchID != nil {
			batchID = *req.BatchID
		}
		create := batch.CreateRequest{
			BatchID:       batchID,
			SenderID:      req.SenderID,
			SourceLocale:  req.SourceLocale,
			TargetLocales: req.TargetLocales,
			Provider:      req.Provider,
			Model:         req.Model,
			Types:         req.Types,
			Paths:         req.Paths,
		}
		if err := create.Validate(); err != nil {
			writeError(w, r, err, "")
			return
		}

		item, err := q.Enqueue(r.Context(), queue.BatchCreatePayload{
			BatchID:       batchID,
			SenderID:      req.SenderID,
			SourceLocale:  req.SourceLocale,
			TargetLocales: req.TargetLocales,
			Provider:      req.Provider,
			Model:         req.Model,
			Types:         req.Types,
			Paths:         req.Paths,
			AutoSubmit:    req.AutoSubmit,
		}, queue.EnqueueOptions{DedupeKey: "batch-create:" + batchID.String()})
		if err != nil {
			writeError(w, r, err, "")
			return
		}
		response.Accepted(w, acceptedResponse{JobID: item.ID, BatchID: batchID})
	}
}

// NewGetBatchHandler returns an http.HandlerFunc for GET /api/v1/batches/{batchID}.
func NewGetBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "batchID")
		if !ok {
			return
		}
		m, err := svc.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, "BATCH_NOT_FOUND")
			return
		}
		response.JSON(w, m)
	}
}

// NewSubmitBatchHandler returns an http.HandlerFunc for
// POST /api/v1/batches/{batchID}/submit. Terminal batches are refused.
func NewSubmitBatchHandler(svc BatchService, q JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "batchID")
		if !ok {
			return
		}
		m, err := svc.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, "BATCH_NOT_FOUND")
			return
		}
		if m.Status.Terminal() {
			response.Error(w, http.StatusConflict, "INVALID_STATE", "Batch is already "+string(m.Status), nil)
			return
		}

		item, err := q.Enqueue(r.Context(), queue.BatchSubmitPayload{BatchID: id}, queue.EnqueueOptions{})
		if err != nil {
			writeError(w, r, err, "")
			return
		}
		response.Accepted(w, acceptedResponse{JobID: item.ID, BatchID: id})
	}
}

// NewRefreshBatchHandler returns an http.HandlerFunc for
// POST /api/v1/batches/{batchID}/refresh.
func NewRefreshBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "batchID")
		if !ok {
			return
		}
		m, err := svc.CheckStatus(r.Context(), id)
		if err != nil {
			writeError(w, r, err, "BATCH_NOT_FOUND")
			return
		}
		response.JSON(w, m)
	}
}

// NewCancelBatchHandler returns an http.HandlerFunc for
// POST /api/v1/batches/{batchID}/cancel.
func NewCancelBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "batchID")
		if !ok {
			return
		}
		m, err := svc.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, r, err, "BATCH_NOT_FOUND")
			return
		}
		response.JSON(w, m)
	}
}
