package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/CalmProton/auto-i18n/internal/api/response"
	"github.com/CalmProton/auto-i18n/internal/batch"
	"github.com/CalmProton/auto-i18n/internal/provider"
	"github.com/CalmProton/auto-i18n/internal/queue"
	"github.com/CalmProton/auto-i18n/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// writeError maps domain errors onto the JSON error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error, notFoundCode string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, notFoundCode, "Resource not found", nil)
	case errors.Is(err, batch.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, batch.ErrInvalidState), errors.Is(err, queue.ErrNotCancellable):
		response.Error(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, queue.ErrDuplicate):
		response.Error(w, http.StatusConflict, "DUPLICATE_JOB", "An identical job is already queued", nil)
	case errors.Is(err, provider.ErrUnavailable):
		response.Error(w, http.StatusBadGateway, "PROVIDER_UNAVAILABLE", "The batch provider is not available", nil)
	case errors.Is(err, provider.ErrRejected), errors.Is(err, provider.ErrUnknown):
		response.Error(w, http.StatusBadGateway, "PROVIDER_ERROR", err.Error(), nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

// pathUUID parses a UUID route parameter, writing a 400 when it is malformed.
func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", param+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
