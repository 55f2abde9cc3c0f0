package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/CalmProton/auto-i18n/internal/api/response"
	"github.com/CalmProton/auto-i18n/internal/cache"
	"github.com/CalmProton/auto-i18n/pkg/models"
)

// StatsCache is the cache surface the stats handler uses.
type StatsCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type statsResponse struct {
	Queue       []models.QueueStat `json:"queue"`
	Batches     []models.BatchStat `json:"batches"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// NewStatsHandler returns an http.HandlerFunc for GET /api/v1/stats. The
// snapshot is cached for ttl; cache failures fall through to the store.
func NewStatsHandler(q JobQueue, svc BatchService, c StatsCache, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := cache.StatsKey()

		if cached, ok, err := c.Get(ctx, key); err != nil {
			slog.Warn("reading cached stats", "error", err)
		} else if ok {
			response.JSON(w, json.RawMessage(cached))
			return
		}

		queueStats, err := q.Stats(ctx)
		if err != nil {
			writeError(w, r, err, "")
			return
		}
		batchStats, err := svc.Stats(ctx)
		if err != nil {
			writeError(w, r, err, "")
			return
		}
		snapshot := statsResponse{Queue: queueStats, Batches: batchStats, GeneratedAt: time.Now().UTC()}

		if body, err := json.Marshal(snapshot); err == nil {
			if err := c.Set(ctx, key, body, ttl); err != nil {
				slog.Warn("caching stats", "error", err)
			}
		}
		response.JSON(w, snapshot)
	}
}

// InvalidatesStats drops the cached stats snapshot once h has handled a
// request that may have changed the counts.
func InvalidatesStats(c StatsCache, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, r)
		if err := c.Delete(r.Context(), cache.StatsKey()); err != nil {
			slog.Warn("invalidating cached stats", "error", err)
		}
	}
}
