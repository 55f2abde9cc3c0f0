package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CalmProton/auto-i18n/internal/api/handler"
	"github.com/CalmProton/auto-i18n/internal/batch"
	"github.com/CalmProton/auto-i18n/internal/cache"
	"github.com/CalmProton/auto-i18n/internal/config"
	"github.com/CalmProton/auto-i18n/internal/files"
	"github.com/CalmProton/auto-i18n/internal/provider"
	"github.com/CalmProton/auto-i18n/internal/provider/mock"
	"github.com/CalmProton/auto-i18n/internal/queue"
	"github.com/CalmProton/auto-i18n/internal/store/storetest"
	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- stub cache ---

type memCache struct {
	mu        sync.Mutex
	values    map[string][]byte
	statuses  map[uuid.UUID]string
	sets      int
	deletes   int
	getErr    error
	statusErr error
}

func newMemCache() *memCache {
	return &memCache{values: map[string][]byte{}, statuses: map[uuid.UUID]string{}}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	c.sets++
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	c.deletes++
	return nil
}

func (c *memCache) SetBatchStatus(_ context.Context, batchID uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[batchID] = status
	return nil
}

func (c *memCache) GetBatchStatus(_ context.Context, batchID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusErr != nil {
		return "", false, c.statusErr
	}
	v, ok := c.statuses[batchID]
	return v, ok, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

// --- fixture ---

type fixture struct {
	store   *storetest.MemoryStore
	queue   *queue.Client
	mock    *mock.Provider
	batches *batch.Service
	cache   *memCache
	router  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := files.NewFS(t.TempDir())
	f := &fixture{
		store: storetest.New(),
		mock:  mock.NewProvider(config.MockConfig{}),
		cache: newMemCache(),
	}
	f.queue = queue.NewClient(f.store, "api-test", 3)
	f.batches = batch.NewService(f.store, fs, provider.NewRegistry("mock", f.mock), batch.Options{Status: f.cache})

	require.NoError(t, fs.Write(context.Background(), "site-1", "en", models.ContentTypeContent, "docs/intro.md", []byte("# Intro")))

	r := chi.NewRouter()
	r.Post("/batches", handler.InvalidatesStats(f.cache, handler.NewCreateBatchHandler(f.queue)))
	r.Get("/batches/{batchID}", handler.NewGetBatchHandler(f.batches))
	r.Get("/batches/{batchID}/status", handler.NewBatchStatusHandler(f.batches, f.cache))
	r.Post("/batches/{batchID}/submit", handler.InvalidatesStats(f.cache, handler.NewSubmitBatchHandler(f.batches, f.queue)))
	r.Post("/batches/{batchID}/refresh", handler.InvalidatesStats(f.cache, handler.NewRefreshBatchHandler(f.batches)))
	r.Post("/batches/{batchID}/cancel", handler.InvalidatesStats(f.cache, handler.NewCancelBatchHandler(f.batches)))
	r.Get("/jobs/{jobID}", handler.NewGetJobHandler(f.queue))
	r.Delete("/jobs/{jobID}", handler.InvalidatesStats(f.cache, handler.NewCancelJobHandler(f.queue)))
	r.Get("/stats", handler.NewStatsHandler(f.queue, f.batches, f.cache, 5*time.Second))
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) draft(t *testing.T) *models.BatchManifest {
	t.Helper()
	m, err := f.batches.Create(context.Background(), batch.CreateRequest{
		BatchID:       uuid.New(),
		SenderID:      "site-1",
		SourceLocale:  "en",
		TargetLocales: []string{"fr"},
	})
	require.NoError(t, err)
	return m
}

func data(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["data"].(map[string]any)
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)["code"].(string)
}

// ========================================
// Batches
// ========================================

func TestCreateBatch_EnqueuesJob(t *testing.T) {
	f := newFixture(t)
	batchID := uuid.New()

	w := f.do(t, "POST", "/batches", `{
		"batch_id": "`+batchID.String()+`",
		"sender_id": "site-1",
		"source_locale": "en",
		"target_locales": ["fr", "de"],
		"auto_submit": true
	}`)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	got := data(t, w)
	assert.Equal(t, batchID.String(), got["batch_id"])

	items := f.store.Items(models.JobKindBatchCreate)
	require.Len(t, items, 1)
	assert.Equal(t, got["job_id"], items[0].ID.String())
	require.NotNil(t, items[0].DedupeKey)
	assert.Equal(t, "batch-create:"+batchID.String(), *items[0].DedupeKey)

	var p queue.BatchCreatePayload
	require.NoError(t, json.Unmarshal(items[0].Payload, &p))
	assert.Equal(t, []string{"fr", "de"}, p.TargetLocales)
	assert.True(t, p.AutoSubmit)
}

func TestCreateBatch_GeneratesBatchID(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/batches", `{"sender_id":"site-1","source_locale":"en","target_locales":["fr"]}`)

	require.Equal(t, http.StatusAccepted, w.Code)
	id, err := uuid.Parse(data(t, w)["batch_id"].(string))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
}

func TestCreateBatch_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"sender_id":`},
		{name: "unknown field", body: `{"sender_id":"site-1","source_locale":"en","target_locales":["fr"],"priority":1}`},
		{name: "missing sender", body: `{"source_locale":"en","target_locales":["fr"]}`},
		{name: "bad locale", body: `{"sender_id":"site-1","source_locale":"en","target_locales":["not a locale"]}`},
		{name: "no targets", body: `{"sender_id":"site-1","source_locale":"en","target_locales":[]}`},
		{name: "unknown provider", body: `{"sender_id":"site-1","source_locale":"en","target_locales":["fr"],"provider":"bard"}`},
		{name: "unknown type", body: `{"sender_id":"site-1","source_locale":"en","target_locales":["fr"],"types":["blog"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			w := f.do(t, "POST", "/batches", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_REQUEST", errCode(t, w))
			assert.Empty(t, f.store.Items(models.JobKindBatchCreate))
		})
	}
}

func TestCreateBatch_DuplicateBatchID(t *testing.T) {
	f := newFixture(t)
	body := `{"batch_id":"` + uuid.NewString() + `","sender_id":"site-1","source_locale":"en","target_locales":["fr"]}`

	require.Equal(t, http.StatusAccepted, f.do(t, "POST", "/batches", body).Code)
	w := f.do(t, "POST", "/batches", body)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DUPLICATE_JOB", errCode(t, w))
}

func TestGetBatch(t *testing.T) {
	f := newFixture(t)
	m := f.draft(t)

	w := f.do(t, "GET", "/batches/"+m.ID.String(), "")

	require.Equal(t, http.StatusOK, w.Code)
	got := data(t, w)
	assert.Equal(t, "draft", got["status"])
	assert.Equal(t, "mock", got["provider"])
	assert.Len(t, got["files"], 1)
}

func TestGetBatch_Errors(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "GET", "/batches/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "BATCH_NOT_FOUND", errCode(t, w))

	w = f.do(t, "GET", "/batches/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errCode(t, w))
}

func TestSubmitBatch_EnqueuesJob(t *testing.T) {
	f := newFixture(t)
	m := f.draft(t)

	w := f.do(t, "POST", "/batches/"+m.ID.String()+"/submit", "")

	require.Equal(t, http.StatusAccepted, w.Code)
	items := f.store.Items(models.JobKindBatchSubmit)
	require.Len(t, items, 1)
	assert.Equal(t, data(t, w)["job_id"], items[0].ID.String())
}

func TestSubmitBatch_TerminalConflict(t *testing.T) {
	f := newFixture(t)
	m := f.draft(t)
	_, err := f.batches.Cancel(context.Background(), m.ID)
	require.NoError(t, err)

	w := f.do(t, "POST", "/batches/"+m.ID.String()+"/submit", "")

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", errCode(t, w))
	assert.Empty(t, f.store.Items(models.JobKindBatchSubmit))
}

func TestSubmitBatch_NotFound(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/batches/"+uuid.NewString()+"/submit", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRefreshBatch(t *testing.T) {
	f := newFixture(t)
	m := f.draft(t)
	f.mock.SubmitFunc = func(_ context.Context, id uuid.UUID, _ []byte) (*models.RemoteBatch, error) {
		return &models.RemoteBatch{ID: "remote-1", RawStatus: "in_progress", State: models.RemoteProcessing}, nil
	}
	_, err := f.batches.Submit(context.Background(), m.ID)
	require.NoError(t, err)

	t.Run("still processing", func(t *testing.T) {
		f.mock.StatusFunc = func(_ context.Context, id string) (*models.RemoteBatch, error) {
			return &models.RemoteBatch{ID: id, RawStatus: "finalizing", State: models.RemoteProcessing}, nil
		}

		w := f.do(t, "POST", "/batches/"+m.ID.String()+"/refresh", "")

		require.Equal(t, http.StatusOK, w.Code)
		got := data(t, w)
		assert.Equal(t, "submitted", got["status"])
		assert.Equal(t, "finalizing", got["provider_meta"].(map[string]any)["remote_status"])
	})

	t.Run("provider unavailable", func(t *testing.T) {
		f.mock.StatusFunc = func(context.Context, string) (*models.RemoteBatch, error) {
			return nil, provider.ErrUnavailable
		}

		w := f.do(t, "POST", "/batches/"+m.ID.String()+"/refresh", "")

		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, "PROVIDER_UNAVAILABLE", errCode(t, w))
	})
}

func TestCancelBatch(t *testing.T) {
	f := newFixture(t)
	m := f.draft(t)

	w := f.do(t, "POST", "/batches/"+m.ID.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", data(t, w)["status"])

	w = f.do(t, "POST", "/batches/"+m.ID.String()+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", errCode(t, w))
}

func TestBatchStatus(t *testing.T) {
	t.Run("terminal status served from cache", func(t *testing.T) {
		f := newFixture(t)
		m := f.draft(t)
		_, err := f.batches.Cancel(context.Background(), m.ID)
		require.NoError(t, err)

		w := f.do(t, "GET", "/batches/"+m.ID.String()+"/status", "")

		require.Equal(t, http.StatusOK, w.Code)
		got := data(t, w)
		assert.Equal(t, "cancelled", got["status"])
		assert.Equal(t, "cache", got["source"])
	})

	t.Run("cached terminal status needs no manifest read", func(t *testing.T) {
		f := newFixture(t)
		id := uuid.New()
		f.cache.statuses[id] = string(models.BatchStatusCompleted)

		w := f.do(t, "GET", "/batches/"+id.String()+"/status", "")

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "completed", data(t, w)["status"])
	})

	t.Run("live status read from store", func(t *testing.T) {
		f := newFixture(t)
		m := f.draft(t)
		assert.Equal(t, "draft", f.cache.statuses[m.ID])

		w := f.do(t, "GET", "/batches/"+m.ID.String()+"/status", "")

		require.Equal(t, http.StatusOK, w.Code)
		got := data(t, w)
		assert.Equal(t, "draft", got["status"])
		assert.Equal(t, "store", got["source"])
	})

	t.Run("cache error falls through", func(t *testing.T) {
		f := newFixture(t)
		m := f.draft(t)
		f.cache.statusErr = errors.New("redis down")

		w := f.do(t, "GET", "/batches/"+m.ID.String()+"/status", "")

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "store", data(t, w)["source"])
	})

	t.Run("unknown batch", func(t *testing.T) {
		f := newFixture(t)

		w := f.do(t, "GET", "/batches/"+uuid.NewString()+"/status", "")

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "BATCH_NOT_FOUND", errCode(t, w))
	})
}

// ========================================
// Jobs
// ========================================

func TestGetJob(t *testing.T) {
	f := newFixture(t)
	item, err := f.queue.Enqueue(context.Background(), queue.BatchSubmitPayload{BatchID: uuid.New()}, queue.EnqueueOptions{})
	require.NoError(t, err)

	w := f.do(t, "GET", "/jobs/"+item.ID.String(), "")

	require.Equal(t, http.StatusOK, w.Code)
	got := data(t, w)
	assert.Equal(t, "batch-submit", got["kind"])
	assert.Equal(t, "pending", got["status"])

	w = f.do(t, "GET", "/jobs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "JOB_NOT_FOUND", errCode(t, w))
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item, err := f.queue.Enqueue(ctx, queue.BatchSubmitPayload{BatchID: uuid.New()}, queue.EnqueueOptions{})
	require.NoError(t, err)

	w := f.do(t, "DELETE", "/jobs/"+item.ID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", data(t, w)["status"])

	w = f.do(t, "DELETE", "/jobs/"+item.ID.String(), "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", errCode(t, w))

	w = f.do(t, "DELETE", "/jobs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ========================================
// Stats
// ========================================

func TestStats_CachesSnapshot(t *testing.T) {
	f := newFixture(t)
	f.draft(t)
	_, err := f.queue.Enqueue(context.Background(), queue.BatchSubmitPayload{BatchID: uuid.New()}, queue.EnqueueOptions{})
	require.NoError(t, err)

	w := f.do(t, "GET", "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := data(t, w)
	assert.Len(t, got["queue"], 1)
	assert.Len(t, got["batches"], 1)
	assert.Equal(t, 1, f.cache.sets)

	// A second enqueue is invisible until the cached snapshot expires.
	_, err = f.queue.Enqueue(context.Background(), queue.BatchCreatePayload{BatchID: uuid.New()}, queue.EnqueueOptions{})
	require.NoError(t, err)

	w = f.do(t, "GET", "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, data(t, w)["queue"], 1)
	assert.Equal(t, 1, f.cache.sets)
	assert.Contains(t, f.cache.values, cache.StatsKey())
}

func TestStats_InvalidatedByMutations(t *testing.T) {
	f := newFixture(t)
	m := f.draft(t)

	w := f.do(t, "GET", "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.cache.sets)

	w = f.do(t, "POST", "/batches/"+m.ID.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.cache.deletes)
	assert.NotContains(t, f.cache.values, cache.StatsKey())

	w = f.do(t, "GET", "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, f.cache.sets)
	batches := data(t, w)["batches"].([]any)
	require.Len(t, batches, 1)
	assert.Equal(t, "cancelled", batches[0].(map[string]any)["status"])
}

func TestStats_CacheErrorFallsThrough(t *testing.T) {
	f := newFixture(t)
	f.cache.getErr = errors.New("redis down")

	w := f.do(t, "GET", "/stats", "")

	require.Equal(t, http.StatusOK, w.Code)
	got := data(t, w)
	assert.Empty(t, got["queue"])
	assert.NotEmpty(t, got["generated_at"])
}

// ========================================
// Health
// ========================================

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		db         error
		cache      error
		wantStatus int
	}{
		{name: "healthy", wantStatus: http.StatusOK},
		{name: "database down", db: errors.New("refused"), wantStatus: http.StatusServiceUnavailable},
		{name: "cache down", cache: errors.New("refused"), wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := handler.NewHealthHandler(pinger{tt.db}, pinger{tt.cache})

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, "DEGRADED", errCode(t, w))
			}
		})
	}
}
