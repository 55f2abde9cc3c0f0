package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CalmProton/auto-i18n/internal/config"
	"github.com/CalmProton/auto-i18n/internal/provider"
	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, baseURL string) *Provider {
	t.Helper()
	return NewProvider(config.AnthropicConfig{
		APIKey:  "sk-ant-test",
		BaseURL: baseURL,
		Model:   "claude-test",
		Version: "2023-06-01",
		Timeout: 5 * time.Second,
	})
}

func TestSubmit_WrapsEncodedLines(t *testing.T) {
	var received struct {
		Requests []Request `json:"requests"`
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/messages/batches", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Write([]byte(`{"id":"msgbatch_1","type":"message_batch","processing_status":"in_progress","request_counts":{"processing":2,"succeeded":0,"errored":0,"canceled":0,"expired":0}}`))
	}))
	defer ts.Close()

	p := newTestProvider(t, ts.URL)
	input, err := p.EncodeRequests("claude-test", []models.PromptRequest{
		{CustomID: "content_de_a", SystemPrompt: "sys de", UserPrompt: "# Hi"},
		{CustomID: "page_fr_b", SystemPrompt: "sys fr", UserPrompt: "Hi", MaxTokens: 512},
	})
	require.NoError(t, err)

	remote, err := p.Submit(context.Background(), uuid.New(), input)
	require.NoError(t, err)
	assert.Equal(t, "msgbatch_1", remote.ID)
	assert.Equal(t, models.RemoteProcessing, remote.State)
	assert.Equal(t, 2, remote.Counts.Total)

	require.Len(t, received.Requests, 2)
	assert.Equal(t, "content_de_a", received.Requests[0].CustomID)
	assert.Equal(t, "sys de", received.Requests[0].Params.System)
	assert.Equal(t, defaultMaxTokens, received.Requests[0].Params.MaxTokens)
	assert.Equal(t, 512, received.Requests[1].Params.MaxTokens)
	assert.Equal(t, []Message{{Role: "user", Content: "Hi"}}, received.Requests[1].Params.Messages)
}

func TestStatus_States(t *testing.T) {
	tests := []struct {
		name string
		body string
		want models.RemoteState
	}{
		{"in progress", `{"id":"b","processing_status":"in_progress"}`, models.RemoteProcessing},
		{"canceling", `{"id":"b","processing_status":"canceling"}`, models.RemoteProcessing},
		{"ended", `{"id":"b","processing_status":"ended","results_url":"x","request_counts":{"succeeded":3,"errored":1}}`, models.RemoteCompleted},
		{"ended after partial cancel", `{"id":"b","processing_status":"ended","cancel_initiated_at":"2025-01-01T00:00:00Z","request_counts":{"succeeded":1,"canceled":2}}`, models.RemoteCompleted},
		{"ended after full cancel", `{"id":"b","processing_status":"ended","cancel_initiated_at":"2025-01-01T00:00:00Z","request_counts":{"canceled":3}}`, models.RemoteCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/messages/batches/b", r.URL.Path)
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			remote, err := newTestProvider(t, ts.URL).Status(context.Background(), "b")
			require.NoError(t, err)
			assert.Equal(t, tt.want, remote.State)
		})
	}
}

func TestStatus_Counts(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"b","processing_status":"ended","request_counts":{"processing":0,"succeeded":5,"errored":1,"canceled":1,"expired":1}}`))
	}))
	defer ts.Close()

	remote, err := newTestProvider(t, ts.URL).Status(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, models.RequestCounts{Total: 8, Completed: 5, Failed: 3}, remote.Counts)
}

func TestDownload_UsesResultsURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages/batches/b/results", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		w.Write([]byte(`{"custom_id":"a","result":{"type":"succeeded"}}` + "\n"))
	}))
	defer ts.Close()

	p := newTestProvider(t, ts.URL)
	rc, err := p.Download(context.Background(), &models.RemoteBatch{ID: "b", OutputRef: ts.URL + "/v1/messages/batches/b/results"})
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"custom_id":"a"`)

	rc, err = p.Download(context.Background(), &models.RemoteBatch{ID: "b"})
	require.NoError(t, err)
	rc.Close()
}

func TestCancel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/messages/batches/b/cancel", r.URL.Path)
		w.Write([]byte(`{"id":"b","processing_status":"canceling","cancel_initiated_at":"2025-01-01T00:00:00Z"}`))
	}))
	defer ts.Close()

	remote, err := newTestProvider(t, ts.URL).Cancel(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "canceling", remote.RawStatus)
	assert.Equal(t, models.RemoteProcessing, remote.State)
}

func TestErrorClassification(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer ts.Close()

	_, err := newTestProvider(t, ts.URL).Status(context.Background(), "b")
	assert.ErrorIs(t, err, provider.ErrUnavailable)
	assert.Contains(t, err.Error(), "Overloaded")
}
