// Package anthropic implements models.Provider on the Anthropic Message
// Batches API.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CalmProton/auto-i18n/internal/config"
	"github.com/CalmProton/auto-i18n/internal/provider"
	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/google/uuid"
)

const (
	name             = "anthropic"
	defaultMaxTokens = 8192
	maxLineSize      = 16 << 20
)

// Provider talks to /v1/messages/batches.
type Provider struct {
	cfg    config.AnthropicConfig
	client *http.Client
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *Provider) Name() string         { return name }
func (p *Provider) DefaultModel() string { return p.cfg.Model }

func (p *Provider) MaxRequests() int {
	if p.cfg.MaxRequests > 0 {
		return p.cfg.MaxRequests
	}
	return 100000
}

// Request is one entry of a message batch.
type Request struct {
	CustomID string `json:"custom_id"`
	Params   Params `json:"params"`
}

type Params struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EncodeRequests stores one Request per line. Submit wraps the lines into
// the {"requests": [...]} body the API expects.
func (p *Provider) EncodeRequests(model string, reqs []models.PromptRequest) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range reqs {
		maxTokens := r.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultMaxTokens
		}
		line := Request{
			CustomID: r.CustomID,
			Params: Params{
				Model:     model,
				MaxTokens: maxTokens,
				System:    r.SystemPrompt,
				Messages:  []Message{{Role: "user", Content: r.UserPrompt}},
			},
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("encoding request %s: %w", r.CustomID, err)
		}
	}
	return buf.Bytes(), nil
}

type batchObject struct {
	ID                string     `json:"id"`
	ProcessingStatus  string     `json:"processing_status"`
	ResultsURL        string     `json:"results_url"`
	CancelInitiatedAt *time.Time `json:"cancel_initiated_at"`
	RequestCounts     struct {
		Processing int `json:"processing"`
		Succeeded  int `json:"succeeded"`
		Errored    int `json:"errored"`
		Canceled   int `json:"canceled"`
		Expired    int `json:"expired"`
	} `json:"request_counts"`
}

func (p *Provider) Submit(ctx context.Context, _ uuid.UUID, input []byte) (*models.RemoteBatch, error) {
	var requests []json.RawMessage
	sc := bufio.NewScanner(bytes.NewReader(input))
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		requests = append(requests, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading batch input: %w", err)
	}

	body, err := json.Marshal(map[string]any{"requests": requests})
	if err != nil {
		return nil, fmt.Errorf("encoding batch request: %w", err)
	}

	var b batchObject
	if err := p.doJSON(ctx, http.MethodPost, "/v1/messages/batches", bytes.NewReader(body), &b); err != nil {
		return nil, fmt.Errorf("creating message batch: %w", err)
	}
	return b.remote(), nil
}

func (p *Provider) Status(ctx context.Context, remoteID string) (*models.RemoteBatch, error) {
	var b batchObject
	if err := p.doJSON(ctx, http.MethodGet, "/v1/messages/batches/"+url.PathEscape(remoteID), nil, &b); err != nil {
		return nil, fmt.Errorf("retrieving message batch: %w", err)
	}
	return b.remote(), nil
}

// Download streams the JSONL results. Every request appears once, whether
// it succeeded, errored, was canceled or expired.
func (p *Provider) Download(ctx context.Context, remote *models.RemoteBatch) (io.ReadCloser, error) {
	target := remote.OutputRef
	if target == "" {
		target = strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages/batches/" + url.PathEscape(remote.ID) + "/results"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, provider.ClassifyTransport(err)
	}
	if err := provider.CheckResponse(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("downloading results: %w", err)
	}
	return resp.Body, nil
}

func (p *Provider) Cancel(ctx context.Context, remoteID string) (*models.RemoteBatch, error) {
	var b batchObject
	if err := p.doJSON(ctx, http.MethodPost, "/v1/messages/batches/"+url.PathEscape(remoteID)+"/cancel", nil, &b); err != nil {
		return nil, fmt.Errorf("cancelling message batch: %w", err)
	}
	return b.remote(), nil
}

func (p *Provider) doJSON(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	p.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return provider.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	if err := provider.CheckResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", provider.ErrUnavailable, err)
	}
	return nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.cfg.APIKey)
	version := p.cfg.Version
	if version == "" {
		version = "2023-06-01"
	}
	req.Header.Set("anthropic-version", version)
}

func (b *batchObject) remote() *models.RemoteBatch {
	c := b.RequestCounts
	failed := c.Errored + c.Canceled + c.Expired
	r := &models.RemoteBatch{
		ID:        b.ID,
		RawStatus: b.ProcessingStatus,
		State:     models.RemoteProcessing,
		OutputRef: b.ResultsURL,
		Counts: models.RequestCounts{
			Total:     c.Processing + c.Succeeded + failed,
			Completed: c.Succeeded,
			Failed:    failed,
		},
	}
	if b.ProcessingStatus == "ended" {
		r.State = models.RemoteCompleted
		// A batch cancelled before anything succeeded has nothing to reconcile.
		if b.CancelInitiatedAt != nil && c.Succeeded == 0 {
			r.State = models.RemoteCancelled
			r.Message = "batch was cancelled before any request succeeded"
		}
	}
	return r
}

var _ models.Provider = (*Provider)(nil)
