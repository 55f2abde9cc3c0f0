// Package mock provides a deterministic, network-free batch provider. A
// submitted batch completes immediately and its results echo each request's
// user content in the OpenAI batch output shape.
package mock

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/CalmProton/auto-i18n/internal/config"
	"github.com/CalmProton/auto-i18n/internal/provider"
	"github.com/CalmProton/auto-i18n/internal/provider/openai"
	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/google/uuid"
)

const remotePrefix = "mock_"

// Provider satisfies models.Provider. Any Func field that is set replaces
// the default behavior of its method.
type Provider struct {
	cfg config.MockConfig

	mu      sync.Mutex
	outputs map[string][]byte
	counts  map[string]models.RequestCounts

	SubmitFunc   func(ctx context.Context, batchID uuid.UUID, input []byte) (*models.RemoteBatch, error)
	StatusFunc   func(ctx context.Context, remoteID string) (*models.RemoteBatch, error)
	DownloadFunc func(ctx context.Context, remote *models.RemoteBatch) (io.ReadCloser, error)
	CancelFunc   func(ctx context.Context, remoteID string) (*models.RemoteBatch, error)
}

func NewProvider(cfg config.MockConfig) *Provider {
	return &Provider{
		cfg:     cfg,
		outputs: make(map[string][]byte),
		counts:  make(map[string]models.RequestCounts),
	}
}

// NewFailingProvider returns a Provider whose remote calls all return err.
func NewFailingProvider(err error) *Provider {
	p := NewProvider(config.MockConfig{})
	p.SubmitFunc = func(context.Context, uuid.UUID, []byte) (*models.RemoteBatch, error) { return nil, err }
	p.StatusFunc = func(context.Context, string) (*models.RemoteBatch, error) { return nil, err }
	p.DownloadFunc = func(context.Context, *models.RemoteBatch) (io.ReadCloser, error) { return nil, err }
	p.CancelFunc = func(context.Context, string) (*models.RemoteBatch, error) { return nil, err }
	return p
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) DefaultModel() string {
	if p.cfg.Model != "" {
		return p.cfg.Model
	}
	return "mock-v1"
}

func (p *Provider) MaxRequests() int {
	if p.cfg.MaxRequests > 0 {
		return p.cfg.MaxRequests
	}
	return 1000
}

// EncodeRequests uses the OpenAI input encoding.
func (p *Provider) EncodeRequests(model string, reqs []models.PromptRequest) ([]byte, error) {
	return openai.EncodeLines(model, reqs)
}

func (p *Provider) Submit(ctx context.Context, batchID uuid.UUID, input []byte) (*models.RemoteBatch, error) {
	if p.SubmitFunc != nil {
		return p.SubmitFunc(ctx, batchID, input)
	}

	output, counts, err := fabricate(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrRejected, err)
	}
	remoteID := remotePrefix + batchID.String()

	p.mu.Lock()
	p.outputs[remoteID] = output
	p.counts[remoteID] = counts
	p.mu.Unlock()

	return completed(remoteID, counts), nil
}

// Status reports every mock batch as completed. Batches submitted by another
// process are reported without counts.
func (p *Provider) Status(ctx context.Context, remoteID string) (*models.RemoteBatch, error) {
	if p.StatusFunc != nil {
		return p.StatusFunc(ctx, remoteID)
	}
	if !strings.HasPrefix(remoteID, remotePrefix) {
		return nil, fmt.Errorf("%w: batch %s", provider.ErrNotFound, remoteID)
	}
	p.mu.Lock()
	counts := p.counts[remoteID]
	p.mu.Unlock()
	return completed(remoteID, counts), nil
}

func (p *Provider) Download(ctx context.Context, remote *models.RemoteBatch) (io.ReadCloser, error) {
	if p.DownloadFunc != nil {
		return p.DownloadFunc(ctx, remote)
	}
	p.mu.Lock()
	output, ok := p.outputs[remote.ID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no output for batch %s", provider.ErrNotFound, remote.ID)
	}
	return io.NopCloser(bytes.NewReader(output)), nil
}

// Cancel has no effect: mock batches are complete on submit.
func (p *Provider) Cancel(ctx context.Context, remoteID string) (*models.RemoteBatch, error) {
	if p.CancelFunc != nil {
		return p.CancelFunc(ctx, remoteID)
	}
	return p.Status(ctx, remoteID)
}

func completed(remoteID string, counts models.RequestCounts) *models.RemoteBatch {
	return &models.RemoteBatch{
		ID:        remoteID,
		RawStatus: "completed",
		State:     models.RemoteCompleted,
		OutputRef: remoteID,
		Counts:    counts,
	}
}

type resultLine struct {
	ID       string         `json:"id"`
	CustomID string         `json:"custom_id"`
	Response resultResponse `json:"response"`
	Error    any            `json:"error"`
}

type resultResponse struct {
	StatusCode int        `json:"status_code"`
	RequestID  string     `json:"request_id"`
	Body       resultBody `json:"body"`
}

type resultBody struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Choices []resultChoice `json:"choices"`
}

type resultChoice struct {
	Index        int            `json:"index"`
	Message      openai.Message `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

// fabricate answers every request line with its own user content.
func fabricate(input []byte) ([]byte, models.RequestCounts, error) {
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)

	var counts models.RequestCounts
	sc := bufio.NewScanner(bytes.NewReader(input))
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var req openai.RequestLine
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, counts, fmt.Errorf("invalid input line %d: %w", counts.Total+1, err)
		}
		counts.Total++
		counts.Completed++

		var content string
		for _, m := range req.Body.Messages {
			if m.Role == "user" {
				content = m.Content
			}
		}
		n := counts.Total
		if err := enc.Encode(resultLine{
			ID:       fmt.Sprintf("batch_req_mock_%d", n),
			CustomID: req.CustomID,
			Response: resultResponse{
				StatusCode: 200,
				RequestID:  fmt.Sprintf("req_mock_%d", n),
				Body: resultBody{
					ID:     fmt.Sprintf("chatcmpl-mock-%d", n),
					Object: "chat.completion",
					Model:  req.Body.Model,
					Choices: []resultChoice{{
						Message:      openai.Message{Role: "assistant", Content: content},
						FinishReason: "stop",
					}},
				},
			},
		}); err != nil {
			return nil, counts, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, counts, err
	}
	return out.Bytes(), counts, nil
}

var _ models.Provider = (*Provider)(nil)
