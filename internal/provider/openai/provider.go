// Package openai implements models.Provider on the OpenAI Batch API.
// Requests target /v1/chat/completions with a 24h completion window.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/CalmProton/auto-i18n/internal/config"
	"github.com/CalmProton/auto-i18n/internal/provider"
	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/google/uuid"
)

const (
	name             = "openai"
	endpoint         = "/v1/chat/completions"
	completionWindow = "24h"
)

// Provider talks to the OpenAI files and batches endpoints.
type Provider struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
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
	return 50000
}

// RequestLine is one line of an OpenAI batch input file.
type RequestLine struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     RequestBody `json:"body"`
}

type RequestBody struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EncodeRequests renders reqs as JSONL, one chat completion request per line.
func (p *Provider) EncodeRequests(model string, reqs []models.PromptRequest) ([]byte, error) {
	return EncodeLines(model, reqs)
}

// EncodeLines is the OpenAI batch input encoding, shared with the mock provider.
func EncodeLines(model string, reqs []models.PromptRequest) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range reqs {
		line := RequestLine{
			CustomID: r.CustomID,
			Method:   http.MethodPost,
			URL:      endpoint,
			Body: RequestBody{
				Model: model,
				Messages: []Message{
					{Role: "system", Content: r.SystemPrompt},
					{Role: "user", Content: r.UserPrompt},
				},
				MaxTokens: r.MaxTokens,
			},
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("encoding request %s: %w", r.CustomID, err)
		}
	}
	return buf.Bytes(), nil
}

type fileObject struct {
	ID string `json:"id"`
}

type batchObject struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	InputFileID   string `json:"input_file_id"`
	OutputFileID  string `json:"output_file_id"`
	ErrorFileID   string `json:"error_file_id"`
	RequestCounts struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
	Errors *struct {
		Data []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"data"`
	} `json:"errors"`
}

// Submit uploads input as a batch file and creates a batch over it.
func (p *Provider) Submit(ctx context.Context, batchID uuid.UUID, input []byte) (*models.RemoteBatch, error) {
	fileID, err := p.uploadFile(ctx, batchID, input)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{
		"input_file_id":     fileID,
		"endpoint":          endpoint,
		"completion_window": completionWindow,
		"metadata":          map[string]string{"batch_id": batchID.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding batch request: %w", err)
	}

	var b batchObject
	if err := p.doJSON(ctx, http.MethodPost, "/v1/batches", bytes.NewReader(body), "application/json", &b); err != nil {
		return nil, fmt.Errorf("creating batch: %w", err)
	}
	return b.remote(), nil
}

func (p *Provider) Status(ctx context.Context, remoteID string) (*models.RemoteBatch, error) {
	var b batchObject
	if err := p.doJSON(ctx, http.MethodGet, "/v1/batches/"+url.PathEscape(remoteID), nil, "", &b); err != nil {
		return nil, fmt.Errorf("retrieving batch: %w", err)
	}
	return b.remote(), nil
}

// Download streams the output file followed by the error file, if any.
func (p *Provider) Download(ctx context.Context, remote *models.RemoteBatch) (io.ReadCloser, error) {
	var streams []io.ReadCloser
	for _, fileID := range []string{remote.OutputRef, remote.ErrorRef} {
		if fileID == "" {
			continue
		}
		rc, err := p.fileContent(ctx, fileID)
		if err != nil {
			for _, s := range streams {
				s.Close()
			}
			return nil, err
		}
		if len(streams) > 0 {
			streams = append(streams, io.NopCloser(strings.NewReader("\n")))
		}
		streams = append(streams, rc)
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("%w: batch %s has no output or error file", provider.ErrNotFound, remote.ID)
	}
	return provider.MultiReadCloser(streams...), nil
}

func (p *Provider) Cancel(ctx context.Context, remoteID string) (*models.RemoteBatch, error) {
	var b batchObject
	if err := p.doJSON(ctx, http.MethodPost, "/v1/batches/"+url.PathEscape(remoteID)+"/cancel", nil, "", &b); err != nil {
		return nil, fmt.Errorf("cancelling batch: %w", err)
	}
	return b.remote(), nil
}

func (p *Provider) uploadFile(ctx context.Context, batchID uuid.UUID, input []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	part, err := w.CreateFormFile("file", "batch-"+batchID.String()+".jsonl")
	if err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	if _, err := part.Write(input); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}

	var f fileObject
	if err := p.doJSON(ctx, http.MethodPost, "/v1/files", &body, w.FormDataContentType(), &f); err != nil {
		return "", fmt.Errorf("uploading batch input: %w", err)
	}
	return f.ID, nil
}

func (p *Provider) fileContent(ctx context.Context, fileID string) (io.ReadCloser, error) {
	req, err := p.newRequest(ctx, http.MethodGet, "/v1/files/"+url.PathEscape(fileID)+"/content", nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, provider.ClassifyTransport(err)
	}
	if err := provider.CheckResponse(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("downloading file %s: %w", fileID, err)
	}
	return resp.Body, nil
}

func (p *Provider) doJSON(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := p.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return err
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

func (p *Provider) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (b *batchObject) remote() *models.RemoteBatch {
	r := &models.RemoteBatch{
		ID:        b.ID,
		RawStatus: b.Status,
		State:     normalizeStatus(b.Status),
		InputRef:  b.InputFileID,
		OutputRef: b.OutputFileID,
		ErrorRef:  b.ErrorFileID,
		Counts: models.RequestCounts{
			Total:     b.RequestCounts.Total,
			Completed: b.RequestCounts.Completed,
			Failed:    b.RequestCounts.Failed,
		},
	}
	if b.Errors != nil && len(b.Errors.Data) > 0 {
		msgs := make([]string, 0, len(b.Errors.Data))
		for _, e := range b.Errors.Data {
			msgs = append(msgs, strings.TrimSpace(e.Code+": "+e.Message))
		}
		r.Message = strings.Join(msgs, "; ")
	} else if b.Status == "expired" {
		r.Message = "batch expired before completion"
	}
	return r
}

func normalizeStatus(status string) models.RemoteState {
	switch status {
	case "completed":
		return models.RemoteCompleted
	case "failed", "expired":
		return models.RemoteFailed
	case "cancelled":
		return models.RemoteCancelled
	default:
		// validating, in_progress, finalizing, cancelling
		return models.RemoteProcessing
	}
}

var _ models.Provider = (*Provider)(nil)
