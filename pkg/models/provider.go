// Package models contains shared data models used across the auto-i18n codebase.
package models

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// Provider is the interface every batch translation backend implements.
// Never call a specific provider directly; always inject this interface.
type Provider interface {
	// Name returns the provider tag stored on manifests (e.g. "openai").
	Name() string
	// DefaultModel is used when a batch does not name a model.
	DefaultModel() string
	// MaxRequests is the largest number of requests one batch may carry.
	MaxRequests() int
	// EncodeRequests renders prompt requests into the provider's batch input payload.
	EncodeRequests(model string, reqs []PromptRequest) ([]byte, error)
	// Submit uploads an encoded input payload as a single batch.
	Submit(ctx context.Context, batchID uuid.UUID, input []byte) (*RemoteBatch, error)
	// Status fetches the current remote state of a batch.
	Status(ctx context.Context, remoteID string) (*RemoteBatch, error)
	// Download streams the raw per-request results (errors included) of a finished batch.
	Download(ctx context.Context, remote *RemoteBatch) (io.ReadCloser, error)
	// Cancel asks the provider to stop a batch and returns the resulting state.
	Cancel(ctx context.Context, remoteID string) (*RemoteBatch, error)
}

// PromptRequest is one provider-neutral translation request.
type PromptRequest struct {
	CustomID     string
	Format       FileFormat
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
}

// RemoteState is a provider status normalized into the internal vocabulary.
type RemoteState string

const (
	RemoteProcessing RemoteState = "processing"
	RemoteCompleted  RemoteState = "completed"
	RemoteFailed     RemoteState = "failed"
	RemoteCancelled  RemoteState = "cancelled"
)

// RemoteBatch is the provider's view of a batch.
type RemoteBatch struct {
	ID        string
	RawStatus string
	State     RemoteState
	InputRef  string
	OutputRef string
	ErrorRef  string
	Counts    RequestCounts
	// Message explains failed or cancelled states when the provider says why.
	Message string
}
