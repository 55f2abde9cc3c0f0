package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/google/uuid"
)

// ErrUnknownKind is returned when a stored item names a kind this build does not handle.
var ErrUnknownKind = errors.New("unknown job kind")

// Payload is the typed body of a queue item. The set of implementations is
// closed: only the payload types in this package satisfy it.
type Payload interface {
	Kind() models.JobKind
	payload()
}

// BatchCreatePayload asks a worker to build and store a draft manifest.
type BatchCreatePayload struct {
	BatchID       uuid.UUID            `json:"batch_id"`
	SenderID      string               `json:"sender_id"`
	SourceLocale  string               `json:"source_locale"`
	TargetLocales []string             `json:"target_locales"`
	Provider      string               `json:"provider,omitempty"`
	Model         string               `json:"model,omitempty"`
	Types         []models.ContentType `json:"types,omitempty"`
	Paths         []string             `json:"paths,omitempty"`
	AutoSubmit    bool                 `json:"auto_submit"`
}

// BatchSubmitPayload asks a worker to upload a draft manifest to its provider.
type BatchSubmitPayload struct {
	BatchID uuid.UUID `json:"batch_id"`
}

// BatchPollPayload asks a worker to check a submitted batch. Attempt counts
// polls of this batch, starting at zero.
type BatchPollPayload struct {
	BatchID uuid.UUID `json:"batch_id"`
	Attempt int       `json:"attempt"`
}

// BatchProcessPayload asks a worker to reconcile a completed batch's output.
type BatchProcessPayload struct {
	BatchID uuid.UUID `json:"batch_id"`
}

// FinalizePayload hands a processed batch to the downstream step.
type FinalizePayload struct {
	BatchID   uuid.UUID `json:"batch_id"`
	SenderID  string    `json:"sender_id"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
}

func (BatchCreatePayload) Kind() models.JobKind  { return models.JobKindBatchCreate }
func (BatchSubmitPayload) Kind() models.JobKind  { return models.JobKindBatchSubmit }
func (BatchPollPayload) Kind() models.JobKind    { return models.JobKindBatchPoll }
func (BatchProcessPayload) Kind() models.JobKind { return models.JobKindBatchProcess }
func (FinalizePayload) Kind() models.JobKind     { return models.JobKindFinalize }

func (BatchCreatePayload) payload()  {}
func (BatchSubmitPayload) payload()  {}
func (BatchPollPayload) payload()    {}
func (BatchProcessPayload) payload() {}
func (FinalizePayload) payload()     {}

// DecodePayload parses the raw JSON body of an item of the given kind.
func DecodePayload(kind models.JobKind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case models.JobKindBatchCreate:
		return decode[BatchCreatePayload](kind, raw)
	case models.JobKindBatchSubmit:
		return decode[BatchSubmitPayload](kind, raw)
	case models.JobKindBatchPoll:
		return decode[BatchPollPayload](kind, raw)
	case models.JobKindBatchProcess:
		return decode[BatchProcessPayload](kind, raw)
	case models.JobKindFinalize:
		return decode[FinalizePayload](kind, raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func decode[P Payload](kind models.JobKind, raw json.RawMessage) (Payload, error) {
	var p P
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
