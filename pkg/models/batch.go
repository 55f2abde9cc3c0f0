package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchStatus is the lifecycle state of a batch manifest.
type BatchStatus string

const (
	BatchStatusDraft     BatchStatus = "draft"
	BatchStatusSubmitted BatchStatus = "submitted"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// BatchStatuses lists every manifest status, in display order.
var BatchStatuses = []BatchStatus{
	BatchStatusDraft,
	BatchStatusSubmitted,
	BatchStatusCompleted,
	BatchStatusFailed,
	BatchStatusCancelled,
}

func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed || s == BatchStatusCancelled
}

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusDraft:     {BatchStatusSubmitted, BatchStatusFailed, BatchStatusCancelled},
	BatchStatusSubmitted: {BatchStatusSubmitted, BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled},
}

// BatchTransition is a validated edge of the manifest state machine.
// The zero value is invalid; obtain one from BatchStatus.To.
type BatchTransition struct {
	from BatchStatus
	to   BatchStatus
}

func (t BatchTransition) From() BatchStatus { return t.from }
func (t BatchTransition) To() BatchStatus   { return t.to }

func (t BatchTransition) String() string {
	return fmt.Sprintf("%s -> %s", t.from, t.to)
}

// To returns the transition from s to next, or an error when the state
// machine has no such edge.
func (s BatchStatus) To(next BatchStatus) (BatchTransition, error) {
	for _, allowed := range batchTransitions[s] {
		if allowed == next {
			return BatchTransition{from: s, to: next}, nil
		}
	}
	return BatchTransition{}, fmt.Errorf("invalid batch status transition: %s -> %s", s, next)
}

// MustBatchTransition is To for edges known at compile time.
func MustBatchTransition(from, to BatchStatus) BatchTransition {
	t, err := from.To(to)
	if err != nil {
		panic(err)
	}
	return t
}

var (
	BatchSubmit   = MustBatchTransition(BatchStatusDraft, BatchStatusSubmitted)
	BatchResubmit = MustBatchTransition(BatchStatusSubmitted, BatchStatusSubmitted)
	BatchComplete = MustBatchTransition(BatchStatusSubmitted, BatchStatusCompleted)
)

// ContentType groups source files by where they live in the repository.
type ContentType string

const (
	ContentTypeContent ContentType = "content"
	ContentTypeGlobal  ContentType = "global"
	ContentTypePage    ContentType = "page"
)

var ContentTypes = []ContentType{ContentTypeContent, ContentTypeGlobal, ContentTypePage}

// FileFormat selects the prompt and the output validation for a request.
type FileFormat string

const (
	FormatMarkdown FileFormat = "markdown"
	FormatJSON     FileFormat = "json"
)

// RequestRecord binds one provider request to the file and locale it
// translates. CustomID is embedded in the provider request and comes back
// with its result.
type RequestRecord struct {
	CustomID           string      `json:"custom_id"`
	Type               ContentType `json:"type"`
	Format             FileFormat  `json:"format"`
	SourceRelativePath string      `json:"source_relative_path"`
	TargetLocale       string      `json:"target_locale"`
	Folder             string      `json:"folder,omitempty"`
	FileName           string      `json:"file_name"`
}

// ProviderMeta is the provider-side view of a submitted batch.
type ProviderMeta struct {
	RemoteBatchID     string        `json:"remote_batch_id,omitempty"`
	RemoteStatus      string        `json:"remote_status,omitempty"`
	InputRef          string        `json:"input_ref,omitempty"`
	OutputRef         string        `json:"output_ref,omitempty"`
	ErrorRef          string        `json:"error_ref,omitempty"`
	Counts            RequestCounts `json:"counts"`
	CancelRequestedAt *time.Time    `json:"cancel_requested_at,omitempty"`
	LastCheckedAt     *time.Time    `json:"last_checked_at,omitempty"`
}

// RequestCounts mirrors the per-request progress a provider reports.
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// BatchManifest records every request of a batch plus its submission state.
// It is the contract between what was asked for and what came back.
type BatchManifest struct {
	ID                uuid.UUID       `db:"id"                 json:"id"`
	SenderID          string          `db:"sender_id"          json:"sender_id"`
	SourceLocale      string          `db:"source_locale"      json:"source_locale"`
	TargetLocales     []string        `db:"target_locales"     json:"target_locales"`
	Model             string          `db:"model"              json:"model"`
	Provider          string          `db:"provider"           json:"provider"`
	Status            BatchStatus     `db:"status"             json:"status"`
	Files             []RequestRecord `db:"files"              json:"files"`
	ProviderMeta      ProviderMeta    `db:"provider_meta"      json:"provider_meta"`
	TotalRequests     int             `db:"total_requests"     json:"total_requests"`
	CompletedRequests int             `db:"completed_requests" json:"completed_requests"`
	FailedRequests    int             `db:"failed_requests"    json:"failed_requests"`
	ErrorMessage      *string         `db:"error_message"      json:"error_message,omitempty"`
	SubmittedAt       *time.Time      `db:"submitted_at"       json:"submitted_at,omitempty"`
	CompletedAt       *time.Time      `db:"completed_at"       json:"completed_at,omitempty"`
	CreatedAt         time.Time       `db:"created_at"         json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"         json:"updated_at"`
}

// Record returns the request with the given custom id.
func (m *BatchManifest) Record(customID string) (RequestRecord, bool) {
	for _, r := range m.Files {
		if r.CustomID == customID {
			return r, true
		}
	}
	return RequestRecord{}, false
}

// BatchStat is one status bucket of the manifest statistics.
type BatchStat struct {
	Status BatchStatus `json:"status"`
	Count  int         `json:"count"`
}

// TranslationStatus is the outcome of a single reconciled request.
type TranslationStatus string

const (
	TranslationSuccess TranslationStatus = "success"
	TranslationError   TranslationStatus = "error"
)

// ProcessedTranslation is one reconciled provider result, resolved back to
// the file and locale it belongs to.
type ProcessedTranslation struct {
	CustomID          string            `json:"custom_id"`
	TargetLocale      string            `json:"target_locale"`
	Type              ContentType       `json:"type"`
	Format            FileFormat        `json:"format"`
	RelativePath      string            `json:"relative_path"`
	Status            TranslationStatus `json:"status"`
	TranslatedContent string            `json:"translated_content,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	Warnings          []string          `json:"warnings,omitempty"`
}
