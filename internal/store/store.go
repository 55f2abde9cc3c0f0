package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	QueueStore
	BatchStore
}

// QueueStore owns queue_items rows. Every status change is a single guarded
// statement; a transition whose source status no longer matches is a no-op
// and reports applied=false.
type QueueStore interface {
	InsertQueueItem(ctx context.Context, params NewQueueItem) (*models.QueueItem, error)
	ClaimQueueItem(ctx context.Context, kind models.JobKind, workerID string) (*models.QueueItem, error)
	GetQueueItem(ctx context.Context, id uuid.UUID) (*models.QueueItem, error)
	TransitionQueueItem(ctx context.Context, id uuid.UUID, t models.JobTransition, opts ...JobUpdateOption) (bool, error)
	ReapStaleQueueItems(ctx context.Context, staleAfter time.Duration) (int64, error)
	PurgeQueueItems(ctx context.Context, olderThan time.Duration) (int64, error)
	QueueStats(ctx context.Context) ([]models.QueueStat, error)
}

// BatchStore owns manifests together with their input and output payloads.
type BatchStore interface {
	CreateBatch(ctx context.Context, m *models.BatchManifest, input []byte) error
	GetBatch(ctx context.Context, id uuid.UUID) (*models.BatchManifest, error)
	GetBatchInput(ctx context.Context, id uuid.UUID) ([]byte, error)
	TransitionBatch(ctx context.Context, id uuid.UUID, t models.BatchTransition, opts ...BatchUpdateOption) (bool, error)
	UpdateBatchMeta(ctx context.Context, id uuid.UUID, meta models.ProviderMeta) error
	UpdateBatchCounts(ctx context.Context, id uuid.UUID, completed, failed int) error
	SaveBatchOutput(ctx context.Context, id uuid.UUID, body []byte) error
	GetBatchOutput(ctx context.Context, id uuid.UUID) ([]byte, error)
	BatchStats(ctx context.Context) ([]models.BatchStat, error)
}

// NewQueueItem holds the insert parameters for a queue item. RunAt and
// ExpiresAt are computed from the database clock.
type NewQueueItem struct {
	ID          uuid.UUID
	Kind        models.JobKind
	Payload     json.RawMessage
	DedupeKey   string
	Delay       time.Duration
	MaxAttempts int
	ExpiresIn   time.Duration
}

type jobUpdateParams struct {
	Result       json.RawMessage
	ErrorMessage *string
	ErrorTrace   *string
	Delay        time.Duration
}

type JobUpdateOption func(*jobUpdateParams)

// WithResult stores a handler return value on completion.
func WithResult(result json.RawMessage) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Result = result
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithErrorTrace(trace string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		if trace != "" {
			p.ErrorTrace = &trace
		}
	}
}

// WithDelay pushes run_at into the future when an item returns to pending.
func WithDelay(d time.Duration) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Delay = d
	}
}

type batchUpdateParams struct {
	Meta         *models.ProviderMeta
	ErrorMessage *string
}

type BatchUpdateOption func(*batchUpdateParams)

func WithProviderMeta(meta models.ProviderMeta) BatchUpdateOption {
	return func(p *batchUpdateParams) {
		p.Meta = &meta
	}
}

func WithBatchError(msg string) BatchUpdateOption {
	return func(p *batchUpdateParams) {
		p.ErrorMessage = &msg
	}
}

// ApplyJobOptions resolves options for Store implementations outside this package.
func ApplyJobOptions(opts ...JobUpdateOption) (result json.RawMessage, errMsg, errTrace *string, delay time.Duration) {
	p := &jobUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}
	return p.Result, p.ErrorMessage, p.ErrorTrace, p.Delay
}

// ApplyBatchOptions resolves options for Store implementations outside this package.
func ApplyBatchOptions(opts ...BatchUpdateOption) (meta *models.ProviderMeta, errMsg *string) {
	p := &batchUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}
	return p.Meta, p.ErrorMessage
}
