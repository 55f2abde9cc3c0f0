// Package queue is the typed client over the durable queue store. Workers
// and the API talk to the queue only through Client.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CalmProton/auto-i18n/internal/store"
	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/google/uuid"
)

var (
	// ErrDuplicate is returned by Enqueue when an item with the same dedupe key exists.
	ErrDuplicate = errors.New("duplicate queue item")
	// ErrNotCancellable is returned by Cancel for items that already left pending.
	ErrNotCancellable = errors.New("queue item is not cancellable")
)

const defaultMaxAttempts = 3

// EnqueueOptions controls scheduling of a new item. Zero values mean: run
// now, the client's default attempt budget, no expiry, no deduplication.
type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
	ExpiresIn   time.Duration
	DedupeKey   string
}

// Claimed is an item leased to the calling worker together with its decoded payload.
type Claimed struct {
	Item    *models.QueueItem
	Payload Payload
}

// Client wraps a store.QueueStore with payload typing and the failure policy
// bookkeeping workers rely on.
type Client struct {
	store       store.QueueStore
	workerID    string
	maxAttempts int
}

// NewClient creates a Client. workerID is recorded on claimed items for
// diagnostics only.
func NewClient(s store.QueueStore, workerID string, maxAttempts int) *Client {
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	return &Client{store: s, workerID: workerID, maxAttempts: maxAttempts}
}

// WorkerID returns the identity recorded on items this client claims.
func (c *Client) WorkerID() string {
	return c.workerID
}

// Enqueue inserts a pending item for p.
func (c *Client) Enqueue(ctx context.Context, p Payload, opts EnqueueOptions) (*models.QueueItem, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = c.maxAttempts
	}

	item, err := c.store.InsertQueueItem(ctx, store.NewQueueItem{
		Kind:        p.Kind(),
		Payload:     body,
		DedupeKey:   opts.DedupeKey,
		Delay:       opts.Delay,
		MaxAttempts: maxAttempts,
		ExpiresIn:   opts.ExpiresIn,
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, opts.DedupeKey)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", p.Kind(), err)
	}

	slog.Debug("queue item enqueued", "job_id", item.ID, "kind", item.Kind, "run_at", item.RunAt)
	return item, nil
}

// Claim leases the oldest ready item of kind to this worker. Returns nil, nil
// when nothing is ready. An item whose payload cannot be decoded is failed
// on the spot so it is not claimed again.
func (c *Client) Claim(ctx context.Context, kind models.JobKind) (*Claimed, error) {
	item, err := c.store.ClaimQueueItem(ctx, kind, c.workerID)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", kind, err)
	}
	if item == nil {
		return nil, nil
	}

	p, err := DecodePayload(item.Kind, item.Payload)
	if err != nil {
		if ferr := c.Fail(ctx, item.ID, err); ferr != nil {
			slog.Error("failing undecodable queue item", "job_id", item.ID, "error", ferr)
		}
		return nil, fmt.Errorf("claim %s: %w", kind, err)
	}
	return &Claimed{Item: item, Payload: p}, nil
}

// Complete marks a running item completed and stores result when non-nil.
// It is a no-op for items that are no longer running.
func (c *Client) Complete(ctx context.Context, id uuid.UUID, result any) error {
	var opts []store.JobUpdateOption
	if result != nil {
		body, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		opts = append(opts, store.WithResult(body))
	}
	return c.transition(ctx, id, models.JobComplete, opts...)
}

// Fail marks a running item failed. The stored trace is the panic stack when
// cause carries one, otherwise the verbose form of the error chain.
func (c *Client) Fail(ctx context.Context, id uuid.UUID, cause error) error {
	return c.transition(ctx, id, models.JobFail,
		store.WithErrorMessage(errorMessage(cause)),
		store.WithErrorTrace(errorTrace(cause)))
}

// Retry returns a running item to pending, eligible again after delay.
// cause, when non-nil, is kept as the item's last error.
func (c *Client) Retry(ctx context.Context, id uuid.UUID, delay time.Duration, cause error) error {
	opts := []store.JobUpdateOption{store.WithDelay(delay)}
	if cause != nil {
		opts = append(opts,
			store.WithErrorMessage(errorMessage(cause)),
			store.WithErrorTrace(errorTrace(cause)))
	}
	return c.transition(ctx, id, models.JobRequeue, opts...)
}

// Cancel moves a pending item to cancelled.
func (c *Client) Cancel(ctx context.Context, id uuid.UUID) error {
	applied, err := c.store.TransitionQueueItem(ctx, id, models.JobCancel)
	if err != nil {
		return fmt.Errorf("cancel queue item: %w", err)
	}
	if applied {
		return nil
	}
	item, err := c.store.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: status is %s", ErrNotCancellable, item.Status)
}

// ReapStale returns items whose worker has been silent longer than staleAfter
// to pending, or fails them when no attempts are left.
func (c *Client) ReapStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	n, err := c.store.ReapStaleQueueItems(ctx, staleAfter)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("stale queue items reaped", "count", n, "stale_after", staleAfter.String())
	}
	return n, nil
}

// PurgeOld deletes terminal items last touched more than olderThan ago.
func (c *Client) PurgeOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	return c.store.PurgeQueueItems(ctx, olderThan)
}

func (c *Client) Get(ctx context.Context, id uuid.UUID) (*models.QueueItem, error) {
	return c.store.GetQueueItem(ctx, id)
}

func (c *Client) Stats(ctx context.Context) ([]models.QueueStat, error) {
	return c.store.QueueStats(ctx)
}

func (c *Client) transition(ctx context.Context, id uuid.UUID, t models.JobTransition, opts ...store.JobUpdateOption) error {
	applied, err := c.store.TransitionQueueItem(ctx, id, t, opts...)
	if err != nil {
		return err
	}
	if !applied {
		slog.Warn("queue transition skipped: status changed underneath", "job_id", id, "transition", t.String())
	}
	return nil
}

// Tracer is implemented by errors that carry their own stack trace.
type Tracer interface {
	StackTrace() string
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errorTrace(err error) string {
	if err == nil {
		return ""
	}
	var tr Tracer
	if errors.As(err, &tr) {
		return tr.StackTrace()
	}
	return fmt.Sprintf("%+v", err)
}
