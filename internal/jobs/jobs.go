// Package jobs binds queue payloads to the batch pipeline: create, submit,
// poll until terminal, reconcile the results into files and hand the batch
// to the finalize step.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/CalmProton/auto-i18n/internal/batch"
	"github.com/CalmProton/auto-i18n/internal/config"
	"github.com/CalmProton/auto-i18n/internal/files"
	"github.com/CalmProton/auto-i18n/internal/queue"
	"github.com/CalmProton/auto-i18n/internal/reconcile"
	"github.com/CalmProton/auto-i18n/internal/store"
	"github.com/CalmProton/auto-i18n/internal/worker"
	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/google/uuid"
)

const reasonPollExhausted = "max poll attempts exceeded"

// Batches is the part of batch.Service the handlers drive.
type Batches interface {
	Create(ctx context.Context, req batch.CreateRequest) (*models.BatchManifest, error)
	Submit(ctx context.Context, batchID uuid.UUID) (*models.BatchManifest, error)
	CheckStatus(ctx context.Context, batchID uuid.UUID) (*models.BatchManifest, error)
	MarkFailed(ctx context.Context, batchID uuid.UUID, reason string) error
	RecordCounts(ctx context.Context, batchID uuid.UUID, succeeded, failed int) error
	Get(ctx context.Context, batchID uuid.UUID) (*models.BatchManifest, error)
	Results(ctx context.Context, batchID uuid.UUID) ([]byte, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, p queue.Payload, opts queue.EnqueueOptions) (*models.QueueItem, error)
}

// PollOptions shapes the poll chain of a submitted batch. Poll n runs
// min(BaseDelay + n*Step, MaxDelay) after the previous one; after
// MaxAttempts polls the batch is failed.
type PollOptions struct {
	BaseDelay   time.Duration
	Step        time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func PollOptionsFromConfig(cfg config.BatchConfig) PollOptions {
	return PollOptions{
		BaseDelay:   cfg.PollBaseDelay,
		Step:        cfg.PollStep,
		MaxDelay:    cfg.PollMaxDelay,
		MaxAttempts: cfg.PollMaxAttempts,
	}
}

// Delay returns the wait before poll attempt.
func (o PollOptions) Delay(attempt int) time.Duration {
	return min(o.BaseDelay+time.Duration(attempt)*o.Step, o.MaxDelay)
}

// Result is stored on completed queue items.
type Result struct {
	BatchID   uuid.UUID          `json:"batch_id"`
	Status    models.BatchStatus `json:"status,omitempty"`
	NextJobID *uuid.UUID         `json:"next_job_id,omitempty"`
	Succeeded int                `json:"succeeded,omitempty"`
	Failed    int                `json:"failed,omitempty"`
	Skipped   int                `json:"skipped,omitempty"`
}

// Handlers dispatches claimed items to the pipeline step for their payload.
type Handlers struct {
	batches   Batches
	queue     Enqueuer
	sink      files.Sink
	finalizer Finalizer
	poll      PollOptions
}

func NewHandlers(b Batches, q Enqueuer, sink files.Sink, f Finalizer, poll PollOptions) *Handlers {
	if f == nil {
		f = LogFinalizer{}
	}
	return &Handlers{batches: b, queue: q, sink: sink, finalizer: f, poll: poll}
}

// Register binds Handle to every job kind.
func (h *Handlers) Register(s *worker.Scheduler) {
	for _, kind := range models.JobKinds {
		s.Register(kind, h.Handle)
	}
}

// Handle is a worker.HandlerFunc.
func (h *Handlers) Handle(ctx context.Context, job *queue.Claimed) (any, error) {
	switch p := job.Payload.(type) {
	case queue.BatchCreatePayload:
		return h.create(ctx, p)
	case queue.BatchSubmitPayload:
		return h.submit(ctx, job.Item, p)
	case queue.BatchPollPayload:
		return h.pollBatch(ctx, job.Item, p)
	case queue.BatchProcessPayload:
		return h.process(ctx, p)
	case queue.FinalizePayload:
		return h.finalize(ctx, p)
	default:
		return nil, worker.Permanent(fmt.Errorf("%w: payload %T", queue.ErrUnknownKind, p))
	}
}

func (h *Handlers) create(ctx context.Context, p queue.BatchCreatePayload) (any, error) {
	m, err := h.batches.Create(ctx, batch.CreateRequest{
		BatchID:       p.BatchID,
		SenderID:      p.SenderID,
		SourceLocale:  p.SourceLocale,
		TargetLocales: p.TargetLocales,
		Provider:      p.Provider,
		Model:         p.Model,
		Types:         p.Types,
		Paths:         p.Paths,
	})
	if errors.Is(err, batch.ErrInvalidRequest) || errors.Is(err, batch.ErrNoRequests) || errors.Is(err, batch.ErrTooManyRequests) {
		return nil, worker.Permanent(err)
	}
	if err != nil {
		return nil, fmt.Errorf("creating batch: %w", err)
	}

	res := Result{BatchID: m.ID, Status: m.Status}
	if p.AutoSubmit && m.Status == models.BatchStatusDraft {
		next, err := h.enqueue(ctx, queue.BatchSubmitPayload{BatchID: m.ID},
			queue.EnqueueOptions{DedupeKey: "batch-submit:" + m.ID.String()})
		if err != nil {
			return nil, err
		}
		res.NextJobID = next
	}
	return res, nil
}

// submit uploads the batch and starts its poll chain. A retried item does
// not submit again once the manifest has left draft.
func (h *Handlers) submit(ctx context.Context, item *models.QueueItem, p queue.BatchSubmitPayload) (any, error) {
	m, err := h.batches.Get(ctx, p.BatchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, worker.Permanent(err)
	}
	if err != nil {
		return nil, fmt.Errorf("loading batch: %w", err)
	}

	if m.Status == models.BatchStatusDraft || item.Attempts <= 1 {
		m, err = h.batches.Submit(ctx, p.BatchID)
		if errors.Is(err, batch.ErrInvalidState) {
			return nil, worker.Permanent(err)
		}
		if err != nil {
			return nil, err
		}
	}
	return h.followUp(ctx, item, m, 0)
}

func (h *Handlers) pollBatch(ctx context.Context, item *models.QueueItem, p queue.BatchPollPayload) (any, error) {
	m, err := h.batches.Get(ctx, p.BatchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, worker.Permanent(err)
	}
	if err != nil {
		return nil, fmt.Errorf("loading batch: %w", err)
	}

	if !m.Status.Terminal() {
		checked, err := h.batches.CheckStatus(ctx, p.BatchID)
		switch {
		case err == nil:
			m = checked
		case item.CanRetry():
			return nil, err
		default:
			// Out of retries: count it as a poll and keep the chain going.
			slog.Warn("batch status check failed, scheduling next poll",
				"batch_id", p.BatchID, "poll_attempt", p.Attempt, "error", err)
		}
	}
	return h.followUp(ctx, item, m, p.Attempt+1)
}

// followUp enqueues what comes after a submit or poll: the next poll while
// the batch is submitted, the process step once it completed. The next
// poll's dedupe key names the current item so a retried item cannot fork
// the chain.
func (h *Handlers) followUp(ctx context.Context, item *models.QueueItem, m *models.BatchManifest, attempt int) (any, error) {
	res := Result{BatchID: m.ID, Status: m.Status}
	log := slog.With("batch_id", m.ID, "status", m.Status)

	switch m.Status {
	case models.BatchStatusSubmitted:
		if attempt >= h.poll.MaxAttempts {
			log.Warn("giving up on batch", "polls", attempt)
			if err := h.batches.MarkFailed(ctx, m.ID, reasonPollExhausted); err != nil {
				return nil, err
			}
			res.Status = models.BatchStatusFailed
			return res, nil
		}
		next, err := h.enqueue(ctx, queue.BatchPollPayload{BatchID: m.ID, Attempt: attempt}, queue.EnqueueOptions{
			Delay:     h.poll.Delay(attempt),
			DedupeKey: fmt.Sprintf("batch-poll:%s:%s", m.ID, item.ID),
		})
		if err != nil {
			return nil, err
		}
		res.NextJobID = next
		log.Debug("next poll scheduled", "attempt", attempt, "delay", h.poll.Delay(attempt).String())

	case models.BatchStatusCompleted:
		next, err := h.enqueue(ctx, queue.BatchProcessPayload{BatchID: m.ID},
			queue.EnqueueOptions{DedupeKey: "batch-process:" + m.ID.String()})
		if err != nil {
			return nil, err
		}
		res.NextJobID = next

	case models.BatchStatusDraft:
		log.Warn("batch has not been submitted; nothing to follow")

	default:
		msg := ""
		if m.ErrorMessage != nil {
			msg = *m.ErrorMessage
		}
		log.Info("batch finished without results", "error_message", msg)
	}
	return res, nil
}

func (h *Handlers) process(ctx context.Context, p queue.BatchProcessPayload) (any, error) {
	m, err := h.batches.Get(ctx, p.BatchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, worker.Permanent(err)
	}
	if err != nil {
		return nil, fmt.Errorf("loading batch: %w", err)
	}
	if m.Status != models.BatchStatusCompleted {
		return nil, worker.Permanent(fmt.Errorf("%w: batch is %s", batch.ErrInvalidState, m.Status))
	}

	stream, err := h.batches.Results(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("loading batch results: %w", err)
	}

	out := reconcile.Reconcile(m, stream)
	log := slog.With("batch_id", m.ID)
	for _, t := range out.Translations {
		if t.Status != models.TranslationSuccess {
			log.Warn("translation failed", "custom_id", t.CustomID, "path", t.RelativePath, "target_locale", t.TargetLocale, "error", t.ErrorMessage)
			continue
		}
		for _, w := range t.Warnings {
			log.Warn("translation warning", "custom_id", t.CustomID, "path", t.RelativePath, "target_locale", t.TargetLocale, "warning", w)
		}
		rel := TargetPath(t.RelativePath, m.SourceLocale, t.TargetLocale)
		if err := h.sink.Write(ctx, m.SenderID, t.TargetLocale, t.Type, rel, []byte(t.TranslatedContent)); err != nil {
			return nil, fmt.Errorf("writing translation %s: %w", t.CustomID, err)
		}
	}

	if err := h.batches.RecordCounts(ctx, m.ID, out.Succeeded, out.Failed); err != nil {
		return nil, fmt.Errorf("recording counts: %w", err)
	}
	log.Info("batch processed", "succeeded", out.Succeeded, "failed", out.Failed, "skipped", out.Skipped)

	next, err := h.enqueue(ctx, queue.FinalizePayload{
		BatchID:   m.ID,
		SenderID:  m.SenderID,
		Succeeded: out.Succeeded,
		Failed:    out.Failed,
	}, queue.EnqueueOptions{DedupeKey: "translation-finalize:" + m.ID.String()})
	if err != nil {
		return nil, err
	}

	return Result{
		BatchID:   m.ID,
		Status:    m.Status,
		NextJobID: next,
		Succeeded: out.Succeeded,
		Failed:    out.Failed,
		Skipped:   out.Skipped,
	}, nil
}

func (h *Handlers) finalize(ctx context.Context, p queue.FinalizePayload) (any, error) {
	m, err := h.batches.Get(ctx, p.BatchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, worker.Permanent(err)
	}
	if err != nil {
		return nil, fmt.Errorf("loading batch: %w", err)
	}
	if err := h.finalizer.Finalize(ctx, m, p); err != nil {
		return nil, fmt.Errorf("finalizing batch: %w", err)
	}
	return Result{BatchID: m.ID, Status: m.Status, Succeeded: p.Succeeded, Failed: p.Failed}, nil
}

// enqueue returns the new item id, or nil when an item with the same dedupe
// key already exists.
func (h *Handlers) enqueue(ctx context.Context, p queue.Payload, opts queue.EnqueueOptions) (*uuid.UUID, error) {
	item, err := h.queue.Enqueue(ctx, p, opts)
	if errors.Is(err, queue.ErrDuplicate) {
		slog.Debug("follow-up job already queued", "kind", p.Kind(), "dedupe_key", opts.DedupeKey)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item.ID, nil
}

// TargetPath maps a source-relative path into the target locale. A file
// named after the source locale, such as en.json, takes the target
// locale's name.
func TargetPath(rel, sourceLocale, targetLocale string) string {
	dir, file := path.Split(rel)
	ext := path.Ext(file)
	if strings.EqualFold(strings.TrimSuffix(file, ext), sourceLocale) {
		return dir + targetLocale + ext
	}
	return rel
}
