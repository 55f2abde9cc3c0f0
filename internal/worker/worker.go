// Package worker runs the polling loops that drive queued jobs: one loop per
// registered job kind, a reaper for abandoned items and a scheduled purge of
// old terminal items. Correctness across processes relies only on the
// exclusivity of queue claims.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/CalmProton/auto-i18n/internal/config"
	"github.com/CalmProton/auto-i18n/internal/queue"
	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// HandlerFunc processes one claimed item. A non-nil result is stored on the
// item when it completes. Returning an error schedules a retry while attempts
// remain.
type HandlerFunc func(ctx context.Context, job *queue.Claimed) (any, error)

// ErrPermanent marks handler errors that another attempt cannot fix.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so the scheduler fails the item without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Queue is the subset of queue.Client the scheduler drives.
type Queue interface {
	Claim(ctx context.Context, kind models.JobKind) (*queue.Claimed, error)
	Complete(ctx context.Context, id uuid.UUID, result any) error
	Fail(ctx context.Context, id uuid.UUID, cause error) error
	Retry(ctx context.Context, id uuid.UUID, delay time.Duration, cause error) error
	ReapStale(ctx context.Context, staleAfter time.Duration) (int64, error)
	PurgeOld(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Options struct {
	TickInterval   time.Duration
	ReapInterval   time.Duration
	StaleAfter     time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PurgeSchedule  string
	Retention      time.Duration
}

// OptionsFromConfig maps the worker configuration section onto Options.
func OptionsFromConfig(cfg config.WorkerConfig) Options {
	return Options{
		TickInterval:   cfg.TickInterval,
		ReapInterval:   cfg.ReapInterval,
		StaleAfter:     cfg.StaleAfter,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		PurgeSchedule:  cfg.PurgeSchedule,
		Retention:      cfg.Retention,
	}
}

// Scheduler owns the worker loops of one process.
type Scheduler struct {
	queue    Queue
	opts     Options
	kinds    []models.JobKind
	handlers map[models.JobKind]HandlerFunc
}

func New(q Queue, opts Options) *Scheduler {
	return &Scheduler{
		queue:    q,
		opts:     opts,
		handlers: make(map[models.JobKind]HandlerFunc),
	}
}

// Register binds h to kind. Registering a kind twice replaces its handler.
func (s *Scheduler) Register(kind models.JobKind, h HandlerFunc) {
	if _, ok := s.handlers[kind]; !ok {
		s.kinds = append(s.kinds, kind)
	}
	s.handlers[kind] = h
}

// Run starts every loop and blocks until ctx is cancelled and all loops,
// including in-flight handlers, have returned.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.handlers) == 0 {
		return errors.New("worker: no handlers registered")
	}

	purger := cron.New()
	if _, err := purger.AddFunc(s.opts.PurgeSchedule, func() { s.purge(ctx) }); err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", s.opts.PurgeSchedule, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range s.kinds {
		g.Go(func() error {
			s.every(gctx, s.opts.TickInterval, func() { s.drain(gctx, kind) })
			return nil
		})
	}
	g.Go(func() error {
		s.every(gctx, s.opts.ReapInterval, func() { s.reap(gctx) })
		return nil
	})
	g.Go(func() error {
		purger.Start()
		<-gctx.Done()
		<-purger.Stop().Done()
		return nil
	})

	slog.Info("worker loops started", "kinds", s.kinds, "tick", s.opts.TickInterval.String())
	err := g.Wait()
	slog.Info("worker loops stopped")
	return err
}

// Tick claims and processes at most one item of kind. It reports whether an
// item was processed.
func (s *Scheduler) Tick(ctx context.Context, kind models.JobKind) (bool, error) {
	h, ok := s.handlers[kind]
	if !ok {
		return false, fmt.Errorf("worker: no handler for %s", kind)
	}

	job, err := s.queue.Claim(ctx, kind)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	// Bookkeeping must land even when shutdown starts mid-handler.
	hctx := context.WithoutCancel(ctx)
	item := job.Item
	log := slog.With("job_id", item.ID, "kind", item.Kind, "attempt", item.Attempts)

	start := time.Now()
	result, herr := invoke(hctx, h, job)
	if herr == nil {
		log.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
		return true, s.queue.Complete(hctx, item.ID, result)
	}

	if errors.Is(herr, ErrPermanent) {
		log.Error("job failed permanently", "error", herr)
		return true, s.queue.Fail(hctx, item.ID, herr)
	}

	if item.CanRetry() {
		delay := Backoff(item.Attempts, s.opts.RetryBaseDelay, s.opts.RetryMaxDelay)
		log.Warn("job failed, retrying", "error", herr, "retry_in", delay.String())
		return true, s.queue.Retry(hctx, item.ID, delay, herr)
	}

	log.Error("job failed, attempts exhausted", "error", herr, "max_attempts", item.MaxAttempts)
	return true, s.queue.Fail(hctx, item.ID,
		fmt.Errorf("max attempts exhausted (%d/%d): %w", item.Attempts, item.MaxAttempts, herr))
}

// drain processes ready items of kind until none is left or ctx ends.
func (s *Scheduler) drain(ctx context.Context, kind models.JobKind) {
	for ctx.Err() == nil {
		processed, err := s.Tick(ctx, kind)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("worker tick failed", "kind", kind, "error", err)
			}
			return
		}
		if !processed {
			return
		}
	}
}

func (s *Scheduler) reap(ctx context.Context) {
	if _, err := s.queue.ReapStale(ctx, s.opts.StaleAfter); err != nil && ctx.Err() == nil {
		slog.Error("reaping stale jobs", "error", err)
	}
}

func (s *Scheduler) purge(ctx context.Context) {
	n, err := s.queue.PurgeOld(context.WithoutCancel(ctx), s.opts.Retention)
	if err != nil {
		slog.Error("purging old jobs", "error", err)
		return
	}
	slog.Info("old jobs purged", "count", n, "retention", s.opts.Retention.String())
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Backoff returns base*2^(attempts-1), capped at ceiling.
func Backoff(attempts int, base, ceiling time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	return min(d, ceiling)
}

// PanicError is a handler panic converted into an error.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) StackTrace() string {
	return string(e.Stack)
}

func invoke(ctx context.Context, h HandlerFunc, job *queue.Claimed) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h(ctx, job)
}

// DefaultID builds a worker identity from host, pid and a random suffix.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
