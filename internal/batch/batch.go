// Package batch implements the batch state machine: building a manifest and
// its provider input from source files, submitting it, following the remote
// status and persisting the raw result stream once the provider is done.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/CalmProton/auto-i18n/internal/files"
	"github.com/CalmProton/auto-i18n/internal/provider"
	"github.com/CalmProton/auto-i18n/internal/store"
	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
)

var (
	ErrTooManyRequests = errors.New("batch exceeds provider request limit")
	ErrNoRequests      = errors.New("batch has no requests")
	ErrInvalidRequest  = errors.New("invalid batch request")
	ErrInvalidState    = errors.New("batch status does not allow this operation")
)

const statusTTL = 24 * time.Hour

var validate = validator.New()

// CreateRequest describes a batch to build. Types defaults to every content
// type; Paths, when set, restricts the batch to those files or directories.
type CreateRequest struct {
	BatchID       uuid.UUID            `validate:"required"`
	SenderID      string               `validate:"required,max=128,excludesall=/\\"`
	SourceLocale  string               `validate:"required,bcp47_language_tag"`
	TargetLocales []string             `validate:"required,min=1,dive,required,bcp47_language_tag"`
	Provider      string               `validate:"omitempty,oneof=openai anthropic mock"`
	Model         string               `validate:"omitempty,max=128"`
	Types         []models.ContentType `validate:"dive,oneof=content global page"`
	Paths         []string             `validate:"dive,required"`
}

// Validate checks the request shape. Errors wrap ErrInvalidRequest.
func (r CreateRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, describeValidation(err))
	}
	return nil
}

// StatusPublisher receives the latest manifest status of a batch.
type StatusPublisher interface {
	SetBatchStatus(ctx context.Context, batchID uuid.UUID, status string, ttl time.Duration) error
}

// Options holds the optional collaborators of a Service.
type Options struct {
	Prompts         *Prompts
	MaxOutputTokens int
	Status          StatusPublisher
	Now             func() time.Time
}

// Service drives manifests through draft, submitted and a terminal status.
type Service struct {
	store     store.BatchStore
	source    files.Source
	providers *provider.Registry
	prompts   *Prompts
	maxTokens int
	status    StatusPublisher
	now       func() time.Time
	checks    singleflight.Group
}

func NewService(st store.BatchStore, source files.Source, providers *provider.Registry, opts Options) *Service {
	s := &Service{
		store:     st,
		source:    source,
		providers: providers,
		prompts:   opts.Prompts,
		maxTokens: opts.MaxOutputTokens,
		status:    opts.Status,
		now:       opts.Now,
	}
	if s.prompts == nil {
		s.prompts = DefaultPrompts()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Create builds the draft manifest and provider input for req. Creating a
// batch id that already exists returns the stored manifest unchanged.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.BatchManifest, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if existing, err := s.store.GetBatch(ctx, req.BatchID); err == nil {
		slog.Info("batch already created", "batch_id", req.BatchID, "status", existing.Status)
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up batch: %w", err)
	}

	sourceLocale := canonicalLocale(req.SourceLocale)
	targets := targetLocales(sourceLocale, req.TargetLocales)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: every target locale equals the source locale", ErrNoRequests)
	}

	p, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	model := req.Model
	if model == "" {
		model = p.DefaultModel()
	}

	types := req.Types
	if len(types) == 0 {
		types = models.ContentTypes
	}

	var records []models.RequestRecord
	var prompts []models.PromptRequest
	for _, t := range types {
		paths, err := s.source.List(ctx, req.SenderID, sourceLocale, t)
		if err != nil {
			return nil, fmt.Errorf("listing %s files: %w", t, err)
		}
		for _, rel := range paths {
			format, ok := formatOf(rel)
			if !ok || !selected(rel, req.Paths) {
				continue
			}
			content, err := s.source.Read(ctx, req.SenderID, sourceLocale, t, rel)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", rel, err)
			}
			folder := path.Dir(rel)
			if folder == "." {
				folder = ""
			}
			for _, target := range targets {
				id := CustomID(req.SenderID, target, t, rel)
				records = append(records, models.RequestRecord{
					CustomID:           id,
					Type:               t,
					Format:             format,
					SourceRelativePath: rel,
					TargetLocale:       target,
					Folder:             folder,
					FileName:           path.Base(rel),
				})
				prompts = append(prompts, models.PromptRequest{
					CustomID:     id,
					Format:       format,
					SystemPrompt: s.prompts.System(format, sourceLocale, target),
					UserPrompt:   string(content),
					MaxTokens:    s.maxTokens,
				})
			}
		}
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no translatable files for sender %s", ErrNoRequests, req.SenderID)
	}
	if limit := p.MaxRequests(); len(records) > limit {
		return nil, fmt.Errorf("%w: %d requests, %s accepts at most %d", ErrTooManyRequests, len(records), p.Name(), limit)
	}

	input, err := p.EncodeRequests(model, prompts)
	if err != nil {
		return nil, fmt.Errorf("encoding batch input: %w", err)
	}

	m := &models.BatchManifest{
		ID:            req.BatchID,
		SenderID:      req.SenderID,
		SourceLocale:  sourceLocale,
		TargetLocales: targets,
		Model:         model,
		Provider:      p.Name(),
		Status:        models.BatchStatusDraft,
		Files:         records,
		ProviderMeta:  models.ProviderMeta{Counts: models.RequestCounts{Total: len(records)}},
		TotalRequests: len(records),
	}
	if err := s.store.CreateBatch(ctx, m, input); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return s.store.GetBatch(ctx, req.BatchID)
		}
		return nil, fmt.Errorf("storing batch: %w", err)
	}

	slog.Info("batch created", "batch_id", m.ID, "provider", m.Provider, "model", m.Model, "requests", len(records))
	s.publish(ctx, m)
	return m, nil
}

// Submit uploads the stored input to the provider. Submitting a batch that
// is already submitted uploads it again. A provider that rejects the batch
// outright fails the manifest; only transient errors are returned.
func (s *Service) Submit(ctx context.Context, batchID uuid.UUID) (*models.BatchManifest, error) {
	m, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	t, err := m.Status.To(models.BatchStatusSubmitted)
	if err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if m.Status != models.BatchStatusDraft {
		slog.Warn("resubmitting batch", "batch_id", m.ID, "status", m.Status, "remote_batch_id", m.ProviderMeta.RemoteBatchID)
	}

	p, err := s.providers.Get(m.Provider)
	if err != nil {
		return m, err
	}
	input, err := s.store.GetBatchInput(ctx, batchID)
	if err != nil {
		return m, fmt.Errorf("loading batch input: %w", err)
	}

	remote, err := p.Submit(ctx, m.ID, input)
	if err != nil {
		if provider.Retryable(err) || errors.Is(err, context.Canceled) {
			return m, fmt.Errorf("submitting batch: %w", err)
		}
		if ferr := s.MarkFailed(ctx, batchID, "provider rejected batch: "+err.Error()); ferr != nil {
			return m, ferr
		}
		return s.store.GetBatch(ctx, batchID)
	}

	now := s.now()
	meta := m.ProviderMeta
	meta.RemoteBatchID = remote.ID
	meta.RemoteStatus = remote.RawStatus
	meta.InputRef = remote.InputRef
	meta.OutputRef = remote.OutputRef
	meta.ErrorRef = remote.ErrorRef
	meta.CancelRequestedAt = nil
	meta.LastCheckedAt = &now
	if remote.Counts.Total > 0 {
		meta.Counts = remote.Counts
	}

	applied, err := s.store.TransitionBatch(ctx, batchID, t, store.WithProviderMeta(meta))
	if err != nil {
		return m, fmt.Errorf("recording submission: %w", err)
	}
	if !applied {
		slog.Warn("batch changed during submit", "batch_id", batchID, "remote_batch_id", remote.ID)
		return s.store.GetBatch(ctx, batchID)
	}
	slog.Info("batch submitted", "batch_id", batchID, "provider", m.Provider, "remote_batch_id", remote.ID, "remote_status", remote.RawStatus)

	m.Status = models.BatchStatusSubmitted
	m.ProviderMeta = meta
	if remote.State != models.RemoteProcessing {
		if err := s.apply(ctx, m, p, remote); err != nil {
			return m, err
		}
	}
	return s.reload(ctx, batchID)
}

// CheckStatus asks the provider for the remote state and applies it.
// Terminal manifests are returned as stored. Concurrent checks of the same
// batch share one provider call.
func (s *Service) CheckStatus(ctx context.Context, batchID uuid.UUID) (*models.BatchManifest, error) {
	v, err, _ := s.checks.Do(batchID.String(), func() (any, error) {
		return s.checkStatus(ctx, batchID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.BatchManifest), nil
}

func (s *Service) checkStatus(ctx context.Context, batchID uuid.UUID) (*models.BatchManifest, error) {
	m, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if m.Status != models.BatchStatusSubmitted {
		return m, nil
	}

	p, err := s.providers.Get(m.Provider)
	if err != nil {
		return nil, err
	}
	remote, err := p.Status(ctx, m.ProviderMeta.RemoteBatchID)
	if errors.Is(err, provider.ErrNotFound) {
		if ferr := s.MarkFailed(ctx, batchID, "remote batch not found: "+m.ProviderMeta.RemoteBatchID); ferr != nil {
			return nil, ferr
		}
		return s.reload(ctx, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("checking batch status: %w", err)
	}

	if err := s.apply(ctx, m, p, remote); err != nil {
		return nil, err
	}
	return s.reload(ctx, batchID)
}

// apply records remote on a submitted manifest. A completed remote batch is
// downloaded and persisted before the manifest becomes completed.
func (s *Service) apply(ctx context.Context, m *models.BatchManifest, p models.Provider, remote *models.RemoteBatch) error {
	now := s.now()
	meta := m.ProviderMeta
	meta.RemoteStatus = remote.RawStatus
	meta.LastCheckedAt = &now
	if remote.OutputRef != "" {
		meta.OutputRef = remote.OutputRef
	}
	if remote.ErrorRef != "" {
		meta.ErrorRef = remote.ErrorRef
	}
	if remote.Counts.Total > 0 {
		meta.Counts = remote.Counts
	}
	log := slog.With("batch_id", m.ID, "remote_batch_id", remote.ID, "remote_status", remote.RawStatus)

	switch remote.State {
	case models.RemoteProcessing:
		if err := s.store.UpdateBatchMeta(ctx, m.ID, meta); err != nil {
			return fmt.Errorf("recording batch progress: %w", err)
		}
		log.Debug("batch still processing", "completed", meta.Counts.Completed, "total", meta.Counts.Total)
		return nil

	case models.RemoteCompleted:
		if err := s.download(ctx, m.ID, p, remote); err != nil {
			return err
		}
		return s.transition(ctx, m, models.BatchStatusCompleted, log, store.WithProviderMeta(meta))

	case models.RemoteFailed:
		reason := remote.Message
		if reason == "" {
			reason = "provider reported status " + remote.RawStatus
		}
		return s.transition(ctx, m, models.BatchStatusFailed, log,
			store.WithProviderMeta(meta), store.WithBatchError(reason))

	case models.RemoteCancelled:
		if meta.CancelRequestedAt != nil {
			return s.transition(ctx, m, models.BatchStatusCancelled, log, store.WithProviderMeta(meta))
		}
		reason := "batch was cancelled by the provider"
		if remote.Message != "" {
			reason += ": " + remote.Message
		}
		return s.transition(ctx, m, models.BatchStatusFailed, log,
			store.WithProviderMeta(meta), store.WithBatchError(reason))

	default:
		return fmt.Errorf("unexpected remote state %q", remote.State)
	}
}

func (s *Service) download(ctx context.Context, batchID uuid.UUID, p models.Provider, remote *models.RemoteBatch) error {
	rc, err := p.Download(ctx, remote)
	if err != nil {
		return fmt.Errorf("downloading batch results: %w", err)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("%w: reading batch results: %v", provider.ErrUnavailable, err)
	}
	if err := s.store.SaveBatchOutput(ctx, batchID, body); err != nil {
		return fmt.Errorf("persisting batch results: %w", err)
	}
	return nil
}

func (s *Service) transition(ctx context.Context, m *models.BatchManifest, next models.BatchStatus, log *slog.Logger, opts ...store.BatchUpdateOption) error {
	t, err := m.Status.To(next)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	applied, err := s.store.TransitionBatch(ctx, m.ID, t, opts...)
	if err != nil {
		return fmt.Errorf("transition batch %s: %w", t, err)
	}
	if !applied {
		log.Warn("batch transition skipped: status changed underneath", "transition", t.String())
		return nil
	}
	m.Status = next
	log.Info("batch status changed", "transition", t.String())
	return nil
}

// Cancel stops a batch. A draft is cancelled locally; a submitted batch is
// cancelled upstream and becomes cancelled once the provider confirms.
func (s *Service) Cancel(ctx context.Context, batchID uuid.UUID) (*models.BatchManifest, error) {
	m, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	log := slog.With("batch_id", batchID)

	switch m.Status {
	case models.BatchStatusDraft:
		if err := s.transition(ctx, m, models.BatchStatusCancelled, log); err != nil {
			return nil, err
		}
		return s.reload(ctx, batchID)

	case models.BatchStatusSubmitted:
		p, err := s.providers.Get(m.Provider)
		if err != nil {
			return nil, err
		}
		remote, err := p.Cancel(ctx, m.ProviderMeta.RemoteBatchID)
		if err != nil {
			return nil, fmt.Errorf("cancelling batch upstream: %w", err)
		}
		now := s.now()
		m.ProviderMeta.CancelRequestedAt = &now
		if err := s.apply(ctx, m, p, remote); err != nil {
			return nil, err
		}
		log.Info("batch cancellation requested", "remote_status", remote.RawStatus)
		return s.reload(ctx, batchID)

	default:
		return m, fmt.Errorf("%w: batch is %s", ErrInvalidState, m.Status)
	}
}

// MarkFailed fails a non-terminal manifest. Terminal manifests are left alone.
func (s *Service) MarkFailed(ctx context.Context, batchID uuid.UUID, reason string) error {
	m, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if m.Status.Terminal() {
		return nil
	}
	log := slog.With("batch_id", batchID, "reason", reason)
	if err := s.transition(ctx, m, models.BatchStatusFailed, log, store.WithBatchError(reason)); err != nil {
		return err
	}
	s.publish(ctx, m)
	return nil
}

// RecordCounts stores how many requests were reconciled successfully and how many failed.
func (s *Service) RecordCounts(ctx context.Context, batchID uuid.UUID, succeeded, failed int) error {
	return s.store.UpdateBatchCounts(ctx, batchID, succeeded, failed)
}

func (s *Service) Get(ctx context.Context, batchID uuid.UUID) (*models.BatchManifest, error) {
	return s.store.GetBatch(ctx, batchID)
}

// Results returns the persisted raw result stream of a completed batch.
func (s *Service) Results(ctx context.Context, batchID uuid.UUID) ([]byte, error) {
	return s.store.GetBatchOutput(ctx, batchID)
}

func (s *Service) Stats(ctx context.Context) ([]models.BatchStat, error) {
	return s.store.BatchStats(ctx)
}

func (s *Service) reload(ctx context.Context, batchID uuid.UUID) (*models.BatchManifest, error) {
	m, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, m)
	return m, nil
}

func (s *Service) publish(ctx context.Context, m *models.BatchManifest) {
	if s.status == nil {
		return
	}
	if err := s.status.SetBatchStatus(ctx, m.ID, string(m.Status), statusTTL); err != nil {
		slog.Warn("publishing batch status", "batch_id", m.ID, "error", err)
	}
}

func formatOf(rel string) (models.FileFormat, bool) {
	switch strings.ToLower(path.Ext(rel)) {
	case ".md", ".mdx":
		return models.FormatMarkdown, true
	case ".json":
		return models.FormatJSON, true
	default:
		return "", false
	}
}

func selected(rel string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		f = strings.Trim(f, "/")
		if rel == f || strings.HasPrefix(rel, f+"/") {
			return true
		}
	}
	return false
}

// canonicalLocale returns the BCP-47 canonical form of locale, or locale
// itself when it does not parse.
func canonicalLocale(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		return locale
	}
	return tag.String()
}

func targetLocales(source string, targets []string) []string {
	seen := map[string]bool{source: true}
	var out []string
	for _, t := range targets {
		c := canonicalLocale(t)
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
