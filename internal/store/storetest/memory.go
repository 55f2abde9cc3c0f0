// Package storetest provides an in-memory store.Store for unit tests.
// It mirrors the guarded-transition semantics of the Postgres store; claims
// are serialized by a mutex instead of row locks.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/CalmProton/auto-i18n/internal/store"
	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore is a store.Store kept in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	now     time.Time
	items   map[uuid.UUID]*models.QueueItem
	dedupe  map[string]uuid.UUID
	batches map[uuid.UUID]*models.BatchManifest
	inputs  map[uuid.UUID][]byte
	outputs map[uuid.UUID][]byte
	seq     map[uuid.UUID]int
	nextSeq int

	// PingErr is returned by Ping when set.
	PingErr error
}

// New returns an empty MemoryStore whose clock starts at a fixed instant.
func New() *MemoryStore {
	return &MemoryStore{
		now:     time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		items:   make(map[uuid.UUID]*models.QueueItem),
		dedupe:  make(map[string]uuid.UUID),
		batches: make(map[uuid.UUID]*models.BatchManifest),
		inputs:  make(map[uuid.UUID][]byte),
		outputs: make(map[uuid.UUID][]byte),
		seq:     make(map[uuid.UUID]int),
	}
}

// Now returns the store clock.
func (s *MemoryStore) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the store clock forward.
func (s *MemoryStore) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

func (s *MemoryStore) Ping(_ context.Context) error { return s.PingErr }

// Items returns copies of every queue item of kind, oldest run_at first.
func (s *MemoryStore) Items(kind models.JobKind) []*models.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.QueueItem
	for _, it := range s.items {
		if it.Kind == kind {
			out = append(out, cloneItem(it))
		}
	}
	s.sortItems(out)
	return out
}

// --- Queue items ---

func (s *MemoryStore) InsertQueueItem(_ context.Context, p store.NewQueueItem) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if _, exists := s.items[p.ID]; exists {
		return nil, store.ErrDuplicateKey
	}
	item := &models.QueueItem{
		ID:          p.ID,
		Kind:        p.Kind,
		Status:      models.JobStatusPending,
		Payload:     append(json.RawMessage(nil), p.Payload...),
		RunAt:       s.now.Add(p.Delay),
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   s.now,
		UpdatedAt:   s.now,
	}
	if p.DedupeKey != "" {
		if _, taken := s.dedupe[p.DedupeKey]; taken {
			return nil, store.ErrDuplicateKey
		}
		key := p.DedupeKey
		item.DedupeKey = &key
		s.dedupe[key] = item.ID
	}
	if p.ExpiresIn > 0 {
		exp := s.now.Add(p.ExpiresIn)
		item.ExpiresAt = &exp
	}
	s.items[item.ID] = item
	s.nextSeq++
	s.seq[item.ID] = s.nextSeq
	return cloneItem(item), nil
}

func (s *MemoryStore) ClaimQueueItem(_ context.Context, kind models.JobKind, workerID string) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*models.QueueItem
	for _, it := range s.items {
		if it.Kind != kind || it.Status != models.JobClaim.From() {
			continue
		}
		if it.RunAt.After(s.now) || it.Attempts >= it.MaxAttempts {
			continue
		}
		if it.ExpiresAt != nil && !it.ExpiresAt.After(s.now) {
			continue
		}
		ready = append(ready, it)
	}
	if len(ready) == 0 {
		return nil, nil
	}
	s.sortItems(ready)

	it := ready[0]
	now := s.now
	wid := workerID
	it.Status = models.JobClaim.To()
	it.Attempts++
	it.WorkerID = &wid
	it.StartedAt = &now
	it.UpdatedAt = now
	return cloneItem(it), nil
}

func (s *MemoryStore) GetQueueItem(_ context.Context, id uuid.UUID) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneItem(it), nil
}

func (s *MemoryStore) TransitionQueueItem(_ context.Context, id uuid.UUID, t models.JobTransition, opts ...store.JobUpdateOption) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok || it.Status != t.From() {
		return false, nil
	}
	result, errMsg, errTrace, delay := store.ApplyJobOptions(opts...)
	now := s.now

	it.Status = t.To()
	it.UpdatedAt = now
	switch t.To() {
	case models.JobStatusPending:
		it.WorkerID = nil
		it.StartedAt = nil
		it.RunAt = now.Add(delay)
	case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled:
		it.CompletedAt = &now
	}
	if result != nil {
		it.Result = append(json.RawMessage(nil), result...)
	}
	if errMsg != nil {
		it.ErrorMessage = errMsg
	}
	if errTrace != nil {
		it.ErrorTrace = errTrace
	}
	return true, nil
}

func (s *MemoryStore) ReapStaleQueueItems(_ context.Context, staleAfter time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := s.now.Add(-staleAfter)
	var n int64
	for _, it := range s.items {
		if it.Status != models.JobRequeue.From() || it.StartedAt == nil || !it.StartedAt.Before(threshold) {
			continue
		}
		it.WorkerID = nil
		it.UpdatedAt = s.now
		n++
		if !it.CanRetry() {
			now, reason := s.now, store.ReasonWorkerLost
			it.Status = models.JobFail.To()
			it.CompletedAt = &now
			it.ErrorMessage = &reason
			continue
		}
		it.Status = models.JobRequeue.To()
		it.StartedAt = nil
		it.RunAt = s.now
	}
	return n, nil
}

func (s *MemoryStore) PurgeQueueItems(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := s.now.Add(-olderThan)
	var n int64
	for id, it := range s.items {
		if !it.Status.Terminal() || !it.UpdatedAt.Before(threshold) {
			continue
		}
		if it.DedupeKey != nil {
			delete(s.dedupe, *it.DedupeKey)
		}
		delete(s.items, id)
		delete(s.seq, id)
		n++
	}
	return n, nil
}

func (s *MemoryStore) QueueStats(_ context.Context) ([]models.QueueStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.QueueStat]int)
	for _, it := range s.items {
		counts[models.QueueStat{Kind: it.Kind, Status: it.Status}]++
	}
	stats := []models.QueueStat{}
	for k, n := range counts {
		k.Count = n
		stats = append(stats, k)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Kind != stats[j].Kind {
			return stats[i].Kind < stats[j].Kind
		}
		return stats[i].Status < stats[j].Status
	})
	return stats, nil
}

// --- Batches ---

func (s *MemoryStore) CreateBatch(_ context.Context, m *models.BatchManifest, input []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[m.ID]; exists {
		return store.ErrDuplicateKey
	}
	m.CreatedAt = s.now
	m.UpdatedAt = s.now
	s.batches[m.ID] = cloneBatch(m)
	s.inputs[m.ID] = append([]byte(nil), input...)
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id uuid.UUID) (*models.BatchManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneBatch(m), nil
}

func (s *MemoryStore) GetBatchInput(_ context.Context, id uuid.UUID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.inputs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), body...), nil
}

func (s *MemoryStore) TransitionBatch(_ context.Context, id uuid.UUID, t models.BatchTransition, opts ...store.BatchUpdateOption) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.batches[id]
	if !ok || m.Status != t.From() {
		return false, nil
	}
	meta, errMsg := store.ApplyBatchOptions(opts...)
	now := s.now

	m.Status = t.To()
	m.UpdatedAt = now
	switch t.To() {
	case models.BatchStatusSubmitted:
		m.SubmittedAt = &now
	case models.BatchStatusCompleted, models.BatchStatusFailed, models.BatchStatusCancelled:
		m.CompletedAt = &now
	}
	if meta != nil {
		m.ProviderMeta = *meta
	}
	if errMsg != nil {
		m.ErrorMessage = errMsg
	}
	return true, nil
}

func (s *MemoryStore) UpdateBatchMeta(_ context.Context, id uuid.UUID, meta models.ProviderMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	m.ProviderMeta = meta
	m.UpdatedAt = s.now
	return nil
}

func (s *MemoryStore) UpdateBatchCounts(_ context.Context, id uuid.UUID, completed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	m.CompletedRequests = completed
	m.FailedRequests = failed
	m.UpdatedAt = s.now
	return nil
}

func (s *MemoryStore) SaveBatchOutput(_ context.Context, id uuid.UUID, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[id] = append([]byte(nil), body...)
	return nil
}

func (s *MemoryStore) GetBatchOutput(_ context.Context, id uuid.UUID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.outputs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), body...), nil
}

func (s *MemoryStore) BatchStats(_ context.Context) ([]models.BatchStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.BatchStatus]int)
	for _, m := range s.batches {
		counts[m.Status]++
	}
	stats := []models.BatchStat{}
	for _, st := range models.BatchStatuses {
		if n := counts[st]; n > 0 {
			stats = append(stats, models.BatchStat{Status: st, Count: n})
		}
	}
	return stats, nil
}

// sortItems orders by run_at, then insertion order. Callers hold s.mu.
func (s *MemoryStore) sortItems(items []*models.QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].RunAt.Equal(items[j].RunAt) {
			return items[i].RunAt.Before(items[j].RunAt)
		}
		return s.seq[items[i].ID] < s.seq[items[j].ID]
	})
}

func cloneItem(it *models.QueueItem) *models.QueueItem {
	c := *it
	c.Payload = append(json.RawMessage(nil), it.Payload...)
	if it.Result != nil {
		c.Result = append(json.RawMessage(nil), it.Result...)
	}
	return &c
}

func cloneBatch(m *models.BatchManifest) *models.BatchManifest {
	c := *m
	c.TargetLocales = append([]string(nil), m.TargetLocales...)
	c.Files = append([]models.RequestRecord(nil), m.Files...)
	return &c
}

var _ store.Store = (*MemoryStore)(nil)
