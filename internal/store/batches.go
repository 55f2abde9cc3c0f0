package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const batchColumns = `id, sender_id, source_locale, target_locales, model, provider, status, files,
	provider_meta, total_requests, completed_requests, failed_requests, error_message,
	submitted_at, completed_at, created_at, updated_at`

func scanBatch(row pgx.Row) (*models.BatchManifest, error) {
	var m models.BatchManifest
	err := row.Scan(&m.ID, &m.SenderID, &m.SourceLocale, &m.TargetLocales, &m.Model, &m.Provider,
		&m.Status, &m.Files, &m.ProviderMeta, &m.TotalRequests, &m.CompletedRequests,
		&m.FailedRequests, &m.ErrorMessage, &m.SubmittedAt, &m.CompletedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// --- Batches ---

// CreateBatch inserts a draft manifest together with its encoded input in one
// transaction.
func (s *PostgresStore) CreateBatch(ctx context.Context, m *models.BatchManifest, input []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create batch: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO batches (id, sender_id, source_locale, target_locales, model, provider, status,
		                      files, provider_meta, total_requests)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		m.ID, m.SenderID, m.SourceLocale, m.TargetLocales, m.Model, m.Provider, m.Status,
		m.Files, m.ProviderMeta, m.TotalRequests,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create batch: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO batch_inputs (batch_id, body) VALUES ($1, $2)`, m.ID, input); err != nil {
		return fmt.Errorf("create batch input: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id uuid.UUID) (*models.BatchManifest, error) {
	m, err := scanBatch(s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) GetBatchInput(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM batch_inputs WHERE batch_id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch input: %w", err)
	}
	return body, nil
}

// TransitionBatch applies t as one UPDATE guarded by the source status.
func (s *PostgresStore) TransitionBatch(ctx context.Context, id uuid.UUID, t models.BatchTransition, opts ...BatchUpdateOption) (bool, error) {
	params := &batchUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	sets := []string{"status = $3", "updated_at = NOW()"}
	args := []any{id, t.From(), t.To()}
	argIdx := 4

	switch t.To() {
	case models.BatchStatusSubmitted:
		sets = append(sets, "submitted_at = NOW()")
	case models.BatchStatusCompleted, models.BatchStatusFailed, models.BatchStatusCancelled:
		sets = append(sets, "completed_at = NOW()")
	}
	if params.Meta != nil {
		sets = append(sets, fmt.Sprintf("provider_meta = $%d", argIdx))
		args = append(args, *params.Meta)
		argIdx++
	}
	if params.ErrorMessage != nil {
		sets = append(sets, fmt.Sprintf("error_message = $%d", argIdx))
		args = append(args, *params.ErrorMessage)
		argIdx++
	}

	query := "UPDATE batches SET " + strings.Join(sets, ", ") + " WHERE id = $1 AND status = $2"
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition batch %s: %w", t, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateBatchMeta records provider progress without touching the status.
func (s *PostgresStore) UpdateBatchMeta(ctx context.Context, id uuid.UUID, meta models.ProviderMeta) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET provider_meta = $2, updated_at = NOW() WHERE id = $1`, id, meta)
	if err != nil {
		return fmt.Errorf("update batch meta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateBatchCounts(ctx context.Context, id uuid.UUID, completed, failed int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET completed_requests = $2, failed_requests = $3, updated_at = NOW()
		 WHERE id = $1`, id, completed, failed)
	if err != nil {
		return fmt.Errorf("update batch counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveBatchOutput stores the raw result stream. A second download replaces
// the first, which keeps the call idempotent.
func (s *PostgresStore) SaveBatchOutput(ctx context.Context, id uuid.UUID, body []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_outputs (batch_id, body) VALUES ($1, $2)
		 ON CONFLICT (batch_id) DO UPDATE SET body = EXCLUDED.body, downloaded_at = NOW()`,
		id, body)
	if err != nil {
		return fmt.Errorf("save batch output: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBatchOutput(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM batch_outputs WHERE batch_id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch output: %w", err)
	}
	return body, nil
}

func (s *PostgresStore) BatchStats(ctx context.Context) ([]models.BatchStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM batches GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, fmt.Errorf("batch stats: %w", err)
	}
	defer rows.Close()

	stats := []models.BatchStat{}
	for rows.Next() {
		var st models.BatchStat
		if err := rows.Scan(&st.Status, &st.Count); err != nil {
			return nil, fmt.Errorf("scan batch stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
