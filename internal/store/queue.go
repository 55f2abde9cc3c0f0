package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CalmProton/auto-i18n/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const queueColumns = `id, kind, status, payload, dedupe_key, run_at, attempts, max_attempts, expires_at,
	result, error_message, error_trace, worker_id, started_at, completed_at, created_at, updated_at`

func scanQueueItem(row pgx.Row) (*models.QueueItem, error) {
	var q models.QueueItem
	err := row.Scan(&q.ID, &q.Kind, &q.Status, &q.Payload, &q.DedupeKey, &q.RunAt, &q.Attempts,
		&q.MaxAttempts, &q.ExpiresAt, &q.Result, &q.ErrorMessage, &q.ErrorTrace, &q.WorkerID,
		&q.StartedAt, &q.CompletedAt, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// --- Queue items ---

func (s *PostgresStore) InsertQueueItem(ctx context.Context, params NewQueueItem) (*models.QueueItem, error) {
	if params.ID == uuid.Nil {
		params.ID = uuid.New()
	}
	var dedupe *string
	if params.DedupeKey != "" {
		dedupe = &params.DedupeKey
	}
	var expiresIn *float64
	if params.ExpiresIn > 0 {
		secs := seconds(params.ExpiresIn)
		expiresIn = &secs
	}
	payload := params.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	item, err := scanQueueItem(s.pool.QueryRow(ctx,
		`INSERT INTO queue_items (id, kind, status, payload, dedupe_key, run_at, max_attempts, expires_at)
		 VALUES ($1, $2, $3, $4, $5,
		         NOW() + make_interval(secs => $6::float8),
		         $7,
		         NOW() + make_interval(secs => $8::float8))
		 RETURNING `+queueColumns,
		params.ID, params.Kind, models.JobStatusPending, payload, dedupe,
		seconds(params.Delay), params.MaxAttempts, expiresIn))
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("insert queue item: %w", err)
	}
	return item, nil
}

// ClaimQueueItem locks the oldest ready item of kind and moves it to running.
// Rows locked by a concurrent claimant are skipped, never waited on, so two
// callers can never receive the same item. Returns nil, nil when nothing is ready.
func (s *PostgresStore) ClaimQueueItem(ctx context.Context, kind models.JobKind, workerID string) (*models.QueueItem, error) {
	t := models.JobClaim
	item, err := scanQueueItem(s.pool.QueryRow(ctx,
		`UPDATE queue_items
		 SET status = $3, attempts = attempts + 1, worker_id = $4,
		     started_at = NOW(), updated_at = NOW()
		 WHERE status = $2 AND id = (
		     SELECT id FROM queue_items
		     WHERE kind = $1 AND status = $2
		       AND run_at <= NOW()
		       AND attempts < max_attempts
		       AND (expires_at IS NULL OR expires_at > NOW())
		     ORDER BY run_at, created_at
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING `+queueColumns,
		kind, t.From(), t.To(), workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetQueueItem(ctx context.Context, id uuid.UUID) (*models.QueueItem, error) {
	item, err := scanQueueItem(s.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM queue_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// TransitionQueueItem applies t as one UPDATE guarded by the source status.
func (s *PostgresStore) TransitionQueueItem(ctx context.Context, id uuid.UUID, t models.JobTransition, opts ...JobUpdateOption) (bool, error) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	sets := []string{"status = $3", "updated_at = NOW()"}
	args := []any{id, t.From(), t.To()}
	argIdx := 4

	switch t.To() {
	case models.JobStatusPending:
		sets = append(sets, "worker_id = NULL", "started_at = NULL",
			fmt.Sprintf("run_at = NOW() + make_interval(secs => $%d::float8)", argIdx))
		args = append(args, seconds(params.Delay))
		argIdx++
	case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled:
		sets = append(sets, "completed_at = NOW()")
	}
	if params.Result != nil {
		sets = append(sets, fmt.Sprintf("result = $%d", argIdx))
		args = append(args, params.Result)
		argIdx++
	}
	if params.ErrorMessage != nil {
		sets = append(sets, fmt.Sprintf("error_message = $%d", argIdx))
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.ErrorTrace != nil {
		sets = append(sets, fmt.Sprintf("error_trace = $%d", argIdx))
		args = append(args, *params.ErrorTrace)
		argIdx++
	}

	query := "UPDATE queue_items SET " + strings.Join(sets, ", ") + " WHERE id = $1 AND status = $2"
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition queue item %s: %w", t, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReasonWorkerLost is recorded on stale items that had no attempts left.
const ReasonWorkerLost = "max attempts exhausted: worker lost"

// ReapStaleQueueItems returns running items whose worker has been silent for
// longer than staleAfter to pending. Items without attempts left are failed
// with ReasonWorkerLost instead, since no claim could pick them up again.
func (s *PostgresStore) ReapStaleQueueItems(ctx context.Context, staleAfter time.Duration) (int64, error) {
	requeue, fail := models.JobRequeue, models.JobFail
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_items
		 SET status        = CASE WHEN attempts >= max_attempts THEN $3::text ELSE $2::text END,
		     worker_id     = NULL,
		     started_at    = CASE WHEN attempts >= max_attempts THEN started_at ELSE NULL END,
		     run_at        = CASE WHEN attempts >= max_attempts THEN run_at ELSE NOW() END,
		     completed_at  = CASE WHEN attempts >= max_attempts THEN NOW() ELSE completed_at END,
		     error_message = CASE WHEN attempts >= max_attempts THEN $5::text ELSE error_message END,
		     updated_at    = NOW()
		 WHERE status = $1 AND started_at < NOW() - make_interval(secs => $4::float8)`,
		requeue.From(), requeue.To(), fail.To(), seconds(staleAfter), ReasonWorkerLost)
	if err != nil {
		return 0, fmt.Errorf("reap stale queue items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeQueueItems deletes terminal items last updated more than olderThan ago.
func (s *PostgresStore) PurgeQueueItems(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM queue_items
		 WHERE status = ANY($1) AND updated_at < NOW() - make_interval(secs => $2::float8)`,
		terminalJobStatuses(), seconds(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge queue items: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) QueueStats(ctx context.Context) ([]models.QueueStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, status, COUNT(*) FROM queue_items GROUP BY kind, status ORDER BY kind, status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := []models.QueueStat{}
	for rows.Next() {
		var st models.QueueStat
		if err := rows.Scan(&st.Kind, &st.Status, &st.Count); err != nil {
			return nil, fmt.Errorf("scan queue stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func terminalJobStatuses() []string {
	var out []string
	for _, st := range models.JobStatuses {
		if st.Terminal() {
			out = append(out, string(st))
		}
	}
	return out
}
