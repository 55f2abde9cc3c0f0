package jobs

import (
	"context"
	"log/slog"

	"github.com/CalmProton/auto-i18n/internal/queue"
	"github.com/CalmProton/auto-i18n/pkg/models"
)

// Finalizer is the downstream step that receives a processed batch, such
// as opening a pull request with the written translations.
type Finalizer interface {
	Finalize(ctx context.Context, m *models.BatchManifest, summary queue.FinalizePayload) error
}

// LogFinalizer only logs the batch summary.
type LogFinalizer struct{}

func (LogFinalizer) Finalize(_ context.Context, m *models.BatchManifest, summary queue.FinalizePayload) error {
	slog.Info("batch ready for delivery",
		"batch_id", m.ID,
		"sender_id", summary.SenderID,
		"target_locales", m.TargetLocales,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
	)
	return nil
}
