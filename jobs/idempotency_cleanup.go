package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/atlas-wms/atlas-wms/internal/jobs"
	"github.com/atlas-wms/atlas-wms/internal/shared"
)

// Cleaner prunes idempotency keys past their retention window.
type Cleaner struct {
	store   *shared.IdempotencyStore
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewCleaner constructs a Cleaner.
func NewCleaner(store *shared.IdempotencyStore, metrics *jobmetrics.Metrics, logger *slog.Logger) *Cleaner {
	return &Cleaner{store: store, metrics: metrics, logger: logger}
}

// HandleIdempotencyCleanup processes TaskIdempotencyCleanup tasks.
func (c *Cleaner) HandleIdempotencyCleanup(ctx context.Context, t *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := payload.Retention
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	tracker := c.metrics.Track("idempotency_cleanup")
	if err := c.store.Cleanup(ctx, retention); err != nil {
		c.logger.Error("idempotency cleanup", slog.Any("error", err))
		return tracker.End(err)
	}
	return tracker.End(nil)
}
