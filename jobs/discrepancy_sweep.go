package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/atlas-wms/atlas-wms/internal/jobs"
	"github.com/atlas-wms/atlas-wms/internal/reconcile"
)

// Sweeper walks the open discrepancy aggregates and publishes their counts.
// It mutates nothing; its output feeds dashboards and alerting.
type Sweeper struct {
	service *reconcile.Service
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(service *reconcile.Service, metrics *jobmetrics.Metrics, logger *slog.Logger) *Sweeper {
	return &Sweeper{service: service, metrics: metrics, logger: logger}
}

// HandleDiscrepancySweep processes TaskDiscrepancySweep tasks.
func (s *Sweeper) HandleDiscrepancySweep(ctx context.Context, t *asynq.Task) error {
	var payload DiscrepancySweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := s.metrics.Track("discrepancy_sweep")

	counts, err := s.service.UnresolvedByInventory(ctx)
	if err != nil {
		return tracker.End(err)
	}
	for inventoryID, count := range counts {
		s.metrics.SetUnresolved(inventoryID, count)
		s.logger.Info("unresolved discrepancies",
			slog.Int64("inventory_id", inventoryID),
			slog.Int("count", count),
		)
	}
	return tracker.End(nil)
}
