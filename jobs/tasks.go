package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDiscrepancySweep scans inventories for unresolved discrepancies.
	TaskDiscrepancySweep = "reconcile:sweep"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// DiscrepancySweepPayload carries scheduling metadata.
type DiscrepancySweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewDiscrepancySweepTask constructs an Asynq task for the sweep.
func NewDiscrepancySweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(DiscrepancySweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDiscrepancySweep, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload sets the retention window.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
