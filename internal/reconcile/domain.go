package reconcile

import (
	"errors"
	"fmt"
	"time"
)

// Key addresses one reconciliation aggregate. Every count of the same
// product/location within an inventory campaign lands on the same key.
type Key struct {
	ProductID   int64
	LocationID  int64
	InventoryID int64
}

func (k Key) String() string {
	return fmt.Sprintf("product=%d location=%d inventory=%d", k.ProductID, k.LocationID, k.InventoryID)
}

// Discrepancy is the aggregate tracking repeated counts of one key.
type Discrepancy struct {
	ID             int64
	Key            Key
	TotalSequences int
	Resolved       bool
	FinalResult    *int64
	Justification  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Sequence is one ordered attempt recorded against a Discrepancy.
// SequenceNumber starts at 1 and is gapless per aggregate.
type Sequence struct {
	ID                int64
	DiscrepancyID     int64
	SequenceNumber    int
	Quantity          int64
	DeltaFromPrevious *int64
	CountingDetailID  int64
	RecordedAt        time.Time
}

// AppendInput carries one ingested count into the engine.
type AppendInput struct {
	Key              Key
	Quantity         int64
	CountingDetailID int64
}

// ErrDiscrepancyNotFound indicates no aggregate exists for a key yet.
var ErrDiscrepancyNotFound = errors.New("reconcile: discrepancy not found")

// ResolvedError rejects appends on a manually resolved aggregate. This is a
// business-state conflict, not a malformed request, so it carries the key.
type ResolvedError struct {
	Key Key
}

func (e *ResolvedError) Error() string {
	return fmt.Sprintf("reconcile: discrepancy already resolved (%s)", e.Key)
}
