package counting

import (
	"errors"
	"fmt"
	"time"
)

// CountMode selects the validation rules applied to a counting round.
type CountMode string

const (
	ModeBulk       CountMode = "BULK"
	ModeByArticle  CountMode = "BY_ARTICLE"
	ModeStockImage CountMode = "STOCK_IMAGE"
)

// InventoryStatus tracks the stock-count campaign lifecycle. The status is
// advanced by an external planning workflow; ingestion only reads it.
type InventoryStatus string

const (
	InventoryPreparing InventoryStatus = "PREPARING"
	InventoryRunning   InventoryStatus = "RUNNING"
	InventoryDone      InventoryStatus = "DONE"
	InventoryClosed    InventoryStatus = "CLOSED"
)

// Counting is one ordered round of an inventory campaign. Immutable after
// inventory setup.
type Counting struct {
	ID             int64
	InventoryID    int64
	Order          int
	Mode           CountMode
	RequiresLot    bool
	RequiresSerial bool
	RequiresExpiry bool
}

// Location is a storage position under count.
type Location struct {
	ID          int64
	Code        string
	WarehouseID int64
}

// Product carries the tracking properties relevant to validation.
type Product struct {
	ID           int64
	SKU          string
	TracksLot    bool
	TracksSerial bool
	TracksExpiry bool
}

// AssignmentRef is the slice of an assignment the ingestion pipeline needs:
// which job authorizes the submission and which counting it serves.
type AssignmentRef struct {
	ID         int64
	JobID      int64
	CountingID int64
}

// JobDetailStatus tracks per-location progress within a job.
type JobDetailStatus string

const (
	JobDetailPending  JobDetailStatus = "PENDING"
	JobDetailComplete JobDetailStatus = "COMPLETE"
)

// JobDetail is one (job, location, counting) triple. It completes as a side
// effect of a successfully ingested count.
type JobDetail struct {
	ID         int64
	JobID      int64
	CountingID int64
	LocationID int64
	Status     JobDetailStatus
}

// CountingDetail is one reported quantity for (counting, location,
// optionally product). Upserted, never hard-deleted in normal flow.
type CountingDetail struct {
	ID         int64
	CountingID int64
	LocationID int64
	ProductID  *int64
	Quantity   int64
	Lot        string
	Expiry     *time.Time
	Serials    []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SerialNumber is a unit-level serial tied to one CountingDetail. The set is
// replaced wholesale whenever its parent detail is updated.
type SerialNumber struct {
	ID               int64
	CountingDetailID int64
	Value            string
}

// DetailKey is the identity key of a CountingDetail. ProductID zero stands
// for a product-less bulk count.
type DetailKey struct {
	CountingID int64
	LocationID int64
	ProductID  int64
}

// KeyOf derives the identity key for a detail.
func KeyOf(countingID, locationID int64, productID *int64) DetailKey {
	key := DetailKey{CountingID: countingID, LocationID: locationID}
	if productID != nil {
		key.ProductID = *productID
	}
	return key
}

// JobDetailKey addresses one JobDetail.
type JobDetailKey struct {
	JobID      int64
	CountingID int64
	LocationID int64
}

// BatchRecord is one submitted count.
type BatchRecord struct {
	CountingID   int64
	LocationID   int64
	ProductID    *int64
	Quantity     int64
	Lot          string
	Expiry       *time.Time
	Serials      []string
	AssignmentID int64
}

// BatchInput is the unit of ingestion. The whole batch commits or nothing
// does.
type BatchInput struct {
	Records        []BatchRecord
	ActorID        int64
	IdempotencyKey string
}

// RecordResult reports the outcome for one record of a committed batch.
type RecordResult struct {
	Index    int   `json:"index"`
	DetailID int64 `json:"detail_id"`
	Created  bool  `json:"created"`
}

// BatchResult summarises a committed batch.
type BatchResult struct {
	Created int            `json:"created"`
	Updated int            `json:"updated"`
	Records []RecordResult `json:"records"`
}

// ErrEmptyBatch rejects submissions without records.
var ErrEmptyBatch = errors.New("counting: batch contains no records")

// ValidationError rejects a malformed record, naming its index and field.
type ValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("counting: record %d invalid: %s %s", e.Index, e.Field, e.Reason)
}

// ReferenceError rejects a record pointing at an entity the preload could
// not resolve.
type ReferenceError struct {
	Index  int
	Entity string
	ID     int64
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("counting: record %d references unknown %s %d", e.Index, e.Entity, e.ID)
}

// ModeRuleError rejects a record violating its counting-mode rules.
type ModeRuleError struct {
	Index int
	Mode  CountMode
	Field string
}

func (e *ModeRuleError) Error() string {
	return fmt.Sprintf("counting: record %d violates %s mode rules: %s", e.Index, e.Mode, e.Field)
}
