package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TxRepository exposes the aggregate mutations used inside an ingestion
// transaction. Implementations must lock the aggregate row on load so
// sequence numbering stays linearizable.
type TxRepository interface {
	GetForUpdate(ctx context.Context, key Key) (Discrepancy, error)
	Insert(ctx context.Context, d Discrepancy) (int64, error)
	ListSequences(ctx context.Context, discrepancyID int64) ([]Sequence, error)
	InsertSequence(ctx context.Context, seq Sequence) (int64, error)
	UpdateAggregate(ctx context.Context, d Discrepancy) error
}

// ReadRepository serves display-only history reads outside the write path.
type ReadRepository interface {
	GetByKey(ctx context.Context, key Key) (Discrepancy, error)
	ListSequencesByKey(ctx context.Context, key Key) ([]Sequence, error)
	CountUnresolvedByInventory(ctx context.Context, inventoryID int64) (int, error)
	ListUnresolvedInventories(ctx context.Context) (map[int64]int, error)
}

// Service drives the discrepancy consensus algorithm.
type Service struct {
	reads ReadRepository
	now   func() time.Time
}

// NewService constructs a Service instance.
func NewService(reads ReadRepository) *Service {
	return &Service{reads: reads, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Append records one counted quantity against its aggregate, inside the
// caller's transaction. It creates the aggregate lazily, assigns the next
// gapless sequence number, stores the signed delta to the previous attempt
// and recomputes the consensus final result.
func (s *Service) Append(ctx context.Context, tx TxRepository, in AppendInput) (Sequence, Discrepancy, error) {
	if in.Key.ProductID == 0 || in.Key.LocationID == 0 || in.Key.InventoryID == 0 {
		return Sequence{}, Discrepancy{}, errors.New("reconcile: product, location and inventory required")
	}
	if in.Quantity < 0 {
		return Sequence{}, Discrepancy{}, errors.New("reconcile: quantity cannot be negative")
	}

	agg, err := tx.GetForUpdate(ctx, in.Key)
	switch {
	case errors.Is(err, ErrDiscrepancyNotFound):
		agg = Discrepancy{Key: in.Key, CreatedAt: s.now()}
		agg.ID, err = tx.Insert(ctx, agg)
		if err != nil {
			return Sequence{}, Discrepancy{}, fmt.Errorf("reconcile: create aggregate: %w", err)
		}
	case err != nil:
		return Sequence{}, Discrepancy{}, err
	}
	if agg.Resolved {
		return Sequence{}, Discrepancy{}, &ResolvedError{Key: in.Key}
	}

	history, err := tx.ListSequences(ctx, agg.ID)
	if err != nil {
		return Sequence{}, Discrepancy{}, err
	}
	nextNumber := 1
	if len(history) > 0 {
		nextNumber = history[len(history)-1].SequenceNumber + 1
	}

	seq := Sequence{
		DiscrepancyID:     agg.ID,
		SequenceNumber:    nextNumber,
		Quantity:          in.Quantity,
		DeltaFromPrevious: NextDelta(history, in.Quantity),
		CountingDetailID:  in.CountingDetailID,
		RecordedAt:        s.now(),
	}
	seq.ID, err = tx.InsertSequence(ctx, seq)
	if err != nil {
		return Sequence{}, Discrepancy{}, fmt.Errorf("reconcile: insert sequence: %w", err)
	}

	history = append(history, seq)
	agg.TotalSequences = nextNumber
	agg.FinalResult = Consensus(history, agg.FinalResult)
	agg.UpdatedAt = s.now()
	if err := tx.UpdateAggregate(ctx, agg); err != nil {
		return Sequence{}, Discrepancy{}, fmt.Errorf("reconcile: update aggregate: %w", err)
	}
	return seq, agg, nil
}

// History returns the aggregate and its ordered sequences for display.
func (s *Service) History(ctx context.Context, key Key) (Discrepancy, []Sequence, error) {
	agg, err := s.reads.GetByKey(ctx, key)
	if err != nil {
		return Discrepancy{}, nil, err
	}
	history, err := s.reads.ListSequencesByKey(ctx, key)
	if err != nil {
		return Discrepancy{}, nil, err
	}
	return agg, history, nil
}

// UnresolvedCount reports how many aggregates of an inventory still lack a
// consensus result. Zero means the inventory does not block job closure.
func (s *Service) UnresolvedCount(ctx context.Context, inventoryID int64) (int, error) {
	return s.reads.CountUnresolvedByInventory(ctx, inventoryID)
}

// UnresolvedByInventory lists inventories with open aggregates, used by the
// background sweep.
func (s *Service) UnresolvedByInventory(ctx context.Context) (map[int64]int, error) {
	return s.reads.ListUnresolvedInventories(ctx)
}
