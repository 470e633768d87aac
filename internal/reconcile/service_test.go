package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	aggregates map[Key]*Discrepancy
	sequences  map[int64][]Sequence
	nextID     int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		aggregates: make(map[Key]*Discrepancy),
		sequences:  make(map[int64][]Sequence),
	}
}

func (m *memoryStore) GetForUpdate(ctx context.Context, key Key) (Discrepancy, error) {
	if agg, ok := m.aggregates[key]; ok {
		return *agg, nil
	}
	return Discrepancy{}, ErrDiscrepancyNotFound
}

func (m *memoryStore) Insert(ctx context.Context, d Discrepancy) (int64, error) {
	m.nextID++
	d.ID = m.nextID
	m.aggregates[d.Key] = &d
	return d.ID, nil
}

func (m *memoryStore) ListSequences(ctx context.Context, discrepancyID int64) ([]Sequence, error) {
	history := m.sequences[discrepancyID]
	out := make([]Sequence, len(history))
	copy(out, history)
	return out, nil
}

func (m *memoryStore) InsertSequence(ctx context.Context, seq Sequence) (int64, error) {
	m.nextID++
	seq.ID = m.nextID
	m.sequences[seq.DiscrepancyID] = append(m.sequences[seq.DiscrepancyID], seq)
	return seq.ID, nil
}

func (m *memoryStore) UpdateAggregate(ctx context.Context, d Discrepancy) error {
	m.aggregates[d.Key] = &d
	return nil
}

func (m *memoryStore) GetByKey(ctx context.Context, key Key) (Discrepancy, error) {
	return m.GetForUpdate(ctx, key)
}

func (m *memoryStore) ListSequencesByKey(ctx context.Context, key Key) ([]Sequence, error) {
	agg, ok := m.aggregates[key]
	if !ok {
		return nil, ErrDiscrepancyNotFound
	}
	return m.ListSequences(ctx, agg.ID)
}

func (m *memoryStore) CountUnresolvedByInventory(ctx context.Context, inventoryID int64) (int, error) {
	count := 0
	for key, agg := range m.aggregates {
		if key.InventoryID == inventoryID && agg.FinalResult == nil {
			count++
		}
	}
	return count, nil
}

func (m *memoryStore) ListUnresolvedInventories(ctx context.Context) (map[int64]int, error) {
	result := make(map[int64]int)
	for key, agg := range m.aggregates {
		if agg.FinalResult == nil {
			result[key.InventoryID]++
		}
	}
	return result, nil
}

func testService(store *memoryStore) *Service {
	svc := NewService(store)
	svc.WithNow(func() time.Time { return time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC) })
	return svc
}

func TestAppendCreatesAggregateLazily(t *testing.T) {
	store := newMemoryStore()
	svc := testService(store)
	ctx := context.Background()
	key := Key{ProductID: 1, LocationID: 2, InventoryID: 3}

	seq, agg, err := svc.Append(ctx, store, AppendInput{Key: key, Quantity: 10, CountingDetailID: 100})
	require.NoError(t, err)
	require.Equal(t, 1, seq.SequenceNumber)
	require.Nil(t, seq.DeltaFromPrevious)
	require.Equal(t, 1, agg.TotalSequences)
	require.Nil(t, agg.FinalResult)
}

func TestAppendSequenceNumbersAreGapless(t *testing.T) {
	store := newMemoryStore()
	svc := testService(store)
	ctx := context.Background()
	key := Key{ProductID: 1, LocationID: 2, InventoryID: 3}

	for i, qty := range []int64{10, 12, 10, 9} {
		seq, _, err := svc.Append(ctx, store, AppendInput{Key: key, Quantity: qty})
		require.NoError(t, err)
		require.Equal(t, i+1, seq.SequenceNumber)
	}

	history, err := store.ListSequencesByKey(ctx, key)
	require.NoError(t, err)
	for i, seq := range history {
		require.Equal(t, i+1, seq.SequenceNumber)
	}
}

func TestAppendStoresSignedDelta(t *testing.T) {
	store := newMemoryStore()
	svc := testService(store)
	ctx := context.Background()
	key := Key{ProductID: 1, LocationID: 2, InventoryID: 3}

	_, _, err := svc.Append(ctx, store, AppendInput{Key: key, Quantity: 10})
	require.NoError(t, err)
	seq, _, err := svc.Append(ctx, store, AppendInput{Key: key, Quantity: 7})
	require.NoError(t, err)
	require.NotNil(t, seq.DeltaFromPrevious)
	require.Equal(t, int64(-3), *seq.DeltaFromPrevious)
}

func TestAppendRejectsResolvedAggregate(t *testing.T) {
	store := newMemoryStore()
	svc := testService(store)
	ctx := context.Background()
	key := Key{ProductID: 1, LocationID: 2, InventoryID: 3}

	_, _, err := svc.Append(ctx, store, AppendInput{Key: key, Quantity: 10})
	require.NoError(t, err)

	store.aggregates[key].Resolved = true
	before := len(store.sequences[store.aggregates[key].ID])

	_, _, err = svc.Append(ctx, store, AppendInput{Key: key, Quantity: 12})
	var resolved *ResolvedError
	require.ErrorAs(t, err, &resolved)
	require.Equal(t, key, resolved.Key)
	require.Len(t, store.sequences[store.aggregates[key].ID], before)
}

func TestAppendTwoMatchingRoundsReachConsensus(t *testing.T) {
	store := newMemoryStore()
	svc := testService(store)
	ctx := context.Background()
	key := Key{ProductID: 7, LocationID: 4, InventoryID: 9}

	_, agg, err := svc.Append(ctx, store, AppendInput{Key: key, Quantity: 10})
	require.NoError(t, err)
	require.Nil(t, agg.FinalResult)

	_, agg, err = svc.Append(ctx, store, AppendInput{Key: key, Quantity: 10})
	require.NoError(t, err)
	require.Equal(t, 2, agg.TotalSequences)
	require.NotNil(t, agg.FinalResult)
	require.Equal(t, int64(10), *agg.FinalResult)

	count, err := svc.UnresolvedCount(ctx, 9)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestAppendConsensusNeverCleared(t *testing.T) {
	store := newMemoryStore()
	svc := testService(store)
	ctx := context.Background()
	key := Key{ProductID: 7, LocationID: 4, InventoryID: 9}

	for _, qty := range []int64{10, 10} {
		_, _, err := svc.Append(ctx, store, AppendInput{Key: key, Quantity: qty})
		require.NoError(t, err)
	}
	// Diverging third count does not clear the established result.
	_, agg, err := svc.Append(ctx, store, AppendInput{Key: key, Quantity: 99})
	require.NoError(t, err)
	require.NotNil(t, agg.FinalResult)
	require.Equal(t, int64(10), *agg.FinalResult)
}

func TestAppendValidatesKey(t *testing.T) {
	store := newMemoryStore()
	svc := testService(store)
	_, _, err := svc.Append(context.Background(), store, AppendInput{Key: Key{ProductID: 1}, Quantity: 5})
	require.Error(t, err)
}

func TestHistoryReflectsAppends(t *testing.T) {
	store := newMemoryStore()
	svc := testService(store)
	ctx := context.Background()
	key := Key{ProductID: 1, LocationID: 1, InventoryID: 1}

	for _, qty := range []int64{5, 6, 5} {
		_, _, err := svc.Append(ctx, store, AppendInput{Key: key, Quantity: qty})
		require.NoError(t, err)
	}

	agg, history, err := svc.History(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 3, agg.TotalSequences)
	require.Len(t, history, 3)
	require.Equal(t, int64(5), *agg.FinalResult)
}
