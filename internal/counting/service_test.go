package counting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlas-wms/atlas-wms/internal/reconcile"
)

// fakeStore backs the service with in-memory maps and transaction rollback
// via snapshot/restore, so all-or-nothing behaviour is observable.
type fakeStore struct {
	countings   map[int64]Counting
	locations   map[int64]Location
	products    map[int64]Product
	assignments map[int64]AssignmentRef
	jobDetails  map[JobDetailKey]JobDetail
	details     map[DetailKey]CountingDetail
	serials     map[int64][]string

	aggregates map[reconcile.Key]*reconcile.Discrepancy
	sequences  map[int64][]reconcile.Sequence
	nextID     int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		countings:   map[int64]Counting{},
		locations:   map[int64]Location{},
		products:    map[int64]Product{},
		assignments: map[int64]AssignmentRef{},
		jobDetails:  map[JobDetailKey]JobDetail{},
		details:     map[DetailKey]CountingDetail{},
		serials:     map[int64][]string{},
		aggregates:  map[reconcile.Key]*reconcile.Discrepancy{},
		sequences:   map[int64][]reconcile.Sequence{},
	}
}

func (f *fakeStore) snapshot() *fakeStore {
	clone := newFakeStore()
	clone.nextID = f.nextID
	for k, v := range f.countings {
		clone.countings[k] = v
	}
	for k, v := range f.locations {
		clone.locations[k] = v
	}
	for k, v := range f.products {
		clone.products[k] = v
	}
	for k, v := range f.assignments {
		clone.assignments[k] = v
	}
	for k, v := range f.jobDetails {
		clone.jobDetails[k] = v
	}
	for k, v := range f.details {
		clone.details[k] = v
	}
	for k, v := range f.serials {
		clone.serials[k] = append([]string(nil), v...)
	}
	for k, v := range f.aggregates {
		agg := *v
		clone.aggregates[k] = &agg
	}
	for k, v := range f.sequences {
		clone.sequences[k] = append([]reconcile.Sequence(nil), v...)
	}
	return clone
}

func (f *fakeStore) restore(from *fakeStore) {
	*f = *from
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	before := f.snapshot()
	if err := fn(ctx, f); err != nil {
		f.restore(before)
		return err
	}
	return nil
}

func (f *fakeStore) GetCountings(ctx context.Context, ids []int64) (map[int64]Counting, error) {
	found := map[int64]Counting{}
	for _, id := range ids {
		if c, ok := f.countings[id]; ok {
			found[id] = c
		}
	}
	return found, nil
}

func (f *fakeStore) GetLocations(ctx context.Context, ids []int64) (map[int64]Location, error) {
	found := map[int64]Location{}
	for _, id := range ids {
		if l, ok := f.locations[id]; ok {
			found[id] = l
		}
	}
	return found, nil
}

func (f *fakeStore) GetProducts(ctx context.Context, ids []int64) (map[int64]Product, error) {
	found := map[int64]Product{}
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			found[id] = p
		}
	}
	return found, nil
}

func (f *fakeStore) GetAssignments(ctx context.Context, ids []int64) (map[int64]AssignmentRef, error) {
	found := map[int64]AssignmentRef{}
	for _, id := range ids {
		if a, ok := f.assignments[id]; ok {
			found[id] = a
		}
	}
	return found, nil
}

func (f *fakeStore) GetJobDetails(ctx context.Context, jobKeys []JobDetailKey) (map[JobDetailKey]JobDetail, error) {
	found := map[JobDetailKey]JobDetail{}
	for _, key := range jobKeys {
		if jd, ok := f.jobDetails[key]; ok {
			found[key] = jd
		}
	}
	return found, nil
}

func (f *fakeStore) GetCountingDetails(ctx context.Context, detailKeys []DetailKey) (map[DetailKey]CountingDetail, error) {
	found := map[DetailKey]CountingDetail{}
	for _, key := range detailKeys {
		if cd, ok := f.details[key]; ok {
			found[key] = cd
		}
	}
	return found, nil
}

func (f *fakeStore) BulkInsertDetails(ctx context.Context, details []CountingDetail) ([]int64, error) {
	ids := make([]int64, len(details))
	for i, detail := range details {
		f.nextID++
		detail.ID = f.nextID
		f.details[KeyOf(detail.CountingID, detail.LocationID, detail.ProductID)] = detail
		ids[i] = detail.ID
	}
	return ids, nil
}

func (f *fakeStore) BulkUpdateDetails(ctx context.Context, details []CountingDetail) error {
	for _, detail := range details {
		f.details[KeyOf(detail.CountingID, detail.LocationID, detail.ProductID)] = detail
	}
	return nil
}

func (f *fakeStore) DeleteSerials(ctx context.Context, detailIDs []int64) error {
	for _, id := range detailIDs {
		delete(f.serials, id)
	}
	return nil
}

func (f *fakeStore) InsertSerials(ctx context.Context, serials []SerialNumber) error {
	for _, serial := range serials {
		f.serials[serial.CountingDetailID] = append(f.serials[serial.CountingDetailID], serial.Value)
	}
	return nil
}

func (f *fakeStore) CompleteJobDetails(ctx context.Context, jobKeys []JobDetailKey) error {
	for _, key := range jobKeys {
		if jd, ok := f.jobDetails[key]; ok {
			jd.Status = JobDetailComplete
			f.jobDetails[key] = jd
		}
	}
	return nil
}

func (f *fakeStore) Reconcile() reconcile.TxRepository {
	return &fakeReconcileTx{store: f}
}

type fakeReconcileTx struct {
	store *fakeStore
}

func (t *fakeReconcileTx) GetForUpdate(ctx context.Context, key reconcile.Key) (reconcile.Discrepancy, error) {
	if agg, ok := t.store.aggregates[key]; ok {
		return *agg, nil
	}
	return reconcile.Discrepancy{}, reconcile.ErrDiscrepancyNotFound
}

func (t *fakeReconcileTx) Insert(ctx context.Context, d reconcile.Discrepancy) (int64, error) {
	t.store.nextID++
	d.ID = t.store.nextID
	t.store.aggregates[d.Key] = &d
	return d.ID, nil
}

func (t *fakeReconcileTx) ListSequences(ctx context.Context, discrepancyID int64) ([]reconcile.Sequence, error) {
	history := t.store.sequences[discrepancyID]
	out := make([]reconcile.Sequence, len(history))
	copy(out, history)
	return out, nil
}

func (t *fakeReconcileTx) InsertSequence(ctx context.Context, seq reconcile.Sequence) (int64, error) {
	t.store.nextID++
	seq.ID = t.store.nextID
	t.store.sequences[seq.DiscrepancyID] = append(t.store.sequences[seq.DiscrepancyID], seq)
	return seq.ID, nil
}

func (t *fakeReconcileTx) UpdateAggregate(ctx context.Context, d reconcile.Discrepancy) error {
	t.store.aggregates[d.Key] = &d
	return nil
}

// seedStore sets up one inventory with two counting rounds over one job.
func seedStore() *fakeStore {
	store := newFakeStore()
	store.countings[1] = Counting{ID: 1, InventoryID: 100, Order: 1, Mode: ModeByArticle}
	store.countings[2] = Counting{ID: 2, InventoryID: 100, Order: 2, Mode: ModeByArticle}
	store.locations[10] = Location{ID: 10, Code: "A-01", WarehouseID: 1}
	store.locations[11] = Location{ID: 11, Code: "A-02", WarehouseID: 1}
	store.products[20] = Product{ID: 20, SKU: "SKU-20"}
	store.products[21] = Product{ID: 21, SKU: "SKU-21"}
	store.assignments[30] = AssignmentRef{ID: 30, JobID: 40, CountingID: 1}
	store.assignments[31] = AssignmentRef{ID: 31, JobID: 40, CountingID: 2}
	for _, countingID := range []int64{1, 2} {
		for _, locationID := range []int64{10, 11} {
			key := JobDetailKey{JobID: 40, CountingID: countingID, LocationID: locationID}
			store.nextID++
			store.jobDetails[key] = JobDetail{ID: store.nextID, JobID: 40, CountingID: countingID, LocationID: locationID, Status: JobDetailPending}
		}
	}
	return store
}

func newTestService(store *fakeStore) *Service {
	svc := NewService(store, reconcile.NewService(nil), nil, nil, nil, ServiceConfig{})
	svc.WithNow(func() time.Time { return time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC) })
	return svc
}

func ptr(v int64) *int64 { return &v }

func TestIngestBatchCreatesDetailsAndCompletesJobDetails(t *testing.T) {
	store := seedStore()
	svc := newTestService(store)
	ctx := context.Background()

	result, err := svc.IngestBatch(ctx, BatchInput{Records: []BatchRecord{
		{CountingID: 1, LocationID: 10, ProductID: ptr(20), Quantity: 10, AssignmentID: 30},
		{CountingID: 1, LocationID: 11, ProductID: ptr(21), Quantity: 4, AssignmentID: 30},
	}})
	require.NoError(t, err)
	require.Equal(t, 2, result.Created)
	require.Zero(t, result.Updated)
	require.Len(t, result.Records, 2)

	require.Equal(t, JobDetailComplete, store.jobDetails[JobDetailKey{JobID: 40, CountingID: 1, LocationID: 10}].Status)
	require.Equal(t, JobDetailComplete, store.jobDetails[JobDetailKey{JobID: 40, CountingID: 1, LocationID: 11}].Status)
	require.Equal(t, JobDetailPending, store.jobDetails[JobDetailKey{JobID: 40, CountingID: 2, LocationID: 10}].Status)

	agg := store.aggregates[reconcile.Key{ProductID: 20, LocationID: 10, InventoryID: 100}]
	require.NotNil(t, agg)
	require.Equal(t, 1, agg.TotalSequences)
	require.Nil(t, agg.FinalResult)
}

func TestIngestBatchUpsertsAndReplacesSerials(t *testing.T) {
	store := seedStore()
	store.countings[1] = Counting{ID: 1, InventoryID: 100, Order: 1, Mode: ModeByArticle, RequiresSerial: true}
	svc := newTestService(store)
	ctx := context.Background()

	result, err := svc.IngestBatch(ctx, BatchInput{Records: []BatchRecord{
		{CountingID: 1, LocationID: 10, ProductID: ptr(20), Quantity: 2, Serials: []string{"SN-1", "SN-2"}, AssignmentID: 30},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)
	detailID := result.Records[0].DetailID
	require.Equal(t, []string{"SN-1", "SN-2"}, store.serials[detailID])

	result, err = svc.IngestBatch(ctx, BatchInput{Records: []BatchRecord{
		{CountingID: 1, LocationID: 10, ProductID: ptr(20), Quantity: 3, Serials: []string{"SN-7", "SN-8", "SN-9"}, AssignmentID: 30},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, result.Updated)
	require.Equal(t, detailID, result.Records[0].DetailID)
	require.Equal(t, []string{"SN-7", "SN-8", "SN-9"}, store.serials[detailID])

	key := reconcile.Key{ProductID: 20, LocationID: 10, InventoryID: 100}
	require.Equal(t, 2, store.aggregates[key].TotalSequences)
}

func TestIngestBatchIsAllOrNothing(t *testing.T) {
	store := seedStore()
	svc := newTestService(store)
	ctx := context.Background()

	before := store.snapshot()
	_, err := svc.IngestBatch(ctx, BatchInput{Records: []BatchRecord{
		{CountingID: 1, LocationID: 10, ProductID: ptr(20), Quantity: 10, AssignmentID: 30},
		{CountingID: 1, LocationID: 11, ProductID: ptr(21), Quantity: 0, AssignmentID: 30},
	}})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, 1, validation.Index)
	require.Equal(t, "quantity", validation.Field)

	require.Equal(t, before.details, store.details)
	require.Equal(t, before.jobDetails, store.jobDetails)
	require.Empty(t, store.aggregates)
}

func TestIngestBatchByArticleRequiresProduct(t *testing.T) {
	store := seedStore()
	svc := newTestService(store)

	_, err := svc.IngestBatch(context.Background(), BatchInput{Records: []BatchRecord{
		{CountingID: 1, LocationID: 10, Quantity: 5, AssignmentID: 30},
	}})
	var modeRule *ModeRuleError
	require.ErrorAs(t, err, &modeRule)
	require.Equal(t, ModeByArticle, modeRule.Mode)
}

func TestIngestBatchBulkModeAllowsMissingProduct(t *testing.T) {
	store := seedStore()
	store.countings[1] = Counting{ID: 1, InventoryID: 100, Order: 1, Mode: ModeBulk}
	svc := newTestService(store)

	result, err := svc.IngestBatch(context.Background(), BatchInput{Records: []BatchRecord{
		{CountingID: 1, LocationID: 10, Quantity: 5, AssignmentID: 30},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)
	// No product, so no reconciliation aggregate is touched.
	require.Empty(t, store.aggregates)
}

func TestIngestBatchRejectsDanglingReference(t *testing.T) {
	store := seedStore()
	svc := newTestService(store)

	_, err := svc.IngestBatch(context.Background(), BatchInput{Records: []BatchRecord{
		{CountingID: 999, LocationID: 10, ProductID: ptr(20), Quantity: 5, AssignmentID: 30},
	}})
	var reference *ReferenceError
	require.ErrorAs(t, err, &reference)
	require.Equal(t, "counting", reference.Entity)
	require.Equal(t, int64(999), reference.ID)
}

func TestIngestBatchRequiresJobDetail(t *testing.T) {
	store := seedStore()
	svc := newTestService(store)
	// Location exists but the job has no detail for it.
	store.locations[12] = Location{ID: 12, Code: "B-01", WarehouseID: 1}

	_, err := svc.IngestBatch(context.Background(), BatchInput{Records: []BatchRecord{
		{CountingID: 1, LocationID: 12, ProductID: ptr(20), Quantity: 5, AssignmentID: 30},
	}})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "location_id", validation.Field)
}

// raceStore mutates the world right as the batch transaction opens,
// standing in for a concurrent writer squeezing in before the snapshot.
type raceStore struct {
	*fakeStore
	mutate func(*fakeStore)
}

func (r *raceStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r.mutate != nil {
		r.mutate(r.fakeStore)
		r.mutate = nil
	}
	return r.fakeStore.WithTx(ctx, fn)
}

func TestIngestBatchValidatesAgainstTransactionSnapshot(t *testing.T) {
	store := seedStore()
	racing := &raceStore{fakeStore: store, mutate: func(f *fakeStore) {
		delete(f.jobDetails, JobDetailKey{JobID: 40, CountingID: 1, LocationID: 10})
	}}
	svc := NewService(racing, reconcile.NewService(nil), nil, nil, nil, ServiceConfig{})
	svc.WithNow(func() time.Time { return time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC) })

	_, err := svc.IngestBatch(context.Background(), BatchInput{Records: []BatchRecord{
		{CountingID: 1, LocationID: 10, ProductID: ptr(20), Quantity: 10, AssignmentID: 30},
	}})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "location_id", validation.Field)
	require.Empty(t, store.details)
}

func TestIngestBatchEnforcesRequiredLot(t *testing.T) {
	store := seedStore()
	store.countings[1] = Counting{ID: 1, InventoryID: 100, Order: 1, Mode: ModeByArticle, RequiresLot: true}
	svc := newTestService(store)

	_, err := svc.IngestBatch(context.Background(), BatchInput{Records: []BatchRecord{
		{CountingID: 1, LocationID: 10, ProductID: ptr(20), Quantity: 5, AssignmentID: 30},
	}})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "lot", validation.Field)
}

func TestIngestBatchEnforcesProductTracking(t *testing.T) {
	store := seedStore()
	store.products[20] = Product{ID: 20, SKU: "SKU-20", TracksExpiry: true}
	svc := newTestService(store)

	_, err := svc.IngestBatch(context.Background(), BatchInput{Records: []BatchRecord{
		{CountingID: 1, LocationID: 10, ProductID: ptr(20), Quantity: 5, AssignmentID: 30},
	}})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "expiry", validation.Field)
}

func TestIngestBatchRejectsDuplicateKeys(t *testing.T) {
	store := seedStore()
	svc := newTestService(store)

	_, err := svc.IngestBatch(context.Background(), BatchInput{Records: []BatchRecord{
		{CountingID: 1, LocationID: 10, ProductID: ptr(20), Quantity: 5, AssignmentID: 30},
		{CountingID: 1, LocationID: 10, ProductID: ptr(20), Quantity: 6, AssignmentID: 30},
	}})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, 1, validation.Index)
}

func TestIngestBatchAbortsOnResolvedDiscrepancy(t *testing.T) {
	store := seedStore()
	svc := newTestService(store)
	ctx := context.Background()

	key := reconcile.Key{ProductID: 20, LocationID: 10, InventoryID: 100}
	store.nextID++
	store.aggregates[key] = &reconcile.Discrepancy{ID: store.nextID, Key: key, Resolved: true}
	before := store.snapshot()

	_, err := svc.IngestBatch(ctx, BatchInput{Records: []BatchRecord{
		{CountingID: 1, LocationID: 10, ProductID: ptr(20), Quantity: 10, AssignmentID: 30},
	}})
	var resolved *reconcile.ResolvedError
	require.ErrorAs(t, err, &resolved)
	require.Equal(t, key, resolved.Key)

	// The whole batch rolled back: no detail, no completed job detail.
	require.Equal(t, before.details, store.details)
	require.Equal(t, before.jobDetails, store.jobDetails)
	require.Empty(t, store.sequences)
}

func TestIngestAcrossTwoRoundsReachesConsensus(t *testing.T) {
	store := seedStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.IngestBatch(ctx, BatchInput{Records: []BatchRecord{
		{CountingID: 1, LocationID: 10, ProductID: ptr(20), Quantity: 10, AssignmentID: 30},
	}})
	require.NoError(t, err)

	_, err = svc.IngestBatch(ctx, BatchInput{Records: []BatchRecord{
		{CountingID: 2, LocationID: 10, ProductID: ptr(20), Quantity: 10, AssignmentID: 31},
	}})
	require.NoError(t, err)

	agg := store.aggregates[reconcile.Key{ProductID: 20, LocationID: 10, InventoryID: 100}]
	require.NotNil(t, agg)
	require.Equal(t, 2, agg.TotalSequences)
	require.NotNil(t, agg.FinalResult)
	require.Equal(t, int64(10), *agg.FinalResult)
}

func TestIngestBatchRejectsEmptyBatch(t *testing.T) {
	svc := newTestService(seedStore())
	_, err := svc.IngestBatch(context.Background(), BatchInput{})
	require.ErrorIs(t, err, ErrEmptyBatch)
}
