package counting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/atlas-wms/atlas-wms/internal/reconcile"
	"github.com/atlas-wms/atlas-wms/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the operations of one batch transaction. Lookups run
// on the same snapshot the writes commit against, so a reference that
// validates cannot vanish before persist. Creation and update are bulk
// calls: one round-trip each per batch.
type TxRepository interface {
	LookupRepository
	BulkInsertDetails(ctx context.Context, details []CountingDetail) ([]int64, error)
	BulkUpdateDetails(ctx context.Context, details []CountingDetail) error
	DeleteSerials(ctx context.Context, detailIDs []int64) error
	InsertSerials(ctx context.Context, serials []SerialNumber) error
	CompleteJobDetails(ctx context.Context, keys []JobDetailKey) error
	Reconcile() reconcile.TxRepository
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs the counting ingestion pipeline: preload, validate, upsert,
// reconcile, all inside one transaction per batch.
type Service struct {
	repo        RepositoryPort
	reconciler  *reconcile.Service
	mutex       *shared.ReconcileMutex
	idempotency *shared.IdempotencyStore
	audit       AuditPort
	lockWait    time.Duration
	now         func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	LockWait time.Duration
}

// NewService builds Service.
func NewService(repo RepositoryPort, reconciler *reconcile.Service, mutex *shared.ReconcileMutex, idem *shared.IdempotencyStore, audit AuditPort, cfg ServiceConfig) *Service {
	lockWait := cfg.LockWait
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	return &Service{
		repo:        repo,
		reconciler:  reconciler,
		mutex:       mutex,
		idempotency: idem,
		audit:       audit,
		lockWait:    lockWait,
		now:         time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// IngestBatch accepts a batch of reported counts. It succeeds wholly or
// fails wholly: validation runs over every record before any write, and a
// reconciliation failure rolls back every detail of the batch.
func (s *Service) IngestBatch(ctx context.Context, input BatchInput) (BatchResult, error) {
	if len(input.Records) == 0 {
		return BatchResult{}, ErrEmptyBatch
	}

	idemKey := ""
	insertedKey := false
	if input.IdempotencyKey != "" && s.idempotency != nil {
		idemKey = "counting:batch:" + input.IdempotencyKey
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, "counting"); err != nil {
			return BatchResult{}, err
		}
		insertedKey = true
	}

	result, err := s.ingest(ctx, input)
	if err != nil && insertedKey {
		_ = s.idempotency.Delete(ctx, idemKey)
	}
	if err != nil {
		return BatchResult{}, err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "counting:ingest",
			Entity:   "counting_batch",
			EntityID: fmt.Sprintf("assignment:%d", input.Records[0].AssignmentID),
			Meta: map[string]any{
				"records": len(input.Records),
				"created": result.Created,
				"updated": result.Updated,
			},
		})
	}
	return result, nil
}

func (s *Service) ingest(ctx context.Context, input BatchInput) (BatchResult, error) {
	var result BatchResult
	var releases []func(context.Context) error
	// Locks outlive the transaction: they release only after commit or
	// rollback, so no second writer sees a half-committed aggregate.
	defer func() {
		for _, release := range releases {
			_ = release(context.WithoutCancel(ctx))
		}
	}()

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cache, err := Preload(ctx, tx, input.Records)
		if err != nil {
			return fmt.Errorf("counting: preload: %w", err)
		}
		if err := validateBatch(input.Records, cache); err != nil {
			return err
		}
		releases, err = s.lockReconcileKeys(ctx, input.Records, cache)
		if err != nil {
			return err
		}
		result, err = s.persistBatch(ctx, tx, input.Records, cache)
		return err
	})
	if err != nil {
		return BatchResult{}, err
	}
	return result, nil
}

// persistBatch splits records into creates and updates by identity key and
// executes each side as a single bulk operation.
func (s *Service) persistBatch(ctx context.Context, tx TxRepository, records []BatchRecord, cache *PreloadCache) (BatchResult, error) {
	now := s.now()

	type plannedRecord struct {
		index  int
		detail CountingDetail
		create bool
	}
	planned := make([]plannedRecord, 0, len(records))
	var creates, updates []CountingDetail
	createIdx := make([]int, 0, len(records))

	for index, record := range records {
		detail := CountingDetail{
			CountingID: record.CountingID,
			LocationID: record.LocationID,
			ProductID:  record.ProductID,
			Quantity:   record.Quantity,
			Lot:        record.Lot,
			Expiry:     record.Expiry,
			Serials:    record.Serials,
			UpdatedAt:  now,
		}
		key := KeyOf(record.CountingID, record.LocationID, record.ProductID)
		if existing, ok := cache.Details[key]; ok {
			detail.ID = existing.ID
			detail.CreatedAt = existing.CreatedAt
			updates = append(updates, detail)
			planned = append(planned, plannedRecord{index: index, detail: detail})
			continue
		}
		detail.CreatedAt = now
		creates = append(creates, detail)
		createIdx = append(createIdx, len(planned))
		planned = append(planned, plannedRecord{index: index, detail: detail, create: true})
	}

	if len(creates) > 0 {
		ids, err := tx.BulkInsertDetails(ctx, creates)
		if err != nil {
			return BatchResult{}, fmt.Errorf("counting: bulk insert: %w", err)
		}
		if len(ids) != len(creates) {
			return BatchResult{}, fmt.Errorf("counting: bulk insert returned %d ids for %d details", len(ids), len(creates))
		}
		for i, id := range ids {
			planned[createIdx[i]].detail.ID = id
		}
	}
	if len(updates) > 0 {
		if err := tx.BulkUpdateDetails(ctx, updates); err != nil {
			return BatchResult{}, fmt.Errorf("counting: bulk update: %w", err)
		}
		updateIDs := make([]int64, len(updates))
		for i, detail := range updates {
			updateIDs[i] = detail.ID
		}
		if err := tx.DeleteSerials(ctx, updateIDs); err != nil {
			return BatchResult{}, fmt.Errorf("counting: clear serials: %w", err)
		}
	}

	var serials []SerialNumber
	for _, plan := range planned {
		for _, value := range plan.detail.Serials {
			serials = append(serials, SerialNumber{CountingDetailID: plan.detail.ID, Value: value})
		}
	}
	if len(serials) > 0 {
		if err := tx.InsertSerials(ctx, serials); err != nil {
			return BatchResult{}, fmt.Errorf("counting: insert serials: %w", err)
		}
	}

	jobKeys := make(map[JobDetailKey]struct{}, len(records))
	for _, record := range records {
		assignment := cache.Assignments[record.AssignmentID]
		jobKeys[JobDetailKey{
			JobID:      assignment.JobID,
			CountingID: record.CountingID,
			LocationID: record.LocationID,
		}] = struct{}{}
	}
	if err := tx.CompleteJobDetails(ctx, keys(jobKeys)); err != nil {
		return BatchResult{}, fmt.Errorf("counting: complete job details: %w", err)
	}

	// Feed every persisted detail into reconciliation before commit. A
	// resolved aggregate aborts the whole batch here.
	result := BatchResult{Records: make([]RecordResult, 0, len(planned))}
	for _, plan := range planned {
		if plan.detail.ProductID != nil {
			cnt := cache.Countings[plan.detail.CountingID]
			_, _, err := s.reconciler.Append(ctx, tx.Reconcile(), reconcile.AppendInput{
				Key: reconcile.Key{
					ProductID:   *plan.detail.ProductID,
					LocationID:  plan.detail.LocationID,
					InventoryID: cnt.InventoryID,
				},
				Quantity:         plan.detail.Quantity,
				CountingDetailID: plan.detail.ID,
			})
			if err != nil {
				return BatchResult{}, err
			}
		}
		if plan.create {
			result.Created++
		} else {
			result.Updated++
		}
		result.Records = append(result.Records, RecordResult{Index: plan.index, DetailID: plan.detail.ID, Created: plan.create})
	}
	return result, nil
}

// lockReconcileKeys serializes this batch against concurrent writers on the
// same aggregates. Keys are sorted so two batches never deadlock.
func (s *Service) lockReconcileKeys(ctx context.Context, records []BatchRecord, cache *PreloadCache) ([]func(context.Context) error, error) {
	keySet := map[reconcile.Key]struct{}{}
	for _, record := range records {
		if record.ProductID == nil {
			continue
		}
		cnt := cache.Countings[record.CountingID]
		keySet[reconcile.Key{
			ProductID:   *record.ProductID,
			LocationID:  record.LocationID,
			InventoryID: cnt.InventoryID,
		}] = struct{}{}
	}
	sorted := make([]reconcile.Key, 0, len(keySet))
	for key := range keySet {
		sorted = append(sorted, key)
	}
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.InventoryID != b.InventoryID {
			return a.InventoryID < b.InventoryID
		}
		if a.LocationID != b.LocationID {
			return a.LocationID < b.LocationID
		}
		return a.ProductID < b.ProductID
	})

	releases := make([]func(context.Context) error, 0, len(sorted))
	for _, key := range sorted {
		release, err := s.mutex.AcquireWait(ctx, shared.ReconcileLockKey(key.ProductID, key.LocationID, key.InventoryID), s.lockWait)
		if err != nil {
			for _, done := range releases {
				_ = done(context.WithoutCancel(ctx))
			}
			return nil, fmt.Errorf("counting: lock %s: %w", key, err)
		}
		releases = append(releases, release)
	}
	return releases, nil
}
