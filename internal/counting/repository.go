package counting

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-wms/atlas-wms/internal/platform/db"
	"github.com/atlas-wms/atlas-wms/internal/reconcile"
)

// Repository persists counting data in PostgreSQL.
type Repository struct {
	pool      *pgxpool.Pool
	reconcile *reconcile.Repository
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, reconcileRepo *reconcile.Repository) *Repository {
	return &Repository{pool: pool, reconcile: reconcileRepo}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("counting repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, reconcile: r.reconcile})
	})
}

// querier is the read surface shared by the pool and an open transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getCountings(ctx context.Context, q querier, ids []int64) (map[int64]Counting, error) {
	query := `
		SELECT id, inventory_id, count_order, count_mode, needs_lot, needs_serial, needs_expiry
		FROM countings
		WHERE id = ANY($1)
	`
	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[int64]Counting, len(ids))
	for rows.Next() {
		var c Counting
		if err := rows.Scan(&c.ID, &c.InventoryID, &c.Order, &c.Mode, &c.RequiresLot, &c.RequiresSerial, &c.RequiresExpiry); err != nil {
			return nil, err
		}
		found[c.ID] = c
	}
	return found, rows.Err()
}

func getLocations(ctx context.Context, q querier, ids []int64) (map[int64]Location, error) {
	rows, err := q.Query(ctx, `SELECT id, code, warehouse_id FROM locations WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[int64]Location, len(ids))
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ID, &l.Code, &l.WarehouseID); err != nil {
			return nil, err
		}
		found[l.ID] = l
	}
	return found, rows.Err()
}

func getProducts(ctx context.Context, q querier, ids []int64) (map[int64]Product, error) {
	rows, err := q.Query(ctx, `SELECT id, sku, tracks_lot, tracks_serial, tracks_expiry FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[int64]Product, len(ids))
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.TracksLot, &p.TracksSerial, &p.TracksExpiry); err != nil {
			return nil, err
		}
		found[p.ID] = p
	}
	return found, rows.Err()
}

func getAssignments(ctx context.Context, q querier, ids []int64) (map[int64]AssignmentRef, error) {
	rows, err := q.Query(ctx, `SELECT id, job_id, counting_id FROM assignments WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[int64]AssignmentRef, len(ids))
	for rows.Next() {
		var a AssignmentRef
		if err := rows.Scan(&a.ID, &a.JobID, &a.CountingID); err != nil {
			return nil, err
		}
		found[a.ID] = a
	}
	return found, rows.Err()
}

// getJobDetails bulk-loads job details by composite key in one round-trip.
func getJobDetails(ctx context.Context, q querier, jobKeys []JobDetailKey) (map[JobDetailKey]JobDetail, error) {
	jobIDs := make([]int64, len(jobKeys))
	countingIDs := make([]int64, len(jobKeys))
	locationIDs := make([]int64, len(jobKeys))
	for i, key := range jobKeys {
		jobIDs[i] = key.JobID
		countingIDs[i] = key.CountingID
		locationIDs[i] = key.LocationID
	}
	query := `
		SELECT jd.id, jd.job_id, jd.counting_id, jd.location_id, jd.status
		FROM job_details jd
		JOIN unnest($1::bigint[], $2::bigint[], $3::bigint[]) AS k(job_id, counting_id, location_id)
		  ON jd.job_id = k.job_id AND jd.counting_id = k.counting_id AND jd.location_id = k.location_id
	`
	rows, err := q.Query(ctx, query, jobIDs, countingIDs, locationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[JobDetailKey]JobDetail, len(jobKeys))
	for rows.Next() {
		var jd JobDetail
		if err := rows.Scan(&jd.ID, &jd.JobID, &jd.CountingID, &jd.LocationID, &jd.Status); err != nil {
			return nil, err
		}
		found[JobDetailKey{JobID: jd.JobID, CountingID: jd.CountingID, LocationID: jd.LocationID}] = jd
	}
	return found, rows.Err()
}

// getCountingDetails bulk-loads existing details by identity key. A zero
// product in the key matches a NULL product column.
func getCountingDetails(ctx context.Context, q querier, detailKeys []DetailKey) (map[DetailKey]CountingDetail, error) {
	countingIDs := make([]int64, len(detailKeys))
	locationIDs := make([]int64, len(detailKeys))
	productIDs := make([]int64, len(detailKeys))
	for i, key := range detailKeys {
		countingIDs[i] = key.CountingID
		locationIDs[i] = key.LocationID
		productIDs[i] = key.ProductID
	}
	query := `
		SELECT cd.id, cd.counting_id, cd.location_id, cd.product_id, cd.quantity, cd.lot, cd.expiry, cd.created_at, cd.updated_at
		FROM counting_details cd
		JOIN unnest($1::bigint[], $2::bigint[], $3::bigint[]) AS k(counting_id, location_id, product_id)
		  ON cd.counting_id = k.counting_id AND cd.location_id = k.location_id AND COALESCE(cd.product_id, 0) = k.product_id
	`
	rows, err := q.Query(ctx, query, countingIDs, locationIDs, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[DetailKey]CountingDetail, len(detailKeys))
	for rows.Next() {
		var cd CountingDetail
		var productID pgtype.Int8
		var lot pgtype.Text
		var expiry pgtype.Timestamptz
		if err := rows.Scan(&cd.ID, &cd.CountingID, &cd.LocationID, &productID, &cd.Quantity, &lot, &expiry, &cd.CreatedAt, &cd.UpdatedAt); err != nil {
			return nil, err
		}
		cd.ProductID = int8ToPointer(productID)
		cd.Lot = lot.String
		cd.Expiry = timeToPointer(expiry)
		found[KeyOf(cd.CountingID, cd.LocationID, cd.ProductID)] = cd
	}
	return found, rows.Err()
}

type txRepository struct {
	tx        pgx.Tx
	reconcile *reconcile.Repository

	// The preload fans lookups out concurrently and pgx.Tx forbids
	// concurrent queries, so tx-bound reads serialize here.
	mu sync.Mutex
}

func (r *txRepository) GetCountings(ctx context.Context, ids []int64) (map[int64]Counting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return getCountings(ctx, r.tx, ids)
}

func (r *txRepository) GetLocations(ctx context.Context, ids []int64) (map[int64]Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return getLocations(ctx, r.tx, ids)
}

func (r *txRepository) GetProducts(ctx context.Context, ids []int64) (map[int64]Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return getProducts(ctx, r.tx, ids)
}

func (r *txRepository) GetAssignments(ctx context.Context, ids []int64) (map[int64]AssignmentRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return getAssignments(ctx, r.tx, ids)
}

func (r *txRepository) GetJobDetails(ctx context.Context, jobKeys []JobDetailKey) (map[JobDetailKey]JobDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return getJobDetails(ctx, r.tx, jobKeys)
}

func (r *txRepository) GetCountingDetails(ctx context.Context, detailKeys []DetailKey) (map[DetailKey]CountingDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return getCountingDetails(ctx, r.tx, detailKeys)
}

// BulkInsertDetails inserts all new details as one statement. Returned ids
// follow input order.
func (r *txRepository) BulkInsertDetails(ctx context.Context, details []CountingDetail) ([]int64, error) {
	countingIDs := make([]int64, len(details))
	locationIDs := make([]int64, len(details))
	productIDs := make([]pgtype.Int8, len(details))
	quantities := make([]int64, len(details))
	lots := make([]pgtype.Text, len(details))
	expiries := make([]pgtype.Timestamptz, len(details))
	for i, detail := range details {
		countingIDs[i] = detail.CountingID
		locationIDs[i] = detail.LocationID
		productIDs[i] = int8FromPointer(detail.ProductID)
		quantities[i] = detail.Quantity
		lots[i] = pgtype.Text{String: detail.Lot, Valid: detail.Lot != ""}
		expiries[i] = timestamptzFromPointer(detail.Expiry)
	}
	query := `
		INSERT INTO counting_details (counting_id, location_id, product_id, quantity, lot, expiry, created_at, updated_at)
		SELECT counting_id, location_id, product_id, quantity, lot, expiry, NOW(), NOW()
		FROM unnest($1::bigint[], $2::bigint[], $3::bigint[], $4::bigint[], $5::text[], $6::timestamptz[])
		  AS t(counting_id, location_id, product_id, quantity, lot, expiry)
		RETURNING id
	`
	rows, err := r.tx.Query(ctx, query, countingIDs, locationIDs, productIDs, quantities, lots, expiries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0, len(details))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BulkUpdateDetails updates all changed details as one statement.
func (r *txRepository) BulkUpdateDetails(ctx context.Context, details []CountingDetail) error {
	ids := make([]int64, len(details))
	quantities := make([]int64, len(details))
	lots := make([]pgtype.Text, len(details))
	expiries := make([]pgtype.Timestamptz, len(details))
	for i, detail := range details {
		ids[i] = detail.ID
		quantities[i] = detail.Quantity
		lots[i] = pgtype.Text{String: detail.Lot, Valid: detail.Lot != ""}
		expiries[i] = timestamptzFromPointer(detail.Expiry)
	}
	query := `
		UPDATE counting_details cd
		SET quantity = t.quantity, lot = t.lot, expiry = t.expiry, updated_at = NOW()
		FROM unnest($1::bigint[], $2::bigint[], $3::text[], $4::timestamptz[]) AS t(id, quantity, lot, expiry)
		WHERE cd.id = t.id
	`
	_, err := r.tx.Exec(ctx, query, ids, quantities, lots, expiries)
	return err
}

func (r *txRepository) DeleteSerials(ctx context.Context, detailIDs []int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM serial_numbers WHERE counting_detail_id = ANY($1)`, detailIDs)
	return err
}

// InsertSerials copies the batch's serials in one COPY operation.
func (r *txRepository) InsertSerials(ctx context.Context, serials []SerialNumber) error {
	rows := make([][]any, len(serials))
	for i, serial := range serials {
		rows[i] = []any{serial.CountingDetailID, serial.Value}
	}
	_, err := r.tx.CopyFrom(ctx,
		pgx.Identifier{"serial_numbers"},
		[]string{"counting_detail_id", "serial_value"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// CompleteJobDetails marks the matching job details complete in one call.
func (r *txRepository) CompleteJobDetails(ctx context.Context, jobKeys []JobDetailKey) error {
	jobIDs := make([]int64, len(jobKeys))
	countingIDs := make([]int64, len(jobKeys))
	locationIDs := make([]int64, len(jobKeys))
	for i, key := range jobKeys {
		jobIDs[i] = key.JobID
		countingIDs[i] = key.CountingID
		locationIDs[i] = key.LocationID
	}
	query := `
		UPDATE job_details jd
		SET status = 'COMPLETE', updated_at = NOW()
		FROM unnest($1::bigint[], $2::bigint[], $3::bigint[]) AS k(job_id, counting_id, location_id)
		WHERE jd.job_id = k.job_id AND jd.counting_id = k.counting_id AND jd.location_id = k.location_id
	`
	_, err := r.tx.Exec(ctx, query, jobIDs, countingIDs, locationIDs)
	return err
}

// Reconcile returns the reconciliation view bound to the same transaction.
func (r *txRepository) Reconcile() reconcile.TxRepository {
	return r.reconcile.TxRepo(r.tx)
}

func int8ToPointer(i pgtype.Int8) *int64 {
	if !i.Valid {
		return nil
	}
	v := i.Int64
	return &v
}

func int8FromPointer(v *int64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: *v, Valid: true}
}

func timeToPointer(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func timestamptzFromPointer(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
