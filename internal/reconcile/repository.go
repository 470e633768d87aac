package reconcile

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists discrepancy aggregates in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepo returns the transactional view bound to tx.
func (r *Repository) TxRepo(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetForUpdate(ctx context.Context, key Key) (Discrepancy, error) {
	query := `
		SELECT id, product_id, location_id, inventory_id, total_sequences,
		       resolved, final_result, justification, created_at, updated_at
		FROM discrepancies
		WHERE product_id = $1 AND location_id = $2 AND inventory_id = $3
		FOR UPDATE
	`
	return scanDiscrepancy(r.tx.QueryRow(ctx, query, key.ProductID, key.LocationID, key.InventoryID))
}

func (r *txRepository) Insert(ctx context.Context, d Discrepancy) (int64, error) {
	query := `
		INSERT INTO discrepancies (product_id, location_id, inventory_id, total_sequences, resolved, created_at, updated_at)
		VALUES ($1, $2, $3, 0, FALSE, NOW(), NOW())
		RETURNING id
	`
	var id int64
	err := r.tx.QueryRow(ctx, query, d.Key.ProductID, d.Key.LocationID, d.Key.InventoryID).Scan(&id)
	return id, err
}

func (r *txRepository) ListSequences(ctx context.Context, discrepancyID int64) ([]Sequence, error) {
	query := `
		SELECT id, discrepancy_id, sequence_number, quantity, delta_previous, counting_detail_id, recorded_at
		FROM discrepancy_sequences
		WHERE discrepancy_id = $1
		ORDER BY sequence_number
	`
	rows, err := r.tx.Query(ctx, query, discrepancyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSequences(rows)
}

func (r *txRepository) InsertSequence(ctx context.Context, seq Sequence) (int64, error) {
	query := `
		INSERT INTO discrepancy_sequences (discrepancy_id, sequence_number, quantity, delta_previous, counting_detail_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	var id int64
	err := r.tx.QueryRow(ctx, query,
		seq.DiscrepancyID, seq.SequenceNumber, seq.Quantity,
		int8FromPointer(seq.DeltaFromPrevious), seq.CountingDetailID, seq.RecordedAt,
	).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateAggregate(ctx context.Context, d Discrepancy) error {
	query := `
		UPDATE discrepancies
		SET total_sequences = $2, final_result = $3, updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.tx.Exec(ctx, query, d.ID, d.TotalSequences, int8FromPointer(d.FinalResult))
	return err
}

// GetByKey loads one aggregate for display.
func (r *Repository) GetByKey(ctx context.Context, key Key) (Discrepancy, error) {
	query := `
		SELECT id, product_id, location_id, inventory_id, total_sequences,
		       resolved, final_result, justification, created_at, updated_at
		FROM discrepancies
		WHERE product_id = $1 AND location_id = $2 AND inventory_id = $3
	`
	return scanDiscrepancy(r.pool.QueryRow(ctx, query, key.ProductID, key.LocationID, key.InventoryID))
}

// ListSequencesByKey lists a key's ordered history for display.
func (r *Repository) ListSequencesByKey(ctx context.Context, key Key) ([]Sequence, error) {
	query := `
		SELECT s.id, s.discrepancy_id, s.sequence_number, s.quantity, s.delta_previous, s.counting_detail_id, s.recorded_at
		FROM discrepancy_sequences s
		JOIN discrepancies d ON d.id = s.discrepancy_id
		WHERE d.product_id = $1 AND d.location_id = $2 AND d.inventory_id = $3
		ORDER BY s.sequence_number
	`
	rows, err := r.pool.Query(ctx, query, key.ProductID, key.LocationID, key.InventoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSequences(rows)
}

// CountUnresolvedByInventory counts aggregates still lacking a final result.
func (r *Repository) CountUnresolvedByInventory(ctx context.Context, inventoryID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM discrepancies WHERE inventory_id = $1 AND final_result IS NULL`,
		inventoryID,
	).Scan(&count)
	return count, err
}

// ListUnresolvedInventories groups open aggregates per inventory.
func (r *Repository) ListUnresolvedInventories(ctx context.Context) (map[int64]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT inventory_id, COUNT(*) FROM discrepancies WHERE final_result IS NULL GROUP BY inventory_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[int64]int)
	for rows.Next() {
		var inventoryID int64
		var count int
		if err := rows.Scan(&inventoryID, &count); err != nil {
			return nil, err
		}
		result[inventoryID] = count
	}
	return result, rows.Err()
}

func scanDiscrepancy(row pgx.Row) (Discrepancy, error) {
	var d Discrepancy
	var finalResult, justification = pgtype.Int8{}, pgtype.Text{}
	err := row.Scan(
		&d.ID, &d.Key.ProductID, &d.Key.LocationID, &d.Key.InventoryID,
		&d.TotalSequences, &d.Resolved, &finalResult, &justification,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Discrepancy{}, ErrDiscrepancyNotFound
		}
		return Discrepancy{}, err
	}
	d.FinalResult = int8ToPointer(finalResult)
	d.Justification = justification.String
	return d, nil
}

func collectSequences(rows pgx.Rows) ([]Sequence, error) {
	var sequences []Sequence
	for rows.Next() {
		var seq Sequence
		var delta pgtype.Int8
		if err := rows.Scan(&seq.ID, &seq.DiscrepancyID, &seq.SequenceNumber, &seq.Quantity, &delta, &seq.CountingDetailID, &seq.RecordedAt); err != nil {
			return nil, err
		}
		seq.DeltaFromPrevious = int8ToPointer(delta)
		sequences = append(sequences, seq)
	}
	return sequences, rows.Err()
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
