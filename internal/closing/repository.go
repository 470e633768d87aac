package closing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-wms/atlas-wms/internal/counting"
	"github.com/atlas-wms/atlas-wms/internal/lifecycle"
	"github.com/atlas-wms/atlas-wms/internal/platform/db"
)

// Repository persists closing data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("closing repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

// GetJobForUpdate loads and row-locks one job.
func (r *txRepository) GetJobForUpdate(ctx context.Context, jobID int64) (Job, error) {
	query := `
		SELECT id, inventory_id, status, ready_at, started_at, handed_off_at, completed_at
		FROM jobs
		WHERE id = $1
		FOR UPDATE
	`
	row := r.tx.QueryRow(ctx, query, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return job, err
}

// GetAssignmentForUpdate loads and row-locks one assignment.
func (r *txRepository) GetAssignmentForUpdate(ctx context.Context, assignmentID int64) (Assignment, error) {
	query := `
		SELECT id, job_id, counting_id, status, ready_at, started_at, handed_off_at, completed_at
		FROM assignments
		WHERE id = $1
		FOR UPDATE
	`
	row := r.tx.QueryRow(ctx, query, assignmentID)
	assignment, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, ErrAssignmentNotFound
	}
	return assignment, err
}

// ListAssignmentsByJob returns every assignment of the job.
func (r *txRepository) ListAssignmentsByJob(ctx context.Context, jobID int64) ([]Assignment, error) {
	query := `
		SELECT id, job_id, counting_id, status, ready_at, started_at, handed_off_at, completed_at
		FROM assignments
		WHERE job_id = $1
		ORDER BY id
	`
	rows, err := r.tx.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []Assignment
	for rows.Next() {
		assignment, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, assignment)
	}
	return assignments, rows.Err()
}

// GetPeople loads people by id.
func (r *txRepository) GetPeople(ctx context.Context, ids []int64) (map[int64]Person, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, name FROM people WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[int64]Person, len(ids))
	for rows.Next() {
		var p Person
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		found[p.ID] = p
	}
	return found, rows.Err()
}

// GetCountings loads counting rounds by id.
func (r *txRepository) GetCountings(ctx context.Context, ids []int64) (map[int64]counting.Counting, error) {
	query := `
		SELECT id, inventory_id, count_order, count_mode, needs_lot, needs_serial, needs_expiry
		FROM countings
		WHERE id = ANY($1)
	`
	rows, err := r.tx.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[int64]counting.Counting, len(ids))
	for rows.Next() {
		var c counting.Counting
		if err := rows.Scan(&c.ID, &c.InventoryID, &c.Order, &c.Mode, &c.RequiresLot, &c.RequiresSerial, &c.RequiresExpiry); err != nil {
			return nil, err
		}
		found[c.ID] = c
	}
	return found, rows.Err()
}

// ListJobDetails returns every job detail of (job, counting).
func (r *txRepository) ListJobDetails(ctx context.Context, jobID, countingID int64) ([]counting.JobDetail, error) {
	query := `
		SELECT id, job_id, counting_id, location_id, status
		FROM job_details
		WHERE job_id = $1 AND counting_id = $2
		ORDER BY location_id
	`
	rows, err := r.tx.Query(ctx, query, jobID, countingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []counting.JobDetail
	for rows.Next() {
		var jd counting.JobDetail
		if err := rows.Scan(&jd.ID, &jd.JobID, &jd.CountingID, &jd.LocationID, &jd.Status); err != nil {
			return nil, err
		}
		details = append(details, jd)
	}
	return details, rows.Err()
}

// ListCountingDetailsForJob returns the counting's details restricted to the
// job's locations.
func (r *txRepository) ListCountingDetailsForJob(ctx context.Context, countingID, jobID int64) ([]counting.CountingDetail, error) {
	query := `
		SELECT cd.id, cd.counting_id, cd.location_id, cd.product_id, cd.quantity, cd.lot, cd.expiry, cd.created_at, cd.updated_at
		FROM counting_details cd
		JOIN job_details jd ON jd.location_id = cd.location_id AND jd.counting_id = cd.counting_id
		WHERE cd.counting_id = $1 AND jd.job_id = $2
		ORDER BY cd.id
	`
	rows, err := r.tx.Query(ctx, query, countingID, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []counting.CountingDetail
	for rows.Next() {
		var cd counting.CountingDetail
		var productID pgtype.Int8
		var lot pgtype.Text
		var expiry pgtype.Timestamptz
		if err := rows.Scan(&cd.ID, &cd.CountingID, &cd.LocationID, &productID, &cd.Quantity, &lot, &expiry, &cd.CreatedAt, &cd.UpdatedAt); err != nil {
			return nil, err
		}
		if productID.Valid {
			v := productID.Int64
			cd.ProductID = &v
		}
		cd.Lot = lot.String
		if expiry.Valid {
			t := expiry.Time
			cd.Expiry = &t
		}
		details = append(details, cd)
	}
	return details, rows.Err()
}

// InsertZeroDetails inserts the zero-quantity fill rows as one statement.
func (r *txRepository) InsertZeroDetails(ctx context.Context, details []counting.CountingDetail) error {
	countingIDs := make([]int64, len(details))
	locationIDs := make([]int64, len(details))
	productIDs := make([]pgtype.Int8, len(details))
	lots := make([]pgtype.Text, len(details))
	expiries := make([]pgtype.Timestamptz, len(details))
	for i, detail := range details {
		countingIDs[i] = detail.CountingID
		locationIDs[i] = detail.LocationID
		if detail.ProductID != nil {
			productIDs[i] = pgtype.Int8{Int64: *detail.ProductID, Valid: true}
		}
		lots[i] = pgtype.Text{String: detail.Lot, Valid: detail.Lot != ""}
		if detail.Expiry != nil {
			expiries[i] = pgtype.Timestamptz{Time: *detail.Expiry, Valid: true}
		}
	}
	query := `
		INSERT INTO counting_details (counting_id, location_id, product_id, quantity, lot, expiry, created_at, updated_at)
		SELECT counting_id, location_id, product_id, 0, lot, expiry, NOW(), NOW()
		FROM unnest($1::bigint[], $2::bigint[], $3::bigint[], $4::text[], $5::timestamptz[])
		  AS t(counting_id, location_id, product_id, lot, expiry)
	`
	_, err := r.tx.Exec(ctx, query, countingIDs, locationIDs, productIDs, lots, expiries)
	return err
}

// SetAssignmentPeople replaces the assignment's team.
func (r *txRepository) SetAssignmentPeople(ctx context.Context, assignmentID int64, peopleIDs []int64) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM assignment_people WHERE assignment_id = $1`, assignmentID); err != nil {
		return err
	}
	query := `
		INSERT INTO assignment_people (assignment_id, person_id)
		SELECT $1, person_id FROM unnest($2::bigint[]) AS t(person_id)
	`
	_, err := r.tx.Exec(ctx, query, assignmentID, peopleIDs)
	return err
}

// UpdateAssignment persists the assignment's status and timestamps.
func (r *txRepository) UpdateAssignment(ctx context.Context, a Assignment) error {
	query := `
		UPDATE assignments
		SET status = $2, ready_at = $3, started_at = $4, handed_off_at = $5, completed_at = $6
		WHERE id = $1
	`
	_, err := r.tx.Exec(ctx, query, a.ID, string(a.Status),
		timestamptzFromPointer(a.Timestamps.ReadyAt),
		timestamptzFromPointer(a.Timestamps.StartedAt),
		timestamptzFromPointer(a.Timestamps.HandedOffAt),
		timestamptzFromPointer(a.Timestamps.CompletedAt),
	)
	return err
}

// UpdateJob persists the job's status and timestamps.
func (r *txRepository) UpdateJob(ctx context.Context, j Job) error {
	query := `
		UPDATE jobs
		SET status = $2, ready_at = $3, started_at = $4, handed_off_at = $5, completed_at = $6
		WHERE id = $1
	`
	_, err := r.tx.Exec(ctx, query, j.ID, string(j.Status),
		timestamptzFromPointer(j.Timestamps.ReadyAt),
		timestamptzFromPointer(j.Timestamps.StartedAt),
		timestamptzFromPointer(j.Timestamps.HandedOffAt),
		timestamptzFromPointer(j.Timestamps.CompletedAt),
	)
	return err
}

// CountUnresolvedDiscrepancies counts the inventory's aggregates still
// missing a final result.
func (r *txRepository) CountUnresolvedDiscrepancies(ctx context.Context, inventoryID int64) (int, error) {
	var count int
	err := r.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM discrepancies WHERE inventory_id = $1 AND final_result IS NULL`,
		inventoryID,
	).Scan(&count)
	return count, err
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	var status string
	var readyAt, startedAt, handedOffAt, completedAt pgtype.Timestamptz
	if err := row.Scan(&j.ID, &j.InventoryID, &status, &readyAt, &startedAt, &handedOffAt, &completedAt); err != nil {
		return Job{}, err
	}
	j.Status = lifecycle.Status(status)
	j.Timestamps = lifecycle.Timestamps{
		ReadyAt:     timeToPointer(readyAt),
		StartedAt:   timeToPointer(startedAt),
		HandedOffAt: timeToPointer(handedOffAt),
		CompletedAt: timeToPointer(completedAt),
	}
	return j, nil
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	var status string
	var readyAt, startedAt, handedOffAt, completedAt pgtype.Timestamptz
	if err := row.Scan(&a.ID, &a.JobID, &a.CountingID, &status, &readyAt, &startedAt, &handedOffAt, &completedAt); err != nil {
		return Assignment{}, err
	}
	a.Status = lifecycle.Status(status)
	a.Timestamps = lifecycle.Timestamps{
		ReadyAt:     timeToPointer(readyAt),
		StartedAt:   timeToPointer(startedAt),
		HandedOffAt: timeToPointer(handedOffAt),
		CompletedAt: timeToPointer(completedAt),
	}
	return a, nil
}

func timeToPointer(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

func timestamptzFromPointer(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
