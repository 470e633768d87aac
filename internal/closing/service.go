package closing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/atlas-wms/atlas-wms/internal/counting"
	"github.com/atlas-wms/atlas-wms/internal/lifecycle"
	"github.com/atlas-wms/atlas-wms/internal/shared"
)

// TxRepository is the store surface CloseAssignment needs inside one
// transaction. Job and assignment rows are locked for the duration so the
// status transition and the sibling sync commit or roll back together.
type TxRepository interface {
	GetJobForUpdate(ctx context.Context, jobID int64) (Job, error)
	GetAssignmentForUpdate(ctx context.Context, assignmentID int64) (Assignment, error)
	ListAssignmentsByJob(ctx context.Context, jobID int64) ([]Assignment, error)
	GetPeople(ctx context.Context, ids []int64) (map[int64]Person, error)
	GetCountings(ctx context.Context, ids []int64) (map[int64]counting.Counting, error)
	ListJobDetails(ctx context.Context, jobID, countingID int64) ([]counting.JobDetail, error)
	ListCountingDetailsForJob(ctx context.Context, countingID, jobID int64) ([]counting.CountingDetail, error)
	InsertZeroDetails(ctx context.Context, details []counting.CountingDetail) error
	SetAssignmentPeople(ctx context.Context, assignmentID int64, peopleIDs []int64) error
	UpdateAssignment(ctx context.Context, a Assignment) error
	UpdateJob(ctx context.Context, j Job) error
	CountUnresolvedDiscrepancies(ctx context.Context, inventoryID int64) (int, error)
}

// RepositoryPort opens closing transactions.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service is the closing orchestrator. It composes the lifecycle machine and
// the reconciliation aggregates to decide when an assignment, and then its
// job, may be marked complete.
type Service struct {
	repo    RepositoryPort
	machine *lifecycle.Machine
	audit   AuditPort
	now     func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	svc := &Service{
		repo:    repo,
		machine: lifecycle.NewMachine(),
		audit:   audit,
		now:     time.Now,
	}
	return svc
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
		s.machine.WithNow(now)
	}
}

// CloseAssignment closes one assignment and, when every precondition holds,
// its job. Blocking job-closure conditions are reported in the result, not
// raised; the assignment itself still closes.
func (s *Service) CloseAssignment(ctx context.Context, in CloseInput) (CloseResult, error) {
	if len(in.PeopleIDs) < 1 || len(in.PeopleIDs) > 2 {
		return CloseResult{}, ErrPeopleCount
	}

	var result CloseResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		result, err = s.close(ctx, tx, in)
		return err
	})
	if err != nil {
		return CloseResult{}, err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  in.ActorID,
			Action:   "closing:close_assignment",
			Entity:   "assignment",
			EntityID: fmt.Sprintf("%d", in.AssignmentID),
			Meta: map[string]any{
				"job_closed":     result.JobClosed,
				"synced_details": result.SyncedDetails,
			},
		})
	}
	return result, nil
}

func (s *Service) close(ctx context.Context, tx TxRepository, in CloseInput) (CloseResult, error) {
	job, err := tx.GetJobForUpdate(ctx, in.JobID)
	if err != nil {
		return CloseResult{}, err
	}
	assignment, err := tx.GetAssignmentForUpdate(ctx, in.AssignmentID)
	if err != nil {
		return CloseResult{}, err
	}
	if assignment.JobID != job.ID {
		return CloseResult{}, ErrAssignmentJobMismatch
	}

	people, err := tx.GetPeople(ctx, in.PeopleIDs)
	if err != nil {
		return CloseResult{}, err
	}
	var missing []int64
	for _, id := range in.PeopleIDs {
		if _, ok := people[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return CloseResult{}, &MissingPeopleError{IDs: missing}
	}

	details, err := tx.ListJobDetails(ctx, job.ID, assignment.CountingID)
	if err != nil {
		return CloseResult{}, err
	}
	sort.Slice(details, func(i, j int) bool { return details[i].LocationID < details[j].LocationID })
	for _, detail := range details {
		if detail.Status != counting.JobDetailComplete {
			return CloseResult{}, &IncompleteLocationError{LocationID: detail.LocationID, CountingID: assignment.CountingID}
		}
	}

	if err := tx.SetAssignmentPeople(ctx, assignment.ID, in.PeopleIDs); err != nil {
		return CloseResult{}, err
	}
	assignment.PeopleIDs = in.PeopleIDs
	if err := s.machine.Transition(assignment.Status, lifecycle.StatusComplete, &assignment.Timestamps); err != nil {
		return CloseResult{}, err
	}
	assignment.Status = lifecycle.StatusComplete
	if err := tx.UpdateAssignment(ctx, assignment); err != nil {
		return CloseResult{}, err
	}

	result := CloseResult{AssignmentClosed: true}

	synced, err := s.syncSibling(ctx, tx, job, assignment)
	if err != nil {
		return CloseResult{}, err
	}
	result.SyncedDetails = synced

	closed, reasons, err := s.tryCloseJob(ctx, tx, job, assignment)
	if err != nil {
		return CloseResult{}, err
	}
	result.JobClosed = closed
	result.BlockingReasons = reasons
	return result, nil
}

// syncSibling aligns the counting-detail coverage of counting rounds 1 and 2
// once both assignments are complete. Keys present on one side only get an
// explicit zero-quantity detail on the other, so "not found" is recorded
// rather than absent. Rounds beyond 2 are left alone.
func (s *Service) syncSibling(ctx context.Context, tx TxRepository, job Job, closed Assignment) (int, error) {
	assignments, err := tx.ListAssignmentsByJob(ctx, job.ID)
	if err != nil {
		return 0, err
	}
	countingIDs := make([]int64, 0, len(assignments))
	for _, a := range assignments {
		countingIDs = append(countingIDs, a.CountingID)
	}
	countings, err := tx.GetCountings(ctx, countingIDs)
	if err != nil {
		return 0, err
	}

	own, ok := countings[closed.CountingID]
	if !ok || (own.Order != 1 && own.Order != 2) {
		return 0, nil
	}
	wantOrder := 3 - own.Order

	var sibling *Assignment
	for i, a := range assignments {
		if a.ID == closed.ID {
			continue
		}
		if cnt, ok := countings[a.CountingID]; ok && cnt.Order == wantOrder {
			sibling = &assignments[i]
			break
		}
	}
	if sibling == nil || sibling.Status != lifecycle.StatusComplete {
		return 0, nil
	}

	ownDetails, err := tx.ListCountingDetailsForJob(ctx, closed.CountingID, job.ID)
	if err != nil {
		return 0, err
	}
	siblingDetails, err := tx.ListCountingDetailsForJob(ctx, sibling.CountingID, job.ID)
	if err != nil {
		return 0, err
	}

	fills := make([]counting.CountingDetail, 0)
	fills = append(fills, missingFills(ownDetails, siblingDetails, sibling.CountingID)...)
	fills = append(fills, missingFills(siblingDetails, ownDetails, closed.CountingID)...)
	if len(fills) == 0 {
		return 0, nil
	}
	now := s.now()
	for i := range fills {
		fills[i].CreatedAt = now
		fills[i].UpdatedAt = now
	}
	if err := tx.InsertZeroDetails(ctx, fills); err != nil {
		return 0, err
	}
	return len(fills), nil
}

// missingFills returns zero-quantity copies of the details of source whose
// sync key has no counterpart in target, retargeted at targetCountingID.
func missingFills(source, target []counting.CountingDetail, targetCountingID int64) []counting.CountingDetail {
	covered := make(map[SyncKey]struct{}, len(target))
	for _, detail := range target {
		covered[syncKeyOf(detail)] = struct{}{}
	}
	var fills []counting.CountingDetail
	for _, detail := range source {
		if _, ok := covered[syncKeyOf(detail)]; ok {
			continue
		}
		fills = append(fills, counting.CountingDetail{
			CountingID: targetCountingID,
			LocationID: detail.LocationID,
			ProductID:  detail.ProductID,
			Quantity:   0,
			Lot:        detail.Lot,
			Expiry:     detail.Expiry,
		})
	}
	return fills
}

func syncKeyOf(detail counting.CountingDetail) SyncKey {
	key := SyncKey{
		LocationID: detail.LocationID,
		Expiry:     expiryKey(detail.Expiry),
		Lot:        detail.Lot,
	}
	if detail.ProductID != nil {
		key.ProductID = *detail.ProductID
	}
	return key
}

// tryCloseJob closes the job when every assignment is complete and no
// discrepancy of the job's inventory is missing its final result. A blocked
// closure is a pending state, not an error.
func (s *Service) tryCloseJob(ctx context.Context, tx TxRepository, job Job, closed Assignment) (bool, []string, error) {
	assignments, err := tx.ListAssignmentsByJob(ctx, job.ID)
	if err != nil {
		return false, nil, err
	}
	open := 0
	for _, a := range assignments {
		if a.ID == closed.ID {
			continue
		}
		if a.Status != lifecycle.StatusComplete {
			open++
		}
	}

	unresolved, err := tx.CountUnresolvedDiscrepancies(ctx, job.InventoryID)
	if err != nil {
		return false, nil, err
	}

	var reasons []string
	if open > 0 {
		reasons = append(reasons, fmt.Sprintf("%d assignment(s) not yet complete", open))
	}
	if unresolved > 0 {
		reasons = append(reasons, fmt.Sprintf("%d discrepancy(ies) without a final result", unresolved))
	}
	if len(reasons) > 0 {
		return false, reasons, nil
	}
	if job.Status == lifecycle.StatusComplete {
		return true, nil, nil
	}
	// A job status the table cannot move to COMPLETE blocks the closure but
	// must not fail the assignment close that already happened.
	if !lifecycle.CanTransition(job.Status, lifecycle.StatusComplete) {
		return false, []string{fmt.Sprintf("job status %s cannot move to %s", job.Status, lifecycle.StatusComplete)}, nil
	}

	if err := s.machine.Transition(job.Status, lifecycle.StatusComplete, &job.Timestamps); err != nil {
		return false, nil, err
	}
	job.Status = lifecycle.StatusComplete
	if err := tx.UpdateJob(ctx, job); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}
