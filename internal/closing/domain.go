package closing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-wms/atlas-wms/internal/lifecycle"
)

// Job is a unit of counting work spanning one or more locations. Its status
// is driven by the shared lifecycle machine.
type Job struct {
	ID          int64
	InventoryID int64
	Status      lifecycle.Status
	Timestamps  lifecycle.Timestamps
}

// Assignment binds a job to one counting round plus the team executing it.
type Assignment struct {
	ID         int64
	JobID      int64
	CountingID int64
	Status     lifecycle.Status
	Timestamps lifecycle.Timestamps
	PeopleIDs  []int64
}

// Person is a team member eligible to be assigned to a count.
type Person struct {
	ID   int64
	Name string
}

// SyncKey identifies a counting detail for cross-counting comparison. The
// expiry is carried as a formatted date so the struct stays comparable.
type SyncKey struct {
	LocationID int64
	ProductID  int64
	Expiry     string
	Lot        string
}

// CloseInput carries one close request.
type CloseInput struct {
	JobID        int64
	AssignmentID int64
	PeopleIDs    []int64
	ActorID      int64
}

// CloseResult reports the outcome of a close request. An assignment may
// close while the job stays open; BlockingReasons then says why.
type CloseResult struct {
	AssignmentClosed bool     `json:"assignment_closed"`
	JobClosed        bool     `json:"job_closed"`
	BlockingReasons  []string `json:"blocking_reasons,omitempty"`
	SyncedDetails    int      `json:"synced_details"`
}

var (
	// ErrPeopleCount rejects a team that is not one or two people.
	ErrPeopleCount = errors.New("closing: an assignment closes with one or two people")
	// ErrAssignmentJobMismatch rejects an assignment that belongs to another job.
	ErrAssignmentJobMismatch = errors.New("closing: assignment does not belong to the given job")
	// ErrJobNotFound and ErrAssignmentNotFound surface dangling identifiers.
	ErrJobNotFound        = errors.New("closing: job not found")
	ErrAssignmentNotFound = errors.New("closing: assignment not found")
)

// MissingPeopleError names the person ids that did not resolve.
type MissingPeopleError struct {
	IDs []int64
}

func (e *MissingPeopleError) Error() string {
	parts := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return "closing: unknown people: " + strings.Join(parts, ", ")
}

// IncompleteLocationError blocks a close while a job detail is still pending.
// It names the first incomplete location.
type IncompleteLocationError struct {
	LocationID int64
	CountingID int64
}

func (e *IncompleteLocationError) Error() string {
	return fmt.Sprintf("closing: location %d has no ingested count for counting %d", e.LocationID, e.CountingID)
}

// expiryKey formats an optional expiry date for use inside a SyncKey.
func expiryKey(expiry *time.Time) string {
	if expiry == nil {
		return ""
	}
	return expiry.Format("2006-01-02")
}
