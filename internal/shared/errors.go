package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrLockNotAcquired indicates a reconcile mutex is held elsewhere.
	ErrLockNotAcquired = errors.New("lock not acquired")
)
