// Package lifecycle enforces the status transitions shared by jobs and
// assignments. Both entities move through the same table, so the machine is
// status-in/status-out and knows nothing about the owning record.
package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// Status enumerates the lifecycle stages of a job or an assignment.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAssigned  Status = "ASSIGNED"
	StatusReady     Status = "READY"
	StatusHandedOff Status = "HANDED_OFF"
	StatusStarted   Status = "STARTED"
	StatusComplete  Status = "COMPLETE"
)

// transitions maps each status to the set it may move to. StatusComplete is
// terminal and deliberately absent.
var transitions = map[Status][]Status{
	StatusPending:   {StatusAssigned, StatusReady},
	StatusAssigned:  {StatusReady, StatusStarted},
	StatusReady:     {StatusStarted, StatusHandedOff},
	StatusHandedOff: {StatusStarted, StatusComplete},
	StatusStarted:   {StatusComplete},
}

// ErrAlreadyStarted guards idempotent re-entry into StatusStarted.
var ErrAlreadyStarted = errors.New("lifecycle: already started")

// ErrUnknownStatus is returned for statuses outside the table.
var ErrUnknownStatus = errors.New("lifecycle: unknown status")

// InvalidTransitionError reports a move the table does not allow.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("lifecycle: invalid transition from %s to %s", e.From, e.To)
}

// Timestamps collects the stamp fields updated as a side effect of
// transitions. Pointers stay nil until the corresponding status is entered.
type Timestamps struct {
	ReadyAt     *time.Time
	StartedAt   *time.Time
	HandedOffAt *time.Time
	CompletedAt *time.Time
}

// Machine applies transitions and stamps timestamps. The zero value uses the
// wall clock; tests inject a fixed clock through WithNow.
type Machine struct {
	now func() time.Time
}

// NewMachine constructs a Machine with the default clock.
func NewMachine() *Machine {
	return &Machine{now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (m *Machine) WithNow(now func() time.Time) *Machine {
	if now != nil {
		m.now = now
	}
	return m
}

// Valid reports whether s is a known status.
func Valid(s Status) bool {
	switch s {
	case StatusPending, StatusAssigned, StatusReady, StatusHandedOff, StatusStarted, StatusComplete:
		return true
	}
	return false
}

// Transition moves from current to next, stamping ts when next carries a
// timestamp. A repeated move into StatusStarted returns ErrAlreadyStarted so
// callers can treat double-starts as a business conflict rather than a
// malformed request.
func (m *Machine) Transition(current, next Status, ts *Timestamps) error {
	if !Valid(current) || !Valid(next) {
		return ErrUnknownStatus
	}
	if current == StatusStarted && next == StatusStarted {
		return ErrAlreadyStarted
	}
	if !allowed(current, next) {
		return &InvalidTransitionError{From: current, To: next}
	}
	if ts != nil {
		now := m.clock()
		switch next {
		case StatusReady:
			ts.ReadyAt = &now
		case StatusStarted:
			ts.StartedAt = &now
		case StatusHandedOff:
			ts.HandedOffAt = &now
		case StatusComplete:
			ts.CompletedAt = &now
		}
	}
	return nil
}

// CanTransition reports whether the table permits current -> next.
func CanTransition(current, next Status) bool {
	return allowed(current, next)
}

func allowed(current, next Status) bool {
	for _, candidate := range transitions[current] {
		if candidate == next {
			return true
		}
	}
	return false
}

func (m *Machine) clock() time.Time {
	if m == nil || m.now == nil {
		return time.Now()
	}
	return m.now()
}
