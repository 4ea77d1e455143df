package kernel

import (
	"errors"
	"fmt"
)

// ErrAborted is returned by RunTick once a tick has aborted, until Reset.
var ErrAborted = errors.New("scheduler aborted")

// ReassignmentViolation means a phase rebound a World-shared reference on the snapshot.
type ReassignmentViolation struct {
	Phase string
	Field string
}

func (e *ReassignmentViolation) Error() string {
	return fmt.Sprintf("phase %q reassigned snapshot.%s", e.Phase, e.Field)
}

// StructuralViolation means a phase returned something other than its input snapshot.
type StructuralViolation struct {
	Phase string
}

func (e *StructuralViolation) Error() string {
	return fmt.Sprintf("phase %q returned a different snapshot", e.Phase)
}

// PhasePanic wraps a value recovered from a panicking phase or drain.
type PhasePanic struct {
	Phase string
	Value any
}

func (e *PhasePanic) Error() string {
	return fmt.Sprintf("phase %q panicked: %v", e.Phase, e.Value)
}

type TickAbortedError struct {
	Tick  uint64
	Phase string
	Err   error
}

func (e *TickAbortedError) Error() string {
	return fmt.Sprintf("tick %d aborted in %q: %v", e.Tick, e.Phase, e.Err)
}

func (e *TickAbortedError) Unwrap() error { return e.Err }
