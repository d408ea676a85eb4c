package workflow

import "errors"

var (
	// ErrWorkflowNotFound indicates the workflow id has no record.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrStepNotFound indicates the step id has no record.
	ErrStepNotFound = errors.New("step not found")

	// ErrConflict indicates a conditional transition found the record in a
	// state outside the expected set. Callers handling redelivery treat it
	// as an already-done no-op.
	ErrConflict = errors.New("state transition conflict")
)
