// Package persistence provides standardized error types for storage
// operations.
package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutionNotFound indicates no execution exists for the given id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionAlreadyExists indicates a create collided with an
	// existing execution id.
	ErrExecutionAlreadyExists = errors.New("execution already exists")

	// ErrRevisionConflict indicates an update carried a stale revision: a
	// concurrent writer landed first. Callers reload and reapply.
	ErrRevisionConflict = errors.New("execution revision conflict")
)

// ExecutionError wraps execution storage errors with operation context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g. "Create", "Update")
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates an execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// IsExecutionNotFound checks if an error indicates a missing execution.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}
