package state

import (
	"errors"
	"fmt"

	"github.com/nuvoh/runway/pkg/models"
)

// ErrInvalidTransition is returned when a control operation targets an
// execution whose current status does not allow it.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError describes a rejected transition with enough context for
// the caller to report it.
type TransitionError struct {
	ExecutionID string
	From        models.ExecutionStatus
	To          models.ExecutionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("execution %s: cannot transition from %s to %s", e.ExecutionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func newTransitionError(executionID string, from, to models.ExecutionStatus) error {
	return &TransitionError{ExecutionID: executionID, From: from, To: to}
}
