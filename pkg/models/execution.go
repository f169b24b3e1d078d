// Package models defines the core domain models for workflow run tracking
// and step execution.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusPaused    ExecutionStatus = "PAUSED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
	ExecutionStatusRetrying  ExecutionStatus = "RETRYING"
)

// IsTerminal reports whether no further transition can leave the status.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// WorkflowExecution is one run of a workflow. Created PENDING and mutated
// exclusively through the state manager; completedSteps+failedSteps never
// exceeds totalSteps, with equality once the run is terminal.
type WorkflowExecution struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"  validate:"required"`
	UserID       string          `json:"user_id"      validate:"required"`
	Status       ExecutionStatus `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	RetryAfter   *time.Time      `json:"retry_after,omitempty"`

	// Weak reference to an enqueued job; owned by the queue, never by us.
	QueueJobID string `json:"queue_job_id,omitempty"`
	QueueName  string `json:"queue_name,omitempty"`

	PausedAt  *time.Time `json:"paused_at,omitempty"`
	PausedBy  string     `json:"paused_by,omitempty"`
	ResumedAt *time.Time `json:"resumed_at,omitempty"`
	ResumedBy string     `json:"resumed_by,omitempty"`

	CurrentStep    int                `json:"current_step"`
	TotalSteps     int                `json:"total_steps"`
	CompletedSteps int                `json:"completed_steps"`
	FailedSteps    int                `json:"failed_steps"`
	ExecutionTime  time.Duration      `json:"execution_time"`
	StepResults    map[int]StepResult `json:"step_results,omitempty"`

	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Revision guards updates: a write only lands when its revision matches
	// the stored row, and each successful write bumps it.
	Revision int64 `json:"revision"`
}

// NewWorkflowExecution creates a PENDING execution for the given workflow.
func NewWorkflowExecution(workflowID, userID string, totalSteps, maxAttempts int) *WorkflowExecution {
	now := time.Now().UTC()

	return &WorkflowExecution{
		ID:          NewID("exec"),
		WorkflowID:  workflowID,
		UserID:      userID,
		Status:      ExecutionStatusPending,
		MaxAttempts: maxAttempts,
		TotalSteps:  totalSteps,
		StepResults: make(map[int]StepResult),
		Metadata:    make(map[string]any),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep-enough copy for handing out snapshots without
// exposing the stored maps to mutation.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	clone := *e

	clone.StepResults = make(map[int]StepResult, len(e.StepResults))
	for order, result := range e.StepResults {
		clone.StepResults[order] = result
	}

	clone.Metadata = make(map[string]any, len(e.Metadata))
	for k, v := range e.Metadata {
		clone.Metadata[k] = v
	}

	if e.Result != nil {
		clone.Result = make(map[string]any, len(e.Result))
		for k, v := range e.Result {
			clone.Result[k] = v
		}
	}

	return &clone
}

// CheckInvariants validates the step accounting and attempt bookkeeping.
func (e *WorkflowExecution) CheckInvariants() error {
	if e.CompletedSteps+e.FailedSteps > e.TotalSteps {
		return fmt.Errorf("execution %s: completed (%d) + failed (%d) steps exceed total (%d)",
			e.ID, e.CompletedSteps, e.FailedSteps, e.TotalSteps)
	}

	if e.Status.IsTerminal() && e.Status != ExecutionStatusCancelled &&
		e.CompletedSteps+e.FailedSteps != e.TotalSteps {
		return fmt.Errorf("execution %s: terminal but %d of %d steps accounted for",
			e.ID, e.CompletedSteps+e.FailedSteps, e.TotalSteps)
	}

	if !e.Status.IsTerminal() && e.AttemptCount > e.MaxAttempts {
		return fmt.Errorf("execution %s: attempt count %d exceeds max attempts %d",
			e.ID, e.AttemptCount, e.MaxAttempts)
	}

	return nil
}

// NewID generates a prefixed unique identifier, preferring time-ordered
// UUIDv7 and falling back to v4.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return prefix + "-" + uuid.NewString()
	}

	return prefix + "-" + id.String()
}
