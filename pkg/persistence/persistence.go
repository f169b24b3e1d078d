// Package persistence provides the storage abstraction for execution
// records and per-run step logs.
package persistence

import (
	"context"
	"time"

	"github.com/nuvoh/runway/pkg/models"
)

// ExecutionFilter narrows List queries. Zero values match everything.
type ExecutionFilter struct {
	WorkflowID string
	UserID     string
	Statuses   []models.ExecutionStatus

	// CreatedSince / CreatedUntil bound the creation timestamp.
	CreatedSince *time.Time
	CreatedUntil *time.Time

	// UpdatedBefore matches rows whose last write is older than the given
	// instant. Used for stuck-run detection.
	UpdatedBefore *time.Time

	Limit int
}

// Matches reports whether an execution satisfies the filter. Backends that
// cannot push the filter down evaluate it in memory.
func (f ExecutionFilter) Matches(exec *models.WorkflowExecution) bool {
	if f.WorkflowID != "" && exec.WorkflowID != f.WorkflowID {
		return false
	}

	if f.UserID != "" && exec.UserID != f.UserID {
		return false
	}

	if len(f.Statuses) > 0 {
		found := false

		for _, status := range f.Statuses {
			if exec.Status == status {
				found = true

				break
			}
		}

		if !found {
			return false
		}
	}

	if f.CreatedSince != nil && exec.CreatedAt.Before(*f.CreatedSince) {
		return false
	}

	if f.CreatedUntil != nil && exec.CreatedAt.After(*f.CreatedUntil) {
		return false
	}

	if f.UpdatedBefore != nil && !exec.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}

	return true
}

// ExecutionRepository stores workflow execution records keyed by execution
// id. The repository guarantees at least read-your-writes consistency per
// execution.
type ExecutionRepository interface {
	Create(ctx context.Context, exec *models.WorkflowExecution) error
	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)

	// Update writes the record only when exec.Revision matches the stored
	// row, returning ErrRevisionConflict otherwise. On success the stored
	// revision is bumped and reflected back on exec.
	Update(ctx context.Context, exec *models.WorkflowExecution) error
	List(ctx context.Context, filter ExecutionFilter) ([]*models.WorkflowExecution, error)

	// DeleteTerminalOlderThan purges terminal rows whose completion
	// timestamp predates the cutoff and returns how many were removed.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// StepLogRepository stores the structured step log trail for each run.
type StepLogRepository interface {
	Append(ctx context.Context, entry *models.StepLogEntry) error
	ListByExecution(ctx context.Context, executionID string, limit int) ([]*models.StepLogEntry, error)
}

// Persistence aggregates the repositories a deployment provides.
type Persistence interface {
	Executions() ExecutionRepository
	StepLogs() StepLogRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
