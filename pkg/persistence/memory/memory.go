// Package memory provides an in-memory persistence implementation for tests
// and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/persistence"
)

// Persistence keeps executions and step logs in process memory, honoring
// the same revision-guarded update contract as the real backends.
type Persistence struct {
	executions *ExecutionRepository
	stepLogs   *StepLogRepository
}

func NewPersistence() *Persistence {
	return &Persistence{
		executions: &ExecutionRepository{rows: make(map[string]*models.WorkflowExecution)},
		stepLogs:   &StepLogRepository{entries: make(map[string][]*models.StepLogEntry)},
	}
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return p.executions
}

func (p *Persistence) StepLogs() persistence.StepLogRepository {
	return p.stepLogs
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// ExecutionRepository is the in-memory execution store.
type ExecutionRepository struct {
	mu   sync.RWMutex
	rows map[string]*models.WorkflowExecution
}

func (r *ExecutionRepository) Create(_ context.Context, exec *models.WorkflowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rows[exec.ID]; exists {
		return persistence.NewExecutionError("Create", exec.ID, persistence.ErrExecutionAlreadyExists)
	}

	r.rows[exec.ID] = exec.Clone()

	return nil
}

func (r *ExecutionRepository) GetByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.rows[id]
	if !ok {
		return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
	}

	return exec.Clone(), nil
}

func (r *ExecutionRepository) Update(_ context.Context, exec *models.WorkflowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.rows[exec.ID]
	if !ok {
		return persistence.NewExecutionError("Update", exec.ID, persistence.ErrExecutionNotFound)
	}

	if stored.Revision != exec.Revision {
		return persistence.NewExecutionError("Update", exec.ID, persistence.ErrRevisionConflict)
	}

	exec.Revision++
	exec.UpdatedAt = time.Now().UTC()
	r.rows[exec.ID] = exec.Clone()

	return nil
}

func (r *ExecutionRepository) List(_ context.Context, filter persistence.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*models.WorkflowExecution, 0)

	for _, exec := range r.rows {
		if filter.Matches(exec) {
			matched = append(matched, exec.Clone())
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	return matched, nil
}

func (r *ExecutionRepository) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0

	for id, exec := range r.rows {
		if !exec.Status.IsTerminal() || exec.CompletedAt == nil {
			continue
		}

		if exec.CompletedAt.Before(cutoff) {
			delete(r.rows, id)

			removed++
		}
	}

	return removed, nil
}

// StepLogRepository is the in-memory step log store.
type StepLogRepository struct {
	mu      sync.RWMutex
	entries map[string][]*models.StepLogEntry
}

func (r *StepLogRepository) Append(_ context.Context, entry *models.StepLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = models.NewID("slog")
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	clone := *entry
	r.entries[entry.ExecutionID] = append(r.entries[entry.ExecutionID], &clone)

	return nil
}

func (r *StepLogRepository) ListByExecution(_ context.Context, executionID string, limit int) ([]*models.StepLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.entries[executionID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	result := make([]*models.StepLogEntry, len(entries))
	for i, entry := range entries {
		clone := *entry
		result[i] = &clone
	}

	return result, nil
}
