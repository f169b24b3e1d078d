package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/persistence"
)

// ExecutionRepository stores one JSON file per execution. A process-wide
// mutex serializes writers; cross-process locking is out of scope for the
// file backend.
type ExecutionRepository struct {
	root string
	mu   sync.Mutex
}

func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{root: root}
}

func (r *ExecutionRepository) path(id string) string {
	return filepath.Join(r.root, id+".json")
}

func (r *ExecutionRepository) Create(_ context.Context, exec *models.WorkflowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return persistence.NewExecutionError("Create", exec.ID, err)
	}

	if _, err := os.Stat(r.path(exec.ID)); err == nil {
		return persistence.NewExecutionError("Create", exec.ID, persistence.ErrExecutionAlreadyExists)
	}

	return r.write("Create", exec)
}

func (r *ExecutionRepository) GetByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	var exec models.WorkflowExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, persistence.NewExecutionError("GetByID", id, fmt.Errorf("corrupt execution file: %w", err))
	}

	return &exec, nil
}

func (r *ExecutionRepository) Update(ctx context.Context, exec *models.WorkflowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.GetByID(ctx, exec.ID)
	if err != nil {
		return err
	}

	if stored.Revision != exec.Revision {
		return persistence.NewExecutionError("Update", exec.ID, persistence.ErrRevisionConflict)
	}

	exec.Revision++
	exec.UpdatedAt = time.Now().UTC()

	return r.write("Update", exec.Clone())
}

// write persists via a temp file and rename so readers never observe a
// partially written document.
func (r *ExecutionRepository) write(op string, exec *models.WorkflowExecution) error {
	data, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		return persistence.NewExecutionError(op, exec.ID, err)
	}

	tmp := r.path(exec.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return persistence.NewExecutionError(op, exec.ID, err)
	}

	if err := os.Rename(tmp, r.path(exec.ID)); err != nil {
		return persistence.NewExecutionError(op, exec.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	if _, err := os.Stat(r.root); os.IsNotExist(err) {
		return []*models.WorkflowExecution{}, nil
	}

	files, err := fs.Glob(os.DirFS(r.root), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list execution files: %w", err)
	}

	matched := make([]*models.WorkflowExecution, 0, len(files))

	for _, name := range files {
		exec, err := r.GetByID(ctx, name[:len(name)-len(".json")])
		if err != nil {
			if persistence.IsExecutionNotFound(err) {
				continue
			}

			return nil, err
		}

		if filter.Matches(exec) {
			matched = append(matched, exec)
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

func (r *ExecutionRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	executions, err := r.List(ctx, persistence.ExecutionFilter{})
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0

	for _, exec := range executions {
		if !exec.Status.IsTerminal() || exec.CompletedAt == nil || !exec.CompletedAt.Before(cutoff) {
			continue
		}

		if err := os.Remove(r.path(exec.ID)); err != nil && !os.IsNotExist(err) {
			return removed, persistence.NewExecutionError("DeleteTerminalOlderThan", exec.ID, err)
		}

		removed++
	}

	return removed, nil
}
