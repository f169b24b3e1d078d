package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/persistence"
)

// ExecutionRepository stores each execution as a JSONB document plus a few
// indexed columns for filtering. Updates compare-and-swap on the revision
// column.
type ExecutionRepository struct {
	db *sql.DB
}

func NewExecutionRepository(db *sql.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) Create(ctx context.Context, exec *models.WorkflowExecution) error {
	document, err := json.Marshal(exec)
	if err != nil {
		return persistence.NewExecutionError("Create", exec.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, user_id, status, revision, completed_at, created_at, updated_at, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		exec.ID, exec.WorkflowID, exec.UserID, string(exec.Status), exec.Revision,
		exec.CompletedAt, exec.CreatedAt, exec.UpdatedAt, document,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return persistence.NewExecutionError("Create", exec.ID, persistence.ErrExecutionAlreadyExists)
		}

		return persistence.NewExecutionError("Create", exec.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var document []byte

	err := r.db.QueryRowContext(ctx,
		`SELECT document FROM workflow_executions WHERE id = $1`, id,
	).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	var exec models.WorkflowExecution
	if err := json.Unmarshal(document, &exec); err != nil {
		return nil, persistence.NewExecutionError("GetByID", id, fmt.Errorf("corrupt execution document: %w", err))
	}

	return &exec, nil
}

func (r *ExecutionRepository) Update(ctx context.Context, exec *models.WorkflowExecution) error {
	expected := exec.Revision

	clone := exec.Clone()
	clone.Revision = expected + 1
	clone.UpdatedAt = time.Now().UTC()

	document, err := json.Marshal(clone)
	if err != nil {
		return persistence.NewExecutionError("Update", exec.ID, err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET workflow_id = $2, user_id = $3, status = $4, revision = $5, completed_at = $6, updated_at = $7, document = $8
		WHERE id = $1 AND revision = $9`,
		clone.ID, clone.WorkflowID, clone.UserID, string(clone.Status), clone.Revision,
		clone.CompletedAt, clone.UpdatedAt, document, expected,
	)
	if err != nil {
		return persistence.NewExecutionError("Update", exec.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("Update", exec.ID, err)
	}

	if affected == 0 {
		// Zero rows means either a missing execution or a stale revision.
		if _, err := r.GetByID(ctx, exec.ID); err != nil {
			return persistence.NewExecutionError("Update", exec.ID, persistence.ErrExecutionNotFound)
		}

		return persistence.NewExecutionError("Update", exec.ID, persistence.ErrRevisionConflict)
	}

	exec.Revision = clone.Revision
	exec.UpdatedAt = clone.UpdatedAt

	return nil
}

func (r *ExecutionRepository) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	query := `SELECT document FROM workflow_executions WHERE 1=1`
	args := make([]any, 0, 6)

	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		query += fmt.Sprintf(" AND workflow_id = $%d", len(args))
	}

	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))

		for i, status := range filter.Statuses {
			args = append(args, string(status))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}

		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}

	if filter.CreatedSince != nil {
		args = append(args, *filter.CreatedSince)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}

	if filter.CreatedUntil != nil {
		args = append(args, *filter.CreatedUntil)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	if filter.UpdatedBefore != nil {
		args = append(args, *filter.UpdatedBefore)
		query += fmt.Sprintf(" AND updated_at < $%d", len(args))
	}

	query += " ORDER BY created_at ASC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}

		var exec models.WorkflowExecution
		if err := json.Unmarshal(document, &exec); err != nil {
			return nil, fmt.Errorf("corrupt execution document: %w", err)
		}

		executions = append(executions, &exec)
	}

	return executions, rows.Err()
}

func (r *ExecutionRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM workflow_executions
		WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED')
		AND completed_at IS NOT NULL
		AND completed_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted executions: %w", err)
	}

	return int(affected), nil
}
