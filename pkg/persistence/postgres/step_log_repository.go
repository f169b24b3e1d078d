package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nuvoh/runway/pkg/models"
)

// StepLogRepository stores the step log trail in an append-only table.
type StepLogRepository struct {
	db *sql.DB
}

func NewStepLogRepository(db *sql.DB) *StepLogRepository {
	return &StepLogRepository{db: db}
}

func (r *StepLogRepository) Append(ctx context.Context, entry *models.StepLogEntry) error {
	if entry.ID == "" {
		entry.ID = models.NewID("slog")
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	document, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal step log entry: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO step_log_entries (id, execution_id, step_order, event, attempt, timestamp, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.ExecutionID, entry.StepOrder, string(entry.Event),
		entry.Attempt, entry.Timestamp, document,
	)
	if err != nil {
		return fmt.Errorf("failed to append step log entry: %w", err)
	}

	return nil
}

func (r *StepLogRepository) ListByExecution(ctx context.Context, executionID string, limit int) ([]*models.StepLogEntry, error) {
	query := `
		SELECT document FROM step_log_entries
		WHERE execution_id = $1
		ORDER BY timestamp ASC`
	args := []any{executionID}

	if limit > 0 {
		// Keep the most recent entries while preserving ascending order.
		query = `
			SELECT document FROM (
				SELECT document, timestamp FROM step_log_entries
				WHERE execution_id = $1
				ORDER BY timestamp DESC
				LIMIT $2
			) recent ORDER BY timestamp ASC`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list step log entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.StepLogEntry, 0)

	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan step log row: %w", err)
		}

		var entry models.StepLogEntry
		if err := json.Unmarshal(document, &entry); err != nil {
			return nil, fmt.Errorf("corrupt step log document: %w", err)
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
