package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nuvoh/runway/pkg/models"
)

// StepLogRepository appends step log entries as JSON lines, one file per
// execution.
type StepLogRepository struct {
	root string
	mu   sync.Mutex
}

func NewStepLogRepository(root string) *StepLogRepository {
	return &StepLogRepository{root: root}
}

func (r *StepLogRepository) path(executionID string) string {
	return filepath.Join(r.root, executionID+".jsonl")
}

func (r *StepLogRepository) Append(_ context.Context, entry *models.StepLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("failed to create step log directory: %w", err)
	}

	if entry.ID == "" {
		entry.ID = models.NewID("slog")
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal step log entry: %w", err)
	}

	f, err := os.OpenFile(r.path(entry.ExecutionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open step log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append step log entry: %w", err)
	}

	return nil
}

func (r *StepLogRepository) ListByExecution(_ context.Context, executionID string, limit int) ([]*models.StepLogEntry, error) {
	f, err := os.Open(r.path(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.StepLogEntry{}, nil
		}

		return nil, fmt.Errorf("failed to open step log file: %w", err)
	}
	defer f.Close()

	entries := make([]*models.StepLogEntry, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var entry models.StepLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// Skip torn lines rather than failing the whole trail.
			continue
		}

		entries = append(entries, &entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read step log file: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	return entries, nil
}
