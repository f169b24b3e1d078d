// Package file provides file-based persistence for executions and step
// logs. Executions are stored one JSON document per file, step logs as
// JSON-lines per execution. Suitable for development and single-node
// deployments.
package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/nuvoh/runway/pkg/persistence"
)

// Persistence implements persistence.Persistence on the local filesystem.
type Persistence struct {
	root          string
	executionRepo *ExecutionRepository
	stepLogRepo   *StepLogRepository
}

// NewPersistence creates a file persistence rooted at the given directory.
// Accepts a plain path or a file:// URL.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:          cleanRoot,
		executionRepo: NewExecutionRepository(filepath.Join(cleanRoot, "executions")),
		stepLogRepo:   NewStepLogRepository(filepath.Join(cleanRoot, "steplogs")),
	}
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return p.executionRepo
}

func (p *Persistence) StepLogs() persistence.StepLogRepository {
	return p.stepLogRepo
}

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}
