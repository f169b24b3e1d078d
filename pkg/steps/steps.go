// Package steps defines the executor contract shared by every step variant
// and the registry the runner dispatches through. One executor exists per
// step kind; executors are stateless and safe for concurrent use.
package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nuvoh/runway/pkg/models"
)

// ErrUnknownStepKind is returned when no executor is registered for a
// step's kind.
var ErrUnknownStepKind = errors.New("unknown step kind")

// Executor runs exactly one step variant. Validate rejects malformed steps
// before any retry loop starts; Execute performs one attempt and reports
// the attempt number it was called with so flaky simulations stay stateless.
type Executor interface {
	Kind() models.StepKind
	Validate(step *models.Step) error
	Execute(ctx context.Context, step *models.Step, execCtx *models.ExecutionContext, attempt int, logger *slog.Logger) (any, error)
}

// Registry maps step kinds to their executors.
type Registry struct {
	executors map[models.StepKind]Executor
}

func NewRegistry(executors ...Executor) *Registry {
	registry := &Registry{
		executors: make(map[models.StepKind]Executor, len(executors)),
	}

	for _, executor := range executors {
		registry.executors[executor.Kind()] = executor
	}

	return registry
}

// Register adds or replaces the executor for its kind.
func (r *Registry) Register(executor Executor) {
	r.executors[executor.Kind()] = executor
}

// ExecutorFor returns the executor registered for the given kind.
func (r *Registry) ExecutorFor(kind models.StepKind) (Executor, error) {
	executor, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStepKind, kind)
	}

	return executor, nil
}

// Kinds lists the registered step kinds.
func (r *Registry) Kinds() []models.StepKind {
	kinds := make([]models.StepKind, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}

	return kinds
}
