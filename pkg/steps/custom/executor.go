// Package custom executes the built-in custom actions (noop, wait, log,
// flaky) plus an open default for unrecognised actions. The flaky action
// simulates a configurable number of failures before succeeding and exists
// to exercise retry paths.
package custom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/template"
)

const maxWait = 30 * time.Second

var (
	// ErrFlakyFailure is the simulated failure the flaky action produces
	// while the attempt number has not yet exceeded its fail count.
	ErrFlakyFailure = errors.New("simulated flaky failure")
	// ErrWaitInterrupted is returned when the run context is cancelled
	// during a wait.
	ErrWaitInterrupted = errors.New("wait interrupted")
)

// Executor performs custom steps.
type Executor struct{}

func NewExecutor() *Executor {
	return &Executor{}
}

func (e *Executor) Kind() models.StepKind {
	return models.StepKindCustom
}

// Validate accepts every custom step: unrecognised actions fall through to
// the open default at execution time.
func (e *Executor) Validate(_ *models.Step) error {
	return nil
}

func (e *Executor) Execute(ctx context.Context, step *models.Step, execCtx *models.ExecutionContext, attempt int, logger *slog.Logger) (any, error) {
	logger = logger.With("module", "custom_executor", "action", step.Action())

	switch step.Action() {
	case "noop":
		return map[string]any{"action": "noop"}, nil
	case "wait":
		return e.wait(ctx, step, logger)
	case "log":
		return e.log(ctx, step, execCtx, logger)
	case "flaky":
		return e.flaky(step, attempt, logger)
	default:
		logger.InfoContext(ctx, "Executing unrecognised custom action as passthrough")

		return map[string]any{
			"action":     step.Action(),
			"parameters": template.RenderValue(step.Parameters, execCtx),
		}, nil
	}
}

func (e *Executor) wait(ctx context.Context, step *models.Step, logger *slog.Logger) (any, error) {
	duration := durationParameter(step, "duration")
	if duration <= 0 {
		duration = time.Second
	}

	if duration > maxWait {
		duration = maxWait
	}

	logger.InfoContext(ctx, "Waiting", "duration", duration)

	select {
	case <-time.After(duration):
		return map[string]any{"action": "wait", "waited": duration.String()}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrWaitInterrupted, ctx.Err())
	}
}

func (e *Executor) log(ctx context.Context, step *models.Step, execCtx *models.ExecutionContext, logger *slog.Logger) (any, error) {
	message, _ := step.Parameters["message"].(string)
	rendered := template.Render(message, execCtx)

	logger.InfoContext(ctx, "Custom log step", "message", rendered)

	return map[string]any{"action": "log", "message": rendered}, nil
}

// flaky fails while the attempt number has not exceeded failCount, then
// succeeds. It keys off the attempt number passed in, so the executor
// itself carries no state between retries.
func (e *Executor) flaky(step *models.Step, attempt int, logger *slog.Logger) (any, error) {
	failCount := intParameter(step, "failCount", 1)

	if attempt <= failCount {
		return nil, fmt.Errorf("%w: attempt %d of %d simulated failures", ErrFlakyFailure, attempt, failCount)
	}

	logger.Info("Flaky action recovered", "attempt", attempt, "fail_count", failCount)

	return map[string]any{
		"action":   "flaky",
		"attempts": attempt,
	}, nil
}

func intParameter(step *models.Step, name string, fallback int) int {
	switch v := step.Parameters[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func durationParameter(step *models.Step, name string) time.Duration {
	switch v := step.Parameters[name].(type) {
	case float64:
		// Numeric durations are milliseconds.
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}

		return parsed
	default:
		return 0
	}
}
