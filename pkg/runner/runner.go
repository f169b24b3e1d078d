// Package runner dispatches one step at a time through the executor
// registry. The runner never returns an error: validation failures, executor
// errors, and cancellations are all captured into the step result. API call
// and custom steps retry with linear backoff; transforms and conditions are
// deterministic and run once.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/persistence"
	"github.com/nuvoh/runway/pkg/steps"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// StepRunner validates and executes steps.
type StepRunner struct {
	registry *steps.Registry
	stepLogs persistence.StepLogRepository
	logger   *slog.Logger
}

func NewStepRunner(registry *steps.Registry, stepLogs persistence.StepLogRepository, logger *slog.Logger) *StepRunner {
	return &StepRunner{
		registry: registry,
		stepLogs: stepLogs,
		logger:   logger.With("module", "step_runner"),
	}
}

// Run executes one step to a final result. Failures surface in the result,
// never as an error.
func (r *StepRunner) Run(ctx context.Context, step *models.Step, execCtx *models.ExecutionContext) models.StepResult {
	started := time.Now()
	logger := r.logger.With("execution_id", execCtx.ExecutionID, "step_order", step.StepOrder, "step_name", step.Name)

	executor, err := r.registry.ExecutorFor(step.Kind)
	if err != nil {
		return r.failed(ctx, step, execCtx, started, 0, err)
	}

	if err := executor.Validate(step); err != nil {
		logger.WarnContext(ctx, "Step rejected by validation", "error", err)

		return r.failed(ctx, step, execCtx, started, 0, fmt.Errorf("step validation failed: %w", err))
	}

	maxRetries, retryDelay := retryPolicy(step)

	var lastErr error

	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if attempt > 1 {
			// Linear backoff scaled by the attempt number.
			delay := retryDelay * time.Duration(attempt-1)
			logger.InfoContext(ctx, "Retrying step", "attempt", attempt, "delay", delay)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return r.failed(ctx, step, execCtx, started, attempt-1, fmt.Errorf("step interrupted: %w", ctx.Err()))
			}
		}

		r.appendLog(ctx, step, execCtx, models.StepLogStarted, attempt, "")

		data, err := executor.Execute(ctx, step, execCtx, attempt, logger)
		if err == nil {
			r.appendLog(ctx, step, execCtx, models.StepLogSucceeded, attempt, "")
			logger.InfoContext(ctx, "Step completed", "attempt", attempt)

			return models.StepResult{
				Success:    true,
				Data:       data,
				Duration:   time.Since(started),
				RetryCount: attempt - 1,
			}
		}

		lastErr = err
		r.appendLog(ctx, step, execCtx, models.StepLogFailed, attempt, err.Error())
		logger.WarnContext(ctx, "Step attempt failed", "attempt", attempt, "error", err)

		if ctx.Err() != nil {
			return r.failed(ctx, step, execCtx, started, attempt, fmt.Errorf("step interrupted: %w", ctx.Err()))
		}
	}

	return models.StepResult{
		Success:    false,
		Error:      lastErr.Error(),
		Duration:   time.Since(started),
		RetryCount: maxRetries,
	}
}

// retryPolicy returns the retry budget for a step. Only API calls and
// custom actions retry; transforms and conditions run once.
func retryPolicy(step *models.Step) (int, time.Duration) {
	if step.Kind != models.StepKindAPICall && step.Kind != models.StepKindCustom {
		return 0, 0
	}

	maxRetries := step.RetryConfig.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	retryDelay := step.RetryConfig.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	return maxRetries, retryDelay
}

func (r *StepRunner) failed(ctx context.Context, step *models.Step, execCtx *models.ExecutionContext, started time.Time, retries int, err error) models.StepResult {
	r.appendLog(ctx, step, execCtx, models.StepLogFailed, retries+1, err.Error())

	return models.StepResult{
		Success:    false,
		Error:      err.Error(),
		Duration:   time.Since(started),
		RetryCount: retries,
	}
}

// appendLog records a step log entry. Log persistence failures never fail
// the step.
func (r *StepRunner) appendLog(ctx context.Context, step *models.Step, execCtx *models.ExecutionContext, event models.StepLogEvent, attempt int, message string) {
	if r.stepLogs == nil {
		return
	}

	entry := &models.StepLogEntry{
		ExecutionID: execCtx.ExecutionID,
		StepOrder:   step.StepOrder,
		StepName:    step.Name,
		Event:       event,
		Attempt:     attempt,
		Message:     message,
	}

	if err := r.stepLogs.Append(ctx, entry); err != nil {
		r.logger.WarnContext(ctx, "Failed to append step log entry", "execution_id", execCtx.ExecutionID, "error", err)
	}
}
