// Package executor orchestrates whole workflow runs: the synchronous step
// loop, the asynchronous queue path, and the pause/resume/cancel control
// operations. Step-level retries live in the step runner; the retry wrapper
// here is a second, independent layer around each step.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nuvoh/runway/pkg/eventbus"
	"github.com/nuvoh/runway/pkg/events"
	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/otelhelper"
	"github.com/nuvoh/runway/pkg/queue"
	"github.com/nuvoh/runway/pkg/runner"
	"github.com/nuvoh/runway/pkg/schema"
	"github.com/nuvoh/runway/pkg/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/nuvoh/runway/pkg/executor")

const (
	defaultMaxRetries  = 3
	defaultMaxAttempts = 3
	defaultQueueName   = "workflow-runs"
	defaultBackoffBase = time.Second
)

var (
	// ErrRunPaused aborts the step loop when a concurrent pause lands.
	ErrRunPaused = errors.New("execution paused by user")
	// ErrRunCancelled aborts the step loop when a concurrent cancel lands.
	ErrRunCancelled = errors.New("execution cancelled by user")
	// ErrNoSteps rejects workflows with nothing to run.
	ErrNoSteps = errors.New("workflow has no steps")
)

// Config tunes the orchestrator-level retry wrapper and the async queue.
type Config struct {
	// MaxRetries bounds the orchestrator attempts per step, on top of the
	// step runner's own retry loop.
	MaxRetries int
	// MaxAttempts bounds whole-run retries tracked by the state manager.
	MaxAttempts int
	QueueName   string
	// BackoffBase scales the exponential wait between orchestrator
	// attempts: base × 2^attempt.
	BackoffBase time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}

	if c.QueueName == "" {
		c.QueueName = defaultQueueName
	}

	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
}

// WorkflowExecutor coordinates runs end to end. The queue service may be
// nil for synchronous-only deployments; Submit then fails.
type WorkflowExecutor struct {
	state  *state.Manager
	runner *runner.StepRunner
	queue  *queue.Service
	logger *slog.Logger
	config Config

	bus      eventbus.EventPublisher
	workerID string
}

func NewWorkflowExecutor(stateManager *state.Manager, stepRunner *runner.StepRunner, queueService *queue.Service, logger *slog.Logger, config Config) *WorkflowExecutor {
	config.withDefaults()

	return &WorkflowExecutor{
		state:  stateManager,
		runner: stepRunner,
		queue:  queueService,
		logger: logger.With("module", "workflow_executor"),
		config: config,
	}
}

// AttachEventBus enables lifecycle event publishing. Without a bus the
// executor stays silent; publish failures are logged, never raised.
func (e *WorkflowExecutor) AttachEventBus(bus eventbus.EventPublisher, workerID string) {
	e.bus = bus
	e.workerID = workerID
}

func (e *WorkflowExecutor) publish(ctx context.Context, executionID string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(ctx, executionID, event); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish lifecycle event",
			"execution_id", executionID, "event_type", event.GetType(), "error", err)
	}
}

func (e *WorkflowExecutor) baseEvent(eventType events.EventType, exec *models.WorkflowExecution) events.BaseEvent {
	base := events.NewBaseEvent(eventType, exec.ID, exec.WorkflowID)
	base.WorkerID = e.workerID

	return base
}

// Run executes a workflow synchronously: create the execution, then drive
// the step loop to a terminal state.
func (e *WorkflowExecutor) Run(ctx context.Context, workflow *models.Workflow, parameters map[string]any) (*models.WorkflowExecution, error) {
	exec, err := e.createExecution(ctx, workflow)
	if err != nil {
		return nil, err
	}

	return e.Execute(ctx, workflow, exec.ID, parameters)
}

// Submit executes a workflow asynchronously: create the execution, enqueue
// one job carrying the run payload, and record the job reference. The step
// loop runs inside a queue worker via RunQueued.
func (e *WorkflowExecutor) Submit(ctx context.Context, workflow *models.Workflow, parameters map[string]any) (*models.WorkflowExecution, error) {
	if e.queue == nil {
		return nil, errors.New("no queue service configured")
	}

	exec, err := e.createExecution(ctx, workflow)
	if err != nil {
		return nil, err
	}

	steps := models.ClassifySteps(workflow.Steps)

	jobID, err := e.queue.Submit(ctx, queue.SubmitRequest{
		QueueName: e.config.QueueName,
		Name:      "execute-workflow",
		Data: map[string]any{
			"executionId": exec.ID,
			"workflowId":  workflow.ID,
			"userId":      workflow.UserID,
			"steps":       steps,
			"parameters":  parameters,
			"config": map[string]any{
				"maxRetries": e.config.MaxRetries,
			},
		},
		JobKey: exec.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue run: %w", err)
	}

	exec, err = e.state.AttachJob(ctx, exec.ID, jobID, e.config.QueueName)
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Run submitted", "execution_id", exec.ID, "job_id", jobID, "queue", e.config.QueueName)

	return exec, nil
}

func (e *WorkflowExecutor) createExecution(ctx context.Context, workflow *models.Workflow) (*models.WorkflowExecution, error) {
	if len(workflow.Steps) == 0 {
		return nil, ErrNoSteps
	}

	if err := schema.ValidateWorkflowModel(workflow); err != nil {
		return nil, fmt.Errorf("INVALID_WORKFLOW: %w", err)
	}

	exec := models.NewWorkflowExecution(workflow.ID, workflow.UserID, len(workflow.Steps), e.config.MaxAttempts)

	if err := e.state.Create(ctx, exec); err != nil {
		return nil, err
	}

	return exec, nil
}

// Execute drives a PENDING execution through the step loop to a terminal
// state. Progress recorded before a resume is kept: steps with a stored
// result are skipped.
func (e *WorkflowExecutor) Execute(ctx context.Context, workflow *models.Workflow, executionID string, parameters map[string]any) (*models.WorkflowExecution, error) {
	ctx, span := otelhelper.StartSpan(ctx, tracer, "workflow.execute",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
	)
	defer span.End()

	exec, err := e.state.Start(ctx, executionID)
	if err != nil {
		return nil, err
	}

	logger := e.logger.With("execution_id", executionID, "workflow_id", workflow.ID)
	logger.InfoContext(ctx, "Run started", "total_steps", exec.TotalSteps)

	e.publish(ctx, executionID, events.ExecutionStarted{
		BaseEvent:  e.baseEvent(events.ExecutionStartedEvent, exec),
		TotalSteps: exec.TotalSteps,
	})

	execCtx := models.NewExecutionContext(exec, parameters, workflow.Metadata)
	steps := models.ClassifySteps(workflow.Steps)

	for i := range steps {
		step := &steps[i]

		if _, done := execCtx.StepResults[step.StepOrder]; done {
			continue
		}

		// A concurrent pause or cancel wins over the loop.
		current, err := e.state.Get(ctx, executionID)
		if err != nil {
			return e.forceFailed(ctx, executionID, err)
		}

		switch current.Status {
		case models.ExecutionStatusPaused:
			logger.InfoContext(ctx, "Run paused mid-loop", "step_order", step.StepOrder)

			return current, ErrRunPaused
		case models.ExecutionStatusCancelled:
			logger.InfoContext(ctx, "Run cancelled mid-loop", "step_order", step.StepOrder)

			return current, ErrRunCancelled
		}

		result := e.runStepWithRetry(ctx, step, execCtx, logger)
		execCtx.StepResults[step.StepOrder] = result

		current, err = e.state.RecordStepResult(ctx, executionID, step.StepOrder, result)
		if err != nil {
			return e.forceFailed(ctx, executionID, err)
		}

		e.publish(ctx, executionID, events.StepFinished{
			BaseEvent:  e.baseEvent(events.StepFinishedEvent, current),
			StepOrder:  step.StepOrder,
			StepName:   step.Name,
			Success:    result.Success,
			Error:      result.Error,
			Duration:   result.Duration,
			RetryCount: result.RetryCount,
		})
	}

	return e.finish(ctx, executionID, execCtx, logger)
}

// runStepWithRetry is the orchestrator-level wrapper: a failed step is
// retried with exponential backoff, independently of the step runner's own
// internal retries.
func (e *WorkflowExecutor) runStepWithRetry(ctx context.Context, step *models.Step, execCtx *models.ExecutionContext, logger *slog.Logger) models.StepResult {
	ctx, span := otelhelper.StartSpan(ctx, tracer, "workflow.step",
		attribute.Int(otelhelper.StepOrderKey, step.StepOrder),
		attribute.String(otelhelper.StepNameKey, step.Name),
		attribute.String(otelhelper.StepKindKey, string(step.Kind)),
	)
	defer span.End()

	var result models.StepResult

	for attempt := 1; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 1 {
			wait := e.config.BackoffBase * (1 << attempt)
			logger.InfoContext(ctx, "Retrying step at orchestrator level",
				"step_order", step.StepOrder, "attempt", attempt, "wait", wait)

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				result.Error = fmt.Sprintf("run interrupted: %v", ctx.Err())

				return result
			}
		}

		result = e.runner.Run(ctx, step, execCtx)
		if result.Success {
			return result
		}

		if ctx.Err() != nil {
			return result
		}

		// Validation and permanent errors fail fast: another attempt
		// cannot change the outcome.
		if strings.Contains(result.Error, "step validation failed") || state.IsPermanentError(result.Error) {
			return result
		}
	}

	return result
}

// finish settles the terminal state: COMPLETED only when no step failed.
func (e *WorkflowExecutor) finish(ctx context.Context, executionID string, execCtx *models.ExecutionContext, logger *slog.Logger) (*models.WorkflowExecution, error) {
	failed := 0
	for _, result := range execCtx.StepResults {
		if !result.Success {
			failed++
		}
	}

	if failed == 0 {
		exec, err := e.state.Complete(ctx, executionID, map[string]any{
			"completedSteps": len(execCtx.StepResults),
		})
		if err != nil {
			return e.forceFailed(ctx, executionID, err)
		}

		logger.InfoContext(ctx, "Run completed", "steps", len(execCtx.StepResults))

		e.publish(ctx, executionID, events.ExecutionCompleted{
			BaseEvent: e.baseEvent(events.ExecutionCompletedEvent, exec),
			Result:    exec.Result,
			Duration:  exec.ExecutionTime,
		})

		return exec, nil
	}

	exec, err := e.state.Fail(ctx, executionID, fmt.Sprintf("%d of %d steps failed", failed, len(execCtx.StepResults)))
	if err != nil {
		return e.forceFailed(ctx, executionID, err)
	}

	logger.WarnContext(ctx, "Run failed", "failed_steps", failed)

	e.publish(ctx, executionID, events.ExecutionFailed{
		BaseEvent:   e.baseEvent(events.ExecutionFailedEvent, exec),
		Error:       exec.Error,
		FailedSteps: exec.FailedSteps,
		Duration:    exec.ExecutionTime,
	})

	return exec, nil
}

// forceFailed handles orchestration errors: the run is forced to FAILED
// with the message recorded. A failure while recording that failure is
// logged and swallowed, leaving the stored state ambiguous.
func (e *WorkflowExecutor) forceFailed(ctx context.Context, executionID string, cause error) (*models.WorkflowExecution, error) {
	exec, err := e.state.Fail(ctx, executionID, cause.Error())
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to record run failure",
			"execution_id", executionID, "cause", cause, "error", err)

		return nil, cause
	}

	return exec, cause
}

// RunQueued is the queue handler for asynchronous runs: it rebuilds the
// workflow from the job payload and drives the same synchronous loop.
func (e *WorkflowExecutor) RunQueued(ctx context.Context, job *models.Job) (map[string]any, error) {
	payload, err := decodePayload(job.Data)
	if err != nil {
		return nil, err
	}

	workflow := &models.Workflow{
		ID:     payload.WorkflowID,
		UserID: payload.UserID,
		Steps:  payload.Steps,
	}

	exec, err := e.Execute(ctx, workflow, payload.ExecutionID, payload.Parameters)

	// Pause and cancel are control outcomes, not handler failures: the
	// job must not re-deliver.
	if errors.Is(err, ErrRunPaused) || errors.Is(err, ErrRunCancelled) {
		return map[string]any{"status": string(exec.Status)}, nil
	}

	if err != nil {
		return nil, err
	}

	return map[string]any{
		"status":         string(exec.Status),
		"completedSteps": exec.CompletedSteps,
		"failedSteps":    exec.FailedSteps,
	}, nil
}

type runPayload struct {
	ExecutionID string         `json:"executionId"`
	WorkflowID  string         `json:"workflowId"`
	UserID      string         `json:"userId"`
	Steps       []models.Step  `json:"steps"`
	Parameters  map[string]any `json:"parameters"`
}

// decodePayload tolerates both in-process payloads (typed values) and
// payloads that crossed a wire as JSON.
func decodePayload(data map[string]any) (*runPayload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}

	var payload runPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("corrupt job payload: %w", err)
	}

	if payload.ExecutionID == "" {
		return nil, errors.New("job payload missing executionId")
	}

	return &payload, nil
}

// Pause stops a RUNNING execution and best-effort cancels its queue job.
func (e *WorkflowExecutor) Pause(ctx context.Context, executionID, actor string) (*models.WorkflowExecution, error) {
	exec, err := e.state.Pause(ctx, executionID, actor)
	if err != nil {
		return nil, err
	}

	e.cancelJob(ctx, exec)

	e.publish(ctx, executionID, events.ExecutionPaused{
		BaseEvent:      e.baseEvent(events.ExecutionPausedEvent, exec),
		PausedBy:       actor,
		CompletedSteps: exec.CompletedSteps,
	})

	return exec, nil
}

// Resume moves a PAUSED execution back to PENDING with its progress
// intact. Queued runs are re-enqueued by the caller.
func (e *WorkflowExecutor) Resume(ctx context.Context, executionID, actor string) (*models.WorkflowExecution, error) {
	exec, err := e.state.Resume(ctx, executionID, actor)
	if err != nil {
		return nil, err
	}

	e.publish(ctx, executionID, events.ExecutionResumed{
		BaseEvent: e.baseEvent(events.ExecutionResumedEvent, exec),
		ResumedBy: actor,
	})

	return exec, nil
}

// Cancel terminally cancels an execution and best-effort cancels its
// queue job.
func (e *WorkflowExecutor) Cancel(ctx context.Context, executionID, actor string) (*models.WorkflowExecution, error) {
	exec, err := e.state.Cancel(ctx, executionID, actor)
	if err != nil {
		return nil, err
	}

	e.cancelJob(ctx, exec)

	e.publish(ctx, executionID, events.ExecutionCancelled{
		BaseEvent:   e.baseEvent(events.ExecutionCancelledEvent, exec),
		CancelledBy: actor,
	})

	return exec, nil
}

// cancelJob cancels the associated queue job if one exists. Failure is
// logged, never raised.
func (e *WorkflowExecutor) cancelJob(ctx context.Context, exec *models.WorkflowExecution) {
	if e.queue == nil || exec.QueueJobID == "" {
		return
	}

	if err := e.queue.CancelJob(ctx, exec.QueueJobID); err != nil {
		e.logger.WarnContext(ctx, "Failed to cancel queue job",
			"execution_id", exec.ID, "job_id", exec.QueueJobID, "error", err)
	}
}
