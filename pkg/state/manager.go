// Package state owns every mutation of persisted execution state: status
// transitions with their side effects, retry bookkeeping with exponential
// backoff, pause/resume/cancel, progress and metrics snapshots, and the
// age-based cleanup of terminal rows. Writes compare-and-swap on the
// record's revision, so a racing control operation loses cleanly: the
// transition is re-checked against the fresh status instead of being
// overwritten.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/persistence"
)

const (
	defaultRetryDelay    = 30 * time.Second
	defaultMaxRetryDelay = 30 * time.Minute
	defaultStuckTimeout  = 15 * time.Minute
	defaultRetentionAge  = 7 * 24 * time.Hour
)

// permanentErrors never retry regardless of remaining attempts.
var permanentErrors = []string{
	"UNAUTHORIZED",
	"FORBIDDEN",
	"NOT_FOUND",
	"VALIDATION_ERROR",
	"INVALID_WORKFLOW",
	"USER_CANCELLED",
	"INVALID_API_KEY",
}

// Config tunes retry backoff, staleness detection, and cleanup.
type Config struct {
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	StuckTimeout    time.Duration
	RetentionAge    time.Duration
	CleanupSchedule string
}

func (c *Config) withDefaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}

	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = defaultMaxRetryDelay
	}

	if c.StuckTimeout <= 0 {
		c.StuckTimeout = defaultStuckTimeout
	}

	if c.RetentionAge <= 0 {
		c.RetentionAge = defaultRetentionAge
	}

	if c.CleanupSchedule == "" {
		c.CleanupSchedule = "@hourly"
	}
}

// Manager is the sole writer of execution state.
type Manager struct {
	executions persistence.ExecutionRepository
	logger     *slog.Logger
	config     Config
	janitor    *cron.Cron
}

func NewManager(executions persistence.ExecutionRepository, logger *slog.Logger, config Config) *Manager {
	config.withDefaults()

	return &Manager{
		executions: executions,
		logger:     logger.With("module", "state_manager"),
		config:     config,
	}
}

// Create persists a freshly built PENDING execution.
func (m *Manager) Create(ctx context.Context, exec *models.WorkflowExecution) error {
	return m.executions.Create(ctx, exec)
}

// Get returns a snapshot of one execution.
func (m *Manager) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return m.executions.GetByID(ctx, id)
}

// maxWriteAttempts bounds the reload-and-reapply loop on revision
// conflicts.
const maxWriteAttempts = 3

// transition loads, checks the source status, applies the mutation, and
// writes back with a compare-and-swap on the revision. A conflict reloads
// and re-checks the source status, so a transition that lost a race against
// a conflicting writer is rejected rather than replayed blindly.
func (m *Manager) transition(ctx context.Context, id string, to models.ExecutionStatus, allowedFrom []models.ExecutionStatus, mutate func(*models.WorkflowExecution)) (*models.WorkflowExecution, error) {
	var lastErr error

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		exec, err := m.executions.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		allowed := false

		for _, from := range allowedFrom {
			if exec.Status == from {
				allowed = true

				break
			}
		}

		if !allowed {
			return nil, newTransitionError(id, exec.Status, to)
		}

		from := exec.Status
		exec.Status = to
		mutate(exec)

		err = m.executions.Update(ctx, exec)
		if err == nil {
			m.logger.InfoContext(ctx, "Execution transitioned", "execution_id", id, "from", from, "to", to)

			return exec, nil
		}

		lastErr = err

		if !errors.Is(err, persistence.ErrRevisionConflict) {
			return nil, err
		}

		m.logger.WarnContext(ctx, "Transition lost a write race, retrying",
			"execution_id", id, "to", to, "attempt", attempt+1)
	}

	return nil, lastErr
}

// Start moves a PENDING execution to RUNNING and stamps startedAt.
func (m *Manager) Start(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return m.transition(ctx, id, models.ExecutionStatusRunning,
		[]models.ExecutionStatus{models.ExecutionStatusPending},
		func(exec *models.WorkflowExecution) {
			now := time.Now().UTC()
			exec.StartedAt = &now
		})
}

// Complete moves a RUNNING execution to COMPLETED with its final result.
func (m *Manager) Complete(ctx context.Context, id string, result map[string]any) (*models.WorkflowExecution, error) {
	return m.transition(ctx, id, models.ExecutionStatusCompleted,
		[]models.ExecutionStatus{models.ExecutionStatusRunning},
		func(exec *models.WorkflowExecution) {
			stampCompletion(exec)
			exec.Result = result
		})
}

// Fail moves a RUNNING execution to FAILED and records the error.
func (m *Manager) Fail(ctx context.Context, id, message string) (*models.WorkflowExecution, error) {
	return m.transition(ctx, id, models.ExecutionStatusFailed,
		[]models.ExecutionStatus{models.ExecutionStatusRunning},
		func(exec *models.WorkflowExecution) {
			stampCompletion(exec)
			exec.Error = message
		})
}

func stampCompletion(exec *models.WorkflowExecution) {
	now := time.Now().UTC()
	exec.CompletedAt = &now

	if exec.StartedAt != nil {
		exec.ExecutionTime = now.Sub(*exec.StartedAt)
	}
}

// Pause moves a RUNNING execution to PAUSED and records the actor.
func (m *Manager) Pause(ctx context.Context, id, actor string) (*models.WorkflowExecution, error) {
	return m.transition(ctx, id, models.ExecutionStatusPaused,
		[]models.ExecutionStatus{models.ExecutionStatusRunning},
		func(exec *models.WorkflowExecution) {
			now := time.Now().UTC()
			exec.PausedAt = &now
			exec.PausedBy = actor
		})
}

// Resume moves a PAUSED execution back to PENDING, keeping all recorded
// progress so the next run skips completed steps.
func (m *Manager) Resume(ctx context.Context, id, actor string) (*models.WorkflowExecution, error) {
	return m.transition(ctx, id, models.ExecutionStatusPending,
		[]models.ExecutionStatus{models.ExecutionStatusPaused},
		func(exec *models.WorkflowExecution) {
			now := time.Now().UTC()
			exec.ResumedAt = &now
			exec.ResumedBy = actor
		})
}

// Cancel terminally cancels an execution that has not finished yet.
func (m *Manager) Cancel(ctx context.Context, id, actor string) (*models.WorkflowExecution, error) {
	return m.transition(ctx, id, models.ExecutionStatusCancelled,
		[]models.ExecutionStatus{
			models.ExecutionStatusPending,
			models.ExecutionStatusRunning,
			models.ExecutionStatusPaused,
			models.ExecutionStatusRetrying,
		},
		func(exec *models.WorkflowExecution) {
			now := time.Now().UTC()
			exec.CompletedAt = &now
			exec.Error = "USER_CANCELLED: cancelled by " + actor
		})
}

// MarkRetrying moves a FAILED execution into RETRYING: the attempt counter
// goes up and retryAfter is pushed out by exponential backoff.
func (m *Manager) MarkRetrying(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return m.transition(ctx, id, models.ExecutionStatusRetrying,
		[]models.ExecutionStatus{models.ExecutionStatusFailed},
		func(exec *models.WorkflowExecution) {
			exec.AttemptCount++
			retryAfter := time.Now().UTC().Add(m.Backoff(exec.AttemptCount))
			exec.RetryAfter = &retryAfter
			exec.CompletedAt = nil
		})
}

// Release moves a RETRYING execution back to PENDING so it can start again.
func (m *Manager) Release(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return m.transition(ctx, id, models.ExecutionStatusPending,
		[]models.ExecutionStatus{models.ExecutionStatusRetrying},
		func(exec *models.WorkflowExecution) {
			exec.Error = ""
		})
}

// Backoff computes the retry delay for the given attempt count:
// retryDelay doubled per attempt, capped at maxRetryDelay.
func (m *Manager) Backoff(attemptCount int) time.Duration {
	delay := m.config.RetryDelay

	for i := 0; i < attemptCount; i++ {
		delay *= 2
		if delay >= m.config.MaxRetryDelay {
			return m.config.MaxRetryDelay
		}
	}

	return delay
}

// ShouldRetry reports whether a failed execution is eligible for another
// attempt. Permanent errors never retry.
func (m *Manager) ShouldRetry(exec *models.WorkflowExecution) bool {
	if exec.Status != models.ExecutionStatusFailed {
		return false
	}

	if exec.AttemptCount >= exec.MaxAttempts {
		return false
	}

	if exec.RetryAfter != nil && exec.RetryAfter.After(time.Now().UTC()) {
		return false
	}

	return !IsPermanentError(exec.Error)
}

// IsPermanentError reports whether the message names an error that must
// never retry.
func IsPermanentError(message string) bool {
	upper := strings.ToUpper(message)

	for _, token := range permanentErrors {
		if strings.Contains(upper, token) {
			return true
		}
	}

	return false
}

// AttachJob records the weak reference to an enqueued job on the
// execution. The job itself stays owned by the queue.
func (m *Manager) AttachJob(ctx context.Context, id, jobID, queueName string) (*models.WorkflowExecution, error) {
	return m.update(ctx, id, func(exec *models.WorkflowExecution) {
		exec.QueueJobID = jobID
		exec.QueueName = queueName
	})
}

// RecordStepResult stores one step's final result and updates the
// progress counters.
func (m *Manager) RecordStepResult(ctx context.Context, id string, stepOrder int, result models.StepResult) (*models.WorkflowExecution, error) {
	return m.update(ctx, id, func(exec *models.WorkflowExecution) {
		if _, seen := exec.StepResults[stepOrder]; !seen {
			if result.Success {
				exec.CompletedSteps++
			} else {
				exec.FailedSteps++
			}
		}

		exec.StepResults[stepOrder] = result
		exec.CurrentStep = stepOrder
	})
}

// update applies a status-preserving mutation with the same revision-guarded
// reload loop as transition. The mutation is re-applied to a fresh snapshot
// after each conflict, so counters are never double-applied to stale state.
func (m *Manager) update(ctx context.Context, id string, mutate func(*models.WorkflowExecution)) (*models.WorkflowExecution, error) {
	var lastErr error

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		exec, err := m.executions.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		mutate(exec)

		err = m.executions.Update(ctx, exec)
		if err == nil {
			return exec, nil
		}

		lastErr = err

		if !errors.Is(err, persistence.ErrRevisionConflict) {
			return nil, err
		}

		m.logger.WarnContext(ctx, "Update lost a write race, retrying",
			"execution_id", id, "attempt", attempt+1)
	}

	return nil, lastErr
}

// Progress is a point-in-time view of how far a run has advanced.
type Progress struct {
	ExecutionID    string                 `json:"execution_id"`
	Status         models.ExecutionStatus `json:"status"`
	CurrentStep    int                    `json:"current_step"`
	TotalSteps     int                    `json:"total_steps"`
	CompletedSteps int                    `json:"completed_steps"`
	FailedSteps    int                    `json:"failed_steps"`
	Percent        float64                `json:"percent"`
	Elapsed        time.Duration          `json:"elapsed"`
	EstimatedLeft  time.Duration          `json:"estimated_left"`
}

// Progress computes the percentage done and a linear ETA from elapsed time
// per completed step.
func (m *Manager) Progress(ctx context.Context, id string) (*Progress, error) {
	exec, err := m.executions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	progress := &Progress{
		ExecutionID:    exec.ID,
		Status:         exec.Status,
		CurrentStep:    exec.CurrentStep,
		TotalSteps:     exec.TotalSteps,
		CompletedSteps: exec.CompletedSteps,
		FailedSteps:    exec.FailedSteps,
	}

	done := exec.CompletedSteps + exec.FailedSteps

	if exec.TotalSteps > 0 {
		progress.Percent = float64(done) / float64(exec.TotalSteps) * 100
	}

	if exec.StartedAt != nil && !exec.Status.IsTerminal() {
		progress.Elapsed = time.Since(*exec.StartedAt)

		if done > 0 && done < exec.TotalSteps {
			perStep := progress.Elapsed / time.Duration(done)
			progress.EstimatedLeft = perStep * time.Duration(exec.TotalSteps-done)
		}
	}

	if exec.Status.IsTerminal() {
		progress.Elapsed = exec.ExecutionTime
	}

	return progress, nil
}

// ListRetryable returns FAILED executions currently eligible for retry.
func (m *Manager) ListRetryable(ctx context.Context) ([]*models.WorkflowExecution, error) {
	failed, err := m.executions.List(ctx, persistence.ExecutionFilter{
		Statuses: []models.ExecutionStatus{models.ExecutionStatusFailed},
	})
	if err != nil {
		return nil, err
	}

	retryable := make([]*models.WorkflowExecution, 0, len(failed))

	for _, exec := range failed {
		if m.ShouldRetry(exec) {
			retryable = append(retryable, exec)
		}
	}

	return retryable, nil
}

// ListPaused returns every PAUSED execution.
func (m *Manager) ListPaused(ctx context.Context) ([]*models.WorkflowExecution, error) {
	return m.executions.List(ctx, persistence.ExecutionFilter{
		Statuses: []models.ExecutionStatus{models.ExecutionStatusPaused},
	})
}

// ListStuck returns RUNNING executions with no write activity past the
// staleness timeout.
func (m *Manager) ListStuck(ctx context.Context) ([]*models.WorkflowExecution, error) {
	cutoff := time.Now().UTC().Add(-m.config.StuckTimeout)

	return m.executions.List(ctx, persistence.ExecutionFilter{
		Statuses:      []models.ExecutionStatus{models.ExecutionStatusRunning},
		UpdatedBefore: &cutoff,
	})
}

// Metrics aggregates execution outcomes over a filter window.
type Metrics struct {
	Total           int                            `json:"total"`
	ByStatus        map[models.ExecutionStatus]int `json:"by_status"`
	AverageDuration time.Duration                  `json:"average_duration"`
	SuccessRate     float64                        `json:"success_rate"`
}

// Metrics computes counts, the average duration of finished runs, and the
// success rate. Cancelled runs are excluded from the failure side of the
// rate: they are user-initiated, not failures.
func (m *Manager) Metrics(ctx context.Context, filter persistence.ExecutionFilter) (*Metrics, error) {
	executions, err := m.executions.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	metrics := &Metrics{
		Total:    len(executions),
		ByStatus: make(map[models.ExecutionStatus]int),
	}

	var totalDuration time.Duration

	finished := 0

	for _, exec := range executions {
		metrics.ByStatus[exec.Status]++

		if exec.Status == models.ExecutionStatusCompleted || exec.Status == models.ExecutionStatusFailed {
			totalDuration += exec.ExecutionTime
			finished++
		}
	}

	if finished > 0 {
		metrics.AverageDuration = totalDuration / time.Duration(finished)
		metrics.SuccessRate = float64(metrics.ByStatus[models.ExecutionStatusCompleted]) / float64(finished)
	}

	return metrics, nil
}

// Cleanup deletes terminal executions older than the retention age.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-m.config.RetentionAge)

	removed, err := m.executions.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		m.logger.InfoContext(ctx, "Cleaned up terminal executions", "removed", removed, "cutoff", cutoff)
	}

	return removed, nil
}

// StartJanitor schedules periodic cleanup of terminal rows. Idempotent.
func (m *Manager) StartJanitor(ctx context.Context) error {
	if m.janitor != nil {
		return nil
	}

	m.janitor = cron.New()

	_, err := m.janitor.AddFunc(m.config.CleanupSchedule, func() {
		if _, err := m.Cleanup(ctx); err != nil {
			m.logger.ErrorContext(ctx, "Cleanup run failed", "error", err)
		}
	})
	if err != nil {
		m.janitor = nil

		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}

	m.janitor.Start()
	m.logger.InfoContext(ctx, "Cleanup janitor started", "schedule", m.config.CleanupSchedule)

	return nil
}

// StopJanitor halts the cleanup schedule. Safe when never started.
func (m *Manager) StopJanitor() {
	if m.janitor == nil {
		return
	}

	m.janitor.Stop()
	m.janitor = nil
}
