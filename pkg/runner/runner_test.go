package runner

import (
	"context"
	"testing"
	"time"

	"github.com/nuvoh/runway/pkg/log"
	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/persistence/memory"
	"github.com/nuvoh/runway/pkg/steps"
	"github.com/nuvoh/runway/pkg/steps/condition"
	"github.com/nuvoh/runway/pkg/steps/custom"
	"github.com/nuvoh/runway/pkg/steps/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunner(t *testing.T) (*StepRunner, *memory.Persistence) {
	t.Helper()

	store := memory.NewPersistence()
	registry := steps.NewRegistry(
		custom.NewExecutor(),
		transform.NewExecutor(),
		condition.NewExecutor(),
	)

	return NewStepRunner(registry, store.StepLogs(), log.NewDiscard()), store
}

func newExecCtx() *models.ExecutionContext {
	return &models.ExecutionContext{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		UserID:      "user-1",
		Parameters:  map[string]any{},
		StepResults: map[int]models.StepResult{},
	}
}

func classified(step models.Step) *models.Step {
	step.Classify()

	return &step
}

func TestRun_Success(t *testing.T) {
	runner, store := newRunner(t)

	step := classified(models.Step{
		StepOrder:  1,
		Name:       "noop",
		Parameters: map[string]any{"action": "noop"},
	})

	result := runner.Run(context.Background(), step, newExecCtx())

	assert.True(t, result.Success)
	assert.Empty(t, result.Error)
	assert.Equal(t, 0, result.RetryCount)

	entries, err := store.StepLogs().ListByExecution(context.Background(), "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.StepLogStarted, entries[0].Event)
	assert.Equal(t, models.StepLogSucceeded, entries[1].Event)
}

func TestRun_FlakyRecoversWithinRetryBudget(t *testing.T) {
	runner, store := newRunner(t)

	step := classified(models.Step{
		StepOrder: 1,
		Name:      "flaky",
		Parameters: map[string]any{
			"action":    "flaky",
			"failCount": float64(2),
		},
		RetryConfig: models.RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond},
	})

	result := runner.Run(context.Background(), step, newExecCtx())

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.RetryCount)

	entries, err := store.StepLogs().ListByExecution(context.Background(), "exec-1", 0)
	require.NoError(t, err)
	// Two failed attempts, each with a start, then the successful third.
	require.Len(t, entries, 6)
	assert.Equal(t, models.StepLogFailed, entries[1].Event)
	assert.Equal(t, models.StepLogFailed, entries[3].Event)
	assert.Equal(t, models.StepLogSucceeded, entries[5].Event)
	assert.Equal(t, 3, entries[5].Attempt)
}

func TestRun_ExhaustedRetries(t *testing.T) {
	runner, _ := newRunner(t)

	step := classified(models.Step{
		StepOrder: 1,
		Name:      "flaky",
		Parameters: map[string]any{
			"action":    "flaky",
			"failCount": float64(10),
		},
		RetryConfig: models.RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond},
	})

	result := runner.Run(context.Background(), step, newExecCtx())

	assert.False(t, result.Success)
	assert.Equal(t, 2, result.RetryCount)
	assert.Contains(t, result.Error, "simulated flaky failure")
}

func TestRun_ValidationFailureSkipsRetry(t *testing.T) {
	runner, store := newRunner(t)

	step := classified(models.Step{
		StepOrder:  1,
		Name:       "bad transform",
		Parameters: map[string]any{"operation": "map", "input": map[string]any{"data": []any{}}},
	})
	// Corrupt the operation after classification so validation rejects it.
	step.Parameters["operation"] = "reduce"

	result := runner.Run(context.Background(), step, newExecCtx())

	assert.False(t, result.Success)
	assert.Equal(t, 0, result.RetryCount)
	assert.Contains(t, result.Error, "step validation failed")

	entries, err := store.StepLogs().ListByExecution(context.Background(), "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.StepLogFailed, entries[0].Event)
}

func TestRun_DeterministicKindsDoNotRetry(t *testing.T) {
	runner, store := newRunner(t)

	step := classified(models.Step{
		StepOrder: 1,
		Name:      "transform without input",
		Parameters: map[string]any{
			"operation": "map",
		},
		RetryConfig: models.RetryConfig{MaxRetries: 5, RetryDelay: time.Millisecond},
	})

	result := runner.Run(context.Background(), step, newExecCtx())

	assert.False(t, result.Success)
	assert.Equal(t, 0, result.RetryCount)

	entries, err := store.StepLogs().ListByExecution(context.Background(), "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2, "one attempt only")
}

func TestRun_CancelledContextStopsRetrying(t *testing.T) {
	runner, _ := newRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	step := classified(models.Step{
		StepOrder: 1,
		Name:      "flaky",
		Parameters: map[string]any{
			"action":    "flaky",
			"failCount": float64(10),
		},
		RetryConfig: models.RetryConfig{MaxRetries: 5, RetryDelay: time.Minute},
	})

	start := time.Now()
	result := runner.Run(ctx, step, newExecCtx())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "step interrupted")
	assert.Less(t, time.Since(start), time.Second, "no backoff sleep after cancellation")
}

func TestRun_UnknownKind(t *testing.T) {
	runner, _ := newRunner(t)

	step := &models.Step{
		StepOrder:  1,
		Name:       "api call without registered executor",
		Kind:       models.StepKindAPICall,
		Parameters: map[string]any{"method": "GET", "path": "/x"},
	}

	result := runner.Run(context.Background(), step, newExecCtx())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown step kind")
}
