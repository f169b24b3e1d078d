package executor_test

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nuvoh/runway/pkg/channels/gochannel"
	"github.com/nuvoh/runway/pkg/eventbus"
	"github.com/nuvoh/runway/pkg/events"
	"github.com/nuvoh/runway/pkg/executor"
	"github.com/nuvoh/runway/pkg/log"
	"github.com/nuvoh/runway/pkg/models"
	pmemory "github.com/nuvoh/runway/pkg/persistence/memory"
	"github.com/nuvoh/runway/pkg/queue"
	qmemory "github.com/nuvoh/runway/pkg/queue/memory"
	"github.com/nuvoh/runway/pkg/runner"
	"github.com/nuvoh/runway/pkg/secrets"
	"github.com/nuvoh/runway/pkg/state"
	"github.com/nuvoh/runway/pkg/steps"
	"github.com/nuvoh/runway/pkg/steps/apicall"
	"github.com/nuvoh/runway/pkg/steps/condition"
	"github.com/nuvoh/runway/pkg/steps/custom"
	"github.com/nuvoh/runway/pkg/steps/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	executor *executor.WorkflowExecutor
	state    *state.Manager
	jobStore *qmemory.Store
	provider *secrets.MemoryProvider
}

// newHarness wires the full in-memory stack. Extra executors override the
// defaults for their kind, which lets a test intercept custom steps.
func newHarness(t *testing.T, extra ...steps.Executor) *harness {
	t.Helper()

	logger := log.NewDiscard()
	store := pmemory.NewPersistence()

	stateManager := state.NewManager(store.Executions(), logger, state.Config{})

	directory := secrets.NewStaticDirectory(&secrets.Connection{
		ID:       "conn-1",
		BaseURL:  "http://127.0.0.1:1",
		AuthType: secrets.AuthTypeAPIKey,
	})
	provider := secrets.NewMemoryProvider()

	executors := []steps.Executor{
		apicall.NewExecutor(directory, provider),
		transform.NewExecutor(),
		condition.NewExecutor(),
		custom.NewExecutor(),
	}
	executors = append(executors, extra...)

	stepRunner := runner.NewStepRunner(steps.NewRegistry(executors...), store.StepLogs(), logger)

	jobStore := qmemory.NewStore()
	queueService := queue.NewService(jobStore, logger, queue.Config{
		MaxConcurrency: 1,
		PollInterval:   5 * time.Millisecond,
	})

	workflowExecutor := executor.NewWorkflowExecutor(stateManager, stepRunner, queueService, logger, executor.Config{
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
	})

	return &harness{
		executor: workflowExecutor,
		state:    stateManager,
		jobStore: jobStore,
		provider: provider,
	}
}

func noopStep(order int) models.Step {
	return models.Step{
		StepOrder:  order,
		Name:       fmt.Sprintf("noop-%d", order),
		Parameters: map[string]any{"action": "noop"},
	}
}

func workflowOf(workflowSteps ...models.Step) *models.Workflow {
	return &models.Workflow{
		ID:     "wf-1",
		Name:   "test workflow",
		UserID: "user-1",
		Steps:  workflowSteps,
	}
}

func TestRun_AllStepsComplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	exec, err := h.executor.Run(ctx, workflowOf(noopStep(1), noopStep(2), noopStep(3)), nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 3, exec.CompletedSteps)
	assert.Equal(t, 0, exec.FailedSteps)
	assert.Equal(t, 3, exec.Result["completedSteps"])
	assert.Len(t, exec.StepResults, 3)
	require.NotNil(t, exec.CompletedAt)
	require.NoError(t, exec.CheckInvariants())
}

func TestRun_NoSteps(t *testing.T) {
	h := newHarness(t)

	_, err := h.executor.Run(context.Background(), workflowOf(), nil)
	assert.ErrorIs(t, err, executor.ErrNoSteps)
}

func TestRun_InvalidDefinitionRejected(t *testing.T) {
	h := newHarness(t)

	bad := noopStep(1)
	bad.StepOrder = 0

	_, err := h.executor.Run(context.Background(), workflowOf(bad), nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "INVALID_WORKFLOW")
	assert.ErrorContains(t, err, "step_order")
}

func TestRun_MissingSecretFailsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	step := models.Step{
		StepOrder:       1,
		Name:            "fetch status",
		APIConnectionID: "conn-1",
		Parameters:      map[string]any{"method": "GET", "path": "/status"},
		RetryConfig:     models.RetryConfig{MaxRetries: 1, RetryDelay: time.Millisecond},
	}

	exec, err := h.executor.Run(ctx, workflowOf(step), nil)
	require.NoError(t, err, "a failed run is reported through state, not an error")

	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, 1, exec.FailedSteps)
	assert.Equal(t, 0, exec.CompletedSteps)
	assert.Equal(t, "1 of 1 steps failed", exec.Error)

	result := exec.StepResults[1]
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "API_KEY", "error names the missing secret type")
}

func TestRun_FlakyStepRecovers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	step := models.Step{
		StepOrder:   1,
		Name:        "flaky",
		Parameters:  map[string]any{"action": "flaky", "failCount": 2},
		RetryConfig: models.RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond},
	}

	exec, err := h.executor.Run(ctx, workflowOf(step), nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 2, exec.StepResults[1].RetryCount)
}

func TestRun_ContinueOnFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	failing := models.Step{
		StepOrder:   2,
		Name:        "always fails",
		Parameters:  map[string]any{"action": "flaky", "failCount": 99},
		RetryConfig: models.RetryConfig{MaxRetries: 1, RetryDelay: time.Millisecond},
	}

	exec, err := h.executor.Run(ctx, workflowOf(noopStep(1), failing, noopStep(3)), nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, "1 of 3 steps failed", exec.Error)
	assert.Equal(t, 2, exec.CompletedSteps, "later steps still run after a failure")
	assert.Equal(t, 1, exec.FailedSteps)
	assert.Len(t, exec.StepResults, 3)
	require.NoError(t, exec.CheckInvariants())
}

// hookExecutor intercepts CUSTOM steps so a test can act mid-run.
type hookExecutor struct {
	run func(ctx context.Context, step *models.Step, execCtx *models.ExecutionContext) (any, error)
}

func (h *hookExecutor) Kind() models.StepKind { return models.StepKindCustom }

func (h *hookExecutor) Validate(_ *models.Step) error { return nil }

func (h *hookExecutor) Execute(ctx context.Context, step *models.Step, execCtx *models.ExecutionContext, _ int, _ *slog.Logger) (any, error) {
	return h.run(ctx, step, execCtx)
}

func TestExecute_PauseBetweenStepsThenResume(t *testing.T) {
	ctx := context.Background()

	calls := make(map[int]int)
	hook := &hookExecutor{}
	h := newHarness(t, hook)

	hook.run = func(ctx context.Context, step *models.Step, execCtx *models.ExecutionContext) (any, error) {
		calls[step.StepOrder]++

		if step.StepOrder == 1 {
			_, err := h.executor.Pause(ctx, execCtx.ExecutionID, "tester")
			require.NoError(t, err)
		}

		return map[string]any{"ok": true}, nil
	}

	workflow := workflowOf(noopStep(1), noopStep(2))

	exec, err := h.executor.Run(ctx, workflow, nil)
	require.ErrorIs(t, err, executor.ErrRunPaused)

	assert.Equal(t, models.ExecutionStatusPaused, exec.Status)
	assert.Equal(t, 1, exec.CompletedSteps, "progress before the pause is kept")
	assert.Equal(t, "tester", exec.PausedBy)
	require.NotNil(t, exec.PausedAt)
	assert.Len(t, exec.StepResults, 1)

	resumed, err := h.executor.Resume(ctx, exec.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, resumed.Status)
	assert.Equal(t, 1, resumed.CompletedSteps)
	assert.Len(t, resumed.StepResults, 1, "resume keeps recorded results untouched")

	exec, err = h.executor.Execute(ctx, workflow, exec.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 2, exec.CompletedSteps)
	assert.Equal(t, 1, calls[1], "completed steps are not re-run after resume")
	assert.Equal(t, 1, calls[2])
}

func TestExecute_CancelBetweenSteps(t *testing.T) {
	ctx := context.Background()

	hook := &hookExecutor{}
	h := newHarness(t, hook)

	hook.run = func(ctx context.Context, step *models.Step, execCtx *models.ExecutionContext) (any, error) {
		if step.StepOrder == 1 {
			_, err := h.executor.Cancel(ctx, execCtx.ExecutionID, "tester")
			require.NoError(t, err)
		}

		return nil, nil
	}

	exec, err := h.executor.Run(ctx, workflowOf(noopStep(1), noopStep(2)), nil)
	require.ErrorIs(t, err, executor.ErrRunCancelled)

	assert.Equal(t, models.ExecutionStatusCancelled, exec.Status)
	assert.Contains(t, exec.Error, "USER_CANCELLED")
	assert.Len(t, exec.StepResults, 1)
}

func TestSubmit_EnqueuesJobAndRunQueuedCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	exec, err := h.executor.Submit(ctx, workflowOf(noopStep(1), noopStep(2)), map[string]any{"region": "eu"})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusPending, exec.Status)
	require.NotEmpty(t, exec.QueueJobID)
	assert.Equal(t, "workflow-runs", exec.QueueName)

	job, err := h.jobStore.GetJobByID(ctx, exec.QueueJobID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, job.JobKey, "one pending job per execution")
	assert.Equal(t, exec.ID, job.Data["executionId"])

	claimed, err := h.jobStore.Fetch(ctx, "workflow-runs", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	output, err := h.executor.RunQueued(ctx, claimed[0])
	require.NoError(t, err)
	assert.Equal(t, string(models.ExecutionStatusCompleted), output["status"])
	assert.Equal(t, 2, output["completedSteps"])

	stored, err := h.state.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.CompletedSteps)
}

func TestRunQueued_CorruptPayload(t *testing.T) {
	h := newHarness(t)

	_, err := h.executor.RunQueued(context.Background(), &models.Job{
		Data: map[string]any{"workflowId": "wf-1"},
	})
	assert.ErrorContains(t, err, "missing executionId")
}

func TestRun_PublishesLifecycleEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t)

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	h.executor.AttachEventBus(bus, "worker-test")

	seen := make(chan events.EventType, 8)
	record := func(_ context.Context, event any) error {
		seen <- event.(eventbus.Event).GetType()

		return nil
	}

	require.NoError(t, bus.Handle(events.ExecutionStartedEvent, record))
	require.NoError(t, bus.Handle(events.StepFinishedEvent, record))
	require.NoError(t, bus.Handle(events.ExecutionCompletedEvent, record))
	require.NoError(t, bus.Subscribe(ctx))

	exec, err := h.executor.Run(ctx, workflowOf(noopStep(1)), nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)

	want := []events.EventType{
		events.ExecutionStartedEvent,
		events.StepFinishedEvent,
		events.ExecutionCompletedEvent,
	}

	for _, expected := range want {
		select {
		case got := <-seen:
			assert.Equal(t, expected, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("event %s not delivered", expected)
		}
	}
}

func TestCancel_QueuedRunCancelsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	exec, err := h.executor.Submit(ctx, workflowOf(noopStep(1)), nil)
	require.NoError(t, err)

	cancelled, err := h.executor.Cancel(ctx, exec.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)

	job, err := h.jobStore.GetJobByID(ctx, exec.QueueJobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, job.State)
}
