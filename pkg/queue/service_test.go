package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuvoh/runway/pkg/log"
	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/queue"
	"github.com/nuvoh/runway/pkg/queue/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*queue.Service, *memory.Store) {
	t.Helper()

	store := memory.NewStore()
	service := queue.NewService(store, log.NewDiscard(), queue.Config{
		MaxConcurrency: 2,
		PollInterval:   5 * time.Millisecond,
	})

	return service, store
}

func validRequest() queue.SubmitRequest {
	return queue.SubmitRequest{
		QueueName: "runs",
		Name:      "execute-workflow",
		Data:      map[string]any{"executionId": "exec-1"},
	}
}

func intPtr(n int) *int {
	return &n
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}

		time.Sleep(2 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}

func TestSubmit_MergesDefaultsAndEnqueues(t *testing.T) {
	ctx := context.Background()
	service, store := newService(t)

	id, err := service.Submit(ctx, validRequest())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := store.GetJobByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "runs", job.QueueName)
	assert.Equal(t, 3, job.RetryLimit)
	assert.Equal(t, time.Second, job.RetryDelay)
	assert.Equal(t, 30*time.Second, job.Timeout)
	assert.Equal(t, models.JobStateCreated, job.State)
}

func TestSubmit_ValidationRejections(t *testing.T) {
	ctx := context.Background()
	service, _ := newService(t)

	tests := []struct {
		name   string
		mutate func(*queue.SubmitRequest)
	}{
		{name: "empty queue name", mutate: func(r *queue.SubmitRequest) { r.QueueName = "" }},
		{name: "empty job name", mutate: func(r *queue.SubmitRequest) { r.Name = "" }},
		{name: "missing data", mutate: func(r *queue.SubmitRequest) { r.Data = nil }},
		{name: "retry limit too high", mutate: func(r *queue.SubmitRequest) { r.RetryLimit = intPtr(11) }},
		{name: "retry delay too low", mutate: func(r *queue.SubmitRequest) { r.RetryDelay = 50 }},
		{name: "timeout too low", mutate: func(r *queue.SubmitRequest) { r.Timeout = 500 }},
		{name: "priority out of range", mutate: func(r *queue.SubmitRequest) { r.Priority = 11 }},
		{name: "delay too long", mutate: func(r *queue.SubmitRequest) { r.Delay = 86400001 }},
		{name: "expire too short", mutate: func(r *queue.SubmitRequest) { r.ExpireIn = 500 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			_, err := service.Submit(ctx, req)
			assert.ErrorContains(t, err, "invalid job submission")
		})
	}
}

func TestSubmit_ExplicitZeroRetryLimit(t *testing.T) {
	ctx := context.Background()
	service, store := newService(t)

	req := validRequest()
	req.RetryLimit = intPtr(0)

	id, err := service.Submit(ctx, req)
	require.NoError(t, err)

	job, err := store.GetJobByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, job.RetryLimit, "explicit zero must not fall back to the default")
}

func TestSubmit_DuplicateJobKeyIsHardError(t *testing.T) {
	ctx := context.Background()
	service, _ := newService(t)

	req := validRequest()
	req.JobKey = "exec-1"

	first, err := service.Submit(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	_, err = service.Submit(ctx, req)
	assert.ErrorIs(t, err, queue.ErrDuplicateJob)
}

func TestWorkerPool_ProcessesJobs(t *testing.T) {
	ctx := context.Background()
	service, store := newService(t)

	var handled atomic.Int32

	err := service.RegisterWorker(ctx, "runs", func(_ context.Context, job *models.Job) (map[string]any, error) {
		handled.Add(1)

		return map[string]any{"executionId": job.Data["executionId"]}, nil
	}, queue.WorkerOptions{TeamSize: 2})
	require.NoError(t, err)

	require.NoError(t, service.Initialize(ctx))
	require.NoError(t, service.Initialize(ctx), "initialize is idempotent")
	defer func() {
		require.NoError(t, service.Stop(ctx))
	}()

	id, err := service.Submit(ctx, validRequest())
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		job, err := store.GetJobByID(ctx, id)

		return err == nil && job.State == models.JobStateCompleted
	})

	assert.Equal(t, int32(1), handled.Load())

	job, err := service.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", job.Output["executionId"])

	snapshot := service.WorkerSnapshot()
	completed := 0
	for _, stats := range snapshot {
		completed += stats.Completed
	}
	assert.Equal(t, 1, completed)
}

func TestWorkerPool_HandlerErrorUsesStoreRetry(t *testing.T) {
	ctx := context.Background()
	service, store := newService(t)

	var calls atomic.Int32

	err := service.RegisterWorker(ctx, "runs", func(_ context.Context, _ *models.Job) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient failure")
		}

		return map[string]any{"ok": true}, nil
	}, queue.WorkerOptions{TeamSize: 1})
	require.NoError(t, err)

	require.NoError(t, service.Initialize(ctx))
	defer func() {
		require.NoError(t, service.Stop(ctx))
	}()

	req := validRequest()
	req.RetryLimit = intPtr(2)
	req.RetryDelay = 100

	id, err := service.Submit(ctx, req)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		job, err := store.GetJobByID(ctx, id)

		return err == nil && job.State == models.JobStateCompleted
	})

	assert.Equal(t, int32(2), calls.Load())

	job, err := store.GetJobByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.RetryCount)
}

func TestHealthAndMetrics(t *testing.T) {
	ctx := context.Background()
	service, store := newService(t)

	for i := 0; i < 2; i++ {
		_, err := service.Submit(ctx, validRequest())
		require.NoError(t, err)
	}

	jobs, err := store.Fetch(ctx, "runs", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	require.NoError(t, store.Complete(ctx, jobs[0].ID, nil))

	failed := jobs[1]
	failed.RetryLimit = 0
	require.NoError(t, store.Fail(ctx, failed.ID, "boom"))

	health, err := service.Health(ctx)
	require.NoError(t, err)
	require.Len(t, health.Queues, 1)
	assert.Equal(t, queue.HealthStateUnhealthy, health.State, "50% error rate")
	assert.InDelta(t, 0.5, health.Queues[0].ErrorRate, 0.001)

	text, err := service.PrometheusMetrics(ctx)
	require.NoError(t, err)
	assert.Contains(t, text, `queue_jobs{queue="runs",state="completed"} 1`)
	assert.Contains(t, text, `queue_jobs{queue="runs",state="failed"} 1`)
	assert.Contains(t, text, `queue_error_rate{queue="runs"} 0.5`)
}

func TestHealth_ActiveBacklogDegrades(t *testing.T) {
	ctx := context.Background()
	service, store := newService(t)

	for i := 0; i < 101; i++ {
		_, err := service.Submit(ctx, validRequest())
		require.NoError(t, err)
	}

	jobs, err := store.Fetch(ctx, "runs", 101)
	require.NoError(t, err)
	require.Len(t, jobs, 101)

	health, err := service.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.HealthStateDegraded, health.State)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	service, store := newService(t)

	id, err := service.Submit(ctx, validRequest())
	require.NoError(t, err)

	require.NoError(t, service.Purge(ctx))

	_, err = store.GetJobByID(ctx, id)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestStop_SafeWhenNeverStarted(t *testing.T) {
	service, _ := newService(t)
	require.NoError(t, service.Stop(context.Background()))
}

func TestRedactData(t *testing.T) {
	data := map[string]any{
		"executionId": "exec-1",
		"apiToken":    "abc",
		"password":    "hunter2",
		"nested": map[string]any{
			"client_secret": "xyz",
			"plain":         "ok",
		},
	}

	redacted := queue.RedactData(data)

	assert.Equal(t, "exec-1", redacted["executionId"])
	assert.Equal(t, "[REDACTED]", redacted["apiToken"])
	assert.Equal(t, "[REDACTED]", redacted["password"])

	nested := redacted["nested"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["client_secret"])
	assert.Equal(t, "ok", nested["plain"])

	// Original untouched.
	assert.Equal(t, "hunter2", data["password"])
	assert.Nil(t, queue.RedactData(nil))
}
