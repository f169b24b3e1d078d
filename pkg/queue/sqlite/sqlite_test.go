package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nuvoh/runway/pkg/log"
	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/queue"
	"github.com/nuvoh/runway/pkg/queue/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()

	return sqlite.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
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

func TestStore_RequiresStart(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	assert.ErrorIs(t, store.CreateQueue(ctx, "runs"), queue.ErrNotStarted)

	_, err := store.Send(ctx, &models.Job{QueueName: "runs", Name: "execute-workflow"})
	assert.ErrorIs(t, err, queue.ErrNotStarted)

	_, err = store.Fetch(ctx, "runs", 1)
	assert.ErrorIs(t, err, queue.ErrNotStarted)

	_, err = store.GetJobByID(ctx, "job-1")
	assert.ErrorIs(t, err, queue.ErrNotStarted)

	assert.ErrorIs(t, store.Complete(ctx, "job-1", nil), queue.ErrNotStarted)
	assert.ErrorIs(t, store.Cancel(ctx, "job-1"), queue.ErrNotStarted)

	_, err = store.Counts(ctx, "runs")
	assert.ErrorIs(t, err, queue.ErrNotStarted)

	_, err = store.Queues(ctx)
	assert.ErrorIs(t, err, queue.ErrNotStarted)
}

func TestRegisterWorker_BeforeInitialize(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	service := queue.NewService(store, log.NewDiscard(), queue.Config{
		MaxConcurrency: 1,
		PollInterval:   5 * time.Millisecond,
	})

	err := service.RegisterWorker(ctx, "runs", func(_ context.Context, job *models.Job) (map[string]any, error) {
		return map[string]any{"executionId": job.Data["executionId"]}, nil
	}, queue.WorkerOptions{TeamSize: 1})
	require.NoError(t, err, "registration must not touch the store before it starts")

	require.NoError(t, service.Initialize(ctx))
	defer func() {
		require.NoError(t, service.Stop(ctx))
	}()

	queues, err := store.Queues(ctx)
	require.NoError(t, err)
	assert.Contains(t, queues, "runs")

	id, err := service.Submit(ctx, queue.SubmitRequest{
		QueueName: "runs",
		Name:      "execute-workflow",
		Data:      map[string]any{"executionId": "exec-1"},
	})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		job, err := store.GetJobByID(ctx, id)

		return err == nil && job.State == models.JobStateCompleted
	})
}

func TestStore_SendFetchRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Start(ctx))
	defer func() {
		require.NoError(t, store.Stop(ctx))
	}()

	low := &models.Job{QueueName: "runs", Name: "execute-workflow", Priority: 0, StartAfter: time.Now().UTC()}
	high := &models.Job{QueueName: "runs", Name: "execute-workflow", Priority: 5, StartAfter: time.Now().UTC()}

	_, err := store.Send(ctx, low)
	require.NoError(t, err)
	_, err = store.Send(ctx, high)
	require.NoError(t, err)

	claimed, err := store.Fetch(ctx, "runs", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, high.ID, claimed[0].ID, "higher priority claims first")
	assert.Equal(t, models.JobStateActive, claimed[0].State)

	duplicate := &models.Job{QueueName: "runs", Name: "execute-workflow", JobKey: "exec-1", StartAfter: time.Now().UTC()}
	id, err := store.Send(ctx, duplicate)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again := &models.Job{QueueName: "runs", Name: "execute-workflow", JobKey: "exec-1", StartAfter: time.Now().UTC()}
	id, err = store.Send(ctx, again)
	require.NoError(t, err)
	assert.Empty(t, id, "live job key suppresses the duplicate")
}
