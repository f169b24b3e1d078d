package memory

import (
	"context"
	"testing"
	"time"

	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(queueName string) *models.Job {
	return &models.Job{
		QueueName:  queueName,
		Name:       "run",
		Data:       map[string]any{"executionId": "exec-1"},
		RetryLimit: 2,
		RetryDelay: time.Millisecond,
		StartAfter: time.Now().UTC(),
	}
}

func TestSendAndFetch(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	id, err := store.Send(ctx, newJob("runs"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	jobs, err := store.Fetch(ctx, "runs", 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, models.JobStateActive, jobs[0].State)
	require.NotNil(t, jobs[0].StartedAt)

	// The claim is exclusive: a second fetch sees nothing.
	again, err := store.Fetch(ctx, "runs", 5)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestFetch_PriorityThenAge(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	low := newJob("runs")
	low.Priority = -1
	lowID, err := store.Send(ctx, low)
	require.NoError(t, err)

	high := newJob("runs")
	high.Priority = 5
	highID, err := store.Send(ctx, high)
	require.NoError(t, err)

	jobs, err := store.Fetch(ctx, "runs", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, highID, jobs[0].ID)
	assert.Equal(t, lowID, jobs[1].ID)
}

func TestSend_JobKeyDedup(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	first := newJob("runs")
	first.JobKey = "exec-1"
	firstID, err := store.Send(ctx, first)
	require.NoError(t, err)
	require.NotEmpty(t, firstID)

	second := newJob("runs")
	second.JobKey = "exec-1"
	secondID, err := store.Send(ctx, second)
	require.NoError(t, err)
	assert.Empty(t, secondID, "duplicate key yields no id")

	// A finished job releases the key.
	require.NoError(t, store.Complete(ctx, firstID, nil))

	third := newJob("runs")
	third.JobKey = "exec-1"
	thirdID, err := store.Send(ctx, third)
	require.NoError(t, err)
	assert.NotEmpty(t, thirdID)
}

func TestSend_DelayedJobNotFetchedEarly(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	delayed := newJob("runs")
	delayed.StartAfter = time.Now().UTC().Add(time.Hour)
	_, err := store.Send(ctx, delayed)
	require.NoError(t, err)

	jobs, err := store.Fetch(ctx, "runs", 5)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	counts, err := store.Counts(ctx, "runs")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Delayed)
}

func TestFail_RetriesThenFailsTerminally(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	job := newJob("runs")
	job.RetryLimit = 1
	id, err := store.Send(ctx, job)
	require.NoError(t, err)

	_, err = store.Fetch(ctx, "runs", 1)
	require.NoError(t, err)

	require.NoError(t, store.Fail(ctx, id, "boom"))

	loaded, err := store.GetJobByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRetry, loaded.State)
	assert.Equal(t, 1, loaded.RetryCount)
	assert.Equal(t, "boom", loaded.Error)

	time.Sleep(2 * time.Millisecond)

	jobs, err := store.Fetch(ctx, "runs", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, store.Fail(ctx, id, "boom again"))

	loaded, err = store.GetJobByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, loaded.State)
	require.NotNil(t, loaded.CompletedAt)
}

func TestComplete_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	id, err := store.Send(ctx, newJob("runs"))
	require.NoError(t, err)

	_, err = store.Fetch(ctx, "runs", 1)
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, id, map[string]any{"ok": true}))
	require.NoError(t, store.Complete(ctx, id, map[string]any{"ok": false}))

	loaded, err := store.GetJobByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, loaded.State)
	assert.Equal(t, map[string]any{"ok": true}, loaded.Output)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	id, err := store.Send(ctx, newJob("runs"))
	require.NoError(t, err)

	require.NoError(t, store.Cancel(ctx, id))
	require.NoError(t, store.Cancel(ctx, id), "cancelling a cancelled job is a no-op")

	jobs, err := store.Fetch(ctx, "runs", 5)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, store.Complete(ctx, id, nil), "completing a cancelled job is a no-op")
	loaded, err := store.GetJobByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, loaded.State)
}

func TestExpiration(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	job := newJob("runs")
	expireAt := time.Now().UTC().Add(-time.Second)
	job.ExpireAt = &expireAt
	id, err := store.Send(ctx, job)
	require.NoError(t, err)

	jobs, err := store.Fetch(ctx, "runs", 5)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	loaded, err := store.GetJobByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateExpired, loaded.State)
}

func TestCountsAndQueuesAndTruncate(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.CreateQueue(ctx, "a"))

	id, err := store.Send(ctx, newJob("b"))
	require.NoError(t, err)

	queues, err := store.Queues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, queues)

	counts, err := store.Counts(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Total)
	assert.Equal(t, 1, counts.Created)

	require.NoError(t, store.Truncate(ctx))

	_, err = store.GetJobByID(ctx, id)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}
