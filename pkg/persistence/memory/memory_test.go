package memory

import (
	"context"
	"testing"
	"time"

	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence().Executions()

	exec := models.NewWorkflowExecution("wf-1", "user-1", 3, 2)
	require.NoError(t, repo.Create(ctx, exec))

	assert.ErrorIs(t, repo.Create(ctx, exec), persistence.ErrExecutionAlreadyExists)

	loaded, err := repo.GetByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, loaded.ID)
	assert.Equal(t, models.ExecutionStatusPending, loaded.Status)

	loaded.Status = models.ExecutionStatusRunning
	require.NoError(t, repo.Update(ctx, loaded))

	reloaded, err := repo.GetByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, reloaded.Status)

	_, err = repo.GetByID(ctx, "exec-missing")
	assert.True(t, persistence.IsExecutionNotFound(err))

	missing := models.NewWorkflowExecution("wf-2", "user-1", 1, 1)
	assert.True(t, persistence.IsExecutionNotFound(repo.Update(ctx, missing)))
}

func TestExecutionRepository_StaleRevisionRejected(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence().Executions()

	exec := models.NewWorkflowExecution("wf-1", "user-1", 2, 1)
	require.NoError(t, repo.Create(ctx, exec))

	first, err := repo.GetByID(ctx, exec.ID)
	require.NoError(t, err)

	second, err := repo.GetByID(ctx, exec.ID)
	require.NoError(t, err)

	first.Status = models.ExecutionStatusRunning
	require.NoError(t, repo.Update(ctx, first))
	assert.Equal(t, int64(1), first.Revision)

	second.Status = models.ExecutionStatusCancelled
	assert.ErrorIs(t, repo.Update(ctx, second), persistence.ErrRevisionConflict)

	reloaded, err := repo.GetByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, reloaded.Status)
	assert.Equal(t, int64(1), reloaded.Revision)
}

func TestExecutionRepository_SnapshotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence().Executions()

	exec := models.NewWorkflowExecution("wf-1", "user-1", 3, 2)
	require.NoError(t, repo.Create(ctx, exec))

	loaded, err := repo.GetByID(ctx, exec.ID)
	require.NoError(t, err)

	loaded.StepResults[1] = models.StepResult{Success: true}

	reloaded, err := repo.GetByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Empty(t, reloaded.StepResults)
}

func TestExecutionRepository_List(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence().Executions()

	running := models.NewWorkflowExecution("wf-1", "user-1", 1, 1)
	running.Status = models.ExecutionStatusRunning
	require.NoError(t, repo.Create(ctx, running))

	failed := models.NewWorkflowExecution("wf-1", "user-2", 1, 1)
	failed.Status = models.ExecutionStatusFailed
	require.NoError(t, repo.Create(ctx, failed))

	results, err := repo.List(ctx, persistence.ExecutionFilter{
		Statuses: []models.ExecutionStatus{models.ExecutionStatusFailed},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, failed.ID, results[0].ID)

	results, err = repo.List(ctx, persistence.ExecutionFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, running.ID, results[0].ID)

	results, err = repo.List(ctx, persistence.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestExecutionRepository_DeleteTerminalOlderThan(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence().Executions()

	old := time.Now().UTC().Add(-48 * time.Hour)

	stale := models.NewWorkflowExecution("wf-1", "user-1", 1, 1)
	stale.Status = models.ExecutionStatusCompleted
	stale.CompletedAt = &old
	require.NoError(t, repo.Create(ctx, stale))

	fresh := models.NewWorkflowExecution("wf-1", "user-1", 1, 1)
	now := time.Now().UTC()
	fresh.Status = models.ExecutionStatusFailed
	fresh.CompletedAt = &now
	require.NoError(t, repo.Create(ctx, fresh))

	active := models.NewWorkflowExecution("wf-1", "user-1", 1, 1)
	active.Status = models.ExecutionStatusRunning
	require.NoError(t, repo.Create(ctx, active))

	removed, err := repo.DeleteTerminalOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.GetByID(ctx, stale.ID)
	assert.True(t, persistence.IsExecutionNotFound(err))

	_, err = repo.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
}

func TestStepLogRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence().StepLogs()

	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.Append(ctx, &models.StepLogEntry{
			ExecutionID: "exec-1",
			StepOrder:   i,
			Event:       models.StepLogStarted,
			Attempt:     1,
		}))
	}

	entries, err := repo.ListByExecution(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].Timestamp.IsZero())

	limited, err := repo.ListByExecution(ctx, "exec-1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, 2, limited[0].StepOrder)

	empty, err := repo.ListByExecution(ctx, "exec-unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
