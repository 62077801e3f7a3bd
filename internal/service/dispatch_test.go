package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamcrm/api/internal/model"
	"github.com/jamcrm/api/internal/service"
)

const testQueue = "bulkmove"

func newAsynqDispatcher(t *testing.T) (*service.AsynqDispatcher, *asynq.Inspector) {
	t.Helper()
	mr := miniredis.RunT(t)
	opt := asynq.RedisClientOpt{Addr: mr.Addr()}

	client := asynq.NewClient(opt)
	inspector := asynq.NewInspector(opt)
	t.Cleanup(func() {
		_ = client.Close()
		_ = inspector.Close()
	})
	return service.NewAsynqDispatcher(client, inspector, testQueue, 3, time.Hour), inspector
}

func TestAsynqDispatcher_RedispatchWhileQueuedIsNoop(t *testing.T) {
	ctx := context.Background()
	d, insp := newAsynqDispatcher(t)
	batch := &model.BatchTask{ID: "batch-1", JobID: "job-1"}

	require.NoError(t, d.Dispatch(ctx, batch))
	require.NoError(t, d.Dispatch(ctx, batch))

	pending, err := insp.ListPendingTasks(testQueue)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "batch-1", pending[0].ID)
	assert.Equal(t, service.TaskTypeBulkMoveBatch, pending[0].Type)
	assert.Equal(t, 3, pending[0].MaxRetry)
}

func TestAsynqDispatcher_ReplacesArchivedTask(t *testing.T) {
	ctx := context.Background()
	d, insp := newAsynqDispatcher(t)
	batch := &model.BatchTask{ID: "batch-1", JobID: "job-1"}

	require.NoError(t, d.Dispatch(ctx, batch))
	require.NoError(t, insp.ArchiveTask(testQueue, batch.ID))

	info, err := insp.GetTaskInfo(testQueue, batch.ID)
	require.NoError(t, err)
	require.Equal(t, asynq.TaskStateArchived, info.State)

	require.NoError(t, d.Dispatch(ctx, batch))

	info, err = insp.GetTaskInfo(testQueue, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, asynq.TaskStatePending, info.State, "an archived batch is queued again")

	archived, err := insp.ListArchivedTasks(testQueue)
	require.NoError(t, err)
	assert.Empty(t, archived)
}
