package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamcrm/api/internal/model"
	"github.com/jamcrm/api/internal/store"
	"github.com/jamcrm/api/internal/testutil"
)

func newJob(t *testing.T, jobs *store.JobStore) *model.MigrationJob {
	t.Helper()
	job := &model.MigrationJob{
		ID:                 uuid.New().String(),
		SourceCollectionID: uuid.New().String(),
		DestCollectionID:   uuid.New().String(),
		Status:             model.JobStatusQueued,
	}
	require.NoError(t, jobs.CreateJob(context.Background(), job))
	return job
}

func planBatches(jobID string, n int) []*model.BatchTask {
	out := make([]*model.BatchTask, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &model.BatchTask{
			ID:        uuid.New().String(),
			JobID:     jobID,
			Seq:       i,
			MemberIDs: []int64{int64(i*10 + 1), int64(i*10 + 2)},
			State:     model.BatchStatePending,
		})
	}
	return out
}

func TestSavePlan_EmptyCompletesJob(t *testing.T) {
	ctx := context.Background()
	jobs := store.NewJobStore(testutil.NewDB(t))
	job := newJob(t, jobs)

	saved, err := jobs.SavePlan(ctx, job.ID, nil, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusCompleted, saved.Status)
	assert.Equal(t, 0, saved.TotalBatches)
	assert.NotNil(t, saved.TerminalAt)
	assert.NotNil(t, saved.PlannedAt)
}

func TestClaimAndFinish_FinalizesOnLastBatch(t *testing.T) {
	ctx := context.Background()
	jobs := store.NewJobStore(testutil.NewDB(t))
	job := newJob(t, jobs)

	batches := planBatches(job.ID, 2)
	saved, err := jobs.SavePlan(ctx, job.ID, batches, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, saved.Status)
	assert.Equal(t, 2, saved.TotalBatches)
	assert.Equal(t, 1, saved.DroppedCount)

	claimedJob, b, claimed, err := jobs.ClaimBatch(ctx, batches[0].ID)
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, model.JobStatusRunning, claimedJob.Status)
	assert.Equal(t, model.BatchStateInProgress, b.State)

	res, err := jobs.FinishBatch(ctx, job.ID, batches[0].ID, store.BatchResult{State: model.BatchStateSucceeded, Attempts: 1, Moved: 2}, "")
	require.NoError(t, err)
	assert.True(t, res.Recorded)
	assert.False(t, res.Finalized)

	// A duplicate report for the same batch is ignored.
	res, err = jobs.FinishBatch(ctx, job.ID, batches[0].ID, store.BatchResult{State: model.BatchStateFailed}, "")
	require.NoError(t, err)
	assert.False(t, res.Recorded)

	_, _, claimed, err = jobs.ClaimBatch(ctx, batches[1].ID)
	require.NoError(t, err)
	require.True(t, claimed)

	lastErr := "storage unavailable"
	res, err = jobs.FinishBatch(ctx, job.ID, batches[1].ID, store.BatchResult{State: model.BatchStateFailed, Attempts: 3, LastError: &lastErr}, "")
	require.NoError(t, err)
	assert.True(t, res.Finalized)
	assert.Equal(t, model.JobStatusCompletedWithErrors, res.Job.Status)
	assert.NotNil(t, res.Job.TerminalAt)

	counts, err := jobs.Counts(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Succeeded)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 2, counts.Moved)
}

func TestClaimBatch_SkipsTerminal(t *testing.T) {
	ctx := context.Background()
	jobs := store.NewJobStore(testutil.NewDB(t))
	job := newJob(t, jobs)

	batches := planBatches(job.ID, 2)
	_, err := jobs.SavePlan(ctx, job.ID, batches, 4, 0)
	require.NoError(t, err)

	changed, err := jobs.FailJob(ctx, job.ID, "destination collection removed")
	require.NoError(t, err)
	assert.True(t, changed)

	_, b, claimed, err := jobs.ClaimBatch(ctx, batches[0].ID)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, model.BatchStateFailed, b.State)
	require.NotNil(t, b.LastError)
	assert.Contains(t, *b.LastError, "canceled")

	// Terminal states are absorbing.
	changed, err = jobs.FailJob(ctx, job.ID, "again")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestFinishBatch_Abort(t *testing.T) {
	ctx := context.Background()
	jobs := store.NewJobStore(testutil.NewDB(t))
	job := newJob(t, jobs)

	batches := planBatches(job.ID, 3)
	_, err := jobs.SavePlan(ctx, job.ID, batches, 6, 0)
	require.NoError(t, err)

	_, _, claimed, err := jobs.ClaimBatch(ctx, batches[1].ID)
	require.NoError(t, err)
	require.True(t, claimed)

	res, err := jobs.FinishBatch(ctx, job.ID, batches[1].ID, store.BatchResult{State: model.BatchStateFailed, Attempts: 1}, "destination collection removed")
	require.NoError(t, err)
	assert.True(t, res.Finalized)
	assert.Equal(t, model.JobStatusFailed, res.Job.Status)

	counts, err := jobs.Counts(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Failed)
	assert.Equal(t, 0, counts.NonTerminal())
}

func TestFinishBatch_RunningBatchOutlivesAbort(t *testing.T) {
	ctx := context.Background()
	jobs := store.NewJobStore(testutil.NewDB(t))
	job := newJob(t, jobs)

	batches := planBatches(job.ID, 3)
	_, err := jobs.SavePlan(ctx, job.ID, batches, 6, 0)
	require.NoError(t, err)

	for _, b := range batches[:2] {
		_, _, claimed, err := jobs.ClaimBatch(ctx, b.ID)
		require.NoError(t, err)
		require.True(t, claimed)
	}

	res, err := jobs.FinishBatch(ctx, job.ID, batches[1].ID, store.BatchResult{State: model.BatchStateFailed, Attempts: 1}, "destination collection removed")
	require.NoError(t, err)
	require.True(t, res.Finalized)

	counts, err := jobs.Counts(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.InProgress, "a running batch is not canceled")
	assert.Equal(t, 2, counts.Failed)

	res, err = jobs.FinishBatch(ctx, job.ID, batches[0].ID, store.BatchResult{State: model.BatchStateSucceeded, Attempts: 1, Moved: 2}, "")
	require.NoError(t, err)
	assert.True(t, res.Recorded)
	assert.False(t, res.Finalized)
	assert.Equal(t, model.JobStatusFailed, res.Job.Status)

	counts, err = jobs.Counts(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Succeeded)
	assert.Equal(t, 2, counts.Failed)
	assert.Equal(t, 2, counts.Moved)
	assert.Equal(t, 0, counts.NonTerminal())
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	jobs := store.NewJobStore(testutil.NewDB(t))

	active := newJob(t, jobs)
	activeBatches := planBatches(active.ID, 2)
	_, err := jobs.SavePlan(ctx, active.ID, activeBatches, 4, 0)
	require.NoError(t, err)
	_, _, _, err = jobs.ClaimBatch(ctx, activeBatches[0].ID)
	require.NoError(t, err)

	failed := newJob(t, jobs)
	failedBatches := planBatches(failed.ID, 2)
	_, err = jobs.SavePlan(ctx, failed.ID, failedBatches, 4, 0)
	require.NoError(t, err)
	_, _, _, err = jobs.ClaimBatch(ctx, failedBatches[0].ID)
	require.NoError(t, err)
	_, err = jobs.FailJob(ctx, failed.ID, "dispatch failed")
	require.NoError(t, err)

	reclaimed, err := jobs.ReclaimStale(ctx, time.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "recently claimed batches are left alone")

	reclaimed, err = jobs.ReclaimStale(ctx, time.Now().Add(time.Second), 100)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, activeBatches[0].ID, reclaimed[0].ID)
	assert.Equal(t, model.BatchStatePending, reclaimed[0].State)

	counts, err := jobs.Counts(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pending)

	counts, err = jobs.Counts(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.NonTerminal(), "batches of a finished job are closed out")
	assert.Equal(t, 2, counts.Failed)
}

func TestResetInFlight(t *testing.T) {
	ctx := context.Background()
	jobs := store.NewJobStore(testutil.NewDB(t))
	job := newJob(t, jobs)

	batches := planBatches(job.ID, 3)
	_, err := jobs.SavePlan(ctx, job.ID, batches, 6, 0)
	require.NoError(t, err)

	_, _, _, err = jobs.ClaimBatch(ctx, batches[0].ID)
	require.NoError(t, err)
	_, _, _, err = jobs.ClaimBatch(ctx, batches[2].ID)
	require.NoError(t, err)
	_, err = jobs.FinishBatch(ctx, job.ID, batches[2].ID, store.BatchResult{State: model.BatchStateSucceeded}, "")
	require.NoError(t, err)

	pending, err := jobs.ResetInFlight(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, batches[0].ID, pending[0].ID)
	assert.Equal(t, model.BatchStatePending, pending[0].State)
	assert.Equal(t, batches[1].ID, pending[1].ID)

	active, err := jobs.ActiveJobs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, job.ID, active[0].ID)
}

func TestDeleteExpired(t *testing.T) {
	ctx := context.Background()
	jobs := store.NewJobStore(testutil.NewDB(t))

	done := newJob(t, jobs)
	_, err := jobs.SavePlan(ctx, done.ID, nil, 0, 0)
	require.NoError(t, err)

	running := newJob(t, jobs)
	_, err = jobs.SavePlan(ctx, running.ID, planBatches(running.ID, 1), 2, 0)
	require.NoError(t, err)

	n, err := jobs.DeleteExpired(ctx, time.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is older than the retention window yet")

	n, err = jobs.DeleteExpired(ctx, time.Now().Add(time.Second), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = jobs.GetJob(ctx, done.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = jobs.GetJob(ctx, running.ID)
	assert.NoError(t, err, "non-terminal jobs are never collected")
}
