package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/jamcrm/api/internal/logger"
	"github.com/jamcrm/api/internal/metrics"
	"github.com/jamcrm/api/internal/model"
	"github.com/jamcrm/api/internal/store"
)

const (
	finishTimeout = 10 * time.Second
	reclaimLimit  = 500
)

// Deps wires a Coordinator.
type Deps struct {
	// BaseContext outlives requests; batch dispatch and execution derive from
	// it so shutdown cancels them.
	BaseContext  context.Context
	Jobs         *store.JobStore
	Members      MemberSource
	Planner      *Planner
	Executor     *BatchExecutor
	Dispatcher   Dispatcher
	Notifier     ProgressNotifier
	Metrics      *metrics.Recorder
	Logger       *logger.Logger
	AllOrNothing bool
}

// Coordinator owns the lifecycle of bulk move jobs: it accepts requests,
// persists the plan, hands batches to the dispatcher and records outcomes.
type Coordinator struct {
	baseCtx      context.Context
	jobs         *store.JobStore
	members      MemberSource
	planner      *Planner
	executor     *BatchExecutor
	dispatcher   Dispatcher
	notifier     ProgressNotifier
	metrics      *metrics.Recorder
	log          *logger.Logger
	allOrNothing bool

	wg sync.WaitGroup
}

func NewCoordinator(d Deps) *Coordinator {
	ctx := d.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}
	log := d.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Coordinator{
		baseCtx:      ctx,
		jobs:         d.Jobs,
		members:      d.Members,
		planner:      d.Planner,
		executor:     d.Executor,
		dispatcher:   d.Dispatcher,
		notifier:     d.Notifier,
		metrics:      d.Metrics,
		log:          log,
		allOrNothing: d.AllOrNothing,
	}
}

// Submit validates the request, creates and plans the job, and starts
// dispatching its batches in the background. Validation failures return an
// error and create nothing. A planning failure leaves a failed job behind
// and is reported through the returned status.
func (c *Coordinator) Submit(ctx context.Context, req *model.BulkMoveRequest) (*model.BulkMoveResponse, error) {
	if req.FromCollectionID == req.ToCollectionID {
		return nil, ErrSameCollection
	}
	for _, id := range []string{req.FromCollectionID, req.ToCollectionID} {
		exists, err := c.members.CollectionExists(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to look up collection: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, id)
		}
	}

	allOrNothing := c.allOrNothing
	if req.AllOrNothing != nil {
		allOrNothing = *req.AllOrNothing
	}

	job := &model.MigrationJob{
		ID:                 uuid.New().String(),
		SourceCollectionID: req.FromCollectionID,
		DestCollectionID:   req.ToCollectionID,
		ScopeAll:           req.MoveAll(),
		AllOrNothing:       allOrNothing,
		Status:             model.JobStatusQueued,
	}
	if err := c.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	c.metrics.JobSubmitted()
	log := c.log.With("job_id", job.ID)

	var explicit []int64
	if req.CompanyIDs != nil {
		explicit = *req.CompanyIDs
	}
	plan, err := c.planner.Plan(ctx, job.SourceCollectionID, job.DestCollectionID, explicit, job.ScopeAll)
	if err != nil {
		log.Warn("planning failed", "error", err)
		if _, ferr := c.failJob(ctx, job.ID, err.Error()); ferr != nil {
			return nil, fmt.Errorf("failed to record planning failure: %w", ferr)
		}
		return &model.BulkMoveResponse{
			OperationID:  job.ID,
			BatchTaskIDs: []string{},
			Status:       model.JobStatusFailed,
		}, nil
	}

	batches := make([]*model.BatchTask, 0, len(plan.Batches))
	ids := make([]string, 0, len(plan.Batches))
	for i, members := range plan.Batches {
		b := &model.BatchTask{
			ID:        uuid.New().String(),
			JobID:     job.ID,
			Seq:       i,
			MemberIDs: members,
			State:     model.BatchStatePending,
		}
		batches = append(batches, b)
		ids = append(ids, b.ID)
	}

	saved, err := c.jobs.SavePlan(ctx, job.ID, batches, plan.Requested, plan.Dropped)
	if err != nil {
		if _, ferr := c.failJob(ctx, job.ID, "failed to persist plan"); ferr != nil {
			log.Error("failed to record plan failure", "error", ferr)
		}
		return nil, fmt.Errorf("failed to persist plan: %w", err)
	}

	log.Info("bulk move accepted",
		"source", job.SourceCollectionID,
		"dest", job.DestCollectionID,
		"requested", plan.Requested,
		"dropped", plan.Dropped,
		"batches", len(batches),
	)

	if saved.Status.IsTerminal() {
		c.metrics.JobFinished(string(saved.Status))
		c.notify(ctx, job.ID)
	} else {
		c.dispatchAll(job.ID, batches)
	}

	return &model.BulkMoveResponse{
		OperationID:  job.ID,
		BatchTaskIDs: ids,
		TotalBatches: saved.TotalBatches,
		Status:       saved.Status,
		DroppedCount: saved.DroppedCount,
	}, nil
}

// RunBatch executes one batch and records its outcome. Deliveries for a
// batch or job that is already terminal are ignored. An error is returned
// only when the outcome could not be recorded, or when ctx was canceled
// mid-batch, in which case the batch stays in progress for Resume.
func (c *Coordinator) RunBatch(ctx context.Context, batchID string) error {
	job, batch, claimed, err := c.jobs.ClaimBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		c.log.Warn("batch no longer exists", "batch_id", batchID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim batch: %w", err)
	}
	if !claimed {
		c.log.Debug("skipping terminal batch", "batch_id", batchID, "job_id", job.ID)
		return nil
	}

	log := c.log.With("job_id", job.ID, "batch_id", batch.ID, "seq", batch.Seq)
	c.metrics.BatchStarted()
	started := time.Now()

	outcome, execErr := c.executor.Execute(ctx, job, batch)
	if ctx.Err() != nil {
		c.metrics.BatchInterrupted()
		log.Info("batch interrupted, left for resume")
		return ctx.Err()
	}

	result := store.BatchResult{
		State:          model.BatchStateSucceeded,
		Attempts:       batch.Attempts + outcome.Attempts,
		Moved:          batch.MovedCount + outcome.Moved,
		AlreadyPresent: batch.AlreadyPresentCount + outcome.AlreadyPresent,
		MemberFailures: batch.MemberFailures + outcome.MemberFailures,
	}
	abortReason := ""
	if execErr != nil {
		msg := execErr.Error()
		result.State = model.BatchStateFailed
		result.LastError = &msg
		switch {
		case errors.Is(execErr, ErrDestinationGone):
			abortReason = msg
		case job.AllOrNothing:
			abortReason = fmt.Sprintf("batch %d failed: %s", batch.Seq, msg)
		}
		log.Warn("batch failed", "attempts", outcome.Attempts, "error", execErr)
	}

	fin, err := c.finishBatch(ctx, job.ID, batch.ID, result, abortReason)
	if err != nil {
		c.metrics.BatchInterrupted()
		return fmt.Errorf("failed to record batch outcome: %w", err)
	}
	c.metrics.BatchFinished(string(result.State), outcome.Attempts, outcome.Moved, outcome.MemberFailures, time.Since(started))

	if fin.Finalized {
		c.metrics.JobFinished(string(fin.Job.Status))
		log.Info("bulk move finished", "status", fin.Job.Status)
	}
	if fin.Recorded {
		c.notify(ctx, job.ID)
	}
	return nil
}

// Resume picks up every job left non-terminal by a previous process.
// Unplanned jobs fail; in-progress batches return to pending and every
// non-terminal batch is dispatched again. It returns the number of jobs
// that were re-dispatched.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	active, err := c.jobs.ActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active jobs: %w", err)
	}

	resumed := 0
	for _, job := range active {
		log := c.log.With("job_id", job.ID)
		if job.PlannedAt == nil {
			log.Warn("failing job whose planning was interrupted")
			if _, err := c.failJob(ctx, job.ID, "planning interrupted"); err != nil {
				return resumed, err
			}
			continue
		}

		pending, err := c.jobs.ResetInFlight(ctx, job.ID)
		if err != nil {
			return resumed, fmt.Errorf("failed to reset job %s: %w", job.ID, err)
		}
		if len(pending) == 0 {
			finalized, err := c.jobs.FinalizeIfDone(ctx, job.ID)
			if err != nil {
				return resumed, err
			}
			if finalized {
				c.notify(ctx, job.ID)
			}
			continue
		}

		log.Info("resuming bulk move", "batches", len(pending))
		c.dispatchAll(job.ID, pending)
		resumed++
	}
	return resumed, nil
}

// ReclaimStale re-dispatches in-progress batches that have not been touched
// since cutoff, such as a task whose delivery was lost. It returns the number
// of batches reclaimed.
func (c *Coordinator) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := c.jobs.ReclaimStale(ctx, cutoff, reclaimLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale batches: %w", err)
	}

	byJob := map[string][]*model.BatchTask{}
	var order []string
	for _, b := range stale {
		if _, ok := byJob[b.JobID]; !ok {
			order = append(order, b.JobID)
		}
		byJob[b.JobID] = append(byJob[b.JobID], b)
	}
	for _, jobID := range order {
		c.log.Warn("re-dispatching stale batches", "job_id", jobID, "batches", len(byJob[jobID]))
		c.dispatchAll(jobID, byJob[jobID])
	}
	c.metrics.BatchesReclaimedAdd(len(stale))
	return len(stale), nil
}

// Wait blocks until every background dispatch loop has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) dispatchAll(jobID string, batches []*model.BatchTask) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for _, b := range batches {
			err := c.dispatcher.Dispatch(c.baseCtx, b)
			if err == nil {
				continue
			}
			if c.baseCtx.Err() != nil {
				return
			}
			c.log.Error("failed to dispatch batch", "job_id", jobID, "batch_id", b.ID, "error", err)
			if _, ferr := c.failJob(c.baseCtx, jobID, "dispatch failed: "+err.Error()); ferr != nil {
				c.log.Error("failed to mark job as failed", "job_id", jobID, "error", ferr)
			}
			return
		}
	}()
}

func (c *Coordinator) failJob(ctx context.Context, jobID, reason string) (bool, error) {
	changed, err := c.jobs.FailJob(ctx, jobID, reason)
	if err != nil {
		return false, err
	}
	if changed {
		c.metrics.JobFinished(string(model.JobStatusFailed))
		c.notify(ctx, jobID)
	}
	return changed, nil
}

// finishBatch records the outcome even if ctx is canceled after execution,
// retrying transient storage errors.
func (c *Coordinator) finishBatch(ctx context.Context, jobID, batchID string, result store.BatchResult, abortReason string) (*store.FinishResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	var fin *store.FinishResult
	op := func() error {
		var err error
		fin, err = c.jobs.FinishBatch(ctx, jobID, batchID, result, abortReason)
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return fin, nil
}

func (c *Coordinator) notify(ctx context.Context, jobID string) {
	if c.notifier == nil {
		return
	}
	snap, err := c.Status(ctx, jobID)
	if err != nil {
		c.log.Warn("failed to build progress snapshot", "job_id", jobID, "error", err)
		return
	}
	c.notifier.Notify(snap)
}
