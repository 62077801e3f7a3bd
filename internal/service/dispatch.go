package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/jamcrm/api/internal/model"
)

// Task types
const (
	TaskTypeBulkMoveBatch = "bulkmove:batch"
)

// Dispatcher hands a batch to a worker. Dispatch may block until a worker
// slot is free and must be safe to call again for a batch that was already
// dispatched.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch *model.BatchTask) error
}

// ProgressNotifier receives a fresh snapshot after every batch outcome.
type ProgressNotifier interface {
	Notify(snapshot *model.BulkMoveStatusResponse)
}

// BatchTaskPayload is the asynq payload of a batch task.
type BatchTaskPayload struct {
	JobID   string `json:"jobId"`
	BatchID string `json:"batchId"`
}

func NewBatchTask(jobID, batchID string) (*asynq.Task, error) {
	payload, err := json.Marshal(BatchTaskPayload{JobID: jobID, BatchID: batchID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeBulkMoveBatch, payload), nil
}

// AsynqDispatcher enqueues batches on a Redis-backed asynq queue. The task id
// is the batch id, so re-dispatching a batch that is still queued or running
// is a no-op. A task that asynq already completed or archived is replaced,
// since the batch being dispatched again means it never reached a terminal
// state.
type AsynqDispatcher struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	maxRetry  int
	retention time.Duration
}

func NewAsynqDispatcher(client *asynq.Client, inspector *asynq.Inspector, queue string, maxRetry int, retention time.Duration) *AsynqDispatcher {
	return &AsynqDispatcher{
		client:    client,
		inspector: inspector,
		queue:     queue,
		maxRetry:  maxRetry,
		retention: retention,
	}
}

func (d *AsynqDispatcher) Dispatch(ctx context.Context, batch *model.BatchTask) error {
	task, err := NewBatchTask(batch.JobID, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	err = d.enqueue(ctx, task, batch.ID)
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}

	info, err := d.inspector.GetTaskInfo(d.queue, batch.ID)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound):
		// Deleted between the enqueue and the lookup.
	case err != nil:
		return fmt.Errorf("failed to inspect task: %w", err)
	case info.State == asynq.TaskStateCompleted || info.State == asynq.TaskStateArchived:
		if err := d.inspector.DeleteTask(d.queue, batch.ID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("failed to delete finished task: %w", err)
		}
	default:
		return nil
	}

	if err := d.enqueue(ctx, task, batch.ID); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}
	return nil
}

func (d *AsynqDispatcher) enqueue(ctx context.Context, task *asynq.Task, id string) error {
	_, err := d.client.EnqueueContext(ctx, task,
		asynq.Queue(d.queue),
		asynq.TaskID(id),
		asynq.MaxRetry(d.maxRetry),
		asynq.Retention(d.retention),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return err
}
