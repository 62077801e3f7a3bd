package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/jamcrm/api/internal/logger"
	"github.com/jamcrm/api/internal/service"
)

// BatchRunner executes one batch of a bulk move job.
type BatchRunner interface {
	RunBatch(ctx context.Context, batchID string) error
}

// BatchWorker processes bulk move batch tasks from asynq.
type BatchWorker struct {
	runner BatchRunner
	log    *logger.Logger
}

func NewBatchWorker(runner BatchRunner, log *logger.Logger) *BatchWorker {
	return &BatchWorker{runner: runner, log: log}
}

// ProcessTask handles a bulk move batch task. Returning an error makes asynq
// redeliver the task; the batch's own retries happen inside RunBatch.
func (w *BatchWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.BatchTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.BatchID == "" {
		return fmt.Errorf("task payload has no batch id: %w", asynq.SkipRetry)
	}

	w.log.Debug("processing batch task", "job_id", payload.JobID, "batch_id", payload.BatchID)
	return w.runner.RunBatch(ctx, payload.BatchID)
}
