package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jamcrm/api/internal/model"
	"github.com/jamcrm/api/internal/store"
)

// maxRunningProgress caps the progress of a job that is not terminal yet.
const maxRunningProgress = 99.99

// Status returns a read-only snapshot of the job. Batch aggregates are read
// before the job row: a job seen as non-terminal can never pair with counts
// that report every batch done, and a terminal job is re-counted so its
// totals are final.
func (c *Coordinator) Status(ctx context.Context, jobID string) (*model.BulkMoveStatusResponse, error) {
	counts, err := c.jobs.Counts(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to count batches: %w", err)
	}

	job, err := c.jobs.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	terminal := job.Status.IsTerminal()
	if terminal {
		if counts, err = c.jobs.Counts(ctx, jobID); err != nil {
			return nil, fmt.Errorf("failed to count batches: %w", err)
		}
	}

	return &model.BulkMoveStatusResponse{
		OperationID:        job.ID,
		FromCollectionID:   job.SourceCollectionID,
		ToCollectionID:     job.DestCollectionID,
		TotalBatches:       job.TotalBatches,
		CompletedBatches:   counts.Succeeded,
		FailedBatches:      counts.Failed,
		ProgressPercentage: Progress(counts.Terminal(), job.TotalBatches, terminal),
		Status:             job.Status,
		MovedCount:         counts.Moved,
		MemberFailures:     counts.MemberFailures,
		DroppedCount:       job.DroppedCount,
		Error:              job.Error,
		CreatedAt:          job.CreatedAt,
		TerminalAt:         job.TerminalAt,
	}, nil
}

// Progress is done/total as a percentage floored to two decimals. It is 100
// exactly when the job is terminal.
func Progress(done, total int, terminal bool) float64 {
	if terminal {
		return 100
	}
	if total <= 0 || done <= 0 {
		return 0
	}
	p := math.Floor(float64(done)*10000/float64(total)) / 100
	return math.Min(p, maxRunningProgress)
}
