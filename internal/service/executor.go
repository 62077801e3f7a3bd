package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jamcrm/api/internal/logger"
	"github.com/jamcrm/api/internal/model"
	"github.com/jamcrm/api/internal/store"
)

// MembershipMutator applies single-member moves.
type MembershipMutator interface {
	CollectionExists(ctx context.Context, id string) (bool, error)
	MoveMember(ctx context.Context, companyID int64, from, to string) (model.MoveOutcome, error)
}

type ExecutorConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// BatchOutcome is the accumulated result of every attempt at one batch.
type BatchOutcome struct {
	Attempts       int
	Moved          int
	AlreadyPresent int
	MemberFailures int
}

// BatchExecutor moves the members of one batch, retrying storage errors with
// exponential backoff. A member resolved by an earlier attempt is not moved
// again, so counts accumulate across attempts without double counting.
type BatchExecutor struct {
	members MembershipMutator
	cfg     ExecutorConfig
	log     *logger.Logger
}

func NewBatchExecutor(members MembershipMutator, cfg ExecutorConfig, log *logger.Logger) *BatchExecutor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	return &BatchExecutor{members: members, cfg: cfg, log: log}
}

// Execute runs the batch. A nil error means the batch succeeded. An error
// wrapping ErrDestinationGone is fatal for the job; a context error means the
// attempt was interrupted and the batch should be resumed later; any other
// error means the retries were exhausted.
func (e *BatchExecutor) Execute(ctx context.Context, job *model.MigrationJob, batch *model.BatchTask) (*BatchOutcome, error) {
	out := &BatchOutcome{}
	resolved := make(map[int64]model.MoveOutcome, len(batch.MemberIDs))

	attempt := func() error {
		out.Attempts++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		exists, err := e.members.CollectionExists(ctx, job.DestCollectionID)
		if err != nil {
			return fmt.Errorf("check destination: %w", err)
		}
		if !exists {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrDestinationGone, job.DestCollectionID))
		}

		for _, id := range batch.MemberIDs {
			if _, done := resolved[id]; done {
				continue
			}
			outcome, err := e.members.MoveMember(ctx, id, job.SourceCollectionID, job.DestCollectionID)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return backoff.Permanent(ctxErr)
				}
				if errors.Is(err, store.ErrCollectionGone) {
					return backoff.Permanent(fmt.Errorf("%w: %s", ErrDestinationGone, job.DestCollectionID))
				}
				return fmt.Errorf("move company %d: %w", id, err)
			}
			resolved[id] = outcome
			switch outcome {
			case model.MoveOutcomeMoved:
				out.Moved++
			case model.MoveOutcomeAlreadyPresent:
				out.AlreadyPresent++
			case model.MoveOutcomeMissing:
				out.MemberFailures++
			}
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		e.log.Warn("batch attempt failed, retrying",
			"job_id", job.ID,
			"batch_id", batch.ID,
			"attempt", out.Attempts,
			"wait", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(attempt, e.policy(ctx), notify)
	if err != nil && errors.Is(err, ErrDestinationGone) {
		e.log.Error("destination removed while moving batch", "job_id", job.ID, "batch_id", batch.ID)
	}
	return out, err
}

func (e *BatchExecutor) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialInterval
	b.MaxInterval = e.cfg.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxAttempts-1)), ctx)
}
