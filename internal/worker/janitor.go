package worker

import (
	"context"
	"time"

	"github.com/jamcrm/api/internal/logger"
	"github.com/jamcrm/api/internal/metrics"
)

const sweepLimit = 500

// ExpiredJobDeleter removes terminal jobs older than a cutoff.
type ExpiredJobDeleter interface {
	DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// StaleReclaimer re-dispatches batches stuck in progress since cutoff.
type StaleReclaimer interface {
	ReclaimStale(ctx context.Context, cutoff time.Time) (int, error)
}

// Janitor garbage-collects terminal jobs once their retention window has
// passed. Their status then reads as not found. With a reclaimer set it also
// recovers batches whose worker went away without reporting.
type Janitor struct {
	jobs       ExpiredJobDeleter
	retention  time.Duration
	interval   time.Duration
	reclaimer  StaleReclaimer
	staleAfter time.Duration
	metrics    *metrics.Recorder
	log        *logger.Logger
	now        func() time.Time
}

func NewJanitor(jobs ExpiredJobDeleter, retention, interval time.Duration, m *metrics.Recorder, log *logger.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		jobs:      jobs,
		retention: retention,
		interval:  interval,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

// WithReclaim enables reclaiming batches left in progress longer than
// staleAfter.
func (j *Janitor) WithReclaim(r StaleReclaimer, staleAfter time.Duration) *Janitor {
	j.reclaimer = r
	j.staleAfter = staleAfter
	return j
}

// Run sweeps on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.log.Warn("retention sweep failed", "error", err)
			}
			if _, err := j.Reclaim(ctx); err != nil && ctx.Err() == nil {
				j.log.Warn("stale batch reclaim failed", "error", err)
			}
		}
	}
}

// Sweep deletes every expired job and returns how many were removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.retention)
	total := 0
	for {
		n, err := j.jobs.DeleteExpired(ctx, cutoff, sweepLimit)
		total += n
		j.metrics.JobsExpiredAdd(n)
		if err != nil {
			return total, err
		}
		if n < sweepLimit {
			break
		}
	}
	if total > 0 {
		j.log.Info("expired jobs removed", "count", total)
	}
	return total, nil
}

// Reclaim hands stale in-progress batches back for dispatch. It is a no-op
// without a reclaimer.
func (j *Janitor) Reclaim(ctx context.Context) (int, error) {
	if j.reclaimer == nil || j.staleAfter <= 0 {
		return 0, nil
	}
	n, err := j.reclaimer.ReclaimStale(ctx, j.now().Add(-j.staleAfter))
	if n > 0 {
		j.log.Info("stale batches reclaimed", "count", n)
	}
	return n, err
}
