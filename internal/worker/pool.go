package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/jamcrm/api/internal/logger"
	"github.com/jamcrm/api/internal/model"
)

var ErrPoolClosed = errors.New("worker pool is shut down")

// RunFunc executes one batch.
type RunFunc func(ctx context.Context, batchID string) error

// Pool runs batches in-process with at most size running at once. One pool
// is shared by every job.
type Pool struct {
	sem *semaphore.Weighted
	log *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	run    RunFunc
	closed bool
}

// NewPool creates a pool. SetRunner must be called before the first Dispatch.
func NewPool(size int, log *logger.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *Pool) SetRunner(run RunFunc) {
	p.mu.Lock()
	p.run = run
	p.mu.Unlock()
}

// Dispatch blocks until a slot is free, then runs the batch in its own
// goroutine.
func (p *Pool) Dispatch(ctx context.Context, batch *model.BatchTask) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	p.mu.RLock()
	run, closed := p.run, p.closed
	if !closed && run != nil {
		p.wg.Add(1)
	}
	p.mu.RUnlock()

	if closed {
		p.sem.Release(1)
		return ErrPoolClosed
	}
	if run == nil {
		p.sem.Release(1)
		return fmt.Errorf("worker pool has no runner")
	}

	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("batch panicked", "batch_id", batch.ID, "job_id", batch.JobID, "panic", r)
			}
		}()

		if err := run(p.ctx, batch.ID); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("batch run failed", "batch_id", batch.ID, "job_id", batch.JobID, "error", err)
		}
	}()
	return nil
}

// Shutdown cancels running batches and waits for them to return.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
