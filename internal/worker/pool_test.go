package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamcrm/api/internal/logger"
	"github.com/jamcrm/api/internal/model"
)

func batch(id string) *model.BatchTask {
	return &model.BatchTask{ID: id, JobID: "job-1"}
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(3, logger.Nop())

	var running, peak int32
	var wg sync.WaitGroup
	p.SetRunner(func(ctx context.Context, batchID string) error {
		defer wg.Done()
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})

	wg.Add(20)
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Dispatch(context.Background(), batch("b")))
	}
	wg.Wait()
	p.Shutdown()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(0))
}

func TestPool_ShutdownCancelsRunning(t *testing.T) {
	p := NewPool(2, logger.Nop())

	started := make(chan struct{})
	var canceled atomic.Bool
	p.SetRunner(func(ctx context.Context, batchID string) error {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
		return ctx.Err()
	})

	require.NoError(t, p.Dispatch(context.Background(), batch("b1")))
	<-started
	p.Shutdown()

	assert.True(t, canceled.Load(), "Shutdown waits for running batches")
	assert.ErrorIs(t, p.Dispatch(context.Background(), batch("b2")), ErrPoolClosed)
}

func TestPool_DispatchHonorsContext(t *testing.T) {
	p := NewPool(1, logger.Nop())
	release := make(chan struct{})
	p.SetRunner(func(ctx context.Context, batchID string) error {
		<-release
		return nil
	})
	defer p.Shutdown()

	require.NoError(t, p.Dispatch(context.Background(), batch("b1")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Dispatch(ctx, batch("b2"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	close(release)
}

func TestPool_RecoversPanics(t *testing.T) {
	p := NewPool(1, logger.Nop())
	done := make(chan struct{})
	var calls int32
	p.SetRunner(func(ctx context.Context, batchID string) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
		close(done)
		return nil
	})

	require.NoError(t, p.Dispatch(context.Background(), batch("b1")))
	require.NoError(t, p.Dispatch(context.Background(), batch("b2")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("slot was not released after panic")
	}
	p.Shutdown()
}

func TestPool_NoRunner(t *testing.T) {
	p := NewPool(1, logger.Nop())
	defer p.Shutdown()
	assert.Error(t, p.Dispatch(context.Background(), batch("b1")))
}
