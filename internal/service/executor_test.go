package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamcrm/api/internal/logger"
	"github.com/jamcrm/api/internal/model"
	"github.com/jamcrm/api/internal/service"
)

var errStorage = errors.New("storage unavailable")

// memMutator is an in-memory MembershipMutator with fault injection.
type memMutator struct {
	mu          sync.Mutex
	members     map[string]map[int64]bool
	failCalls   int // fail this many MoveMember calls, then recover
	failNth     int // fail only the nth MoveMember call
	alwaysFail  map[int64]bool
	destMissing bool
	calls       int
}

func newMemMutator(src string, ids []int64, dst string) *memMutator {
	m := &memMutator{members: map[string]map[int64]bool{src: {}, dst: {}}}
	for _, id := range ids {
		m.members[src][id] = true
	}
	return m
}

func (m *memMutator) CollectionExists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destMissing {
		return false, nil
	}
	_, ok := m.members[id]
	return ok, nil
}

func (m *memMutator) MoveMember(_ context.Context, id int64, from, to string) (model.MoveOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failCalls > 0 {
		m.failCalls--
		return model.MoveOutcomeMissing, errStorage
	}
	if m.failNth > 0 && m.calls == m.failNth {
		return model.MoveOutcomeMissing, errStorage
	}
	if m.alwaysFail[id] {
		return model.MoveOutcomeMissing, errStorage
	}
	if m.members[from][id] {
		delete(m.members[from], id)
		if m.members[to][id] {
			return model.MoveOutcomeAlreadyPresent, nil
		}
		m.members[to][id] = true
		return model.MoveOutcomeMoved, nil
	}
	if m.members[to][id] {
		return model.MoveOutcomeAlreadyPresent, nil
	}
	return model.MoveOutcomeMissing, nil
}

func testExecutor(m service.MembershipMutator, attempts int) *service.BatchExecutor {
	return service.NewBatchExecutor(m, service.ExecutorConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, logger.Nop())
}

func testJobAndBatch(ids []int64) (*model.MigrationJob, *model.BatchTask) {
	job := &model.MigrationJob{ID: "job", SourceCollectionID: "src", DestCollectionID: "dst"}
	batch := &model.BatchTask{ID: "batch", JobID: "job", MemberIDs: ids}
	return job, batch
}

func TestExecute_MovesAndCountsFailures(t *testing.T) {
	m := newMemMutator("src", seq(1, 5), "dst")
	m.members["dst"][3] = true
	job, batch := testJobAndBatch([]int64{1, 2, 3, 4, 5, 42})

	out, err := testExecutor(m, 3).Execute(context.Background(), job, batch)
	require.NoError(t, err)

	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 4, out.Moved)
	assert.Equal(t, 1, out.AlreadyPresent)
	assert.Equal(t, 1, out.MemberFailures, "unknown member is counted, not fatal")
	assert.Len(t, m.members["dst"], 5)
	assert.Empty(t, m.members["src"])
}

func TestExecute_RetriesWithoutDoubleCounting(t *testing.T) {
	m := newMemMutator("src", seq(1, 4), "dst")
	job, batch := testJobAndBatch(seq(1, 4))

	exec := testExecutor(m, 3)
	// The first attempt fails after moving two members.
	m.failNth = 3
	out, err := exec.Execute(context.Background(), job, batch)
	require.NoError(t, err)

	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 4, out.Moved)
	assert.Equal(t, 0, out.AlreadyPresent)
	assert.Len(t, m.members["dst"], 4)
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	m := newMemMutator("src", seq(1, 4), "dst")
	m.alwaysFail = map[int64]bool{3: true}
	job, batch := testJobAndBatch(seq(1, 4))

	out, err := testExecutor(m, 3).Execute(context.Background(), job, batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, errStorage)
	assert.NotErrorIs(t, err, service.ErrDestinationGone)

	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 2, out.Moved, "members before the failing one stay moved")
}

func TestExecute_DestinationGoneIsFatal(t *testing.T) {
	m := newMemMutator("src", seq(1, 4), "dst")
	m.destMissing = true
	job, batch := testJobAndBatch(seq(1, 4))

	out, err := testExecutor(m, 5).Execute(context.Background(), job, batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrDestinationGone)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 0, m.calls)
}

func TestExecute_Canceled(t *testing.T) {
	m := newMemMutator("src", seq(1, 4), "dst")
	job, batch := testJobAndBatch(seq(1, 4))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testExecutor(m, 3).Execute(ctx, job, batch)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, m.calls)
}
