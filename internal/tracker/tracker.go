// Package tracker follows a bulk move job from the client side. It persists
// the operation id so that a restarted client resumes the same job, and polls
// only while the job is not terminal.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jamcrm/api/internal/logger"
	"github.com/jamcrm/api/internal/model"
	"github.com/jamcrm/api/pkg/client"
)

// State of a tracker.
type State string

const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateTerminal State = "terminal"
)

const DefaultInterval = 2 * time.Second

var ErrNotTracking = errors.New("no operation is being tracked")

// StatusSource fetches job snapshots. Unknown or expired operations must
// return an error matching client.ErrNotFound.
type StatusSource interface {
	BulkMoveStatus(ctx context.Context, operationID string) (*model.BulkMoveStatusResponse, error)
}

type Option func(*Tracker)

func WithInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithOnUpdate registers a callback for every reported snapshot.
func WithOnUpdate(fn func(*model.BulkMoveStatusResponse)) Option {
	return func(t *Tracker) { t.onUpdate = fn }
}

func WithLogger(log *logger.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

type Tracker struct {
	source   StatusSource
	keys     KeyStore
	interval time.Duration
	onUpdate func(*model.BulkMoveStatusResponse)
	log      *logger.Logger

	mu          sync.Mutex
	state       State
	operationID string
	last        *model.BulkMoveStatusResponse
}

func New(source StatusSource, keys KeyStore, opts ...Option) *Tracker {
	t := &Tracker{
		source:   source,
		keys:     keys,
		interval: DefaultInterval,
		log:      logger.Nop(),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start tracks a newly created operation and persists its id.
func (t *Tracker) Start(operationID string) error {
	if err := t.keys.Set(OperationKey, operationID); err != nil {
		return fmt.Errorf("failed to persist operation id: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.operationID = operationID
	t.state = StatePolling
	t.last = nil
	return nil
}

// Resume reads the persisted operation id on cold start. It reports whether
// there is a job to follow.
func (t *Tracker) Resume() (bool, error) {
	id, ok, err := t.keys.Get(OperationKey)
	if err != nil {
		return false, fmt.Errorf("failed to read operation id: %w", err)
	}
	if !ok || id == "" {
		return false, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.operationID = id
	t.state = StatePolling
	t.last = nil
	return true, nil
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) OperationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.operationID
}

// Last returns the most recent reported snapshot.
func (t *Tracker) Last() *model.BulkMoveStatusResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Run polls immediately and then every interval until the job is terminal,
// then clears the persisted id and returns the final snapshot. An operation
// the server no longer knows is a terminal failure. Canceling ctx stops
// polling and keeps the persisted id for a later Resume.
func (t *Tracker) Run(ctx context.Context) (*model.BulkMoveStatusResponse, error) {
	t.mu.Lock()
	id, state := t.operationID, t.state
	t.mu.Unlock()
	if state != StatePolling {
		return nil, ErrNotTracking
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if final, done := t.poll(ctx, id); done {
			if err := t.keys.Delete(OperationKey); err != nil {
				t.log.Warn("failed to clear operation id", "operation_id", id, "error", err)
			}
			return final, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Tracker) poll(ctx context.Context, id string) (*model.BulkMoveStatusResponse, bool) {
	snap, err := t.source.BulkMoveStatus(ctx, id)
	if errors.Is(err, client.ErrNotFound) {
		msg := "operation not found"
		snap = &model.BulkMoveStatusResponse{
			OperationID:        id,
			Status:             model.JobStatusFailed,
			ProgressPercentage: 100,
			Error:              &msg,
		}
		err = nil
	}
	if err != nil {
		if ctx.Err() == nil {
			t.log.Warn("status poll failed", "operation_id", id, "error", err)
		}
		return nil, false
	}

	terminal := snap.Status.IsTerminal()

	t.mu.Lock()
	stale := !terminal && t.last != nil && snap.ProgressPercentage < t.last.ProgressPercentage
	if !stale {
		t.last = snap
	}
	if terminal {
		t.state = StateTerminal
	}
	t.mu.Unlock()

	if stale {
		return nil, false
	}
	if t.onUpdate != nil {
		t.onUpdate(snap)
	}
	return snap, terminal
}
