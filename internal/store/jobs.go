package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jamcrm/api/internal/model"
)

// JobStore persists bulk move jobs and their batches. Every transition is
// conditional on the current state so that terminal states stay absorbing
// and duplicate deliveries are ignored.
type JobStore struct {
	db *gorm.DB
}

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// BatchResult is the outcome of executing one batch.
type BatchResult struct {
	State          model.BatchState
	Attempts       int
	LastError      *string
	Moved          int
	AlreadyPresent int
	MemberFailures int
}

// FinishResult describes what FinishBatch changed.
type FinishResult struct {
	// Recorded is false when the batch was no longer in progress.
	Recorded bool
	// Finalized is true when this call moved the job to a terminal status.
	Finalized bool
	Job       *model.MigrationJob
}

func (s *JobStore) CreateJob(ctx context.Context, job *model.MigrationJob) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *JobStore) GetJob(ctx context.Context, id string) (*model.MigrationJob, error) {
	return getJob(s.db.WithContext(ctx), id, false)
}

// Batches returns every batch of the job in plan order.
func (s *JobStore) Batches(ctx context.Context, jobID string) ([]*model.BatchTask, error) {
	var out []*model.BatchTask
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("seq ASC").Find(&out).Error
	return out, err
}

// SavePlan stores the batches of a queued job and marks it planned. A plan
// without batches completes the job immediately.
func (s *JobStore) SavePlan(ctx context.Context, jobID string, batches []*model.BatchTask, requested, dropped int) (*model.MigrationJob, error) {
	var job *model.MigrationJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		job, err = getJob(tx, jobID, true)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() || job.PlannedAt != nil {
			return nil
		}

		if len(batches) > 0 {
			if err := tx.CreateInBatches(batches, 100).Error; err != nil {
				return err
			}
		}

		now := time.Now()
		updates := map[string]interface{}{
			"total_batches":   len(batches),
			"requested_count": requested,
			"dropped_count":   dropped,
			"planned_at":      now,
			"updated_at":      now,
		}
		if len(batches) == 0 {
			updates["status"] = model.JobStatusCompleted
			updates["terminal_at"] = now
		}
		if err := tx.Model(&model.MigrationJob{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
			return err
		}
		job, err = getJob(tx, jobID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimBatch marks a batch in progress and the job running. claimed is false
// when the batch or its job is already terminal.
func (s *JobStore) ClaimBatch(ctx context.Context, batchID string) (job *model.MigrationJob, batch *model.BatchTask, claimed bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var b model.BatchTask
		if err := tx.Where("id = ?", batchID).First(&b).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		batch = &b

		j, err := getJob(tx, b.JobID, true)
		if err != nil {
			return err
		}
		job = j
		if b.State.IsTerminal() || j.Status.IsTerminal() {
			return nil
		}

		now := time.Now()
		res := tx.Model(&model.BatchTask{}).
			Where("id = ? AND state IN ?", batchID, model.NonTerminalBatchStates).
			Updates(map[string]interface{}{
				"state":      model.BatchStateInProgress,
				"started_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		batch.State = model.BatchStateInProgress
		batch.StartedAt = &now

		if j.Status == model.JobStatusQueued {
			if err := tx.Model(&model.MigrationJob{}).
				Where("id = ? AND status = ?", j.ID, model.JobStatusQueued).
				Updates(map[string]interface{}{
					"status":     model.JobStatusRunning,
					"started_at": now,
					"updated_at": now,
				}).Error; err != nil {
				return err
			}
			job.Status = model.JobStatusRunning
			job.StartedAt = &now
		}
		claimed = true
		return nil
	})
	return job, batch, claimed, err
}

// FinishBatch records the outcome of an in-progress batch. A batch that was
// still running when its job failed is recorded but changes nothing else.
// When abortReason is set the job fails and its pending batches are
// canceled; otherwise the job is finalized once no batch is left pending or
// in progress. The job row is locked for the duration so concurrent
// finishers of one job serialize.
func (s *JobStore) FinishBatch(ctx context.Context, jobID, batchID string, result BatchResult, abortReason string) (*FinishResult, error) {
	out := &FinishResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := getJob(tx, jobID, true)
		if err != nil {
			return err
		}
		out.Job = job

		now := time.Now()
		res := tx.Model(&model.BatchTask{}).
			Where("id = ? AND job_id = ? AND state = ?", batchID, jobID, model.BatchStateInProgress).
			Updates(map[string]interface{}{
				"state":                 result.State,
				"attempts":              result.Attempts,
				"last_error":            result.LastError,
				"moved_count":           result.Moved,
				"already_present_count": result.AlreadyPresent,
				"member_failures":       result.MemberFailures,
				"finished_at":           now,
				"updated_at":            now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		out.Recorded = true
		if job.Status.IsTerminal() {
			return nil
		}

		if abortReason != "" {
			if err := failJob(tx, jobID, abortReason, now); err != nil {
				return err
			}
			out.Finalized = true
			out.Job, err = getJob(tx, jobID, false)
			return err
		}

		finalized, err := finalizeIfDone(tx, job, now)
		if err != nil {
			return err
		}
		out.Finalized = finalized
		if finalized {
			out.Job, err = getJob(tx, jobID, false)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FailJob moves a non-terminal job to failed and cancels its pending
// batches. Batches already in progress finish and are recorded by
// FinishBatch. It reports whether the job was changed.
func (s *JobStore) FailJob(ctx context.Context, jobID, reason string) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := getJob(tx, jobID, true)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil
		}
		changed = true
		return failJob(tx, jobID, reason, time.Now())
	})
	return changed, err
}

// FinalizeIfDone resolves a planned job whose batches are all terminal.
func (s *JobStore) FinalizeIfDone(ctx context.Context, jobID string) (bool, error) {
	finalized := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := getJob(tx, jobID, true)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() || job.PlannedAt == nil {
			return nil
		}
		finalized, err = finalizeIfDone(tx, job, time.Now())
		return err
	})
	return finalized, err
}

// Counts aggregates the batch states and member counters of a job.
func (s *JobStore) Counts(ctx context.Context, jobID string) (model.BatchCounts, error) {
	return countBatches(s.db.WithContext(ctx), jobID)
}

// ActiveJobs lists jobs that are not terminal, oldest first.
func (s *JobStore) ActiveJobs(ctx context.Context) ([]*model.MigrationJob, error) {
	var out []*model.MigrationJob
	err := s.db.WithContext(ctx).
		Where("status IN ?", model.NonTerminalJobStatuses).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// ResetInFlight returns in-progress batches of the job to pending and lists
// every non-terminal batch in plan order.
func (s *JobStore) ResetInFlight(ctx context.Context, jobID string) ([]*model.BatchTask, error) {
	var out []*model.BatchTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.BatchTask{}).
			Where("job_id = ? AND state = ?", jobID, model.BatchStateInProgress).
			Updates(map[string]interface{}{
				"state":      model.BatchStatePending,
				"updated_at": time.Now(),
			}).Error; err != nil {
			return err
		}
		return tx.Where("job_id = ? AND state IN ?", jobID, model.NonTerminalBatchStates).
			Order("seq ASC").
			Find(&out).Error
	})
	return out, err
}

// ReclaimStale finds in-progress batches not updated since cutoff, whose
// worker is presumed lost. Batches of a job that is still active return to
// pending and are listed for dispatch; batches of a terminal job are marked
// failed. At most limit batches are examined per call.
func (s *JobStore) ReclaimStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.BatchTask, error) {
	var out []*model.BatchTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []*model.BatchTask
		if err := tx.Where("state = ? AND updated_at < ?", model.BatchStateInProgress, cutoff).
			Order("updated_at ASC").
			Limit(limit).
			Find(&stale).Error; err != nil {
			return err
		}

		now := time.Now()
		jobs := map[string]*model.MigrationJob{}
		for _, b := range stale {
			job, ok := jobs[b.JobID]
			if !ok {
				var err error
				job, err = getJob(tx, b.JobID, true)
				if err != nil {
					return err
				}
				jobs[b.JobID] = job
			}

			q := tx.Model(&model.BatchTask{}).Where("id = ? AND state = ?", b.ID, model.BatchStateInProgress)
			if job.Status.IsTerminal() {
				canceled := "canceled: worker lost after job finished"
				if err := q.Updates(map[string]interface{}{
					"state":       model.BatchStateFailed,
					"last_error":  canceled,
					"finished_at": now,
					"updated_at":  now,
				}).Error; err != nil {
					return err
				}
				continue
			}

			res := q.Updates(map[string]interface{}{
				"state":      model.BatchStatePending,
				"updated_at": now,
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				b.State = model.BatchStatePending
				b.UpdatedAt = now
				out = append(out, b)
			}
		}
		return nil
	})
	return out, err
}

// DeleteExpired removes terminal jobs (and their batches) that reached their
// terminal state before the cutoff.
func (s *JobStore) DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	deleted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&model.MigrationJob{}).
			Where("status NOT IN ? AND terminal_at IS NOT NULL AND terminal_at < ?", model.NonTerminalJobStatuses, cutoff).
			Order("terminal_at ASC").
			Limit(limit).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("job_id IN ?", ids).Delete(&model.BatchTask{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&model.MigrationJob{})
		if res.Error != nil {
			return res.Error
		}
		deleted = int(res.RowsAffected)
		return nil
	})
	return deleted, err
}

// Helpers

func getJob(tx *gorm.DB, id string, forUpdate bool) (*model.MigrationJob, error) {
	q := tx
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var job model.MigrationJob
	err := q.Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func countBatches(tx *gorm.DB, jobID string) (model.BatchCounts, error) {
	var rows []struct {
		State          model.BatchState
		N              int
		Moved          int
		MemberFailures int
	}
	err := tx.Model(&model.BatchTask{}).
		Select("state, COUNT(*) AS n, COALESCE(SUM(moved_count), 0) AS moved, COALESCE(SUM(member_failures), 0) AS member_failures").
		Where("job_id = ?", jobID).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return model.BatchCounts{}, err
	}

	var c model.BatchCounts
	for _, r := range rows {
		switch r.State {
		case model.BatchStatePending:
			c.Pending = r.N
		case model.BatchStateInProgress:
			c.InProgress = r.N
		case model.BatchStateSucceeded:
			c.Succeeded = r.N
		case model.BatchStateFailed:
			c.Failed = r.N
		}
		c.Moved += r.Moved
		c.MemberFailures += r.MemberFailures
	}
	return c, nil
}

func finalizeIfDone(tx *gorm.DB, job *model.MigrationJob, now time.Time) (bool, error) {
	counts, err := countBatches(tx, job.ID)
	if err != nil {
		return false, err
	}
	if counts.NonTerminal() > 0 {
		return false, nil
	}

	res := tx.Model(&model.MigrationJob{}).
		Where("id = ? AND status IN ?", job.ID, model.NonTerminalJobStatuses).
		Updates(map[string]interface{}{
			"status":      model.ResolveStatus(counts, job.AllOrNothing),
			"terminal_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func failJob(tx *gorm.DB, jobID, reason string, now time.Time) error {
	canceled := "canceled: " + reason
	if err := tx.Model(&model.BatchTask{}).
		Where("job_id = ? AND state = ?", jobID, model.BatchStatePending).
		Updates(map[string]interface{}{
			"state":       model.BatchStateFailed,
			"last_error":  canceled,
			"finished_at": now,
			"updated_at":  now,
		}).Error; err != nil {
		return err
	}

	return tx.Model(&model.MigrationJob{}).
		Where("id = ? AND status IN ?", jobID, model.NonTerminalJobStatuses).
		Updates(map[string]interface{}{
			"status":      model.JobStatusFailed,
			"error":       reason,
			"terminal_at": now,
			"updated_at":  now,
		}).Error
}
