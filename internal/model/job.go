package model

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus is the lifecycle state of a bulk move operation.
type JobStatus string

const (
	JobStatusQueued              JobStatus = "queued"
	JobStatusRunning             JobStatus = "running"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusFailed              JobStatus = "failed"
)

// NonTerminalJobStatuses are the states a job can still leave.
var NonTerminalJobStatuses = []string{string(JobStatusQueued), string(JobStatusRunning)}

// IsTerminal reports whether no further transition can occur.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed:
		return true
	}
	return false
}

// BatchState is the execution state of a single batch.
type BatchState string

const (
	BatchStatePending    BatchState = "pending"
	BatchStateInProgress BatchState = "in_progress"
	BatchStateSucceeded  BatchState = "succeeded"
	BatchStateFailed     BatchState = "failed"
)

var NonTerminalBatchStates = []string{string(BatchStatePending), string(BatchStateInProgress)}

func (s BatchState) IsTerminal() bool {
	return s == BatchStateSucceeded || s == BatchStateFailed
}

// MigrationJob is one bulk move request and its execution record.
type MigrationJob struct {
	ID                 string     `gorm:"primaryKey;size:36" json:"id"`
	SourceCollectionID string     `gorm:"size:36;not null;index" json:"sourceCollectionId"`
	DestCollectionID   string     `gorm:"size:36;not null;index" json:"destCollectionId"`
	ScopeAll           bool       `gorm:"not null;default:false" json:"scopeAll"`
	RequestedCount     int        `gorm:"not null;default:0" json:"requestedCount"`
	DroppedCount       int        `gorm:"not null;default:0" json:"droppedCount"`
	AllOrNothing       bool       `gorm:"not null;default:false" json:"allOrNothing"`
	Status             JobStatus  `gorm:"size:32;not null;index" json:"status"`
	TotalBatches       int        `gorm:"not null;default:0" json:"totalBatches"`
	Error              *string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	PlannedAt          *time.Time `json:"plannedAt,omitempty"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	TerminalAt         *time.Time `gorm:"index" json:"terminalAt,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

func (MigrationJob) TableName() string {
	return "bulk_move_jobs"
}

// BatchTask is a bounded partition of a job's scope; the unit of execution
// and retry.
type BatchTask struct {
	ID                  string                     `gorm:"primaryKey;size:36" json:"id"`
	JobID               string                     `gorm:"size:36;not null;index" json:"jobId"`
	Seq                 int                        `gorm:"not null" json:"seq"`
	MemberIDs           datatypes.JSONSlice[int64] `json:"memberIds"`
	State               BatchState                 `gorm:"size:32;not null;index" json:"state"`
	Attempts            int                        `gorm:"not null;default:0" json:"attempts"`
	LastError           *string                    `gorm:"type:text" json:"lastError,omitempty"`
	MovedCount          int                        `gorm:"not null;default:0" json:"movedCount"`
	AlreadyPresentCount int                        `gorm:"not null;default:0" json:"alreadyPresentCount"`
	MemberFailures      int                        `gorm:"not null;default:0" json:"memberFailures"`
	StartedAt           *time.Time                 `json:"startedAt,omitempty"`
	FinishedAt          *time.Time                 `json:"finishedAt,omitempty"`
	CreatedAt           time.Time                  `json:"createdAt"`
	UpdatedAt           time.Time                  `json:"updatedAt"`
}

func (BatchTask) TableName() string {
	return "bulk_move_batches"
}

// BatchCounts aggregates batch states and member counters of one job.
type BatchCounts struct {
	Pending        int
	InProgress     int
	Succeeded      int
	Failed         int
	Moved          int
	MemberFailures int
}

func (c BatchCounts) Terminal() int {
	return c.Succeeded + c.Failed
}

func (c BatchCounts) NonTerminal() int {
	return c.Pending + c.InProgress
}

// ResolveStatus computes the final status of a job whose batches are all
// terminal. A job with no successful batch has moved nothing and is failed.
func ResolveStatus(c BatchCounts, allOrNothing bool) JobStatus {
	switch {
	case c.Failed == 0:
		return JobStatusCompleted
	case allOrNothing, c.Succeeded == 0:
		return JobStatusFailed
	default:
		return JobStatusCompletedWithErrors
	}
}
