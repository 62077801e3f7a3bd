package model

import "time"

// BulkMoveRequest is the body of POST /collections/bulk-move. A nil
// CompanyIDs means "all current members of the source"; a non-nil empty
// slice is an explicit empty scope.
type BulkMoveRequest struct {
	FromCollectionID string   `json:"from_collection_id" validate:"required,uuid"`
	ToCollectionID   string   `json:"to_collection_id" validate:"required,uuid,nefield=FromCollectionID"`
	CompanyIDs       *[]int64 `json:"company_ids" validate:"omitempty,dive,gt=0"`
	AllOrNothing     *bool    `json:"all_or_nothing,omitempty"`
}

// MoveAll reports whether the request targets every member of the source.
func (r *BulkMoveRequest) MoveAll() bool {
	return r.CompanyIDs == nil
}

// BulkMoveResponse is returned as soon as the job is accepted.
type BulkMoveResponse struct {
	OperationID  string    `json:"operation_id"`
	BatchTaskIDs []string  `json:"batch_task_ids"`
	TotalBatches int       `json:"total_batches"`
	Status       JobStatus `json:"status"`
	DroppedCount int       `json:"dropped_count"`
}

// BulkMoveStatusResponse is the pollable snapshot of a job.
type BulkMoveStatusResponse struct {
	OperationID        string     `json:"operation_id"`
	FromCollectionID   string     `json:"from_collection_id"`
	ToCollectionID     string     `json:"to_collection_id"`
	TotalBatches       int        `json:"total_batches"`
	CompletedBatches   int        `json:"completed_batches"`
	FailedBatches      int        `json:"failed_batches"`
	ProgressPercentage float64    `json:"progress_percentage"`
	Status             JobStatus  `json:"status"`
	MovedCount         int        `json:"moved_count"`
	MemberFailures     int        `json:"member_failures"`
	DroppedCount       int        `json:"dropped_count"`
	Error              *string    `json:"error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	TerminalAt         *time.Time `json:"terminal_at,omitempty"`
}
