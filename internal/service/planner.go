package service

import (
	"context"
	"fmt"
)

// MemberSource resolves the scope of a move.
type MemberSource interface {
	CollectionExists(ctx context.Context, id string) (bool, error)
	MemberIDs(ctx context.Context, collectionID string) ([]int64, error)
	FilterMembers(ctx context.Context, collectionID string, ids []int64) ([]int64, error)
}

// Plan is the resolved scope of a job split into batches.
type Plan struct {
	Batches   [][]int64
	Requested int
	Dropped   int
}

// Size is the number of members covered by the plan.
func (p *Plan) Size() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b)
	}
	return n
}

// Planner partitions a move scope into fixed-size batches.
type Planner struct {
	members   MemberSource
	batchSize int
}

func NewPlanner(members MemberSource, batchSize int) *Planner {
	if batchSize < 1 {
		batchSize = 500
	}
	return &Planner{members: members, batchSize: batchSize}
}

// Plan resolves the scope against the current members of source. With all
// set, every current member is taken (ordered by company id); otherwise the
// explicit ids are de-duplicated and those not in source are dropped. Each
// member lands in exactly one batch.
func (p *Planner) Plan(ctx context.Context, source, dest string, explicit []int64, all bool) (*Plan, error) {
	if source == dest {
		return nil, ErrSameCollection
	}

	exists, err := p.members.CollectionExists(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("%w: check source: %v", ErrPlanning, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: source collection %s no longer exists", ErrPlanning, source)
	}

	var scope []int64
	requested := 0
	if all {
		scope, err = p.members.MemberIDs(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve members: %v", ErrPlanning, err)
		}
		requested = len(scope)
	} else {
		unique := dedupe(explicit)
		requested = len(unique)
		scope, err = p.members.FilterMembers(ctx, source, unique)
		if err != nil {
			return nil, fmt.Errorf("%w: filter members: %v", ErrPlanning, err)
		}
	}

	return &Plan{
		Batches:   chunk(scope, p.batchSize),
		Requested: requested,
		Dropped:   requested - len(scope),
	}, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func chunk(ids []int64, size int) [][]int64 {
	if len(ids) == 0 {
		return nil
	}
	out := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batch := make([]int64, end-start)
		copy(batch, ids[start:end])
		out = append(out, batch)
	}
	return out
}
