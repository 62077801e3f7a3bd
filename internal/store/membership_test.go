package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamcrm/api/internal/model"
	"github.com/jamcrm/api/internal/store"
	"github.com/jamcrm/api/internal/testutil"
)

func TestMoveMember_MovesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	members := store.NewMembershipStore(testutil.NewDB(t))

	src, ids := testutil.SeedCollection(t, members, "Liked", 1, 3)
	dst, _ := testutil.SeedCollection(t, members, "Pipeline", 100, 0)

	outcome, err := members.MoveMember(ctx, ids[0], src.ID, dst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MoveOutcomeMoved, outcome)

	// Second application is a no-op.
	outcome, err = members.MoveMember(ctx, ids[0], src.ID, dst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MoveOutcomeAlreadyPresent, outcome)

	dstMembers, err := members.MemberIDs(ctx, dst.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0]}, dstMembers)

	srcMembers, err := members.MemberIDs(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, ids[1:], srcMembers)
}

func TestMoveMember_AlreadyInDestination(t *testing.T) {
	ctx := context.Background()
	members := store.NewMembershipStore(testutil.NewDB(t))

	src, ids := testutil.SeedCollection(t, members, "Liked", 1, 1)
	dst, _ := testutil.SeedCollection(t, members, "Pipeline", 100, 0)
	require.NoError(t, members.AddMembers(ctx, dst.ID, ids))

	outcome, err := members.MoveMember(ctx, ids[0], src.ID, dst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MoveOutcomeAlreadyPresent, outcome)

	inSrc, err := members.IsMember(ctx, ids[0], src.ID)
	require.NoError(t, err)
	assert.False(t, inSrc, "source association is removed even when the destination already has the member")

	dstMembers, err := members.MemberIDs(ctx, dst.ID)
	require.NoError(t, err)
	assert.Len(t, dstMembers, 1)
}

func TestMoveMember_Missing(t *testing.T) {
	ctx := context.Background()
	members := store.NewMembershipStore(testutil.NewDB(t))

	src, _ := testutil.SeedCollection(t, members, "Liked", 1, 1)
	dst, _ := testutil.SeedCollection(t, members, "Pipeline", 100, 0)

	outcome, err := members.MoveMember(ctx, 999, src.ID, dst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MoveOutcomeMissing, outcome)

	isMember, err := members.IsMember(ctx, 999, dst.ID)
	require.NoError(t, err)
	assert.False(t, isMember)
}

func TestMoveMember_DeletedDestinationLeavesSource(t *testing.T) {
	ctx := context.Background()
	members := store.NewMembershipStore(testutil.NewDB(t))

	src, ids := testutil.SeedCollection(t, members, "Liked", 1, 2)
	dst, _ := testutil.SeedCollection(t, members, "Pipeline", 100, 0)
	require.NoError(t, members.DeleteCollection(ctx, dst.ID))

	_, err := members.MoveMember(ctx, ids[0], src.ID, dst.ID)
	assert.ErrorIs(t, err, store.ErrCollectionGone)

	srcMembers, err := members.MemberIDs(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, ids, srcMembers)
	orphaned, err := members.MemberIDs(ctx, dst.ID)
	require.NoError(t, err)
	assert.Empty(t, orphaned)
}

func TestFilterMembers_PreservesOrder(t *testing.T) {
	ctx := context.Background()
	members := store.NewMembershipStore(testutil.NewDB(t))

	src, _ := testutil.SeedCollection(t, members, "Liked", 1, 10)

	got, err := members.FilterMembers(ctx, src.ID, []int64{7, 42, 3, 1, 1000})
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 3, 1}, got)
}

func TestListCollections_Counts(t *testing.T) {
	ctx := context.Background()
	members := store.NewMembershipStore(testutil.NewDB(t))

	liked, _ := testutil.SeedCollection(t, members, "Liked", 1, 5)
	empty, _ := testutil.SeedCollection(t, members, "Empty", 100, 0)

	list, err := members.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	totals := map[string]int64{}
	for _, c := range list {
		totals[c.ID] = c.Total
	}
	assert.Equal(t, int64(5), totals[liked.ID])
	assert.Equal(t, int64(0), totals[empty.ID])
}

func TestDeleteCollection(t *testing.T) {
	ctx := context.Background()
	members := store.NewMembershipStore(testutil.NewDB(t))

	c, _ := testutil.SeedCollection(t, members, "Liked", 1, 2)
	require.NoError(t, members.DeleteCollection(ctx, c.ID))

	exists, err := members.CollectionExists(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	ids, err := members.MemberIDs(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.ErrorIs(t, members.DeleteCollection(ctx, c.ID), store.ErrNotFound)
}
