// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tserong/sfsdb/pkg/logging"
	"github.com/tserong/sfsdb/pkg/repo"
	"github.com/tserong/sfsdb/pkg/schema"
)

func TestBucketRepo_StoreBucketRequiresExistingOwner(t *testing.T) {
	pool := openTestPool(t)
	log := logging.Wrap(zaptest.NewLogger(t))
	buckets := repo.NewBucketRepo(pool, log)

	err := buckets.StoreBucket(context.Background(), &repo.Bucket{
		BucketID: "b1", Name: "b1", OwnerID: "ghost",
	})
	require.Error(t, err)

	var constraintErr *repo.ConstraintError
	require.ErrorAs(t, err, &constraintErr)
	assert.Equal(t, "foreign_key", constraintErr.Constraint)
}

func TestBucketRepo_StoreAndGetRoundTrips(t *testing.T) {
	pool := openTestPool(t)
	log := logging.Wrap(zaptest.NewLogger(t))
	ctx := context.Background()

	users := repo.NewUserRepo(pool, log)
	require.NoError(t, users.StoreUser(ctx, &repo.User{UserID: "u1", DisplayName: "test"}))

	buckets := repo.NewBucketRepo(pool, log)
	require.NoError(t, buckets.StoreBucket(ctx, &repo.Bucket{
		BucketID: "b1", Name: "b1", OwnerID: "u1", CreatedAt: 1, Mtime: 1,
	}))

	got, err := buckets.GetBucket(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.BucketID)
	assert.Equal(t, "u1", got.OwnerID)
	assert.False(t, got.Deleted)
}

func TestBucketRepo_GetDeletedBucketIDsInInsertionOrder(t *testing.T) {
	pool := openTestPool(t)
	log := logging.Wrap(zaptest.NewLogger(t))
	ctx := context.Background()

	users := repo.NewUserRepo(pool, log)
	require.NoError(t, users.StoreUser(ctx, &repo.User{UserID: "u1"}))

	buckets := repo.NewBucketRepo(pool, log)
	for _, id := range []string{"b1", "b2", "b3"} {
		require.NoError(t, buckets.StoreBucket(ctx, &repo.Bucket{BucketID: id, Name: id, OwnerID: "u1"}))
	}
	require.NoError(t, buckets.StoreBucket(ctx, &repo.Bucket{BucketID: "b2", Name: "b2", OwnerID: "u1", Deleted: true}))
	require.NoError(t, buckets.StoreBucket(ctx, &repo.Bucket{BucketID: "b1", Name: "b1", OwnerID: "u1", Deleted: true}))

	ids, err := buckets.GetDeletedBucketIDs(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2"}, ids, "insertion order is rowid order, not the order deleted=true was set")
}

// TestBucketRepo_EmptyBucketPredicate is scenario 4 of the testable
// properties: OPEN -> not-empty-affecting, COMMITTED -> occupied,
// delete-marker on top -> still occupied, then transitioning the
// COMMITTED version to DELETED empties the bucket again.
func TestBucketRepo_EmptyBucketPredicate(t *testing.T) {
	pool := openTestPool(t)
	log := logging.Wrap(zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, repo.NewUserRepo(pool, log).StoreUser(ctx, &repo.User{UserID: "u1"}))
	buckets := repo.NewBucketRepo(pool, log)
	require.NoError(t, buckets.StoreBucket(ctx, &repo.Bucket{BucketID: "b1", Name: "b1", OwnerID: "u1"}))

	versions := repo.NewVersionRepo(pool, log)
	v, err := versions.CreateNewVersionedObjectTransact(ctx, "b1", "o1", "v1", 1)
	require.NoError(t, err)

	empty, err := buckets.BucketEmpty(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, empty, "an OPEN version does not occupy the bucket")

	require.NoError(t, versions.SetVersionState(ctx, v.ID, schema.ObjectStateCommitted, 2))
	empty, err = buckets.BucketEmpty(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, empty, "a COMMITTED version occupies the bucket")

	added, err := versions.AddDeleteMarkerTransact(ctx, v.ObjectID, "v2", 3)
	require.NoError(t, err)
	assert.True(t, added)
	empty, err = buckets.BucketEmpty(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, empty, "a delete-marker on top of a COMMITTED version does not itself empty the bucket")

	require.NoError(t, versions.SetVersionState(ctx, v.ID, schema.ObjectStateDeleted, 4))
	empty, err = buckets.BucketEmpty(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, empty, "deleting the only COMMITTED version empties the bucket again")
}
