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

func TestVersionRepo_CreateNewVersionedObjectTransactReusesExistingObject(t *testing.T) {
	pool := openTestPool(t)
	log := logging.Wrap(zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, repo.NewUserRepo(pool, log).StoreUser(ctx, &repo.User{UserID: "u1"}))
	require.NoError(t, repo.NewBucketRepo(pool, log).StoreBucket(ctx, &repo.Bucket{BucketID: "b1", Name: "b1", OwnerID: "u1"}))

	versions := repo.NewVersionRepo(pool, log)
	v1, err := versions.CreateNewVersionedObjectTransact(ctx, "b1", "o1", "version-1", 1)
	require.NoError(t, err)

	v2, err := versions.CreateNewVersionedObjectTransact(ctx, "b1", "o1", "version-2", 2)
	require.NoError(t, err)

	assert.Equal(t, v1.ObjectID, v2.ObjectID, "same (bucket, name) must reuse the same object")
	assert.NotEqual(t, v1.ID, v2.ID)

	last, err := versions.GetLastVersionedObject(ctx, v1.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, last.ID)
}

func TestVersionRepo_AddDeleteMarkerTransact(t *testing.T) {
	pool := openTestPool(t)
	log := logging.Wrap(zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, repo.NewUserRepo(pool, log).StoreUser(ctx, &repo.User{UserID: "u1"}))
	require.NoError(t, repo.NewBucketRepo(pool, log).StoreBucket(ctx, &repo.Bucket{BucketID: "b1", Name: "b1", OwnerID: "u1"}))

	versions := repo.NewVersionRepo(pool, log)
	v, err := versions.CreateNewVersionedObjectTransact(ctx, "b1", "o1", "version-1", 1)
	require.NoError(t, err)
	require.NoError(t, versions.SetVersionState(ctx, v.ID, schema.ObjectStateCommitted, 2))

	added, err := versions.AddDeleteMarkerTransact(ctx, v.ObjectID, "marker-1", 3)
	require.NoError(t, err)
	assert.True(t, added)

	// A second marker on top of the first must be a no-op.
	added, err = versions.AddDeleteMarkerTransact(ctx, v.ObjectID, "marker-2", 4)
	require.NoError(t, err)
	assert.False(t, added, "adding a marker on top of an existing marker must not insert a second one")

	added, err = versions.AddDeleteMarkerTransact(ctx, "does-not-exist", "marker-3", 5)
	require.NoError(t, err)
	assert.False(t, added, "marking a nonexistent object must not error, just report no-op")
}

func TestVersionRepo_ListVersionsByState(t *testing.T) {
	pool := openTestPool(t)
	log := logging.Wrap(zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, repo.NewUserRepo(pool, log).StoreUser(ctx, &repo.User{UserID: "u1"}))
	require.NoError(t, repo.NewBucketRepo(pool, log).StoreBucket(ctx, &repo.Bucket{BucketID: "b1", Name: "b1", OwnerID: "u1"}))

	versions := repo.NewVersionRepo(pool, log)
	for i, id := range []string{"v1", "v2", "v3"} {
		v, err := versions.CreateNewVersionedObjectTransact(ctx, "b1", "o1", id, int64(i))
		require.NoError(t, err)
		require.NoError(t, versions.SetVersionState(ctx, v.ID, schema.ObjectStateDeleted, int64(i+10)))
	}

	deleted, err := versions.ListVersionsByState(ctx, schema.ObjectStateDeleted, 10)
	require.NoError(t, err)
	assert.Len(t, deleted, 3)
}
