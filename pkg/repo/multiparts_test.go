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

func TestMultipartRepo_MarkDoneOnlyTransitionsFromAggregating(t *testing.T) {
	pool := openTestPool(t)
	log := logging.Wrap(zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, repo.NewUserRepo(pool, log).StoreUser(ctx, &repo.User{UserID: "u1"}))
	require.NoError(t, repo.NewBucketRepo(pool, log).StoreBucket(ctx, &repo.Bucket{BucketID: "b1", Name: "b1", OwnerID: "u1"}))

	multiparts := repo.NewMultipartRepo(pool, log)

	require.NoError(t, multiparts.Insert(ctx, &repo.Multipart{
		BucketID: "b1", UploadID: "in-progress", State: schema.MultipartStateInProgress,
		ObjectName: "o1", PathUUID: "path-1",
	}))
	transitioned, err := multiparts.MarkDone(ctx, "in-progress", 1)
	require.NoError(t, err)
	assert.False(t, transitioned, "INPROGRESS must not transition to DONE")

	require.NoError(t, multiparts.Insert(ctx, &repo.Multipart{
		BucketID: "b1", UploadID: "aggregating", State: schema.MultipartStateAggregating,
		ObjectName: "o2", PathUUID: "path-2",
	}))
	transitioned, err = multiparts.MarkDone(ctx, "aggregating", 2)
	require.NoError(t, err)
	assert.True(t, transitioned, "AGGREGATING must transition to DONE")

	got, err := multiparts.GetByUploadID(ctx, "aggregating")
	require.NoError(t, err)
	assert.Equal(t, schema.MultipartStateDone, got.State)

	// Calling it again on an already-DONE upload is a no-op.
	transitioned, err = multiparts.MarkDone(ctx, "aggregating", 3)
	require.NoError(t, err)
	assert.False(t, transitioned, "DONE must not re-transition to DONE")

	transitioned, err = multiparts.MarkDone(ctx, "does-not-exist", 4)
	require.NoError(t, err)
	assert.False(t, transitioned)
}

func TestMultipartRepo_ListByState(t *testing.T) {
	pool := openTestPool(t)
	log := logging.Wrap(zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, repo.NewUserRepo(pool, log).StoreUser(ctx, &repo.User{UserID: "u1"}))
	require.NoError(t, repo.NewBucketRepo(pool, log).StoreBucket(ctx, &repo.Bucket{BucketID: "b1", Name: "b1", OwnerID: "u1"}))

	multiparts := repo.NewMultipartRepo(pool, log)
	require.NoError(t, multiparts.Insert(ctx, &repo.Multipart{
		BucketID: "b1", UploadID: "done-1", State: schema.MultipartStateDone, ObjectName: "o1", PathUUID: "p1",
	}))
	require.NoError(t, multiparts.Insert(ctx, &repo.Multipart{
		BucketID: "b1", UploadID: "aborted-1", State: schema.MultipartStateAborted, ObjectName: "o2", PathUUID: "p2",
	}))
	require.NoError(t, multiparts.Insert(ctx, &repo.Multipart{
		BucketID: "b1", UploadID: "inprogress-1", State: schema.MultipartStateInProgress, ObjectName: "o3", PathUUID: "p3",
	}))

	out, err := multiparts.ListByState(ctx, []schema.MultipartState{schema.MultipartStateDone, schema.MultipartStateAborted}, 10)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestMultipartRepo_CountRemaining(t *testing.T) {
	pool := openTestPool(t)
	log := logging.Wrap(zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, repo.NewUserRepo(pool, log).StoreUser(ctx, &repo.User{UserID: "u1"}))
	require.NoError(t, repo.NewBucketRepo(pool, log).StoreBucket(ctx, &repo.Bucket{BucketID: "b1", Name: "b1", OwnerID: "u1"}))

	versions := repo.NewVersionRepo(pool, log)
	_, err := versions.CreateNewVersionedObjectTransact(ctx, "b1", "o1", "v1", 1)
	require.NoError(t, err)

	multiparts := repo.NewMultipartRepo(pool, log)
	require.NoError(t, multiparts.Insert(ctx, &repo.Multipart{
		BucketID: "b1", UploadID: "u1", State: schema.MultipartStateInProgress, ObjectName: "o2", PathUUID: "p1",
	}))

	objects, mp, err := multiparts.CountRemaining(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, objects)
	assert.Equal(t, 1, mp)
}
