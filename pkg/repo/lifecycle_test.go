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
)

func TestLifecycleRepo_HeadAndEntryRoundTrip(t *testing.T) {
	pool := openTestPool(t)
	log := logging.Wrap(zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, repo.NewUserRepo(pool, log).StoreUser(ctx, &repo.User{UserID: "u1"}))
	require.NoError(t, repo.NewBucketRepo(pool, log).StoreBucket(ctx, &repo.Bucket{BucketID: "b1", Name: "b1", OwnerID: "u1"}))

	lifecycle := repo.NewLifecycleRepo(pool, log)
	require.NoError(t, lifecycle.StoreHead(ctx, &repo.LifecycleHead{BucketID: "b1", Index: 0, Marker: "m1", StartDate: 100}))
	require.NoError(t, lifecycle.StoreEntry(ctx, &repo.LifecycleEntry{BucketID: "b1", Index: 0, Status: 1}))

	head, err := lifecycle.GetHead(ctx, "b1", 0)
	require.NoError(t, err)
	assert.Equal(t, "m1", head.Marker)
	assert.Equal(t, int64(100), head.StartDate)

	// Upsert moves the marker forward without inserting a second row.
	require.NoError(t, lifecycle.StoreHead(ctx, &repo.LifecycleHead{BucketID: "b1", Index: 0, Marker: "m2", StartDate: 200}))
	head, err = lifecycle.GetHead(ctx, "b1", 0)
	require.NoError(t, err)
	assert.Equal(t, "m2", head.Marker)

	require.NoError(t, lifecycle.StoreEntry(ctx, &repo.LifecycleEntry{BucketID: "b1", Index: 1, Status: 0}))
	entries, err := lifecycle.ListEntriesForBucket(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 0, entries[0].Index)
	assert.Equal(t, 1, entries[1].Index)
}

func TestLifecycleRepo_GetHeadNotFound(t *testing.T) {
	pool := openTestPool(t)
	log := logging.Wrap(zaptest.NewLogger(t))

	lifecycle := repo.NewLifecycleRepo(pool, log)
	_, err := lifecycle.GetHead(context.Background(), "ghost", 0)
	require.Error(t, err)
	assert.True(t, repo.ErrNotFound.Has(err))
}
