// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package gc_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tserong/sfsdb/pkg/config"
	"github.com/tserong/sfsdb/pkg/gc"
	"github.com/tserong/sfsdb/pkg/logging"
	"github.com/tserong/sfsdb/pkg/metadb"
	"github.com/tserong/sfsdb/pkg/repo"
	"github.com/tserong/sfsdb/pkg/schema"
)

type harness struct {
	dataPath   string
	users      *repo.UserRepo
	buckets    *repo.BucketRepo
	objects    *repo.ObjectRepo
	versions   *repo.VersionRepo
	multiparts *repo.MultipartRepo
	parts      *repo.PartRepo
	collector  *gc.Collector
}

func newHarness(t *testing.T, cfg config.Static) *harness {
	t.Helper()
	dir := t.TempDir()
	log := logging.Wrap(zaptest.NewLogger(t))

	merged := config.WithDefaults(cfg)
	merged[config.KeyDataPath] = dir

	pool, err := metadb.Open(context.Background(), log, merged, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	h := &harness{
		dataPath:   dir,
		users:      repo.NewUserRepo(pool, log),
		buckets:    repo.NewBucketRepo(pool, log),
		objects:    repo.NewObjectRepo(pool, log),
		versions:   repo.NewVersionRepo(pool, log),
		multiparts: repo.NewMultipartRepo(pool, log),
		parts:      repo.NewPartRepo(pool, log),
	}
	h.collector = gc.New(log, merged, h.buckets, h.objects, h.versions, h.multiparts, h.parts, nil, nil)
	return h
}

func (h *harness) payloadPath(objectID, versionID string) string {
	return gc.DefaultPayloadPath(h.dataPath)(objectID, versionID)
}

func (h *harness) partPath(uploadID string, partNum int) string {
	return gc.DefaultPartPath(h.dataPath)(uploadID, partNum)
}

func touchFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func countExisting(paths []string) int {
	n := 0
	for _, p := range paths {
		if fileExists(p) {
			n++
		}
	}
	return n
}

// TestCollector_DeletedBucketReclamation is scenario 1: create two
// buckets with committed versions, delete them one at a time, and
// verify payload files and rows disappear as each bucket drains.
func TestCollector_DeletedBucketReclamation(t *testing.T) {
	h := newHarness(t, config.Static{})
	ctx := context.Background()

	require.NoError(t, h.users.StoreUser(ctx, &repo.User{UserID: "u"}))
	require.NoError(t, h.buckets.StoreBucket(ctx, &repo.Bucket{BucketID: "b1", Name: "b1", OwnerID: "u"}))
	require.NoError(t, h.buckets.StoreBucket(ctx, &repo.Bucket{BucketID: "b2", Name: "b2", OwnerID: "u"}))

	var b1Files, b2Files []string
	for i, vid := range []string{"v1", "v2", "v3"} {
		v, err := h.versions.CreateNewVersionedObjectTransact(ctx, "b1", "o1", vid, int64(i))
		require.NoError(t, err)
		require.NoError(t, h.versions.SetVersionState(ctx, v.ID, schema.ObjectStateCommitted, int64(i)))
		path := h.payloadPath(v.ObjectID, v.VersionID)
		touchFile(t, path)
		b1Files = append(b1Files, path)
	}
	for i, vid := range []string{"v1", "v2"} {
		v, err := h.versions.CreateNewVersionedObjectTransact(ctx, "b2", "o2", vid, int64(i))
		require.NoError(t, err)
		require.NoError(t, h.versions.SetVersionState(ctx, v.ID, schema.ObjectStateCommitted, int64(i)))
		path := h.payloadPath(v.ObjectID, v.VersionID)
		touchFile(t, path)
		b2Files = append(b2Files, path)
	}

	assert.Equal(t, 3, countExisting(b1Files))
	assert.Equal(t, 2, countExisting(b2Files))

	require.NoError(t, h.buckets.StoreBucket(ctx, &repo.Bucket{BucketID: "b2", Name: "b2", OwnerID: "u", Deleted: true}))
	require.NoError(t, h.collector.Process(ctx))

	assert.Equal(t, 3, countExisting(b1Files), "b1's files must survive b2's reclamation")
	assert.Equal(t, 0, countExisting(b2Files))
	_, err := h.buckets.GetBucket(ctx, "b2")
	assert.True(t, repo.ErrNotFound.Has(err))
	_, err = h.buckets.GetBucket(ctx, "b1")
	require.NoError(t, err)

	require.NoError(t, h.buckets.StoreBucket(ctx, &repo.Bucket{BucketID: "b1", Name: "b1", OwnerID: "u", Deleted: true}))
	require.NoError(t, h.collector.Process(ctx))

	assert.Equal(t, 0, countExisting(b1Files))
	_, err = h.buckets.GetBucket(ctx, "b1")
	assert.True(t, repo.ErrNotFound.Has(err))
}

// TestCollector_PerVersionDeletion is scenario 2: a delete marker
// alone removes nothing; each COMMITTED->DELETED transition removes
// exactly one payload file.
func TestCollector_PerVersionDeletion(t *testing.T) {
	h := newHarness(t, config.Static{})
	ctx := context.Background()

	require.NoError(t, h.users.StoreUser(ctx, &repo.User{UserID: "u"}))
	require.NoError(t, h.buckets.StoreBucket(ctx, &repo.Bucket{BucketID: "b1", Name: "b1", OwnerID: "u"}))

	var versionIDs []int64
	var files []string
	var objectID string
	for i, vid := range []string{"v1", "v2", "v3"} {
		v, err := h.versions.CreateNewVersionedObjectTransact(ctx, "b1", "o1", vid, int64(i))
		require.NoError(t, err)
		require.NoError(t, h.versions.SetVersionState(ctx, v.ID, schema.ObjectStateCommitted, int64(i)))
		path := h.payloadPath(v.ObjectID, v.VersionID)
		touchFile(t, path)
		versionIDs = append(versionIDs, v.ID)
		files = append(files, path)
		objectID = v.ObjectID
	}

	added, err := h.versions.AddDeleteMarkerTransact(ctx, objectID, "marker", 10)
	require.NoError(t, err)
	require.True(t, added)

	require.NoError(t, h.collector.Process(ctx))
	assert.Equal(t, 3, countExisting(files), "a delete marker alone removes no payload")

	require.NoError(t, h.versions.SetVersionState(ctx, versionIDs[0], schema.ObjectStateDeleted, 11))
	require.NoError(t, h.collector.Process(ctx))
	assert.Equal(t, 2, countExisting(files))

	require.NoError(t, h.versions.SetVersionState(ctx, versionIDs[1], schema.ObjectStateDeleted, 12))
	require.NoError(t, h.versions.SetVersionState(ctx, versionIDs[2], schema.ObjectStateDeleted, 13))
	require.NoError(t, h.collector.Process(ctx))
	assert.Equal(t, 0, countExisting(files))
}

// TestCollector_MultipartReclamationUnderWorkBudget is scenario 3:
// with a work budget of one multipart per scan, one Process call
// reclaims DONE/ABORTED multiparts and leaves INPROGRESS, COMPLETE,
// and AGGREGATING alone; transitioning AGGREGATING to DONE and
// scanning again reclaims the rest.
func TestCollector_MultipartReclamationUnderWorkBudget(t *testing.T) {
	h := newHarness(t, config.Static{config.KeyGCMaxObjectsPerIteration: 1})
	ctx := context.Background()

	require.NoError(t, h.users.StoreUser(ctx, &repo.User{UserID: "u"}))
	require.NoError(t, h.buckets.StoreBucket(ctx, &repo.Bucket{BucketID: "b1", Name: "b1", OwnerID: "u"}))

	uploads := []struct {
		id    string
		state schema.MultipartState
		parts int
	}{
		{"inprogress", schema.MultipartStateInProgress, 10},
		{"complete", schema.MultipartStateComplete, 5},
		{"aggregating", schema.MultipartStateAggregating, 20},
		{"done", schema.MultipartStateDone, 10},
		{"aborted", schema.MultipartStateAborted, 5},
	}

	allFiles := map[string][]string{}
	for _, u := range uploads {
		require.NoError(t, h.multiparts.Insert(ctx, &repo.Multipart{
			BucketID: "b1", UploadID: u.id, State: u.state, ObjectName: u.id, PathUUID: u.id + "-path",
		}))
		var files []string
		for n := 1; n <= u.parts; n++ {
			require.NoError(t, h.parts.Insert(ctx, &repo.MultipartPart{UploadID: u.id, PartNum: n, Size: 1, ETag: "e"}))
			path := h.partPath(u.id, n)
			touchFile(t, path)
			files = append(files, path)
		}
		allFiles[u.id] = files
	}

	total := func() int {
		n := 0
		for _, files := range allFiles {
			n += countExisting(files)
		}
		return n
	}
	require.Equal(t, 50, total())

	require.NoError(t, h.collector.Process(ctx))
	assert.Equal(t, 35, total(), "only DONE and ABORTED parts are gone, despite a budget of one multipart per state")
	assert.Equal(t, 10, countExisting(allFiles["inprogress"]))
	assert.Equal(t, 5, countExisting(allFiles["complete"]))
	assert.Equal(t, 20, countExisting(allFiles["aggregating"]))
	assert.Equal(t, 0, countExisting(allFiles["done"]))
	assert.Equal(t, 0, countExisting(allFiles["aborted"]))

	_, err := h.multiparts.GetByUploadID(ctx, "done")
	assert.True(t, repo.ErrNotFound.Has(err))
	_, err = h.multiparts.GetByUploadID(ctx, "aborted")
	assert.True(t, repo.ErrNotFound.Has(err))

	transitioned, err := h.multiparts.MarkDone(ctx, "aggregating", 100)
	require.NoError(t, err)
	require.True(t, transitioned)

	require.NoError(t, h.collector.Process(ctx))
	assert.Equal(t, 0, total())

	_, err = h.multiparts.GetByUploadID(ctx, "inprogress")
	require.NoError(t, err)
	_, err = h.multiparts.GetByUploadID(ctx, "complete")
	require.NoError(t, err)
	_, err = h.multiparts.GetByUploadID(ctx, "aggregating")
	assert.True(t, repo.ErrNotFound.Has(err))
}
