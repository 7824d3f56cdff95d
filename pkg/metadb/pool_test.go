// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package metadb_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tserong/sfsdb/pkg/config"
	"github.com/tserong/sfsdb/pkg/logging"
	"github.com/tserong/sfsdb/pkg/metadb"
)

func openTestPool(t *testing.T) *metadb.Pool {
	t.Helper()
	dir := t.TempDir()
	cfg := config.WithDefaults(config.Static{config.KeyDataPath: dir})
	pool, err := metadb.Open(context.Background(), logging.Wrap(zaptest.NewLogger(t)), cfg, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestHandle_SameCallerReturnsSameHandle(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	h1, err := pool.Handle(ctx)
	require.NoError(t, err)
	h2, err := pool.Handle(ctx)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
}

func TestHandle_DistinctGoroutinesGetDistinctHandles(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	const n = 8
	handles := make([]*metadb.Handle, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			h, err := pool.Handle(ctx)
			assert.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()

	seen := make(map[*metadb.Handle]bool)
	for _, h := range handles {
		require.NotNil(t, h)
		seen[h] = true
	}
	assert.Len(t, seen, n, "each goroutine should have gotten a distinct handle")

	// n goroutine handles + the main handle installed by Open.
	assert.Equal(t, n+1, pool.HandleCount())
}

func TestOpen_CreatesDatabaseFileAtCurrentName(t *testing.T) {
	dir := t.TempDir()
	cfg := config.WithDefaults(config.Static{config.KeyDataPath: dir})
	pool, err := metadb.Open(context.Background(), logging.Wrap(zaptest.NewLogger(t)), cfg, dir)
	require.NoError(t, err)
	defer pool.Close()

	_, err = os.Stat(filepath.Join(dir, metadb.DatabaseFilename))
	require.NoError(t, err)
}
