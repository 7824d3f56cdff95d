// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package repo_test

import (
	"context"
	"testing"

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
