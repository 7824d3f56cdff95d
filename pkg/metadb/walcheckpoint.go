// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package metadb

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync/atomic"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/tserong/sfsdb/pkg/config"
	"github.com/tserong/sfsdb/pkg/logging"
)

// driverCounter gives each Pool instance a distinct sqlite3 driver
// registration name, since database/sql drivers are named in a single
// global registry and this package may open more than one Pool within
// a process (tests do this routinely).
var driverCounter int64

// checkpointer installs the WAL frame-count hook on every connection
// opened through its private driver registration, and optionally
// wraps that registration with per-statement profile tracing.
type checkpointer struct {
	log              logging.Logger
	passiveFrames    int
	truncateFrames   int
	useSQLiteDefault bool
	profile          bool
	profileSlowlog   time.Duration
}

func newCheckpointer(log logging.Logger, cfg config.Source) *checkpointer {
	return &checkpointer{
		log:              log.Named("walcheckpoint"),
		passiveFrames:    cfg.Int(config.KeyWALCheckpointPassiveFrames),
		truncateFrames:   cfg.Int(config.KeyWALCheckpointTruncateFrames),
		useSQLiteDefault: cfg.Bool(config.KeyWALCheckpointUseSQLiteDefault),
		profile:          cfg.Bool(config.KeySQLiteProfile),
		profileSlowlog:   cfg.Duration(config.KeySQLiteProfileSlowlogTime),
	}
}

// registerDriver registers a sqlite3 driver under a fresh private
// name that applies this checkpointer's ConnectHook to every
// connection opened through it, and returns that name for use in
// sql.Open. When profiling is enabled, the driver.Conn returned to
// database/sql on each Open is additionally wrapped so every
// statement's wall time is measured.
func (c *checkpointer) registerDriver() (string, error) {
	name := fmt.Sprintf("sqlite3-metadb-%d", atomic.AddInt64(&driverCounter, 1))

	inner := &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			// go-sqlite3 always populates Error.Code/ExtendedCode
			// from the engine's extended result codes internally;
			// this statement only documents that intent for any
			// path that inspects raw driver.Execer results directly.
			if _, err := conn.Exec(`PRAGMA extended_result_codes = ON`, nil); err != nil {
				return err
			}

			if c.useSQLiteDefault {
				return nil
			}

			// This connection drives its own checkpoints from
			// commitHook; SQLite's built-in autocheckpoint would
			// otherwise also fire independently at its own
			// (uncustomizable two-tier) frame threshold.
			if _, err := conn.Exec(`PRAGMA wal_autocheckpoint = 0`, nil); err != nil {
				return err
			}

			conn.RegisterCommitHook(c.commitHook(conn))
			return nil
		},
	}

	var d driver.Driver = inner
	if c.profile {
		d = &profilingDriver{inner: inner, log: c.log.Named("profile"), slowlogTime: c.profileSlowlog}
	}
	sql.Register(name, d)

	return name, nil
}

// commitHook is invoked by SQLite immediately after every commit on
// conn (go-sqlite3's RegisterCommitHook, the actual binding it
// exposes — there is no dedicated wal_hook binding in go-sqlite3,
// unlike the C API's sqlite3_wal_hook). A non-zero return converts
// the commit into a rollback, so this must always return 0 regardless
// of whether the checkpoint attempt itself succeeded.
//
// go-sqlite3 has no pragma that reports the WAL's frame count without
// also attempting a checkpoint, so remaining is tracked from the last
// probe's result and reused to decide whether the next commit needs
// to probe at all: once a PASSIVE checkpoint reports the WAL back
// under passiveFrames, subsequent commits skip the pragma round trip
// entirely until remaining grows past it again. The first call on a
// fresh connection always probes.
func (c *checkpointer) commitHook(conn *sqlite3.SQLiteConn) func() int {
	remaining := c.passiveFrames + 1

	return func() int {
		if !shouldProbe(remaining, c.passiveFrames) {
			return 0
		}

		log, checkpointed, err := c.walCheckpoint(conn, "PASSIVE")
		if err != nil {
			c.log.Error("wal checkpoint failed", zap.String("mode", "PASSIVE"), zap.Error(err))
			return 0
		}
		remaining = log - checkpointed

		if !shouldTruncate(remaining, c.truncateFrames) {
			return 0
		}

		tLog, tCheckpointed, err := c.walCheckpoint(conn, "TRUNCATE")
		if err != nil {
			c.log.Error("wal checkpoint failed",
				zap.String("mode", "TRUNCATE"), zap.Int("frames", remaining), zap.Error(err))
			return 0
		}
		remaining = tLog - tCheckpointed
		return 0
	}
}

// shouldProbe reports whether a commit should attempt a checkpoint at
// all, given how many WAL frames were left over the last time one ran.
func shouldProbe(lastRemaining, passiveFrames int) bool {
	return lastRemaining > passiveFrames
}

// shouldTruncate reports whether a PASSIVE checkpoint's leftover frame
// count is high enough to warrant escalating to TRUNCATE.
func shouldTruncate(remaining, truncateFrames int) bool {
	return remaining > truncateFrames
}

// walCheckpoint runs PRAGMA wal_checkpoint(mode) directly against the
// connection and returns its (log, checkpointed) frame counts: the
// total number of frames in the WAL and how many of those this call
// checkpointed. Grounded on go-sqlite3's actual public surface —
// RegisterCommitHook plus a driver.Queryer call — rather than a
// per-connection frame-count hook, which the driver doesn't expose.
func (c *checkpointer) walCheckpoint(conn *sqlite3.SQLiteConn, mode string) (log, checkpointed int, err error) {
	queryer, ok := driver.Conn(conn).(driver.Queryer) //nolint:staticcheck // SQLiteConn's Query predates QueryerContext.
	if !ok {
		return 0, 0, fmt.Errorf("connection does not implement driver.Queryer, cannot checkpoint")
	}

	rows, err := queryer.Query(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode), nil) //nolint:staticcheck
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = rows.Close() }()

	dest := make([]driver.Value, 3)
	if err := rows.Next(dest); err != nil {
		return 0, 0, err
	}

	log = valueToInt(dest[1])
	checkpointed = valueToInt(dest[2])
	return log, checkpointed, nil
}

func valueToInt(v driver.Value) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
