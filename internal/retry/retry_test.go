// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package retry_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tserong/sfsdb/internal/retry"
	"github.com/tserong/sfsdb/pkg/logging"
)

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	log := logging.Wrap(zaptest.NewLogger(t))
	e := retry.New(log)

	calls := 0
	result, err := retry.Do(context.Background(), log, e, func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, e.Retries())
	assert.True(t, e.Successful())
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	log := logging.Wrap(zaptest.NewLogger(t))
	e := retry.New(log).WithAttempts(5).WithDelay(time.Millisecond)

	calls := 0
	result, err := retry.Do(context.Background(), log, e, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, e.Retries())
	assert.True(t, e.Successful())
}

func TestDo_GivesUpAfterAttemptsExhausted(t *testing.T) {
	log := logging.Wrap(zaptest.NewLogger(t))
	e := retry.New(log).WithAttempts(3).WithDelay(time.Millisecond)

	calls := 0
	_, err := retry.Do(context.Background(), log, e, func(ctx context.Context) (int, error) {
		calls++
		return 0, sqlite3.Error{Code: sqlite3.ErrLocked}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.False(t, e.Successful())
	assert.Equal(t, err, e.FailedErr())
}

func TestDo_PropagatesNonSQLiteError(t *testing.T) {
	log := logging.Wrap(zaptest.NewLogger(t))
	e := retry.New(log)

	wantErr := errors.New("not a sqlite error")
	calls := 0
	_, err := retry.Do(context.Background(), log, e, func(ctx context.Context) (int, error) {
		calls++
		return 0, wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls, "non-sqlite errors are not retried")
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	log := logging.Wrap(zaptest.NewLogger(t))
	e := retry.New(log).WithAttempts(5).WithDelay(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := retry.Do(ctx, log, e, func(ctx context.Context) (int, error) {
		calls++
		return 0, sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	require.ErrorIs(t, err, context.Canceled)
}

// TestDo_CriticalErrorExits verifies, via subprocess re-execution of
// this test binary, that a critical SQLite error (SQLITE_CORRUPT)
// terminates the process rather than being retried or returned.
func TestDo_CriticalErrorExits(t *testing.T) {
	if os.Getenv("SFSDB_RETRY_CRITICAL_SUBPROCESS") == "1" {
		log := logging.Wrap(zaptest.NewLogger(t))
		e := retry.New(log)
		_, _ = retry.Do(context.Background(), log, e, func(ctx context.Context) (int, error) {
			return 0, sqlite3.Error{Code: sqlite3.ErrCorrupt}
		})
		// If Do returned instead of exiting, make failure obvious.
		os.Exit(17)
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestDo_CriticalErrorExits")
	cmd.Env = append(os.Environ(), "SFSDB_RETRY_CRITICAL_SUBPROCESS=1")
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, "subprocess should have called os.Exit")
	assert.Equal(t, 1, exitErr.ExitCode(), "critical errors exit with status 1, not fall through to os.Exit(17)")
}
