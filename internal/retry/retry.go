// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package retry classifies SQLite errors surfaced from pkg/repo and
// pkg/metadb operations and retries the transient ones, while giving
// up the process outright on ones that mean the database file itself
// cannot be trusted any longer.
package retry

import (
	"context"
	"errors"
	"os"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/tserong/sfsdb/pkg/logging"
)

// DefaultAttempts is how many times Do will invoke fn before giving up
// on a transient error.
const DefaultAttempts = 5

// DefaultDelay is the base backoff between transient-error retries.
const DefaultDelay = 20 * time.Millisecond

// Executor retries operations that fail with a transient SQLite error
// and terminates the process on a critical one.
type Executor struct {
	log      logging.Logger
	attempts int
	delay    time.Duration

	retries    int
	successful bool
	failedErr  error

	// exit is os.Exit by default; tests override it to observe the
	// critical path without actually killing the test binary.
	exit func(code int)
}

// New returns an Executor that logs under the given logger and uses
// the package defaults for attempt count and backoff.
func New(log logging.Logger) *Executor {
	return &Executor{
		log:      log,
		attempts: DefaultAttempts,
		delay:    DefaultDelay,
		exit:     os.Exit,
	}
}

// WithAttempts overrides the number of attempts made for a transient error.
func (e *Executor) WithAttempts(attempts int) *Executor {
	e.attempts = attempts
	return e
}

// WithDelay overrides the base backoff between attempts.
func (e *Executor) WithDelay(delay time.Duration) *Executor {
	e.delay = delay
	return e
}

// Retries reports how many retry attempts the last Do call needed
// beyond its first.
func (e *Executor) Retries() int { return e.retries }

// Successful reports whether the last Do call eventually succeeded.
func (e *Executor) Successful() bool { return e.successful }

// FailedErr returns the error the last Do call gave up on, if any.
func (e *Executor) FailedErr() error { return e.failedErr }

// classification is the outcome of inspecting a SQLite error.
type classification int

const (
	classPropagate classification = iota
	classTransient
	classCritical
)

func classify(err error) classification {
	if err == nil {
		return classPropagate
	}

	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return classPropagate
	}

	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return classTransient
	case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
		return classCritical
	}

	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrCorruptVTab:
		return classCritical
	case sqlite3.ErrBusyRecovery, sqlite3.ErrBusySnapshot:
		return classTransient
	}

	return classPropagate
}

// Do runs fn, retrying it up to the configured attempt count if it
// fails with a transient SQLite error (SQLITE_BUSY, SQLITE_LOCKED),
// and calling os.Exit if it fails with one meaning the database file
// itself is unusable (SQLITE_CORRUPT, SQLITE_NOTADB). Any other error,
// including nil, is returned to the caller unchanged.
func Do[T any](ctx context.Context, log logging.Logger, e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	e.retries = 0
	e.successful = false
	e.failedErr = nil

	var zero T
	var lastErr error

	for attempt := 0; attempt < e.attempts; attempt++ {
		if attempt > 0 {
			e.retries++
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(e.delay * time.Duration(attempt)):
			}
		}

		result, err := fn(ctx)
		if err == nil {
			e.successful = true
			return result, nil
		}
		lastErr = err

		switch classify(err) {
		case classCritical:
			log.Error("database file is unusable, terminating", zap.Error(err))
			e.failedErr = err
			e.exit(1)
			return zero, err // unreachable outside tests that stub exit

		case classTransient:
			log.Debug("retrying after transient database error",
				zap.Int("attempt", attempt+1), zap.Error(err))
			continue

		default:
			e.failedErr = err
			return zero, err
		}
	}

	e.failedErr = lastErr
	return zero, lastErr
}
