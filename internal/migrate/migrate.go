// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package migrate applies ordered schema upgrade steps to a database,
// tracking progress in SQLite's native PRAGMA user_version integer.
//
// Adapted from the teacher's private/migrate/versions.go, which
// tracks a separate "versions" table because it targets Postgres and
// Cockroach (no user_version pragma there) and needs one migration
// runner shared across several backends. This module targets exactly
// one embedded SQLite database, so user_version itself is the
// migration ledger -- one less table, one less thing that can drift
// from the pragma the rest of the system already trusts.
package migrate

import (
	"context"
	"database/sql"
	"sort"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/tserong/sfsdb/pkg/logging"
)

// Error is the migrate package error class.
var Error = errs.Class("migrate")

// ErrTooFarBehind is returned when the database's user_version is
// older than any step this Migration knows how to apply.
var ErrTooFarBehind = errs.Class("database schema is too far behind")

// ErrTooFarAhead is returned when the database's user_version is
// newer than this Migration's current version.
var ErrTooFarAhead = errs.Class("database schema is too far ahead")

// Action is a single migration step's body.
type Action interface {
	Run(ctx context.Context, log logging.Logger, db *sql.DB, tx *sql.Tx) error
}

// Step describes one schema upgrade, taking the database from
// Version-1 to Version.
type Step struct {
	Description string
	Version     int
	Action      Action
}

// Migration is an ordered list of upgrade steps plus the version
// bounds a database is allowed to start from.
type Migration struct {
	MinVersion     int
	CurrentVersion int
	Steps          []*Step
}

// ValidateSteps checks that step versions are strictly increasing and
// start immediately after MinVersion.
func (m *Migration) ValidateSteps() error {
	if !sort.SliceIsSorted(m.Steps, func(i, k int) bool { return m.Steps[i].Version < m.Steps[k].Version }) {
		return Error.New("steps are not sorted by version")
	}
	for i, step := range m.Steps {
		if i > 0 && step.Version == m.Steps[i-1].Version {
			return Error.New("duplicate step version %d", step.Version)
		}
	}
	if len(m.Steps) > 0 && m.Steps[0].Version != m.MinVersion+1 {
		return Error.New("first step version %d does not follow MinVersion %d",
			m.Steps[0].Version, m.MinVersion)
	}
	if len(m.Steps) > 0 && m.Steps[len(m.Steps)-1].Version != m.CurrentVersion {
		return Error.New("last step version %d does not match CurrentVersion %d",
			m.Steps[len(m.Steps)-1].Version, m.CurrentVersion)
	}
	return nil
}

// UserVersion reads SQLite's PRAGMA user_version.
func UserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	row := db.QueryRowContext(ctx, `PRAGMA user_version`)
	if err := row.Scan(&version); err != nil {
		return 0, Error.Wrap(err)
	}
	return version, nil
}

func setUserVersion(ctx context.Context, tx *sql.Tx, version int) error {
	// SQLite does not accept bound parameters in a PRAGMA statement.
	_, err := tx.ExecContext(ctx, "PRAGMA user_version = "+itoa(version))
	return Error.Wrap(err)
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Run brings db from whatever user_version it is currently stamped
// with up to m.CurrentVersion, applying each step's Action inside its
// own transaction and bumping user_version immediately afterward.
//
// A freshly created database (user_version == 0 with no tables) is
// stamped straight to CurrentVersion by the caller (pkg/metadb's
// createFresh) and Run is not invoked for it; Run itself only handles the
// MinVersion..CurrentVersion upgrade path.
func (m *Migration) Run(ctx context.Context, log logging.Logger, db *sql.DB) error {
	if err := m.ValidateSteps(); err != nil {
		return err
	}

	version, err := UserVersion(ctx, db)
	if err != nil {
		return err
	}

	if version < m.MinVersion {
		return ErrTooFarBehind.New("user_version %d, minimum supported %d", version, m.MinVersion)
	}
	if version > m.CurrentVersion {
		return ErrTooFarAhead.New("user_version %d, current %d", version, m.CurrentVersion)
	}

	for _, step := range m.Steps {
		if step.Version <= version {
			continue
		}

		stepLog := log.Named(itoa(step.Version))
		stepLog.Info(step.Description)

		err := withTx(ctx, db, func(tx *sql.Tx) error {
			if err := step.Action.Run(ctx, stepLog, db, tx); err != nil {
				return err
			}
			return setUserVersion(ctx, tx, step.Version)
		})
		if err != nil {
			return Error.New("step %d (%s): %w", step.Version, step.Description, err)
		}
	}

	log.Info("database version", zap.Int("version", m.CurrentVersion))
	return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

// SQL is an Action that runs a fixed list of DDL/DML statements.
type SQL []string

// Run executes each statement of the SQL action in order.
func (stmts SQL) Run(ctx context.Context, log logging.Logger, db *sql.DB, tx *sql.Tx) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Func is an Action implemented as an arbitrary function, for
// migration steps that cannot be expressed as pure SQL (data
// reshaping, filesystem cleanup, and the like).
type Func func(ctx context.Context, log logging.Logger, db *sql.DB, tx *sql.Tx) error

// Run invokes the wrapped function.
func (fn Func) Run(ctx context.Context, log logging.Logger, db *sql.DB, tx *sql.Tx) error {
	return fn(ctx, log, db, tx)
}
