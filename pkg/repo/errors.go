// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package repo is the typed data-access layer: one file per entity
// family, each borrowing a handle from pkg/metadb, wrapping its
// statements in internal/retry, and enforcing the referential,
// uniqueness and state-machine invariants that sit above what plain
// foreign keys and UNIQUE constraints already give the schema.
package repo

import (
	"errors"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"
)

// Error is the repo package error class.
var Error = errs.Class("repo")

// ErrNotFound is returned by Get-style methods when no row matches.
var ErrNotFound = errs.Class("not found")

// ConstraintError reports which SQLite constraint a repository
// operation violated, so callers can distinguish "bad request" from
// "database is broken" without inspecting driver internals
// themselves.
type ConstraintError struct {
	// Constraint is a short name for what was violated: "foreign_key",
	// "unique", "not_null", "check", or "constraint" if the specific
	// kind could not be determined.
	Constraint string
	Table      string
	Err        error
}

func (e *ConstraintError) Error() string {
	if e.Table != "" {
		return "repo: " + e.Constraint + " constraint violated on " + e.Table + ": " + e.Err.Error()
	}
	return "repo: " + e.Constraint + " constraint violated: " + e.Err.Error()
}

// Unwrap allows errors.Is/As to reach the underlying sqlite3.Error.
func (e *ConstraintError) Unwrap() error { return e.Err }

// asConstraintError converts a SQLite constraint-violation error into
// a *ConstraintError, or returns err unchanged if it is not one.
func asConstraintError(err error, table string) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	if sqliteErr.Code != sqlite3.ErrConstraint {
		return err
	}

	kind := "constraint"
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintForeignKey:
		kind = "foreign_key"
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		kind = "unique"
	case sqlite3.ErrConstraintNotNull:
		kind = "not_null"
	case sqlite3.ErrConstraintCheck:
		kind = "check"
	}

	return &ConstraintError{Constraint: kind, Table: table, Err: err}
}
