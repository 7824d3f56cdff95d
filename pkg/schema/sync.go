// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package schema

import (
	"context"
	"database/sql"

	"github.com/google/go-cmp/cmp"
	"github.com/zeebo/errs"

	"github.com/tserong/sfsdb/internal/dbschema"
	"github.com/tserong/sfsdb/internal/sqliteutil"
)

// Error is the schema package error class.
var Error = errs.Class("schema")

// TableAction records what Sync did, or would have done, to one
// table of the declarative schema.
type TableAction int

const (
	// TableUnchanged means the discovered table already matches the
	// declarative definition.
	TableUnchanged TableAction = iota
	// TableCreated means the table did not exist and Sync created it.
	TableCreated
	// TableWouldRecreate means the table exists but its column set
	// disagrees with the declarative definition badly enough that
	// making it match would require dropping and recreating it. Sync
	// never does this itself; it only reports the condition so the
	// caller can refuse to proceed.
	TableWouldRecreate
)

// Result is the per-table outcome of a Sync call.
type Result struct {
	Table  string
	Action TableAction
	Diff   string
}

// Unsafe reports whether any result requires a drop-and-recreate,
// which is the condition that must abort startup.
func Unsafe(results []Result) bool {
	for _, r := range results {
		if r.Action == TableWouldRecreate {
			return true
		}
	}
	return false
}

// Sync compares db's actual schema against Definition() and creates
// whatever tables and indexes are missing. It never drops or alters
// an existing table; if an existing table's columns disagree with the
// declarative definition, that table is reported as TableWouldRecreate
// and left untouched — the caller (pkg/metadb's migrator) is
// responsible for treating that as a fatal startup condition, per the
// shadow-copy compatibility check run against a disposable copy
// before this function is ever called against the real database.
func Sync(ctx context.Context, db *sql.DB) ([]Result, error) {
	actual, err := sqliteutil.QuerySchema(db)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	expected := Definition()
	var results []Result

	for _, table := range expected.Tables {
		actualTable, found := actual.FindTable(table.Name)
		if !found {
			if err := createTable(ctx, db, table.Name); err != nil {
				return results, Error.New("table %q: %w", table.Name, err)
			}
			results = append(results, Result{Table: table.Name, Action: TableCreated})
			continue
		}

		if diff := diffColumns(table, actualTable); diff != "" {
			results = append(results, Result{Table: table.Name, Action: TableWouldRecreate, Diff: diff})
			continue
		}

		results = append(results, Result{Table: table.Name, Action: TableUnchanged})
	}

	if Unsafe(results) {
		// Do not touch indexes either; the caller must abort before
		// any of this matters.
		return results, nil
	}

	for _, index := range expected.Indexes {
		if _, found := actual.FindIndex(index.Name); found {
			continue
		}
		if err := createIndex(ctx, db, index.Name); err != nil {
			return results, Error.New("index %q: %w", index.Name, err)
		}
	}

	return results, nil
}

func diffColumns(expected, actual *dbschema.Table) string {
	expectedNames := columnNames(expected)
	actualNames := columnNames(actual)
	if cmp.Equal(expectedNames, actualNames) {
		return ""
	}
	return cmp.Diff(expectedNames, actualNames)
}

func columnNames(t *dbschema.Table) []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}

func createTable(ctx context.Context, db *sql.DB, name string) error {
	for _, stmt := range CreateTableStatements() {
		if statementCreatesTable(stmt, name) {
			_, err := db.ExecContext(ctx, stmt)
			return err
		}
	}
	return Error.New("no declarative CREATE TABLE statement registered for %q", name)
}

func createIndex(ctx context.Context, db *sql.DB, name string) error {
	for _, stmt := range CreateIndexStatements() {
		if statementCreatesIndex(stmt, name) {
			_, err := db.ExecContext(ctx, stmt)
			return err
		}
	}
	return Error.New("no declarative CREATE INDEX statement registered for %q", name)
}

func statementCreatesTable(stmt, name string) bool {
	return hasWord(stmt, "TABLE "+name+" (") || hasWord(stmt, "TABLE "+name+"(")
}

func statementCreatesIndex(stmt, name string) bool {
	return hasWord(stmt, "INDEX "+name+" ")
}

func hasWord(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
