// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sqliteutil groups SQLite-specific helpers used by the
// migrator: schema introspection for the shadow-copy compatibility
// check, and the online-backup primitive used both for that check and
// for the legacy-file rename at startup.
package sqliteutil

import (
	"database/sql"
	"regexp"
	"strings"

	"github.com/zeebo/errs"

	"github.com/tserong/sfsdb/internal/dbschema"
)

// Error is the sqliteutil error class.
var Error = errs.Class("sqliteutil")

type definition struct {
	name string
	sql  string
}

type dbQueryer struct {
	db *sql.DB
}

func (q dbQueryer) Query(query string, args ...interface{}) (dbschema.Rows, error) {
	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// QuerySchema loads the schema of an open SQLite database.
func QuerySchema(db *sql.DB) (*dbschema.Schema, error) {
	return querySchema(dbQueryer{db: db})
}

func querySchema(db dbschema.Queryer) (*dbschema.Schema, error) {
	schema := &dbschema.Schema{}

	var tableDefinitions, indexDefinitions []*definition

	err := func() error {
		rows, err := db.Query(`
			SELECT name, type, sql FROM sqlite_master WHERE sql NOT NULL AND name NOT LIKE 'sqlite_%'
		`)
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { err = errs.Combine(err, rows.Close()) }()

		for rows.Next() {
			var defName, defType, defSQL string
			if err := rows.Scan(&defName, &defType, &defSQL); err != nil {
				return Error.Wrap(err)
			}
			switch defType {
			case "table":
				tableDefinitions = append(tableDefinitions, &definition{name: defName, sql: defSQL})
			case "index":
				indexDefinitions = append(indexDefinitions, &definition{name: defName, sql: defSQL})
			}
		}
		return rows.Err()
	}()
	if err != nil {
		return nil, err
	}

	if err := discoverTables(db, schema, tableDefinitions); err != nil {
		return nil, err
	}
	if err := discoverIndexes(db, schema, indexDefinitions); err != nil {
		return nil, err
	}

	schema.Sort()
	return schema, nil
}

func discoverTables(db dbschema.Queryer, schema *dbschema.Schema, tableDefinitions []*definition) (err error) {
	for _, def := range tableDefinitions {
		table := schema.EnsureTable(def.name)

		tableRows, err := db.Query(`PRAGMA table_info(` + def.name + `)`)
		if err != nil {
			return Error.Wrap(err)
		}
		for tableRows.Next() {
			var defaultValue sql.NullString
			var index, name, columnType string
			var pk int
			var notNull bool
			if err := tableRows.Scan(&index, &name, &columnType, &notNull, &defaultValue, &pk); err != nil {
				return Error.Wrap(errs.Combine(err, tableRows.Close()))
			}

			column := &dbschema.Column{
				Name:       name,
				Type:       columnType,
				IsNullable: !notNull && pk == 0,
			}
			table.AddColumn(column)
			if pk > 0 {
				table.PrimaryKey = append(table.PrimaryKey, name)
			}
		}
		if err := errs.Combine(tableRows.Err(), tableRows.Close()); err != nil {
			return Error.Wrap(err)
		}

		for _, match := range rxUnique.FindAllStringSubmatch(def.sql, -1) {
			var columns []string
			for _, name := range strings.Split(match[1], ",") {
				columns = append(columns, strings.TrimSpace(name))
			}
			table.Unique = append(table.Unique, columns)
		}

		keysRows, err := db.Query(`PRAGMA foreign_key_list(` + def.name + `)`)
		if err != nil {
			return Error.Wrap(err)
		}
		for keysRows.Next() {
			var id, seq int
			var tableName, from, to, onUpdate, onDelete, match string
			if err := keysRows.Scan(&id, &seq, &tableName, &from, &to, &onUpdate, &onDelete, &match); err != nil {
				return Error.Wrap(errs.Combine(err, keysRows.Close()))
			}
			column, found := table.FindColumn(from)
			if found {
				if onDelete == "NO ACTION" {
					onDelete = ""
				}
				if onUpdate == "NO ACTION" {
					onUpdate = ""
				}
				column.Reference = &dbschema.Reference{
					Table: tableName, Column: to,
					OnUpdate: onUpdate, OnDelete: onDelete,
				}
			}
		}
		if err := errs.Combine(keysRows.Err(), keysRows.Close()); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func discoverIndexes(db dbschema.Queryer, schema *dbschema.Schema, indexDefinitions []*definition) error {
	for _, def := range indexDefinitions {
		index := &dbschema.Index{Name: def.name}
		schema.Indexes = append(schema.Indexes, index)

		indexRows, err := db.Query(`PRAGMA index_info(` + def.name + `)`)
		if err != nil {
			return Error.Wrap(err)
		}
		for indexRows.Next() {
			var name *string
			var seqno, cid int
			if err := indexRows.Scan(&seqno, &cid, &name); err != nil {
				return Error.Wrap(errs.Combine(err, indexRows.Close()))
			}
			if name != nil {
				index.Columns = append(index.Columns, *name)
			} else if matches := rxIndexExpr.FindStringSubmatch(def.sql); len(matches) > 0 {
				index.Columns = append(index.Columns, matches[1])
			}
		}
		if err := errs.Combine(indexRows.Err(), indexRows.Close()); err != nil {
			return Error.Wrap(err)
		}

		if matches := rxIndexTable.FindStringSubmatch(def.sql); len(matches) > 0 {
			index.Table = strings.TrimSpace(matches[1])
		}
		if matches := rxIndexUnique.FindStringSubmatch(def.sql); len(matches) > 0 {
			index.Unique = strings.EqualFold(strings.TrimSpace(matches[1]), "unique")
		}
		if matches := rxIndexPartial.FindStringSubmatch(def.sql); len(matches) > 0 {
			index.Partial = strings.TrimSpace(matches[1])
		}
	}
	return nil
}

var (
	// matches UNIQUE (a,b)
	rxUnique = regexp.MustCompile(`UNIQUE\s*\((.*?)\)`)
	// matches ON table( and captures the table name
	rxIndexTable = regexp.MustCompile(`ON\s*([^(]*)\(`)
	// matches ON table(expr)
	rxIndexExpr = regexp.MustCompile(`ON\s*[^(]*\((.*)\)`)
	// matches WHERE (partial expression)
	rxIndexPartial = regexp.MustCompile(`WHERE (.*)$`)
	// matches leading CREATE [UNIQUE] INDEX
	rxIndexUnique = regexp.MustCompile(`CREATE\s+(UNIQUE)?\s*INDEX`)
)
