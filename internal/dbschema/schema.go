// Package dbschema models SQL schemas for the shadow-copy
// compatibility check performed at startup; internal/sqliteutil fills
// these types from a live database.
package dbschema

import "sort"

// Schema is the database structure.
type Schema struct {
	Tables  []*Table
	Indexes []*Index
}

// Table is a sql table.
type Table struct {
	Name       string
	Columns    []*Column
	PrimaryKey []string
	Unique     [][]string
}

// Column is a sql column.
type Column struct {
	Name       string
	Type       string
	IsNullable bool
	Reference  *Reference
}

// Reference is a column foreign key.
type Reference struct {
	Table    string
	Column   string
	OnDelete string
	OnUpdate string
}

// Index is an index for a table.
type Index struct {
	Name    string
	Table   string
	Columns []string
	Unique  bool
	Partial string
}

// Queryer is a minimal subset of *sql.DB needed to introspect a schema.
type Queryer interface {
	Query(query string, args ...interface{}) (Rows, error)
}

// Rows is the subset of *sql.Rows needed by the discovery routines.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// EnsureTable returns the table with the specified name and creates one if needed.
func (schema *Schema) EnsureTable(tableName string) *Table {
	for _, table := range schema.Tables {
		if table.Name == tableName {
			return table
		}
	}
	table := &Table{Name: tableName}
	schema.Tables = append(schema.Tables, table)
	return table
}

// FindTable returns the table with the given name, if present.
func (schema *Schema) FindTable(tableName string) (*Table, bool) {
	for _, table := range schema.Tables {
		if table.Name == tableName {
			return table, true
		}
	}
	return nil, false
}

// DropTable removes the table with the given name, if present.
func (schema *Schema) DropTable(tableName string) {
	for i, table := range schema.Tables {
		if table.Name == tableName {
			schema.Tables = append(schema.Tables[:i], schema.Tables[i+1:]...)
			return
		}
	}
}

// FindIndex returns the index with the given name, if present.
func (schema *Schema) FindIndex(name string) (*Index, bool) {
	for _, index := range schema.Indexes {
		if index.Name == name {
			return index, true
		}
	}
	return nil, false
}

// DropIndex removes the index with the given name, if present.
func (schema *Schema) DropIndex(name string) {
	for i, index := range schema.Indexes {
		if index.Name == name {
			schema.Indexes = append(schema.Indexes[:i], schema.Indexes[i+1:]...)
			return
		}
	}
}

// Sort orders tables, columns and indexes for stable comparison.
func (schema *Schema) Sort() {
	sort.Slice(schema.Tables, func(i, k int) bool {
		return schema.Tables[i].Name < schema.Tables[k].Name
	})
	for _, table := range schema.Tables {
		sort.Slice(table.Columns, func(i, k int) bool {
			return table.Columns[i].Name < table.Columns[k].Name
		})
	}
	sort.Slice(schema.Indexes, func(i, k int) bool {
		return schema.Indexes[i].Name < schema.Indexes[k].Name
	})
}

// AddColumn adds the column to the table.
func (table *Table) AddColumn(column *Column) {
	table.Columns = append(table.Columns, column)
}

// FindColumn finds a column in the table.
func (table *Table) FindColumn(columnName string) (*Column, bool) {
	for _, column := range table.Columns {
		if column.Name == columnName {
			return column, true
		}
	}
	return nil, false
}
