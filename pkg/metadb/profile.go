// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package metadb

import (
	"context"
	"database/sql/driver"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/tserong/sfsdb/pkg/logging"
)

// profilingDriver wraps another driver.Driver, timing every statement
// executed against connections it opens. This is this driver's
// substitute for sqlite3_trace_v2(SQLITE_TRACE_PROFILE, ...), which
// go-sqlite3 does not expose to callers; wrapping the driver.Conn
// database/sql actually talks to reaches the same statements the C
// hook would have seen.
type profilingDriver struct {
	inner       driver.Driver
	log         logging.Logger
	slowlogTime time.Duration
}

func (d *profilingDriver) Open(name string) (driver.Conn, error) {
	conn, err := d.inner.Open(name)
	if err != nil {
		return nil, err
	}
	sc, ok := conn.(*sqlite3.SQLiteConn)
	if !ok {
		return conn, nil
	}
	return &profilingConn{SQLiteConn: sc, log: d.log, slowlogTime: d.slowlogTime}, nil
}

// profilingConn embeds *sqlite3.SQLiteConn so every driver interface
// it satisfies (ExecerContext, QueryerContext, ConnBeginTx, and so on)
// keeps working unchanged; only the methods that run a statement are
// overridden to record how long it took.
type profilingConn struct {
	*sqlite3.SQLiteConn
	log         logging.Logger
	slowlogTime time.Duration
}

func (c *profilingConn) report(query string, start time.Time) {
	elapsed := time.Since(start)
	c.log.Trace("statement profiled", zap.String("query", query), zap.Duration("elapsed", elapsed))
	if elapsed >= c.slowlogTime {
		c.log.Info("slow statement", zap.String("query", query), zap.Duration("elapsed", elapsed))
	}
}

func (c *profilingConn) Prepare(query string) (driver.Stmt, error) {
	start := time.Now()
	stmt, err := c.SQLiteConn.Prepare(query)
	c.report(query, start)
	if err != nil {
		return nil, err
	}
	return &profilingStmt{Stmt: stmt, query: query, conn: c}, nil
}

func (c *profilingConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	start := time.Now()
	stmt, err := c.SQLiteConn.Prepare(query)
	c.report(query, start)
	if err != nil {
		return nil, err
	}
	return &profilingStmt{Stmt: stmt, query: query, conn: c}, nil
}

func (c *profilingConn) Exec(query string, args []driver.Value) (driver.Result, error) { //nolint:staticcheck // legacy driver.Execer, SQLiteConn still implements it.
	start := time.Now()
	res, err := c.SQLiteConn.Exec(query, args) //nolint:staticcheck
	c.report(query, start)
	return res, err
}

func (c *profilingConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	res, err := c.SQLiteConn.ExecContext(ctx, query, args)
	c.report(query, start)
	return res, err
}

func (c *profilingConn) Query(query string, args []driver.Value) (driver.Rows, error) { //nolint:staticcheck // legacy driver.Queryer, SQLiteConn still implements it.
	start := time.Now()
	rows, err := c.SQLiteConn.Query(query, args) //nolint:staticcheck
	c.report(query, start)
	return rows, err
}

func (c *profilingConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	rows, err := c.SQLiteConn.QueryContext(ctx, query, args)
	c.report(query, start)
	return rows, err
}

// profilingStmt times Exec/Query calls against a statement obtained
// through profilingConn.Prepare, covering callers that prepare a
// statement once and reuse it rather than issuing one-shot Exec/Query
// through the connection.
type profilingStmt struct {
	driver.Stmt
	query string
	conn  *profilingConn
}

func (s *profilingStmt) Exec(args []driver.Value) (driver.Result, error) { //nolint:staticcheck
	start := time.Now()
	res, err := s.Stmt.Exec(args) //nolint:staticcheck
	s.conn.report(s.query, start)
	return res, err
}

func (s *profilingStmt) Query(args []driver.Value) (driver.Rows, error) { //nolint:staticcheck
	start := time.Now()
	rows, err := s.Stmt.Query(args) //nolint:staticcheck
	s.conn.report(s.query, start)
	return rows, err
}

func (s *profilingStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	res, err := s.Stmt.(driver.StmtExecContext).ExecContext(ctx, args)
	s.conn.report(s.query, start)
	return res, err
}

func (s *profilingStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	rows, err := s.Stmt.(driver.StmtQueryContext).QueryContext(ctx, args)
	s.conn.report(s.query, start)
	return rows, err
}
