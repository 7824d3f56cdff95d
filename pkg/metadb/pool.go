// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package metadb owns the single SQLite file backing the metadata
// store: the per-caller connection pool (this file), the WAL
// checkpoint hook (walcheckpoint.go), the optional per-statement
// profile tracing driver (profile.go), and the startup migration and
// compatibility check (migrator.go).
package metadb

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/tserong/sfsdb/internal/goid"
	"github.com/tserong/sfsdb/pkg/config"
	"github.com/tserong/sfsdb/pkg/logging"
)

var mon = monkit.Package()

// Error is the metadb package error class.
var Error = errs.Class("metadb")

// DatabaseFilename is the current on-disk name of the metadata
// database, replacing the legacy name handled by the migrator.
const DatabaseFilename = "sfs.db"

// LegacyDatabaseFilename is the pre-rename database name honored and
// migrated at startup.
const LegacyDatabaseFilename = "s3gw.db"

// Handle is this module's realization of the spec's per-thread
// connection: exactly one *sql.DB with one open driver connection
// against the shared file, keyed off a logical caller id rather than
// a literal OS thread id (see the internal/goid package doc for why).
type Handle struct {
	db       *sql.DB
	pool     *Pool
	callerID goid.ID
}

// DB returns the underlying *sql.DB. Exported so pkg/repo can issue
// statements directly; callers are expected to route every call
// through internal/retry.Do.
func (h *Handle) DB() *sql.DB { return h.db }

// WithTx runs fn inside a single transaction on this handle,
// committing on success and rolling back otherwise. Grounded on the
// teacher's private/dbutil/txutil.WithTx.
func (h *Handle) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := h.db.BeginTx(ctx, nil)
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
	return fn(ctx, tx)
}

// Close closes the handle's underlying *sql.DB. Handles live for the
// life of their caller/process; Close exists for orderly shutdown and
// for tests, not for routine use.
func (h *Handle) Close() error {
	return h.db.Close()
}

// Pool is one logical database (one file on disk) shared by many
// concurrent callers, each of which gets its own long-lived Handle.
type Pool struct {
	log    logging.Logger
	cfg    config.Source
	path   string
	driver string

	main *Handle

	mu      sync.RWMutex
	handles map[goid.ID]*Handle

	checkpointer *checkpointer

	closed int32
}

// Open opens (or creates) the metadata database rooted at dataPath,
// running the legacy rename, WAL hook registration, pragma
// application and migration exactly once against the resulting main
// handle, and returns the pool ready for concurrent use.
func Open(ctx context.Context, log logging.Logger, cfg config.Source, dataPath string) (_ *Pool, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := runLegacyRename(ctx, log, dataPath); err != nil {
		return nil, Error.New("legacy rename: %w", err)
	}

	p := &Pool{
		log:     log,
		cfg:     cfg,
		path:    filepath.Join(dataPath, DatabaseFilename),
		handles: make(map[goid.ID]*Handle),
	}

	p.checkpointer = newCheckpointer(log, cfg)
	p.driver, err = p.checkpointer.registerDriver()
	if err != nil {
		return nil, Error.New("failed to register sqlite3 driver: %w", err)
	}

	main, err := p.openHandle(ctx)
	if err != nil {
		return nil, Error.New("failed to open %q: %w", p.path, err)
	}
	p.main = main
	p.handles[main.callerID] = main

	if err := runMigration(ctx, log, main.db, cfg); err != nil {
		return nil, err
	}

	return p, nil
}

// Handle returns the calling goroutine's handle, creating one on
// first call. It never re-runs migration; that only ever happens
// against the main handle inside Open.
func (p *Pool) Handle(ctx context.Context) (h *Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	id := goid.Current()

	p.mu.RLock()
	h, found := p.handles[id]
	p.mu.RUnlock()
	if found {
		return h, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-checked: another goroutine racing to open under the
	// same id (rare, but not impossible if a goroutine id happens to
	// be reused after a very short-lived goroutine exits) must not
	// leak a second *sql.DB against the same file.
	if h, found := p.handles[id]; found {
		return h, nil
	}

	h, err = p.openHandle(ctx)
	if err != nil {
		return nil, Error.New("failed to open handle: %w", err)
	}
	p.handles[id] = h
	return h, nil
}

// MainHandle returns the privileged handle installed at Open, against
// which schema migration and compatibility checks run.
func (p *Pool) MainHandle() *Handle { return p.main }

func (p *Pool) openHandle(ctx context.Context) (*Handle, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal=WAL", p.path)
	db, err := sql.Open(p.driver, dsn)
	if err != nil {
		return nil, err
	}
	// One handle == one raw driver connection; database/sql's own
	// pooling would otherwise silently hand out extra connections
	// against the same file from under a single logical caller.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db, p.cfg); err != nil {
		return nil, errs.Combine(err, db.Close())
	}

	return &Handle{db: db, pool: p, callerID: goid.Current()}, nil
}

// HandleCount reports the number of distinct handles currently open,
// including the main handle. Used by pool_test.go's cardinality
// assertions.
func (p *Pool) HandleCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handles)
}

// Close closes every handle the pool has ever opened.
func (p *Pool) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var errList errs.Group
	for _, h := range p.handles {
		errList.Add(h.Close())
	}
	return errList.Err()
}

func applyPragmas(ctx context.Context, db *sql.DB, cfg config.Source) error {
	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA temp_store = MEMORY`,
		`PRAGMA case_sensitive_like = ON`,
		`PRAGMA mmap_size = 32212254720`,
		fmt.Sprintf(`PRAGMA journal_size_limit = %d`, walSizeLimit(cfg)),
		`PRAGMA foreign_keys = ON`,
	}
	for _, stmt := range pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return Error.New("%s: %w", stmt, err)
		}
	}
	return nil
}

func walSizeLimit(cfg config.Source) int {
	if cfg == nil {
		return int(config.Defaults[config.KeyWALSizeLimit].(int64))
	}
	return cfg.Int(config.KeyWALSizeLimit)
}
