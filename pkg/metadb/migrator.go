// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package metadb

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/tserong/sfsdb/internal/migrate"
	"github.com/tserong/sfsdb/internal/sqliteutil"
	"github.com/tserong/sfsdb/pkg/config"
	"github.com/tserong/sfsdb/pkg/logging"
	"github.com/tserong/sfsdb/pkg/schema"
)

// runLegacyRename performs an online backup from the legacy database
// name to the current one and removes the legacy main/-wal/-shm
// triplet, if the legacy file exists and the current one does not.
// Grounded on internal/dbutil/sqliteutil/migrator.go's backup-then-
// remove pattern in the teacher.
func runLegacyRename(ctx context.Context, log logging.Logger, dataPath string) error {
	legacyPath := filepath.Join(dataPath, LegacyDatabaseFilename)
	currentPath := filepath.Join(dataPath, DatabaseFilename)

	if _, err := os.Stat(currentPath); err == nil {
		return nil // already migrated (or never used the legacy name)
	}
	if _, err := os.Stat(legacyPath); os.IsNotExist(err) {
		return nil // fresh install, nothing to rename
	} else if err != nil {
		return err
	}

	log.Info("renaming legacy database file", zap.String("from", legacyPath), zap.String("to", currentPath))

	if err := sqliteutil.BackupFile(ctx, "sqlite3", legacyPath, currentPath); err != nil {
		return err
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(legacyPath + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// runMigration reads db's user_version, applies whichever schema
// steps are needed, and runs the shadow-copy compatibility check
// before syncing the real database.
func runMigration(ctx context.Context, log logging.Logger, db *sql.DB, cfg config.Source) error {
	version, err := migrate.UserVersion(ctx, db)
	if err != nil {
		return err
	}

	if version == 0 {
		return createFresh(ctx, log, db)
	}

	m := buildMigration()
	if err := m.Run(ctx, log.Named("migration"), db); err != nil {
		return err
	}

	return runCompatibilityCheck(ctx, log, db)
}

// createFresh stamps a brand-new database file straight to
// CurrentVersion, since there is no prior schema to upgrade from.
func createFresh(ctx context.Context, log logging.Logger, db *sql.DB) error {
	log.Info("creating new database schema", zap.Int("version", schema.CurrentVersion))

	for _, stmt := range schema.CreateTableStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return Error.New("create table: %w", err)
		}
	}
	for _, stmt := range schema.CreateIndexStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return Error.New("create index: %w", err)
		}
	}

	_, err := db.ExecContext(ctx, "PRAGMA user_version = "+itoa(schema.CurrentVersion))
	return Error.Wrap(err)
}

func itoa(v int) string {
	// Small helper duplicated from internal/migrate to avoid exporting
	// an integer formatter from that package just for this one call.
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// runCompatibilityCheck takes a backup copy of db's underlying file
// into a temp path, syncs the declarative schema against the copy,
// and only if that would touch nothing unsafe does it sync the real
// database. This is the shadow-copy compatibility check: it exists so
// that a bug in the declarative schema library's own drop/recreate
// logic is caught against a disposable file, never the live one.
func runCompatibilityCheck(ctx context.Context, log logging.Logger, db *sql.DB) (err error) {
	var dbPath string
	row := db.QueryRowContext(ctx, "PRAGMA database_list")
	var seq int
	var name string
	if err := row.Scan(&seq, &name, &dbPath); err != nil {
		return Error.New("failed to determine database path: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dbPath), "sfs-compat-*.db")
	if err != nil {
		return Error.New("failed to create compatibility check temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	if err := tmpFile.Close(); err != nil {
		return Error.Wrap(err)
	}
	if err := os.Remove(tmpPath); err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(tmpPath + suffix)
		}
	}()

	if err := sqliteutil.BackupFile(ctx, "sqlite3", dbPath, tmpPath); err != nil {
		return Error.New("compatibility check backup failed: %w", err)
	}

	copyDB, err := sql.Open("sqlite3", "file:"+tmpPath)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = closeAnd(err, copyDB) }()

	results, err := schema.Sync(ctx, copyDB)
	if err != nil {
		return Error.New("compatibility check sync failed: %w", err)
	}
	if schema.Unsafe(results) {
		return describeUnsafeSync(results)
	}

	if _, err := schema.Sync(ctx, db); err != nil {
		return Error.New("schema sync failed: %w", err)
	}
	log.Info("schema compatibility check passed")
	return nil
}

func describeUnsafeSync(results []schema.Result) error {
	msg := "schema is not backward compatible, refusing to start:"
	for _, r := range results {
		if r.Action == schema.TableWouldRecreate {
			msg += " table " + r.Table + " would be dropped and recreated (" + r.Diff + ");"
		}
	}
	return Error.New("%s", msg)
}

func closeAnd(err error, db *sql.DB) error {
	return errs.Combine(err, db.Close())
}

// buildMigration constructs the ordered schema-upgrade steps from
// MinVersion..CurrentVersion. Step 2 uses CREATE TABLE IF NOT EXISTS
// and can be re-run; steps 3 and 4 use ALTER TABLE ADD COLUMN, which
// fails if the column already exists, so they are not idempotent. A
// step failing partway through never leaves the database at an
// undocumented version, since each step commits its own transaction
// including the user_version bump (internal/migrate.Run), and a
// committed step is never run again.
func buildMigration() *migrate.Migration {
	return &migrate.Migration{
		MinVersion:     schema.MinVersion,
		CurrentVersion: schema.CurrentVersion,
		Steps: []*migrate.Step{
			{
				Description: "add lifecycle_heads and lifecycle_entries",
				Version:     2,
				Action: migrate.SQL{
					`CREATE TABLE IF NOT EXISTS lifecycle_heads (
						bucket_id   TEXT NOT NULL REFERENCES buckets(bucket_id),
						idx         INTEGER NOT NULL,
						marker      TEXT NOT NULL DEFAULT '',
						start_date  INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (bucket_id, idx)
					)`,
					`CREATE TABLE IF NOT EXISTS lifecycle_entries (
						bucket_id  TEXT NOT NULL REFERENCES buckets(bucket_id),
						idx        INTEGER NOT NULL,
						status     INTEGER NOT NULL,
						PRIMARY KEY (bucket_id, idx)
					)`,
				},
			},
			{
				Description: "add object_lock_config to buckets",
				Version:     3,
				Action: migrate.SQL{
					`ALTER TABLE buckets ADD COLUMN object_lock_config BLOB`,
				},
			},
			{
				Description: "add placement to multiparts",
				Version:     4,
				Action: migrate.SQL{
					`ALTER TABLE multiparts ADD COLUMN placement TEXT NOT NULL DEFAULT ''`,
				},
			},
		},
	}
}
