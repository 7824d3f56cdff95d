// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package sqliteutil

import (
	"context"
	"database/sql"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// BackupFile clones srcPath into destPath using SQLite's online backup
// API, which is safe to run against a database that other connections
// may still be writing to. destPath must not already exist as an open
// database; the destination file is created fresh.
//
// This is used both for the legacy-file rename at startup (copy the
// old-named file to the new name) and for the shadow-copy
// compatibility check the migrator runs before touching the real
// file.
func BackupFile(ctx context.Context, driverName, srcPath, destPath string) (err error) {
	srcDB, err := sql.Open(driverName, "file:"+srcPath+"?_busy_timeout=10000")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = combineClose(err, srcDB.Close()) }()

	destDB, err := sql.Open(driverName, "file:"+destPath)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = combineClose(err, destDB.Close()) }()

	srcConn, err := srcDB.Conn(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = combineClose(err, srcConn.Close()) }()

	destConn, err := destDB.Conn(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = combineClose(err, destConn.Close()) }()

	return backupConns(ctx, srcConn, destConn)
}

func backupConns(ctx context.Context, srcConn, destConn *sql.Conn) error {
	var backupErr error
	err := destConn.Raw(func(destDriverConn interface{}) error {
		destSQLiteConn, ok := destDriverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return Error.New("destination connection is not a sqlite3 connection")
		}
		return srcConn.Raw(func(srcDriverConn interface{}) error {
			srcSQLiteConn, ok := srcDriverConn.(*sqlite3.SQLiteConn)
			if !ok {
				return Error.New("source connection is not a sqlite3 connection")
			}
			backupErr = backup(destSQLiteConn, srcSQLiteConn)
			return nil
		})
	})
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(backupErr)
}

// backup drives the SQLite online backup API to completion in a
// single step, verifying page counts along the way.
func backup(destConn, srcConn *sqlite3.SQLiteConn) error {
	b, err := destConn.Backup("main", srcConn, "main")
	if err != nil {
		return Error.Wrap(err)
	}

	done, err := b.Step(-1)
	if err != nil {
		return Error.Wrap(err)
	}
	if !done {
		return Error.New("backup did not complete in a single step")
	}
	if remaining := b.Remaining(); remaining != 0 {
		return Error.New("backup left %d pages unwritten", remaining)
	}

	return Error.Wrap(b.Finish())
}

func combineClose(err, closeErr error) error {
	if err == nil {
		return closeErr
	}
	if closeErr == nil {
		return err
	}
	return Error.New("%v (close error: %v)", err, closeErr)
}
