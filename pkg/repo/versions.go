// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package repo

import (
	"context"
	"database/sql"


	"github.com/tserong/sfsdb/internal/retry"
	"github.com/tserong/sfsdb/pkg/logging"
	"github.com/tserong/sfsdb/pkg/metadb"
	"github.com/tserong/sfsdb/pkg/schema"
)

// Version is a row of the versions table: one durable state of an
// object's contents.
type Version struct {
	ID          int64
	ObjectID    string
	Checksum    string
	Size        int64
	CreateTime  int64
	DeleteTime  int64
	CommitTime  int64
	Mtime       int64
	ObjectState schema.ObjectState
	VersionID   string
	ETag        string
	Attrs       []byte
	VersionType schema.VersionType
}

// VersionRepo is the typed data-access layer over the versions table.
type VersionRepo struct {
	pool  *metadb.Pool
	log   logging.Logger
	retry *retry.Executor
}

// NewVersionRepo returns a VersionRepo bound to pool.
func NewVersionRepo(pool *metadb.Pool, log logging.Logger) *VersionRepo {
	log = log.Named("repo.versions")
	return &VersionRepo{pool: pool, log: log, retry: retry.New(log)}
}

// CreateNewVersionedObjectTransact ensures an Object exists at
// (bucketID, name) and inserts a new OPEN Version referencing it with
// the given versionID, all inside one transaction.
func (r *VersionRepo) CreateNewVersionedObjectTransact(ctx context.Context, bucketID, name, versionID string, now int64) (v *Version, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (*Version, error) {
		var version *Version
		err := h.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			obj, err := ensureObject(ctx, tx, bucketID, name)
			if err != nil {
				return err
			}

			res, err := tx.ExecContext(ctx, `
				INSERT INTO versions (object_id, create_time, mtime, object_state, version_id, version_type)
				VALUES (?, ?, ?, ?, ?, ?)`,
				obj.UUID, now, now, schema.ObjectStateOpen, versionID, schema.VersionTypeRegular)
			if err != nil {
				return asConstraintError(err, "versions")
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			version = &Version{
				ID: id, ObjectID: obj.UUID, CreateTime: now, Mtime: now,
				ObjectState: schema.ObjectStateOpen, VersionID: versionID, VersionType: schema.VersionTypeRegular,
			}
			return nil
		})
		return version, err
	})
}

// AddDeleteMarkerTransact appends a DELETE_MARKER version on top of
// objectID's current last COMMITTED version, if any. added reports
// whether a marker was actually inserted: it is false when the object
// does not exist or its last version is already a delete marker.
func (r *VersionRepo) AddDeleteMarkerTransact(ctx context.Context, objectID, markerVersionID string, now int64) (added bool, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return false, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (bool, error) {
		var added bool
		err := h.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx,
				`SELECT version_type FROM versions WHERE object_id = ? ORDER BY id DESC LIMIT 1`, objectID)
			var lastType schema.VersionType
			err := row.Scan(&lastType)
			if err == sql.ErrNoRows {
				return nil // object does not exist (or has no versions); added stays false
			}
			if err != nil {
				return err
			}
			if lastType == schema.VersionTypeDeleteMarker {
				return nil // already tombstoned; added stays false
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO versions (object_id, create_time, mtime, object_state, version_id, version_type)
				VALUES (?, ?, ?, ?, ?, ?)`,
				objectID, now, now, schema.ObjectStateCommitted, markerVersionID, schema.VersionTypeDeleteMarker)
			if err != nil {
				return asConstraintError(err, "versions")
			}
			added = true
			return nil
		})
		return added, err
	})
}

// GetLastVersionedObject returns the highest-id version for objectID.
func (r *VersionRepo) GetLastVersionedObject(ctx context.Context, objectID string) (v *Version, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (*Version, error) {
		row := h.DB().QueryRowContext(ctx, `
			SELECT id, object_id, checksum, size, create_time, delete_time, commit_time, mtime,
				object_state, version_id, etag, attrs, version_type
			FROM versions WHERE object_id = ? ORDER BY id DESC LIMIT 1`, objectID)
		v := &Version{}
		err := scanVersion(row, v)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound.New("no versions for object %q", objectID)
		}
		return v, err
	})
}

// SetVersionState transitions v's object_state, per the state-machine
// invariants of the caller's choosing (this repo does not itself
// police OPEN->COMMITTED->DELETED ordering beyond what the schema's
// NOT NULL enum column already guarantees; the front end is the state
// machine's owner).
func (r *VersionRepo) SetVersionState(ctx context.Context, versionID int64, state schema.ObjectState, now int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (struct{}, error) {
		var timeCol string
		switch state {
		case schema.ObjectStateCommitted:
			timeCol = "commit_time"
		case schema.ObjectStateDeleted:
			timeCol = "delete_time"
		default:
			timeCol = "mtime"
		}
		_, err := h.DB().ExecContext(ctx,
			"UPDATE versions SET object_state = ?, mtime = ?, "+timeCol+" = ? WHERE id = ?",
			state, now, now, versionID)
		return struct{}{}, err
	})
	return err
}

// ListVersionsByState returns up to limit versions in the given
// state whose object is in a live (non-deleted) bucket, ordered by id,
// for the garbage collector's per-scan work budget.
func (r *VersionRepo) ListVersionsByState(ctx context.Context, state schema.ObjectState, limit int) (versions []*Version, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) ([]*Version, error) {
		rows, err := h.DB().QueryContext(ctx, `
			SELECT id, object_id, checksum, size, create_time, delete_time, commit_time, mtime,
				object_state, version_id, etag, attrs, version_type
			FROM versions WHERE object_state = ? AND object_id IN (
				SELECT o.uuid FROM objects o JOIN buckets b ON b.bucket_id = o.bucket_id WHERE b.deleted = 0
			) ORDER BY id LIMIT ?`, state, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*Version
		for rows.Next() {
			v := &Version{}
			if err := scanVersionRows(rows, v); err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, rows.Err()
	})
}

// ListVersionsForBucket returns every version under any object of
// bucketID, up to limit, regardless of state. The garbage collector
// does not call it; it drains a deleted bucket object by object
// through ListVersionsForObject.
func (r *VersionRepo) ListVersionsForBucket(ctx context.Context, bucketID string, limit int) (versions []*Version, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) ([]*Version, error) {
		rows, err := h.DB().QueryContext(ctx, `
			SELECT v.id, v.object_id, v.checksum, v.size, v.create_time, v.delete_time, v.commit_time, v.mtime,
				v.object_state, v.version_id, v.etag, v.attrs, v.version_type
			FROM versions v
			JOIN objects o ON o.uuid = v.object_id
			WHERE o.bucket_id = ?
			ORDER BY v.id LIMIT ?`, bucketID, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*Version
		for rows.Next() {
			v := &Version{}
			if err := scanVersionRows(rows, v); err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, rows.Err()
	})
}

// ListVersionsForObject returns up to limit versions of objectID,
// regardless of state, ordered by id — used by the garbage collector
// when draining an object under a deleted bucket.
func (r *VersionRepo) ListVersionsForObject(ctx context.Context, objectID string, limit int) (versions []*Version, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) ([]*Version, error) {
		rows, err := h.DB().QueryContext(ctx, `
			SELECT id, object_id, checksum, size, create_time, delete_time, commit_time, mtime,
				object_state, version_id, etag, attrs, version_type
			FROM versions WHERE object_id = ? ORDER BY id LIMIT ?`, objectID, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*Version
		for rows.Next() {
			v := &Version{}
			if err := scanVersionRows(rows, v); err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, rows.Err()
	})
}

// DeleteVersion removes a version row by id.
func (r *VersionRepo) DeleteVersion(ctx context.Context, versionID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (struct{}, error) {
		_, err := h.DB().ExecContext(ctx, `DELETE FROM versions WHERE id = ?`, versionID)
		return struct{}{}, err
	})
	return err
}

func scanVersion(row *sql.Row, v *Version) error {
	return row.Scan(&v.ID, &v.ObjectID, &v.Checksum, &v.Size, &v.CreateTime, &v.DeleteTime, &v.CommitTime,
		&v.Mtime, &v.ObjectState, &v.VersionID, &v.ETag, &v.Attrs, &v.VersionType)
}

func scanVersionRows(rows *sql.Rows, v *Version) error {
	return rows.Scan(&v.ID, &v.ObjectID, &v.Checksum, &v.Size, &v.CreateTime, &v.DeleteTime, &v.CommitTime,
		&v.Mtime, &v.ObjectState, &v.VersionID, &v.ETag, &v.Attrs, &v.VersionType)
}
