// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package repo

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/tserong/sfsdb/internal/retry"
	"github.com/tserong/sfsdb/pkg/logging"
	"github.com/tserong/sfsdb/pkg/metadb"
)

// Object is a row of the objects table: a name within a bucket. Its
// payloads live on the Version rows that reference it.
type Object struct {
	UUID     string
	BucketID string
	Name     string
}

// ObjectRepo is the typed data-access layer over the objects table.
type ObjectRepo struct {
	pool  *metadb.Pool
	log   logging.Logger
	retry *retry.Executor
}

// NewObjectRepo returns an ObjectRepo bound to pool.
func NewObjectRepo(pool *metadb.Pool, log logging.Logger) *ObjectRepo {
	log = log.Named("repo.objects")
	return &ObjectRepo{pool: pool, log: log, retry: retry.New(log)}
}

// GetObject returns the object with the given uuid, or ErrNotFound.
func (r *ObjectRepo) GetObject(ctx context.Context, objectUUID string) (obj *Object, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (*Object, error) {
		row := h.DB().QueryRowContext(ctx,
			`SELECT uuid, bucket_id, name FROM objects WHERE uuid = ?`, objectUUID)
		o := &Object{}
		err := row.Scan(&o.UUID, &o.BucketID, &o.Name)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound.New("object %q", objectUUID)
		}
		if err != nil {
			return nil, err
		}
		return o, nil
	})
}

// GetObjectByName looks up an object by its (bucket_id, name) key.
func (r *ObjectRepo) GetObjectByName(ctx context.Context, bucketID, name string) (obj *Object, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (*Object, error) {
		row := h.DB().QueryRowContext(ctx,
			`SELECT uuid, bucket_id, name FROM objects WHERE bucket_id = ? AND name = ?`, bucketID, name)
		o := &Object{}
		err := row.Scan(&o.UUID, &o.BucketID, &o.Name)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound.New("object %q in bucket %q", name, bucketID)
		}
		if err != nil {
			return nil, err
		}
		return o, nil
	})
}

// ListForBucket returns up to limit objects belonging to bucketID,
// ordered by uuid — used by the garbage collector when draining a
// deleted bucket.
func (r *ObjectRepo) ListForBucket(ctx context.Context, bucketID string, limit int) (objs []*Object, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) ([]*Object, error) {
		rows, err := h.DB().QueryContext(ctx,
			`SELECT uuid, bucket_id, name FROM objects WHERE bucket_id = ? ORDER BY uuid LIMIT ?`, bucketID, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*Object
		for rows.Next() {
			o := &Object{}
			if err := rows.Scan(&o.UUID, &o.BucketID, &o.Name); err != nil {
				return nil, err
			}
			out = append(out, o)
		}
		return out, rows.Err()
	})
}

// DeleteObject removes an object row by uuid. Its versions must
// already be gone; the versions.object_id foreign key would otherwise
// reject this.
func (r *ObjectRepo) DeleteObject(ctx context.Context, objectUUID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (struct{}, error) {
		_, err := h.DB().ExecContext(ctx, `DELETE FROM objects WHERE uuid = ?`, objectUUID)
		return struct{}{}, asConstraintError(err, "objects")
	})
	return err
}

// ensureObject returns the existing object at (bucketID, name), or
// creates and returns a new one if none exists. Callers must hold tx
// for the duration; this is not exported because it only makes sense
// as part of a larger transaction (see VersionRepo.CreateNewVersionedObjectTransact).
func ensureObject(ctx context.Context, tx *sql.Tx, bucketID, name string) (*Object, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT uuid, bucket_id, name FROM objects WHERE bucket_id = ? AND name = ?`, bucketID, name)
	o := &Object{}
	err := row.Scan(&o.UUID, &o.BucketID, &o.Name)
	if err == nil {
		return o, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	o = &Object{UUID: uuid.NewString(), BucketID: bucketID, Name: name}
	_, err = tx.ExecContext(ctx, `INSERT INTO objects (uuid, bucket_id, name) VALUES (?, ?, ?)`,
		o.UUID, o.BucketID, o.Name)
	if err != nil {
		return nil, asConstraintError(err, "objects")
	}
	return o, nil
}
