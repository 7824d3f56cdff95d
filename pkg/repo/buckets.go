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

// Bucket is a row of the buckets table.
type Bucket struct {
	BucketID         string
	Name             string
	Tenant           string
	Marker           string
	OwnerID          string
	Flags            int64
	ZoneGroup        string
	QuotaMaxSize     int64
	QuotaMaxObjects  int64
	CreatedAt        int64
	Mtime            int64
	PlacementName    string
	PlacementClass   string
	Deleted          bool
	Attrs            []byte
	ObjectLockConfig []byte
}

// BucketRepo is the typed data-access layer over the buckets table.
type BucketRepo struct {
	pool  *metadb.Pool
	log   logging.Logger
	retry *retry.Executor
}

// NewBucketRepo returns a BucketRepo bound to pool.
func NewBucketRepo(pool *metadb.Pool, log logging.Logger) *BucketRepo {
	log = log.Named("repo.buckets")
	return &BucketRepo{pool: pool, log: log, retry: retry.New(log)}
}

// StoreBucket upserts b by BucketID. The referenced owner must
// already exist.
func (r *BucketRepo) StoreBucket(ctx context.Context, b *Bucket) (err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (struct{}, error) {
		_, err := h.DB().ExecContext(ctx, `
			INSERT INTO buckets (
				bucket_id, name, tenant, marker, owner_id, flags, zonegroup,
				quota_max_size, quota_max_objects, created_at, mtime,
				placement_name, placement_class, deleted, attrs, object_lock_config
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (bucket_id) DO UPDATE SET
				name = excluded.name, tenant = excluded.tenant, marker = excluded.marker,
				owner_id = excluded.owner_id, flags = excluded.flags, zonegroup = excluded.zonegroup,
				quota_max_size = excluded.quota_max_size, quota_max_objects = excluded.quota_max_objects,
				mtime = excluded.mtime, placement_name = excluded.placement_name,
				placement_class = excluded.placement_class, deleted = excluded.deleted,
				attrs = excluded.attrs, object_lock_config = excluded.object_lock_config
		`,
			b.BucketID, b.Name, b.Tenant, b.Marker, b.OwnerID, b.Flags, b.ZoneGroup,
			b.QuotaMaxSize, b.QuotaMaxObjects, b.CreatedAt, b.Mtime,
			b.PlacementName, b.PlacementClass, b.Deleted, b.Attrs, b.ObjectLockConfig,
		)
		return struct{}{}, asConstraintError(err, "buckets")
	})
	return err
}

// GetBucket returns the bucket with the given id, or ErrNotFound.
func (r *BucketRepo) GetBucket(ctx context.Context, bucketID string) (bucket *Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (*Bucket, error) {
		row := h.DB().QueryRowContext(ctx, `
			SELECT bucket_id, name, tenant, marker, owner_id, flags, zonegroup,
				quota_max_size, quota_max_objects, created_at, mtime,
				placement_name, placement_class, deleted, attrs, object_lock_config
			FROM buckets WHERE bucket_id = ?`, bucketID)

		b := &Bucket{}
		err := row.Scan(
			&b.BucketID, &b.Name, &b.Tenant, &b.Marker, &b.OwnerID, &b.Flags, &b.ZoneGroup,
			&b.QuotaMaxSize, &b.QuotaMaxObjects, &b.CreatedAt, &b.Mtime,
			&b.PlacementName, &b.PlacementClass, &b.Deleted, &b.Attrs, &b.ObjectLockConfig,
		)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound.New("bucket %q", bucketID)
		}
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}

// RemoveBucket deletes the bucket row by id. It does not cascade;
// callers (or the garbage collector) are expected to have already
// drained or scheduled the removal of everything that references it.
func (r *BucketRepo) RemoveBucket(ctx context.Context, bucketID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (struct{}, error) {
		_, err := h.DB().ExecContext(ctx, `DELETE FROM buckets WHERE bucket_id = ?`, bucketID)
		return struct{}{}, asConstraintError(err, "buckets")
	})
	return err
}

// GetDeletedBucketIDs returns bucket ids with deleted=true, in
// insertion (rowid) order, so the garbage collector processes older
// tombstones first.
func (r *BucketRepo) GetDeletedBucketIDs(ctx context.Context, limit int) (ids []string, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) ([]string, error) {
		rows, err := h.DB().QueryContext(ctx,
			`SELECT bucket_id FROM buckets WHERE deleted = 1 ORDER BY rowid LIMIT ?`, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	})
}

// BucketEmpty reports whether bucketID has no COMMITTED version
// anywhere beneath it. OPEN, DELETED and DELETE_MARKER versions do
// not count toward occupancy.
func (r *BucketRepo) BucketEmpty(ctx context.Context, bucketID string) (empty bool, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return false, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (bool, error) {
		row := h.DB().QueryRowContext(ctx, `
			SELECT NOT EXISTS (
				SELECT 1 FROM versions v
				JOIN objects o ON o.uuid = v.object_id
				WHERE o.bucket_id = ? AND v.object_state = ? AND v.version_type = ?
			)`, bucketID, schema.ObjectStateCommitted, schema.VersionTypeRegular)

		var empty bool
		if err := row.Scan(&empty); err != nil {
			return false, err
		}
		return empty, nil
	})
}
