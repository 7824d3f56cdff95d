// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package repo

import (
	"context"
	"database/sql"


	"github.com/tserong/sfsdb/internal/retry"
	"github.com/tserong/sfsdb/pkg/logging"
	"github.com/tserong/sfsdb/pkg/metadb"
)

// LifecycleHead is a row of the lifecycle_heads table: the
// marker/start-date bookmark for one lifecycle rule index on a
// bucket.
type LifecycleHead struct {
	BucketID  string
	Index     int
	Marker    string
	StartDate int64
}

// LifecycleEntry is a row of the lifecycle_entries table: the
// per-bucket status for one lifecycle rule index.
type LifecycleEntry struct {
	BucketID string
	Index    int
	Status   int
}

// LifecycleRepo is the typed data-access layer over the
// lifecycle_heads and lifecycle_entries tables.
type LifecycleRepo struct {
	pool  *metadb.Pool
	log   logging.Logger
	retry *retry.Executor
}

// NewLifecycleRepo returns a LifecycleRepo bound to pool.
func NewLifecycleRepo(pool *metadb.Pool, log logging.Logger) *LifecycleRepo {
	log = log.Named("repo.lifecycle")
	return &LifecycleRepo{pool: pool, log: log, retry: retry.New(log)}
}

// StoreHead upserts a lifecycle head by (bucket_id, idx).
func (r *LifecycleRepo) StoreHead(ctx context.Context, h *LifecycleHead) (err error) {
	defer mon.Task()(&ctx)(&err)

	handle, err := r.pool.Handle(ctx)
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (struct{}, error) {
		_, err := handle.DB().ExecContext(ctx, `
			INSERT INTO lifecycle_heads (bucket_id, idx, marker, start_date) VALUES (?, ?, ?, ?)
			ON CONFLICT (bucket_id, idx) DO UPDATE SET
				marker = excluded.marker, start_date = excluded.start_date`,
			h.BucketID, h.Index, h.Marker, h.StartDate)
		return struct{}{}, asConstraintError(err, "lifecycle_heads")
	})
	return err
}

// GetHead returns the lifecycle head for (bucketID, index).
func (r *LifecycleRepo) GetHead(ctx context.Context, bucketID string, index int) (head *LifecycleHead, err error) {
	defer mon.Task()(&ctx)(&err)

	handle, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (*LifecycleHead, error) {
		row := handle.DB().QueryRowContext(ctx,
			`SELECT bucket_id, idx, marker, start_date FROM lifecycle_heads WHERE bucket_id = ? AND idx = ?`,
			bucketID, index)
		h := &LifecycleHead{}
		err := row.Scan(&h.BucketID, &h.Index, &h.Marker, &h.StartDate)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound.New("lifecycle head for bucket %q index %d", bucketID, index)
		}
		return h, err
	})
}

// StoreEntry upserts a lifecycle entry by (bucket_id, idx).
func (r *LifecycleRepo) StoreEntry(ctx context.Context, e *LifecycleEntry) (err error) {
	defer mon.Task()(&ctx)(&err)

	handle, err := r.pool.Handle(ctx)
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (struct{}, error) {
		_, err := handle.DB().ExecContext(ctx, `
			INSERT INTO lifecycle_entries (bucket_id, idx, status) VALUES (?, ?, ?)
			ON CONFLICT (bucket_id, idx) DO UPDATE SET status = excluded.status`,
			e.BucketID, e.Index, e.Status)
		return struct{}{}, asConstraintError(err, "lifecycle_entries")
	})
	return err
}

// ListEntriesForBucket returns every lifecycle entry for bucketID.
func (r *LifecycleRepo) ListEntriesForBucket(ctx context.Context, bucketID string) (entries []*LifecycleEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	handle, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) ([]*LifecycleEntry, error) {
		rows, err := handle.DB().QueryContext(ctx,
			`SELECT bucket_id, idx, status FROM lifecycle_entries WHERE bucket_id = ? ORDER BY idx`, bucketID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*LifecycleEntry
		for rows.Next() {
			e := &LifecycleEntry{}
			if err := rows.Scan(&e.BucketID, &e.Index, &e.Status); err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, rows.Err()
	})
}
