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

// Multipart is a row of the multiparts table: a staged upload
// composed of independently transferred parts.
type Multipart struct {
	ID              int64
	BucketID        string
	UploadID        string
	State           schema.MultipartState
	StateChangeTime int64
	ObjectName      string
	PathUUID        string
	Meta            []byte
	Owner           string
	Mtime           int64
	Attrs           []byte
	Placement       string
}

// MultipartRepo is the typed data-access layer over the multiparts
// table.
type MultipartRepo struct {
	pool  *metadb.Pool
	log   logging.Logger
	retry *retry.Executor
}

// NewMultipartRepo returns a MultipartRepo bound to pool.
func NewMultipartRepo(pool *metadb.Pool, log logging.Logger) *MultipartRepo {
	log = log.Named("repo.multiparts")
	return &MultipartRepo{pool: pool, log: log, retry: retry.New(log)}
}

// Insert creates a new multipart upload. upload_id and path_uuid must
// both be unique; violating either surfaces as a *ConstraintError.
func (r *MultipartRepo) Insert(ctx context.Context, m *Multipart) (err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (struct{}, error) {
		_, err := h.DB().ExecContext(ctx, `
			INSERT INTO multiparts (
				bucket_id, upload_id, state, state_change_time, object_name,
				path_uuid, meta, owner, mtime, attrs, placement
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.BucketID, m.UploadID, m.State, m.StateChangeTime, m.ObjectName,
			m.PathUUID, m.Meta, m.Owner, m.Mtime, m.Attrs, m.Placement)
		return struct{}{}, asConstraintError(err, "multiparts")
	})
	return err
}

// GetByUploadID looks up a multipart upload by its upload_id.
func (r *MultipartRepo) GetByUploadID(ctx context.Context, uploadID string) (m *Multipart, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (*Multipart, error) {
		row := h.DB().QueryRowContext(ctx, `
			SELECT id, bucket_id, upload_id, state, state_change_time, object_name,
				path_uuid, meta, owner, mtime, attrs, placement
			FROM multiparts WHERE upload_id = ?`, uploadID)
		m := &Multipart{}
		err := row.Scan(&m.ID, &m.BucketID, &m.UploadID, &m.State, &m.StateChangeTime, &m.ObjectName,
			&m.PathUUID, &m.Meta, &m.Owner, &m.Mtime, &m.Attrs, &m.Placement)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound.New("multipart upload %q", uploadID)
		}
		return m, err
	})
}

// MarkDone transitions uploadID from AGGREGATING to DONE. It reports
// whether the transition actually occurred: calling it on an upload
// in any other state is a no-op that returns false, not an error.
func (r *MultipartRepo) MarkDone(ctx context.Context, uploadID string, now int64) (transitioned bool, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return false, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (bool, error) {
		res, err := h.DB().ExecContext(ctx,
			`UPDATE multiparts SET state = ?, state_change_time = ?, mtime = ? WHERE upload_id = ? AND state = ?`,
			schema.MultipartStateDone, now, now, uploadID, schema.MultipartStateAggregating)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	})
}

// ListByState returns up to limit multiparts in any of the given
// states, in a live (non-deleted) bucket, ordered by id.
func (r *MultipartRepo) ListByState(ctx context.Context, states []schema.MultipartState, limit int) (out []*Multipart, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	placeholders, args := stateArgs(states)
	args = append(args, limit)

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) ([]*Multipart, error) {
		rows, err := h.DB().QueryContext(ctx, `
			SELECT id, bucket_id, upload_id, state, state_change_time, object_name,
				path_uuid, meta, owner, mtime, attrs, placement
			FROM multiparts WHERE state IN (`+placeholders+`)
				AND bucket_id IN (SELECT bucket_id FROM buckets WHERE deleted = 0)
			ORDER BY id LIMIT ?`, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*Multipart
		for rows.Next() {
			m := &Multipart{}
			if err := rows.Scan(&m.ID, &m.BucketID, &m.UploadID, &m.State, &m.StateChangeTime, &m.ObjectName,
				&m.PathUUID, &m.Meta, &m.Owner, &m.Mtime, &m.Attrs, &m.Placement); err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, rows.Err()
	})
}

// ListForBucket returns every multipart under bucketID, up to limit,
// regardless of state — used when reclaiming an entire deleted
// bucket.
func (r *MultipartRepo) ListForBucket(ctx context.Context, bucketID string, limit int) (out []*Multipart, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) ([]*Multipart, error) {
		rows, err := h.DB().QueryContext(ctx, `
			SELECT id, bucket_id, upload_id, state, state_change_time, object_name,
				path_uuid, meta, owner, mtime, attrs, placement
			FROM multiparts WHERE bucket_id = ? ORDER BY id LIMIT ?`, bucketID, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*Multipart
		for rows.Next() {
			m := &Multipart{}
			if err := rows.Scan(&m.ID, &m.BucketID, &m.UploadID, &m.State, &m.StateChangeTime, &m.ObjectName,
				&m.PathUUID, &m.Meta, &m.Owner, &m.Mtime, &m.Attrs, &m.Placement); err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, rows.Err()
	})
}

// DeleteMultipart removes a multipart row by upload_id. Its parts
// must already be gone; the multipart_parts foreign key would
// otherwise reject this.
func (r *MultipartRepo) DeleteMultipart(ctx context.Context, uploadID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (struct{}, error) {
		_, err := h.DB().ExecContext(ctx, `DELETE FROM multiparts WHERE upload_id = ?`, uploadID)
		return struct{}{}, asConstraintError(err, "multiparts")
	})
	return err
}

// CountRemaining reports, as two separate counts, how many objects and
// how many multiparts still reference bucketID — used by the garbage collector
// to decide whether a drained deleted bucket's row can finally be
// removed.
func (r *MultipartRepo) CountRemaining(ctx context.Context, bucketID string) (objects, multiparts int, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return 0, 0, err
	}

	type counts struct{ objects, multiparts int }
	c, err := retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (counts, error) {
		var c counts
		if err := h.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket_id = ?`, bucketID).Scan(&c.objects); err != nil {
			return c, err
		}
		if err := h.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM multiparts WHERE bucket_id = ?`, bucketID).Scan(&c.multiparts); err != nil {
			return c, err
		}
		return c, nil
	})
	return c.objects, c.multiparts, err
}

func stateArgs(states []schema.MultipartState) (placeholders string, args []interface{}) {
	for i, s := range states {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, s)
	}
	return placeholders, args
}
