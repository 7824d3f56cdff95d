// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package repo

import (
	"context"


	"github.com/tserong/sfsdb/internal/retry"
	"github.com/tserong/sfsdb/pkg/logging"
	"github.com/tserong/sfsdb/pkg/metadb"
)

// MultipartPart is a row of the multipart_parts table.
type MultipartPart struct {
	ID       int64
	UploadID string
	PartNum  int
	Size     int64
	ETag     string
	Mtime    int64
}

// PartRepo is the typed data-access layer over the multipart_parts
// table.
type PartRepo struct {
	pool  *metadb.Pool
	log   logging.Logger
	retry *retry.Executor
}

// NewPartRepo returns a PartRepo bound to pool.
func NewPartRepo(pool *metadb.Pool, log logging.Logger) *PartRepo {
	log = log.Named("repo.parts")
	return &PartRepo{pool: pool, log: log, retry: retry.New(log)}
}

// Insert adds a part to an existing multipart upload. The parent
// Multipart must already exist; a missing parent surfaces as a
// *ConstraintError via the upload_id foreign key.
func (r *PartRepo) Insert(ctx context.Context, p *MultipartPart) (err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (struct{}, error) {
		_, err := h.DB().ExecContext(ctx, `
			INSERT INTO multipart_parts (upload_id, part_num, size, etag, mtime)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (upload_id, part_num) DO UPDATE SET
				size = excluded.size, etag = excluded.etag, mtime = excluded.mtime`,
			p.UploadID, p.PartNum, p.Size, p.ETag, p.Mtime)
		return struct{}{}, asConstraintError(err, "multipart_parts")
	})
	return err
}

// ListForUpload returns every part of uploadID, ordered by part
// number.
func (r *PartRepo) ListForUpload(ctx context.Context, uploadID string) (parts []*MultipartPart, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) ([]*MultipartPart, error) {
		rows, err := h.DB().QueryContext(ctx,
			`SELECT id, upload_id, part_num, size, etag, mtime FROM multipart_parts WHERE upload_id = ? ORDER BY part_num`, uploadID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []*MultipartPart
		for rows.Next() {
			p := &MultipartPart{}
			if err := rows.Scan(&p.ID, &p.UploadID, &p.PartNum, &p.Size, &p.ETag, &p.Mtime); err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, rows.Err()
	})
}

// DeletePart removes a single part row.
func (r *PartRepo) DeletePart(ctx context.Context, id int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (struct{}, error) {
		_, err := h.DB().ExecContext(ctx, `DELETE FROM multipart_parts WHERE id = ?`, id)
		return struct{}{}, err
	})
	return err
}
