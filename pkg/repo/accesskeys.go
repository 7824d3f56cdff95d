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

// AccessKey is a row of the access_keys table.
type AccessKey struct {
	ID        int64
	AccessKey string
	UserID    string
}

// AccessKeyRepo is the typed data-access layer over the access_keys
// table.
type AccessKeyRepo struct {
	pool  *metadb.Pool
	log   logging.Logger
	retry *retry.Executor
}

// NewAccessKeyRepo returns an AccessKeyRepo bound to pool.
func NewAccessKeyRepo(pool *metadb.Pool, log logging.Logger) *AccessKeyRepo {
	log = log.Named("repo.accesskeys")
	return &AccessKeyRepo{pool: pool, log: log, retry: retry.New(log)}
}

// StoreAccessKey inserts a new access key. The referenced user must
// already exist; a foreign key violation surfaces as a
// *ConstraintError rather than being silently accepted.
func (r *AccessKeyRepo) StoreAccessKey(ctx context.Context, ak *AccessKey) (err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (struct{}, error) {
		_, err := h.DB().ExecContext(ctx,
			`INSERT INTO access_keys (access_key, user_id) VALUES (?, ?)`,
			ak.AccessKey, ak.UserID)
		return struct{}{}, asConstraintError(err, "access_keys")
	})
	return err
}

// GetAccessKey looks up an access key by its string value.
func (r *AccessKeyRepo) GetAccessKey(ctx context.Context, accessKey string) (ak *AccessKey, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (*AccessKey, error) {
		row := h.DB().QueryRowContext(ctx,
			`SELECT id, access_key, user_id FROM access_keys WHERE access_key = ?`, accessKey)

		ak := &AccessKey{}
		err := row.Scan(&ak.ID, &ak.AccessKey, &ak.UserID)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound.New("access key %q", accessKey)
		}
		if err != nil {
			return nil, err
		}
		return ak, nil
	})
}

// ListAccessKeysForUser returns every access key belonging to userID.
func (r *AccessKeyRepo) ListAccessKeysForUser(ctx context.Context, userID string) (keys []*AccessKey, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) ([]*AccessKey, error) {
		rows, err := h.DB().QueryContext(ctx,
			`SELECT id, access_key, user_id FROM access_keys WHERE user_id = ? ORDER BY id`, userID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var keys []*AccessKey
		for rows.Next() {
			ak := &AccessKey{}
			if err := rows.Scan(&ak.ID, &ak.AccessKey, &ak.UserID); err != nil {
				return nil, err
			}
			keys = append(keys, ak)
		}
		return keys, rows.Err()
	})
}
