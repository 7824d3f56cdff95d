// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package repo

import (
	"context"
	"database/sql"

	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/tserong/sfsdb/internal/retry"
	"github.com/tserong/sfsdb/pkg/logging"
	"github.com/tserong/sfsdb/pkg/metadb"
)

var mon = monkit.Package()

// User is a row of the users table. Opaque sub-structures the front
// end owns the shape of (access keys, swift keys, caps, placement,
// temp-url keys, MFA ids) travel as pre-serialized blobs; this layer
// never interprets them.
type User struct {
	UserID           string
	Tenant           string
	DisplayName      string
	Email            string
	QuotaMaxSize     int64
	QuotaMaxObjects  int64
	Suspended        bool
	Admin            bool
	System           bool
	AccessKeysJSON   []byte
	SwiftKeysJSON    []byte
	CapsJSON         []byte
	Placement        string
	TempURLKeysJSON  []byte
	MFAIDsJSON       []byte
	AssumedRoleARN   string
	UserVersion      int64
	UserVersionTag   string
	Attrs            []byte
}

// UserRepo is the typed data-access layer over the users table.
type UserRepo struct {
	pool  *metadb.Pool
	log   logging.Logger
	retry *retry.Executor
}

// NewUserRepo returns a UserRepo bound to pool.
func NewUserRepo(pool *metadb.Pool, log logging.Logger) *UserRepo {
	log = log.Named("repo.users")
	return &UserRepo{pool: pool, log: log, retry: retry.New(log)}
}

// StoreUser upserts u by UserID.
func (r *UserRepo) StoreUser(ctx context.Context, u *User) (err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return err
	}

	_, err = retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (struct{}, error) {
		_, err := h.DB().ExecContext(ctx, `
			INSERT INTO users (
				user_id, tenant, display_name, email, quota_max_size, quota_max_objects,
				suspended, admin, system, access_keys_json, swift_keys_json, caps_json,
				placement, temp_url_keys_json, mfa_ids_json, assumed_role_arn,
				user_version, user_version_tag, attrs
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				tenant = excluded.tenant, display_name = excluded.display_name,
				email = excluded.email, quota_max_size = excluded.quota_max_size,
				quota_max_objects = excluded.quota_max_objects, suspended = excluded.suspended,
				admin = excluded.admin, system = excluded.system,
				access_keys_json = excluded.access_keys_json, swift_keys_json = excluded.swift_keys_json,
				caps_json = excluded.caps_json, placement = excluded.placement,
				temp_url_keys_json = excluded.temp_url_keys_json, mfa_ids_json = excluded.mfa_ids_json,
				assumed_role_arn = excluded.assumed_role_arn, user_version = excluded.user_version,
				user_version_tag = excluded.user_version_tag, attrs = excluded.attrs
		`,
			u.UserID, u.Tenant, u.DisplayName, u.Email, u.QuotaMaxSize, u.QuotaMaxObjects,
			u.Suspended, u.Admin, u.System, u.AccessKeysJSON, u.SwiftKeysJSON, u.CapsJSON,
			u.Placement, u.TempURLKeysJSON, u.MFAIDsJSON, u.AssumedRoleARN,
			u.UserVersion, u.UserVersionTag, u.Attrs,
		)
		return struct{}{}, asConstraintError(err, "users")
	})
	return err
}

// GetUser returns the user with the given id, or ErrNotFound.
func (r *UserRepo) GetUser(ctx context.Context, userID string) (user *User, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := r.pool.Handle(ctx)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, r.log, r.retry, func(ctx context.Context) (*User, error) {
		row := h.DB().QueryRowContext(ctx, `
			SELECT user_id, tenant, display_name, email, quota_max_size, quota_max_objects,
				suspended, admin, system, access_keys_json, swift_keys_json, caps_json,
				placement, temp_url_keys_json, mfa_ids_json, assumed_role_arn,
				user_version, user_version_tag, attrs
			FROM users WHERE user_id = ?`, userID)

		u := &User{}
		err := row.Scan(
			&u.UserID, &u.Tenant, &u.DisplayName, &u.Email, &u.QuotaMaxSize, &u.QuotaMaxObjects,
			&u.Suspended, &u.Admin, &u.System, &u.AccessKeysJSON, &u.SwiftKeysJSON, &u.CapsJSON,
			&u.Placement, &u.TempURLKeysJSON, &u.MFAIDsJSON, &u.AssumedRoleARN,
			&u.UserVersion, &u.UserVersionTag, &u.Attrs,
		)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound.New("user %q", userID)
		}
		if err != nil {
			return nil, err
		}
		return u, nil
	})
}
