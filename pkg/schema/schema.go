// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package schema is the single source of truth for the metadata
// store's tables, columns, indexes and foreign keys: it renders DDL
// for a virgin database and exposes a declarative description that
// internal/sqliteutil.QuerySchema results are compared against during
// the startup compatibility check.
package schema

import "github.com/tserong/sfsdb/internal/dbschema"

// CurrentVersion is the schema revision a freshly created database is
// stamped with and that internal/migrate.Migration.CurrentVersion
// must equal.
const CurrentVersion = 4

// MinVersion is the oldest user_version this module still knows how
// to upgrade from.
const MinVersion = 1

// CreateTableStatements returns the ordered CREATE TABLE statements
// for a virgin database, in dependency order (a table never
// references one that appears after it).
func CreateTableStatements() []string {
	return []string{
		createUsers,
		createAccessKeys,
		createBuckets,
		createObjects,
		createVersions,
		createMultiparts,
		createMultipartParts,
		createLifecycleHeads,
		createLifecycleEntries,
	}
}

// CreateIndexStatements returns the ordered CREATE INDEX statements
// supporting the garbage collector's scan queries and general lookup
// paths not already covered by a UNIQUE constraint.
func CreateIndexStatements() []string {
	return []string{
		`CREATE INDEX idx_buckets_deleted ON buckets(deleted)`,
		`CREATE INDEX idx_objects_bucket_id ON objects(bucket_id)`,
		`CREATE INDEX idx_versions_object_id ON versions(object_id)`,
		`CREATE INDEX idx_versions_object_state ON versions(object_state)`,
		`CREATE INDEX idx_multiparts_bucket_id ON multiparts(bucket_id)`,
		`CREATE INDEX idx_multiparts_state ON multiparts(state)`,
		`CREATE INDEX idx_multipart_parts_upload_id ON multipart_parts(upload_id)`,
	}
}

const createUsers = `CREATE TABLE users (
	user_id             TEXT PRIMARY KEY NOT NULL,
	tenant              TEXT NOT NULL DEFAULT '',
	display_name        TEXT NOT NULL DEFAULT '',
	email               TEXT NOT NULL DEFAULT '',
	quota_max_size      INTEGER NOT NULL DEFAULT -1,
	quota_max_objects   INTEGER NOT NULL DEFAULT -1,
	suspended           INTEGER NOT NULL DEFAULT 0,
	admin               INTEGER NOT NULL DEFAULT 0,
	system              INTEGER NOT NULL DEFAULT 0,
	access_keys_json    BLOB,
	swift_keys_json     BLOB,
	caps_json           BLOB,
	placement           TEXT NOT NULL DEFAULT '',
	temp_url_keys_json  BLOB,
	mfa_ids_json        BLOB,
	assumed_role_arn    TEXT NOT NULL DEFAULT '',
	user_version        INTEGER NOT NULL DEFAULT 0,
	user_version_tag    TEXT NOT NULL DEFAULT '',
	attrs               BLOB
)`

const createAccessKeys = `CREATE TABLE access_keys (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	access_key  TEXT NOT NULL,
	user_id     TEXT NOT NULL REFERENCES users(user_id),
	UNIQUE (access_key)
)`

const createBuckets = `CREATE TABLE buckets (
	bucket_id           TEXT PRIMARY KEY NOT NULL,
	name                TEXT NOT NULL,
	tenant              TEXT NOT NULL DEFAULT '',
	marker              TEXT NOT NULL DEFAULT '',
	owner_id            TEXT NOT NULL REFERENCES users(user_id),
	flags               INTEGER NOT NULL DEFAULT 0,
	zonegroup           TEXT NOT NULL DEFAULT '',
	quota_max_size      INTEGER NOT NULL DEFAULT -1,
	quota_max_objects   INTEGER NOT NULL DEFAULT -1,
	created_at          INTEGER NOT NULL,
	mtime               INTEGER NOT NULL,
	placement_name      TEXT NOT NULL DEFAULT '',
	placement_class     TEXT NOT NULL DEFAULT '',
	deleted             INTEGER NOT NULL DEFAULT 0,
	attrs               BLOB,
	object_lock_config  BLOB
)`

const createObjects = `CREATE TABLE objects (
	uuid       TEXT PRIMARY KEY NOT NULL,
	bucket_id  TEXT NOT NULL REFERENCES buckets(bucket_id),
	name       TEXT NOT NULL,
	UNIQUE (bucket_id, name)
)`

const createVersions = `CREATE TABLE versions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	object_id     TEXT NOT NULL REFERENCES objects(uuid),
	checksum      TEXT NOT NULL DEFAULT '',
	size          INTEGER NOT NULL DEFAULT 0,
	create_time   INTEGER NOT NULL DEFAULT 0,
	delete_time   INTEGER NOT NULL DEFAULT 0,
	commit_time   INTEGER NOT NULL DEFAULT 0,
	mtime         INTEGER NOT NULL DEFAULT 0,
	object_state  INTEGER NOT NULL,
	version_id    TEXT NOT NULL,
	etag          TEXT NOT NULL DEFAULT '',
	attrs         BLOB,
	version_type  INTEGER NOT NULL,
	UNIQUE (object_id, version_id)
)`

const createMultiparts = `CREATE TABLE multiparts (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	bucket_id          TEXT NOT NULL REFERENCES buckets(bucket_id),
	upload_id          TEXT NOT NULL,
	state              INTEGER NOT NULL,
	state_change_time  INTEGER NOT NULL DEFAULT 0,
	object_name        TEXT NOT NULL,
	path_uuid          TEXT NOT NULL,
	meta               BLOB,
	owner              TEXT NOT NULL DEFAULT '',
	mtime              INTEGER NOT NULL DEFAULT 0,
	attrs              BLOB,
	placement          TEXT NOT NULL DEFAULT '',
	UNIQUE (upload_id),
	UNIQUE (path_uuid),
	UNIQUE (bucket_id, upload_id)
)`

const createMultipartParts = `CREATE TABLE multipart_parts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	upload_id  TEXT NOT NULL REFERENCES multiparts(upload_id),
	part_num   INTEGER NOT NULL,
	size       INTEGER NOT NULL DEFAULT 0,
	etag       TEXT NOT NULL DEFAULT '',
	mtime      INTEGER NOT NULL DEFAULT 0,
	UNIQUE (upload_id, part_num)
)`

const createLifecycleHeads = `CREATE TABLE lifecycle_heads (
	bucket_id   TEXT NOT NULL REFERENCES buckets(bucket_id),
	idx         INTEGER NOT NULL,
	marker      TEXT NOT NULL DEFAULT '',
	start_date  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (bucket_id, idx)
)`

const createLifecycleEntries = `CREATE TABLE lifecycle_entries (
	bucket_id  TEXT NOT NULL REFERENCES buckets(bucket_id),
	idx        INTEGER NOT NULL,
	status     INTEGER NOT NULL,
	PRIMARY KEY (bucket_id, idx)
)`

// Definition returns the declarative schema description used by the
// shadow-copy compatibility check to compare against a live database's
// discovered schema (internal/sqliteutil.QuerySchema).
func Definition() *dbschema.Schema {
	s := &dbschema.Schema{}

	users := s.EnsureTable("users")
	users.PrimaryKey = []string{"user_id"}

	accessKeys := s.EnsureTable("access_keys")
	accessKeys.PrimaryKey = []string{"id"}
	accessKeys.Unique = append(accessKeys.Unique, []string{"access_key"})
	accessKeys.AddColumn(&dbschema.Column{Name: "user_id", Reference: &dbschema.Reference{Table: "users", Column: "user_id"}})

	buckets := s.EnsureTable("buckets")
	buckets.PrimaryKey = []string{"bucket_id"}
	buckets.AddColumn(&dbschema.Column{Name: "owner_id", Reference: &dbschema.Reference{Table: "users", Column: "user_id"}})

	objects := s.EnsureTable("objects")
	objects.PrimaryKey = []string{"uuid"}
	objects.Unique = append(objects.Unique, []string{"bucket_id", "name"})
	objects.AddColumn(&dbschema.Column{Name: "bucket_id", Reference: &dbschema.Reference{Table: "buckets", Column: "bucket_id"}})

	versions := s.EnsureTable("versions")
	versions.PrimaryKey = []string{"id"}
	versions.Unique = append(versions.Unique, []string{"object_id", "version_id"})
	versions.AddColumn(&dbschema.Column{Name: "object_id", Reference: &dbschema.Reference{Table: "objects", Column: "uuid"}})

	multiparts := s.EnsureTable("multiparts")
	multiparts.PrimaryKey = []string{"id"}
	multiparts.Unique = append(multiparts.Unique,
		[]string{"upload_id"}, []string{"path_uuid"}, []string{"bucket_id", "upload_id"})
	multiparts.AddColumn(&dbschema.Column{Name: "bucket_id", Reference: &dbschema.Reference{Table: "buckets", Column: "bucket_id"}})

	parts := s.EnsureTable("multipart_parts")
	parts.PrimaryKey = []string{"id"}
	parts.Unique = append(parts.Unique, []string{"upload_id", "part_num"})
	parts.AddColumn(&dbschema.Column{Name: "upload_id", Reference: &dbschema.Reference{Table: "multiparts", Column: "upload_id"}})

	lifecycleHeads := s.EnsureTable("lifecycle_heads")
	lifecycleHeads.PrimaryKey = []string{"bucket_id", "idx"}

	lifecycleEntries := s.EnsureTable("lifecycle_entries")
	lifecycleEntries.PrimaryKey = []string{"bucket_id", "idx"}

	s.Indexes = []*dbschema.Index{
		{Name: "idx_buckets_deleted", Table: "buckets", Columns: []string{"deleted"}},
		{Name: "idx_objects_bucket_id", Table: "objects", Columns: []string{"bucket_id"}},
		{Name: "idx_versions_object_id", Table: "versions", Columns: []string{"object_id"}},
		{Name: "idx_versions_object_state", Table: "versions", Columns: []string{"object_state"}},
		{Name: "idx_multiparts_bucket_id", Table: "multiparts", Columns: []string{"bucket_id"}},
		{Name: "idx_multiparts_state", Table: "multiparts", Columns: []string{"state"}},
		{Name: "idx_multipart_parts_upload_id", Table: "multipart_parts", Columns: []string{"upload_id"}},
	}

	s.Sort()
	return s
}
