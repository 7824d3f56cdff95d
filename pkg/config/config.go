// Package config exposes the metadata store's configuration surface
// as a narrow Source interface, backed by spf13/viper the way the
// wider service's cmd/ trees are configured, so tests can supply a
// bare struct instead of standing up a full viper instance.
package config

import "time"

// Source is the configuration surface this module consumes. The S3
// front-end's own config parsing is out of scope; this module only
// asks for the keys it needs.
type Source interface {
	String(key string) string
	Int(key string) int
	Bool(key string) bool
	Duration(key string) time.Duration
}

// Keys this module reads from a Source.
const (
	KeyDataPath                      = "data_path"
	KeyWALSizeLimit                  = "wal_size_limit"
	KeyWALCheckpointPassiveFrames    = "wal_checkpoint_passive_frames"
	KeyWALCheckpointTruncateFrames   = "wal_checkpoint_truncate_frames"
	KeyWALCheckpointUseSQLiteDefault = "wal_checkpoint_use_sqlite_default"
	KeySQLiteProfile                 = "sqlite_profile"
	KeySQLiteProfileSlowlogTime      = "sqlite_profile_slowlog_time"
	KeyGCMaxObjectsPerIteration      = "gc_max_objects_per_iteration"
	KeyGCScanInterval                = "gc_scan_interval"
)

// Defaults mirrors spec.md §4.2/§4.3/§4.7's stated defaults.
var Defaults = map[string]interface{}{
	KeyWALSizeLimit:                  int64(0),
	KeyWALCheckpointPassiveFrames:    1000,
	KeyWALCheckpointTruncateFrames:   4000,
	KeyWALCheckpointUseSQLiteDefault: false,
	KeySQLiteProfile:                 false,
	KeySQLiteProfileSlowlogTime:      time.Second,
	KeyGCMaxObjectsPerIteration:      1000,
	KeyGCScanInterval:                time.Minute,
}
