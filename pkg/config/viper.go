// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package config

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ViperSource adapts a *viper.Viper to Source.
type ViperSource struct {
	v *viper.Viper
}

// NewViperSource registers this module's flags on flags (typically
// (*cobra.Command).Flags()), binds them into a fresh viper instance
// with the spec's defaults preloaded, and returns the resulting
// Source. Grounded on the teacher's cobra+viper+pflag wiring
// throughout cmd/*.
func NewViperSource(flags *pflag.FlagSet) (*ViperSource, error) {
	v := viper.New()

	for key, def := range Defaults {
		v.SetDefault(key, def)
	}

	flags.String(KeyDataPath, "", "root directory containing the database and payload files")
	flags.Int64(KeyWALSizeLimit, Defaults[KeyWALSizeLimit].(int64), "journal_size_limit pragma value, in bytes")
	flags.Int(KeyWALCheckpointPassiveFrames, Defaults[KeyWALCheckpointPassiveFrames].(int), "passive checkpoint frame threshold")
	flags.Int(KeyWALCheckpointTruncateFrames, Defaults[KeyWALCheckpointTruncateFrames].(int), "truncating checkpoint frame threshold")
	flags.Bool(KeyWALCheckpointUseSQLiteDefault, Defaults[KeyWALCheckpointUseSQLiteDefault].(bool), "disable the WAL checkpoint hook and use SQLite's own default behavior")
	flags.Bool(KeySQLiteProfile, Defaults[KeySQLiteProfile].(bool), "enable per-statement SQLite profile tracing")
	flags.Duration(KeySQLiteProfileSlowlogTime, Defaults[KeySQLiteProfileSlowlogTime].(time.Duration), "statements slower than this are also logged at INFO")
	flags.Int(KeyGCMaxObjectsPerIteration, Defaults[KeyGCMaxObjectsPerIteration].(int), "per-category garbage collection work budget")
	flags.Duration(KeyGCScanInterval, Defaults[KeyGCScanInterval].(time.Duration), "interval between background garbage collection scans")

	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}

	return &ViperSource{v: v}, nil
}

// String implements Source.
func (s *ViperSource) String(key string) string { return s.v.GetString(key) }

// Int implements Source.
func (s *ViperSource) Int(key string) int { return s.v.GetInt(key) }

// Bool implements Source.
func (s *ViperSource) Bool(key string) bool { return s.v.GetBool(key) }

// Duration implements Source.
func (s *ViperSource) Duration(key string) time.Duration { return s.v.GetDuration(key) }
