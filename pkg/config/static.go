package config

import "time"

// Static is a Source backed by a plain map, for tests and for
// programmatic construction outside of a cobra/viper CLI.
type Static map[string]interface{}

// String implements Source.
func (s Static) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Int implements Source.
func (s Static) Int(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

// Bool implements Source.
func (s Static) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// Duration implements Source.
func (s Static) Duration(key string) time.Duration {
	v, _ := s[key].(time.Duration)
	return v
}

// WithDefaults returns a Static populated from Defaults and
// overridden by overrides.
func WithDefaults(overrides Static) Static {
	merged := make(Static, len(Defaults)+len(overrides))
	for k, v := range Defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
