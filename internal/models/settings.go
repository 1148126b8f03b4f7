package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Runtime configuration keys stored in the config table.
const (
	KeyMaxRetries = "max-retries"
	KeyBackoff    = "backoff"
	KeyDelayBase  = "delay-base"
	KeyTimeout    = "timeout"
)

// ConfigKeys is the fixed set of accepted keys.
var ConfigKeys = []string{KeyMaxRetries, KeyBackoff, KeyDelayBase, KeyTimeout}

// Defaults applied when a key has never been set.
const (
	DefaultMaxRetries  = 3
	DefaultBackoff     = "exponential"
	DefaultDelayBaseMS = 5000
	DefaultTimeoutMS   = 5000
)

// ValidConfigKey reports whether key belongs to the fixed set.
func ValidConfigKey(key string) bool {
	for _, k := range ConfigKeys {
		if k == key {
			return true
		}
	}
	return false
}

// NormalizeConfigValue checks value against the type of key and returns the
// canonical string to persist.
func NormalizeConfigValue(key, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("missing value for %s", key)
	}
	switch key {
	case KeyMaxRetries, KeyTimeout:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("%s must be a positive integer, got %q", key, value)
		}
		return strconv.FormatInt(n, 10), nil
	case KeyDelayBase:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return "", fmt.Errorf("%s must be a non-negative integer (ms), got %q", key, value)
		}
		return strconv.FormatInt(n, 10), nil
	case KeyBackoff:
		return strings.ToLower(value), nil
	default:
		return "", fmt.Errorf("invalid config key %q", key)
	}
}

// Settings is the typed view of the config table with defaults applied.
type Settings struct {
	MaxRetries  int    `json:"max_retries"`
	Backoff     string `json:"backoff"`
	DelayBaseMS int64  `json:"delay_base_ms"`
	TimeoutMS   int64  `json:"timeout_ms"`
}

// DefaultSettings returns the policy used when nothing was configured.
func DefaultSettings() Settings {
	return Settings{
		MaxRetries:  DefaultMaxRetries,
		Backoff:     DefaultBackoff,
		DelayBaseMS: DefaultDelayBaseMS,
		TimeoutMS:   DefaultTimeoutMS,
	}
}

// Apply overlays a stored value onto s. Unparseable values keep the default.
func (s *Settings) Apply(key, value string) {
	switch key {
	case KeyMaxRetries:
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			s.MaxRetries = n
		}
	case KeyBackoff:
		if value != "" {
			s.Backoff = value
		}
	case KeyDelayBase:
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
			s.DelayBaseMS = n
		}
	case KeyTimeout:
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
			s.TimeoutMS = n
		}
	}
}

// JobMetrics aggregates over the jobs table. Runtimes are whole seconds.
type JobMetrics struct {
	TotalJobs      int64   `json:"total_jobs"`
	CompletedJobs  int64   `json:"completed_jobs"`
	AverageRuntime float64 `json:"average_runtime"`
	MaxRuntime     int64   `json:"max_runtime"`
}

// DaemonMetrics is read from the metrics table.
type DaemonMetrics struct {
	StartedAt     time.Time
	TotalCommands int64
}

// MetricsSnapshot is returned by the metrics control command.
type MetricsSnapshot struct {
	JobMetrics
	UptimeSeconds int64 `json:"uptime_seconds"`
	TotalCommands int64 `json:"total_commands"`
}
