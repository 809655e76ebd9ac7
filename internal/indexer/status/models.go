// Package status tracks per-remote health: failure escalation, quarantine windows
// and the session cookies captured on login.
package status

import (
	"time"

	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// IndexerStatus is the persisted health record of one remote.
type IndexerStatus = types.IndexerStatus

// HealthStatus represents the overall health of a remote.
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusWarning  HealthStatus = "warning"
	HealthStatusDisabled HealthStatus = "disabled"
	HealthStatusUnknown  HealthStatus = "unknown"
)

// IndexerHealth provides a summary of a remote's health.
type IndexerHealth struct {
	IndexerID       int64        `json:"indexerId"`
	IndexerName     string       `json:"indexerName,omitempty"`
	Status          HealthStatus `json:"status"`
	Message         string       `json:"message,omitempty"`
	EscalationLevel int          `json:"escalationLevel"`
	LastFailure     *time.Time   `json:"lastFailure,omitempty"`
	DisabledTill    *time.Time   `json:"disabledTill,omitempty"`
	DisabledFor     *Duration    `json:"disabledFor,omitempty"`
}

// Duration is a JSON-serializable duration.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// BackoffConfig defines the backoff strategy for failing remotes.
type BackoffConfig struct {
	// InitialBackoff is the quarantine after the first failure.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	// ConnectionInitialBackoff replaces InitialBackoff when the remote could not be reached at all.
	ConnectionInitialBackoff time.Duration `mapstructure:"connection_initial_backoff"`
	// MaxBackoff caps any computed quarantine.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	// Multiplier is the factor by which backoff grows per escalation level.
	Multiplier float64 `mapstructure:"multiplier"`
	// MaxEscalation is the highest escalation level recorded.
	MaxEscalation int `mapstructure:"max_escalation"`
}

// DefaultBackoffConfig returns the default backoff configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialBackoff:           5 * time.Minute,
		ConnectionInitialBackoff: 15 * time.Minute,
		MaxBackoff:               3 * time.Hour,
		Multiplier:               2.0,
		MaxEscalation:            5,
	}
}

// Backoff returns the quarantine for escalation level, growing from initial by the
// configured multiplier and capped at MaxBackoff.
func (c BackoffConfig) Backoff(level int, initial time.Duration) time.Duration {
	if level <= 0 {
		return 0
	}
	if c.MaxEscalation > 0 && level > c.MaxEscalation {
		level = c.MaxEscalation
	}
	d := float64(initial)
	for i := 1; i < level; i++ {
		d *= c.Multiplier
		if c.MaxBackoff > 0 && d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && time.Duration(d) > c.MaxBackoff {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// Stats summarizes the health of all tracked remotes.
type Stats struct {
	Tracked  int `json:"tracked"`
	Healthy  int `json:"healthy"`
	Warning  int `json:"warning"`
	Disabled int `json:"disabled"`
}
