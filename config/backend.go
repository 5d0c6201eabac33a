package config

import (
	"fmt"
	"time"
)

// Backend holds the timeouts and intervals used to talk to rendering engines.
type Backend struct {
	RequestTimeout            time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	SessionCreationTimeout    time.Duration `yaml:"session_creation_timeout" mapstructure:"session_creation_timeout"`
	DialTimeout               time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	StartupPingInterval       time.Duration `yaml:"startup_ping_interval" mapstructure:"startup_ping_interval"`
	PingInterval              time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	StartupTimeout            time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout"`
	SessionValidationInterval time.Duration `yaml:"session_validation_interval" mapstructure:"session_validation_interval"`
	KeepAliveInterval         time.Duration `yaml:"keep_alive_interval" mapstructure:"keep_alive_interval"`
}

// ApplyDefaults fills zero-valued fields.
func (b *Backend) ApplyDefaults() {
	if b.RequestTimeout == 0 {
		b.RequestTimeout = DefaultRequestTimeout
	}
	if b.SessionCreationTimeout == 0 {
		b.SessionCreationTimeout = DefaultSessionCreationTimeout
	}
	if b.DialTimeout == 0 {
		b.DialTimeout = DefaultDialTimeout
	}
	if b.StartupPingInterval == 0 {
		b.StartupPingInterval = DefaultStartupPingInterval
	}
	if b.PingInterval == 0 {
		b.PingInterval = DefaultPingInterval
	}
	if b.StartupTimeout == 0 {
		b.StartupTimeout = DefaultStartupTimeout
	}
	if b.SessionValidationInterval == 0 {
		b.SessionValidationInterval = DefaultSessionValidationInterval
	}
	if b.KeepAliveInterval == 0 {
		b.KeepAliveInterval = DefaultKeepAliveInterval
	}
}

// Validate rejects negative durations. Zero values are valid and mean "use the default".
func (b *Backend) Validate() error {
	fields := []struct {
		name  string
		value time.Duration
	}{
		{"request_timeout", b.RequestTimeout},
		{"session_creation_timeout", b.SessionCreationTimeout},
		{"dial_timeout", b.DialTimeout},
		{"startup_ping_interval", b.StartupPingInterval},
		{"ping_interval", b.PingInterval},
		{"startup_timeout", b.StartupTimeout},
		{"session_validation_interval", b.SessionValidationInterval},
		{"keep_alive_interval", b.KeepAliveInterval},
	}
	for _, f := range fields {
		if f.value < 0 {
			return fmt.Errorf("%s must not be negative, got %v", f.name, f.value)
		}
	}
	return nil
}

// DefaultBackend returns a Backend with every default applied.
func DefaultBackend() Backend {
	var b Backend
	b.ApplyDefaults()
	return b
}
