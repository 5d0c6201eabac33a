package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// LoadConfig reads a YAML configuration file into T. Values can be overridden
// by XRELAY_ prefixed environment variables, with "." in keys replaced by "_"
// (XRELAY_BACKEND_PING_INTERVAL=2s). Only keys present in the file or given a
// default can be overridden.
func LoadConfig[T any](path string, defaults map[string]any) (*T, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(strings.TrimSuffix(EnvPrefix, "_"))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg T
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// backendDefaults registers every backend key so each one can be set from the environment.
func backendDefaults() map[string]any {
	b := DefaultBackend()
	return map[string]any{
		"backend.request_timeout":             b.RequestTimeout,
		"backend.session_creation_timeout":    b.SessionCreationTimeout,
		"backend.dial_timeout":                b.DialTimeout,
		"backend.startup_ping_interval":       b.StartupPingInterval,
		"backend.ping_interval":               b.PingInterval,
		"backend.startup_timeout":             b.StartupTimeout,
		"backend.session_validation_interval": b.SessionValidationInterval,
		"backend.keep_alive_interval":         b.KeepAliveInterval,
	}
}

// LoadRelayConfig reads, defaults and validates a relay configuration file.
func LoadRelayConfig(path string) (*Relay, error) {
	logger := log.With().Str("com", "config-loader").Logger()

	defaults := backendDefaults()
	defaults["listen.ip"] = "0.0.0.0"
	defaults["listen.port"] = DefaultListenPort
	defaults["stats_interval"] = DefaultStatsInterval

	cfg, err := LoadConfig[Relay](path, defaults)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("relay configuration validation failed: %w", err)
	}

	logger.Info().
		Str("instance_id", cfg.InstanceID).
		Int("port", cfg.Listen.Port).
		Msg("loaded relay configuration")

	return cfg, nil
}

// LoadGatewayConfig reads, defaults and validates a gateway configuration file.
func LoadGatewayConfig(path string) (*Gateway, error) {
	cfg, err := LoadConfig[Gateway](path, map[string]any{
		"server.address": "",
		"auth.token":     "",
	})
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gateway configuration validation failed: %w", err)
	}

	return cfg, nil
}
