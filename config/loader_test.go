package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// testConfig is a simple struct for testing the generic loader
type testConfig struct {
	Name    string        `mapstructure:"name"`
	Port    int           `mapstructure:"port"`
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoadConfig_Success(t *testing.T) {
	configPath := writeConfig(t, `name: test-service
port: 8080
enabled: true
timeout: 3s
`)

	cfg, err := LoadConfig[testConfig](configPath, nil)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Name != "test-service" {
		t.Errorf("expected Name 'test-service', got '%s'", cfg.Name)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected Port 8080, got %d", cfg.Port)
	}
	if !cfg.Enabled {
		t.Errorf("expected Enabled true, got false")
	}
	if cfg.Timeout != 3*time.Second {
		t.Errorf("expected Timeout 3s, got %v", cfg.Timeout)
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig[testConfig]("/nonexistent/path/config.yaml", nil)
	if err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
	if !strings.Contains(err.Error(), "read config file") {
		t.Errorf("expected error to contain 'read config file', got: %v", err)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `name: [invalid yaml
port: not closed`)

	if _, err := LoadConfig[testConfig](configPath, nil); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	configPath := writeConfig(t, "name: from-file\nport: 1\n")
	t.Setenv("XRELAY_PORT", "9090")

	cfg, err := LoadConfig[testConfig](configPath, nil)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("expected env override Port 9090, got %d", cfg.Port)
	}
	if cfg.Name != "from-file" {
		t.Errorf("expected Name from file, got %q", cfg.Name)
	}
}

func TestLoadRelayConfig(t *testing.T) {
	caPath := writeTestCA(t)
	configPath := writeConfig(t, `listen:
  ip: 127.0.0.1
  port: 9443
tls:
  cert_file: server.crt
  key_file: server.key
auth:
  method: mtls
  ca_cert_file: `+caPath+`
backend:
  ping_interval: 2s
`)
	t.Setenv("XRELAY_BACKEND_KEEP_ALIVE_INTERVAL", "7s")

	cfg, err := LoadRelayConfig(configPath)
	if err != nil {
		t.Fatalf("LoadRelayConfig failed: %v", err)
	}

	if cfg.Listen.IP != "127.0.0.1" || cfg.Listen.Port != 9443 {
		t.Errorf("unexpected listen: %+v", cfg.Listen)
	}
	if cfg.Backend.PingInterval != 2*time.Second {
		t.Errorf("expected ping interval 2s, got %v", cfg.Backend.PingInterval)
	}
	if cfg.Backend.KeepAliveInterval != 7*time.Second {
		t.Errorf("expected keep-alive interval from env, got %v", cfg.Backend.KeepAliveInterval)
	}
	if cfg.Backend.StartupTimeout != DefaultStartupTimeout {
		t.Errorf("expected default startup timeout, got %v", cfg.Backend.StartupTimeout)
	}
	if cfg.InstanceID == "" {
		t.Error("expected generated instance id")
	}
}

func TestLoadRelayConfig_MissingTLS(t *testing.T) {
	configPath := writeConfig(t, `auth:
  method: token
  token: this-is-a-valid-token-16bytes
`)

	_, err := LoadRelayConfig(configPath)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if !strings.Contains(err.Error(), "tls") {
		t.Errorf("expected tls error, got: %v", err)
	}
}

func TestLoadGatewayConfig(t *testing.T) {
	configPath := writeConfig(t, `server:
  address: relay.example.com:7443
  server_name: relay.example.com
tls:
  ca_cert_file: ca.crt
auth:
  method: token
  token: this-is-a-valid-token-16bytes
redial:
  max: 10s
`)

	cfg, err := LoadGatewayConfig(configPath)
	if err != nil {
		t.Fatalf("LoadGatewayConfig failed: %v", err)
	}
	if cfg.Server.Address != "relay.example.com:7443" {
		t.Errorf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Redial.Max != 10*time.Second || cfg.Redial.Min != DefaultRedialMin {
		t.Errorf("unexpected redial %+v", cfg.Redial)
	}
}

func TestLoadGatewayConfig_InvalidAddress(t *testing.T) {
	configPath := writeConfig(t, `server:
  address: relay.example.com
tls:
  ca_cert_file: ca.crt
auth:
  method: token
  token: this-is-a-valid-token-16bytes
`)

	if _, err := LoadGatewayConfig(configPath); err == nil {
		t.Fatal("expected error for address without port")
	}
}
