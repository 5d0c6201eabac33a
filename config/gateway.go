package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Mmx233/XRelay/server/auth/challenge"
)

// Gateway is the configuration of a process that opens tunnels on a remote relay.
type Gateway struct {
	Server ServerEndpoint `yaml:"server" mapstructure:"server"`
	TLS    ClientTLS      `yaml:"tls" mapstructure:"tls"`
	Auth   GatewayAuth    `yaml:"auth" mapstructure:"auth"`
	Quic   Quic           `yaml:"quic" mapstructure:"quic"`
	Redial Redial         `yaml:"redial" mapstructure:"redial"`
}

// ServerEndpoint represents the relay tunnel server
type ServerEndpoint struct {
	Address    string `yaml:"address" mapstructure:"address"`         // host:port
	ServerName string `yaml:"server_name" mapstructure:"server_name"` // TLS server name for verification
}

type GatewayAuth struct {
	Method string `yaml:"method" mapstructure:"method"`
	Token  string `yaml:"token" mapstructure:"token"`
}

// Redial bounds the backoff between connection attempts.
type Redial struct {
	Min      time.Duration `yaml:"min" mapstructure:"min"`
	Max      time.Duration `yaml:"max" mapstructure:"max"`
	Factor   float64       `yaml:"factor" mapstructure:"factor"`
	Attempts int           `yaml:"attempts" mapstructure:"attempts"` // 0 retries until the context ends
}

type ClientTLS struct {
	CACertFile     string `yaml:"ca_cert_file" mapstructure:"ca_cert_file"`
	ClientCertFile string `yaml:"client_cert_file" mapstructure:"client_cert_file"`
	ClientKeyFile  string `yaml:"client_key_file" mapstructure:"client_key_file"`

	// Loaded certificates (not from YAML)
	CACertPool  *x509.CertPool    `yaml:"-" mapstructure:"-"`
	Certificate []tls.Certificate `yaml:"-" mapstructure:"-"`
}

// LoadCertificates loads TLS certificates from files. The client key pair is
// optional; token authenticated gateways do not present one.
func (t *ClientTLS) LoadCertificates() error {
	caCertPEM, err := os.ReadFile(t.CACertFile)
	if err != nil {
		return fmt.Errorf("read CA cert: %w", err)
	}

	t.CACertPool = x509.NewCertPool()
	if !t.CACertPool.AppendCertsFromPEM(caCertPEM) {
		return errors.New("failed to parse CA certificate")
	}

	if t.ClientCertFile == "" && t.ClientKeyFile == "" {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(t.ClientCertFile, t.ClientKeyFile)
	if err != nil {
		return fmt.Errorf("load client cert/key: %w", err)
	}
	t.Certificate = []tls.Certificate{cert}

	return nil
}

// ApplyDefaults fills zero-valued fields.
func (g *Gateway) ApplyDefaults() {
	if g.Redial.Min == 0 {
		g.Redial.Min = DefaultRedialMin
	}
	if g.Redial.Max == 0 {
		g.Redial.Max = DefaultRedialMax
	}
	if g.Redial.Factor == 0 {
		g.Redial.Factor = DefaultRedialFactor
	}
}

// Validate checks the configuration after defaults were applied.
func (g *Gateway) Validate() error {
	if err := ValidateAddress(g.Server.Address); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if g.TLS.CACertFile == "" {
		return errors.New("tls: ca_cert_file is required")
	}
	switch g.Auth.Method {
	case "", AuthMethodMTLS:
		if g.TLS.ClientCertFile == "" || g.TLS.ClientKeyFile == "" {
			return errors.New("tls: client_cert_file and client_key_file are required for mtls authentication")
		}
	case AuthMethodToken:
		if len(g.Auth.Token) < challenge.MinTokenSize {
			return fmt.Errorf("auth: token must be at least %d bytes", challenge.MinTokenSize)
		}
	default:
		return fmt.Errorf("auth: unknown method %q", g.Auth.Method)
	}
	if g.Redial.Min > g.Redial.Max {
		return fmt.Errorf("redial: min %v exceeds max %v", g.Redial.Min, g.Redial.Max)
	}
	if g.Redial.Factor < 1 {
		return fmt.Errorf("redial: factor must be at least 1, got %v", g.Redial.Factor)
	}
	return nil
}
