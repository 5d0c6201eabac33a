package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Mmx233/XRelay/server/auth"
	"github.com/Mmx233/XRelay/server/auth/challenge"
	"github.com/Mmx233/XRelay/server/auth/mtls"
)

// Auth methods
const (
	AuthMethodMTLS  = "mtls"
	AuthMethodToken = "token"
)

// Relay is the configuration of the relay process and its tunnel server.
type Relay struct {
	InstanceID    string        `yaml:"instance_id" mapstructure:"instance_id"`
	Listen        Listen        `yaml:"listen" mapstructure:"listen"`
	Quic          Quic          `yaml:"quic" mapstructure:"quic"`
	TLS           ServerTLS     `yaml:"tls" mapstructure:"tls"`
	Auth          ServerAuth    `yaml:"auth" mapstructure:"auth"`
	Backend       Backend       `yaml:"backend" mapstructure:"backend"`
	OpenTimeout   time.Duration `yaml:"open_timeout" mapstructure:"open_timeout"`
	StatsInterval time.Duration `yaml:"stats_interval" mapstructure:"stats_interval"`
}

// ApplyDefaults fills zero-valued fields.
func (r *Relay) ApplyDefaults() {
	if r.InstanceID == "" {
		r.InstanceID = GenerateInstanceID()
	}
	if r.Listen.IP == "" {
		r.Listen.IP = "0.0.0.0"
	}
	if r.Listen.Port == 0 {
		r.Listen.Port = DefaultListenPort
	}
	if r.OpenTimeout == 0 {
		r.OpenTimeout = DefaultOpenTimeout
	}
	if r.StatsInterval == 0 {
		r.StatsInterval = DefaultStatsInterval
	}
	if r.TLS.SessionTicketKeyRotationInterval > 0 && r.TLS.SessionTicketKeyRotationOverlap == 0 {
		r.TLS.SessionTicketKeyRotationOverlap = DefaultSTEKRotationOverlap
	}
	r.Backend.ApplyDefaults()
}

// Validate checks the configuration after defaults were applied.
func (r *Relay) Validate() error {
	if _, err := r.Listen.GetIP(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if r.Listen.Port < 1 || r.Listen.Port > 65535 {
		return fmt.Errorf("listen: port must be between 1 and 65535, got %d", r.Listen.Port)
	}
	if r.TLS.CertFile == "" || r.TLS.KeyFile == "" {
		return errors.New("tls: cert_file and key_file are required")
	}
	if err := r.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := r.Backend.Validate(); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	return nil
}

type ServerTLS struct {
	CertFile string `yaml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `yaml:"key_file" mapstructure:"key_file"`

	SessionTicketKeyRotationInterval time.Duration `yaml:"session_ticket_key_rotation_interval" mapstructure:"session_ticket_key_rotation_interval"`
	SessionTicketKeyRotationOverlap  uint8         `yaml:"session_ticket_key_rotation_overlap" mapstructure:"session_ticket_key_rotation_overlap"`

	// Loaded certificate (not from YAML)
	ServerCert tls.Certificate `yaml:"-" mapstructure:"-"`
}

// LoadCertificates loads the server certificate and key from files
func (t *ServerTLS) LoadCertificates() error {
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return fmt.Errorf("load server cert/key: %w", err)
	}
	t.ServerCert = cert
	return nil
}

type ServerAuth struct {
	Method     string `yaml:"method" mapstructure:"method"`
	CACertFile string `yaml:"ca_cert_file" mapstructure:"ca_cert_file"`
	Token      string `yaml:"token" mapstructure:"token"`

	CACertPool *x509.CertPool `yaml:"-" mapstructure:"-"`
}

// IsMTLS reports whether gateways authenticate with client certificates.
// An empty method defaults to mTLS.
func (a *ServerAuth) IsMTLS() bool {
	return a.Method == "" || a.Method == AuthMethodMTLS
}

// Validate checks the method specific fields without touching the filesystem.
func (a *ServerAuth) Validate() error {
	switch a.Method {
	case "", AuthMethodMTLS:
		if a.CACertFile == "" {
			return errors.New("ca_cert_file is required for mtls authentication")
		}
	case AuthMethodToken:
		if len(a.Token) < challenge.MinTokenSize {
			return fmt.Errorf("token must be at least %d bytes", challenge.MinTokenSize)
		}
	default:
		return fmt.Errorf("unknown auth method %q", a.Method)
	}
	return nil
}

// LoadCACertificate loads the CA used to verify gateway certificates.
func (a *ServerAuth) LoadCACertificate() error {
	pem, err := os.ReadFile(a.CACertFile)
	if err != nil {
		return fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return errors.New("failed to parse CA certificate")
	}
	a.CACertPool = pool
	return nil
}

// CreateAuthenticator builds the gateway authenticator for the configured method.
func (a *ServerAuth) CreateAuthenticator() (auth.Auth, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if a.IsMTLS() {
		if err := a.LoadCACertificate(); err != nil {
			return nil, err
		}
		return mtls.New(a.CACertPool), nil
	}
	verifier, err := challenge.New([]byte(a.Token))
	if err != nil {
		return nil, err
	}
	return verifier, nil
}
