package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	EnvPrefix = "XRELAY_"
)

type Listen struct {
	IP   string `yaml:"ip" mapstructure:"ip"`
	Port int    `yaml:"port" mapstructure:"port"`
}

func (l Listen) GetIP() (net.IP, error) {
	ip := net.ParseIP(l.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip address: %s", l.IP)
	}
	return ip, nil
}

type Quic struct {
	InitialStreamReceiveWindow     uint64        `yaml:"initial_stream_receive_window" mapstructure:"initial_stream_receive_window"`
	MaxStreamReceiveWindow         uint64        `yaml:"max_stream_receive_window" mapstructure:"max_stream_receive_window"`
	InitialConnectionReceiveWindow uint64        `yaml:"initial_connection_receive_window" mapstructure:"initial_connection_receive_window"`
	MaxConnectionReceiveWindow     uint64        `yaml:"max_connection_receive_window" mapstructure:"max_connection_receive_window"`
	MaxIncomingStreams             int64         `yaml:"max_incoming_streams" mapstructure:"max_incoming_streams"`
	KeepAlivePeriod                time.Duration `yaml:"keep_alive_period" mapstructure:"keep_alive_period"`
	HandshakeIdleTimeout           time.Duration `yaml:"handshake_idle_timeout" mapstructure:"handshake_idle_timeout"`
	MaxIdleTimeout                 time.Duration `yaml:"max_idle_timeout" mapstructure:"max_idle_timeout"`
}

// GetConfig builds the quic-go configuration. Every tunnel is one stream, so
// the incoming stream limit bounds the tunnels a single gateway may hold open.
func (q Quic) GetConfig() *quic.Config {
	if q.MaxIdleTimeout == 0 {
		q.MaxIdleTimeout = DefaultMaxIdleTimeout
	}
	if q.KeepAlivePeriod == 0 {
		q.KeepAlivePeriod = DefaultQuicKeepAlivePeriod
	}
	if q.MaxIncomingStreams == 0 {
		q.MaxIncomingStreams = DefaultMaxIncomingStreams
	}
	return &quic.Config{
		InitialStreamReceiveWindow:     q.InitialStreamReceiveWindow,
		MaxStreamReceiveWindow:         q.MaxStreamReceiveWindow,
		InitialConnectionReceiveWindow: q.InitialConnectionReceiveWindow,
		MaxConnectionReceiveWindow:     q.MaxConnectionReceiveWindow,
		MaxIncomingStreams:             q.MaxIncomingStreams,
		KeepAlivePeriod:                q.KeepAlivePeriod,
		HandshakeIdleTimeout:           q.HandshakeIdleTimeout,
		MaxIdleTimeout:                 q.MaxIdleTimeout,
	}
}

// ValidateAddress validates that an address is in valid host:port format.
// Returns an error if the address is invalid.
func ValidateAddress(addr string) error {
	_, _, err := SplitAddress(addr)
	return err
}

// SplitAddress validates a host:port address and returns its parts.
func SplitAddress(addr string) (string, int, error) {
	if addr == "" {
		return "", 0, fmt.Errorf("address cannot be empty")
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address format %q: %w", addr, err)
	}

	if host == "" {
		return "", 0, fmt.Errorf("host cannot be empty in address %q", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in address %q: %w", addr, err)
	}

	if port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("port must be between 1 and 65535, got %d in address %q", port, addr)
	}

	return host, port, nil
}
