package config

import (
	"time"

	"github.com/google/uuid"
)

// Backend timing defaults
const (
	// DefaultRequestTimeout bounds every request/reply exchange with the engine
	DefaultRequestTimeout = 5 * time.Second

	// DefaultSessionCreationTimeout bounds the create exchange, which starts a desktop
	DefaultSessionCreationTimeout = 15 * time.Second

	// DefaultDialTimeout bounds establishing a single engine socket
	DefaultDialTimeout = 5 * time.Second

	// DefaultStartupPingInterval is the check interval until the first successful ping
	DefaultStartupPingInterval = time.Second

	// DefaultPingInterval is the check interval once the engine has answered
	DefaultPingInterval = 5 * time.Second

	// DefaultStartupTimeout is how long a host start waits for the first ping
	DefaultStartupTimeout = 5 * time.Second

	// DefaultSessionValidationInterval is how often a session pings its engine session
	DefaultSessionValidationInterval = 15 * time.Second

	// DefaultKeepAliveInterval is the idle time before a client receives a keep-alive frame
	DefaultKeepAliveInterval = 5 * time.Second
)

// Tunnel server defaults
const (
	// DefaultMaxIdleTimeout is the default QUIC connection idle timeout
	DefaultMaxIdleTimeout = 5 * time.Minute

	// DefaultQuicKeepAlivePeriod keeps idle gateway connections alive
	DefaultQuicKeepAlivePeriod = 15 * time.Second

	// DefaultMaxIncomingStreams is the default number of tunnels per gateway connection
	DefaultMaxIncomingStreams = 1024

	// DefaultListenPort is the default tunnel server UDP port
	DefaultListenPort = 7443

	// DefaultStatsInterval is how often the relay logs its registry statistics
	DefaultStatsInterval = time.Minute

	// DefaultOpenTimeout bounds the tunnel open handshake
	DefaultOpenTimeout = 30 * time.Second

	// DefaultSTEKRotationOverlap is the number of session ticket keys kept during rotation
	DefaultSTEKRotationOverlap = 2
)

// Gateway redial defaults
const (
	DefaultRedialMin    = 500 * time.Millisecond
	DefaultRedialMax    = 30 * time.Second
	DefaultRedialFactor = 2
)

// GenerateInstanceID generates a new UUID for use as a relay instance identifier.
// Instances sharing a config file still log under distinct ids.
func GenerateInstanceID() string {
	return uuid.New().String()
}
