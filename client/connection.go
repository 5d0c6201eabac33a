package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Mmx233/XRelay/server/auth/challenge"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// ConnectionState represents the state of a relay connection
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Connection is one QUIC connection to the relay. It is not reused after
// Close; the Client dials a new one instead.
type Connection struct {
	serverAddr   string
	serverName   string
	sessionCache tls.ClientSessionCache
	token        []byte

	conn        *quic.Conn
	state       atomic.Int32
	connectedAt time.Time

	logger zerolog.Logger
}

// NewConnection prepares a connection to serverAddr. A non-empty token is
// answered to the relay's challenge right after the handshake.
func NewConnection(serverAddr, serverName string, sessionCache tls.ClientSessionCache, token []byte, logger zerolog.Logger) *Connection {
	return &Connection{
		serverAddr:   serverAddr,
		serverName:   serverName,
		sessionCache: sessionCache,
		token:        token,
		logger:       logger.With().Str("server_addr", serverAddr).Logger(),
	}
}

// Dial performs the QUIC handshake and, for token auth, the challenge exchange.
func (c *Connection) Dial(ctx context.Context, baseTLSConfig *tls.Config, quicConfig *quic.Config) error {
	c.state.Store(int32(StateConnecting))
	c.logger.Debug().Msg("connecting to relay")

	tlsConfig := baseTLSConfig.Clone()
	tlsConfig.ServerName = c.serverName
	tlsConfig.ClientSessionCache = c.sessionCache

	conn, err := quic.DialAddr(ctx, c.serverAddr, tlsConfig, quicConfig)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("dial relay %s: %w", c.serverAddr, err)
	}

	if len(c.token) > 0 {
		authCtx, cancel := context.WithTimeout(ctx, challenge.AuthTimeout)
		err = challenge.Respond(authCtx, conn, c.token)
		cancel()
		if err != nil {
			_ = conn.CloseWithError(0, "authentication failed")
			c.state.Store(int32(StateDisconnected))
			return fmt.Errorf("authenticate with relay %s: %w", c.serverAddr, err)
		}
	}

	c.conn = conn
	c.connectedAt = time.Now()
	c.state.Store(int32(StateConnected))
	c.logger.Info().Bool("resumed", conn.ConnectionState().TLS.DidResume).Msg("connected to relay")
	return nil
}

func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Alive reports whether the QUIC connection is established and not yet closed.
func (c *Connection) Alive() bool {
	if c.State() != StateConnected {
		return false
	}
	return c.conn.Context().Err() == nil
}

// OpenStream opens a bidirectional stream for one tunnel.
func (c *Connection) OpenStream(ctx context.Context) (*quic.Stream, error) {
	if c.State() != StateConnected {
		return nil, fmt.Errorf("not connected")
	}
	return c.conn.OpenStreamSync(ctx)
}

// Close closes the QUIC connection. Open tunnels end with it.
func (c *Connection) Close() error {
	prev := ConnectionState(c.state.Swap(int32(StateDisconnected)))
	if prev != StateConnected {
		return nil
	}
	c.logger.Info().Dur("connected_for", time.Since(c.connectedAt)).Msg("connection closed")
	return c.conn.CloseWithError(0, "shutdown")
}
