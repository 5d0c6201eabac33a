// Package client is the gateway side of the tunnel protocol. A Client keeps
// one QUIC connection to the relay and opens a Tunnel per remote-desktop
// client on it.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mmx233/XRelay/config"
	"github.com/Mmx233/XRelay/protocol"
	"github.com/jpillora/backoff"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClientClosed = errors.New("client closed")

// Client is a gateway connected to one relay.
type Client struct {
	conf          *config.Gateway
	baseTLSConfig *tls.Config
	quicConfig    *quic.Config
	sessionCache  tls.ClientSessionCache
	token         []byte
	logger        zerolog.Logger

	mu         sync.Mutex
	connection *Connection

	closeOnce sync.Once
	closed    chan struct{}
}

// New loads the certificates named by conf. No connection is made until
// Connect or Open.
func New(conf *config.Gateway) (*Client, error) {
	conf.ApplyDefaults()

	logger := log.With().
		Str("com", "client").
		Str("relay", conf.Server.Address).
		Logger()

	if err := conf.TLS.LoadCertificates(); err != nil {
		return nil, fmt.Errorf("load certificates: %w", err)
	}

	var token []byte
	if conf.Auth.Method == config.AuthMethodToken {
		token = []byte(conf.Auth.Token)
	}

	return &Client{
		conf: conf,
		baseTLSConfig: &tls.Config{
			Certificates: conf.TLS.Certificate,
			RootCAs:      conf.TLS.CACertPool,
			NextProtos:   []string{protocol.ALPN},
			MinVersion:   tls.VersionTLS13,
		},
		quicConfig:   conf.Quic.GetConfig(),
		sessionCache: tls.NewLRUClientSessionCache(0),
		token:        token,
		logger:       logger,
		closed:       make(chan struct{}),
	}, nil
}

// Connect makes sure a live relay connection exists, dialing with backoff
// when needed.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.live(ctx)
	return err
}

func (c *Client) live(ctx context.Context) (*Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return nil, ErrClientClosed
	default:
	}

	if c.connection != nil {
		if c.connection.Alive() {
			return c.connection, nil
		}
		_ = c.connection.Close()
		c.connection = nil
		c.logger.Warn().Msg("relay connection lost, redialing")
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.connection = conn
	return conn, nil
}

func (c *Client) dial(ctx context.Context) (*Connection, error) {
	b := &backoff.Backoff{
		Min:    c.conf.Redial.Min,
		Max:    c.conf.Redial.Max,
		Factor: c.conf.Redial.Factor,
		Jitter: true,
	}
	for {
		conn := NewConnection(c.conf.Server.Address, c.conf.Server.ServerName, c.sessionCache, c.token, c.logger)
		err := conn.Dial(ctx, c.baseTLSConfig, c.quicConfig)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attempt := int(b.Attempt()) + 1
		if limit := c.conf.Redial.Attempts; limit > 0 && attempt >= limit {
			return nil, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		d := b.Duration()
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", d).Msg("connect to relay failed")

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.closed:
			timer.Stop()
			return nil, ErrClientClosed
		case <-timer.C:
		}
	}
}

// Open asks the relay for a tunnel. On refusal the returned error wraps the
// matching protocol error, such as protocol.ErrConnectionRefused.
func (c *Client) Open(ctx context.Context, req protocol.OpenMsg) (*Tunnel, error) {
	conn, err := c.live(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	if err := protocol.WriteOpen(stream, req); err != nil {
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return nil, err
	}

	ack, err := readOpenAck(stream)
	if err != nil {
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return nil, err
	}
	_ = stream.SetReadDeadline(time.Time{})

	sid, err := protocol.ParseSessionID(ack.SessionID)
	if err != nil {
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return nil, fmt.Errorf("open ack: %w", err)
	}

	t := &Tunnel{
		stream:     stream,
		sessionID:  sid,
		identifier: protocol.ClientIdentifier{ID: ack.ClientID, Index: ack.ClientIndex},
	}
	c.logger.Debug().
		Str("address", req.Address).
		Str("session_id", sid.String()).
		Str("client_id", t.identifier.IDHex()).
		Msg("tunnel opened")
	return t, nil
}

func readOpenAck(stream *quic.Stream) (protocol.OpenAckMsg, error) {
	var ack protocol.OpenAckMsg
	if err := protocol.ReadTypedMessage(stream, protocol.MsgTypeOpenAck, &ack); err != nil {
		return ack, fmt.Errorf("read open ack: %w", err)
	}
	if !ack.Success {
		return ack, protocol.CodeError(ack.Code, ack.Message)
	}
	return ack, nil
}

// State reports the state of the current relay connection.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil {
		return StateDisconnected
	}
	return c.connection.State()
}

// Close ends the relay connection and every tunnel on it.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil {
		return nil
	}
	err := c.connection.Close()
	c.connection = nil
	return err
}
