// Package server publishes the relay to remote gateways over QUIC. Each
// gateway connection carries any number of tunnels, one bidirectional stream
// per tunnel.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Mmx233/XRelay/config"
	"github.com/Mmx233/XRelay/protocol"
	"github.com/Mmx233/XRelay/relay"
	"github.com/Mmx233/XRelay/server/auth"
	"github.com/Mmx233/XRelay/server/connid"
	"github.com/Mmx233/XRelay/server/pool"
	"github.com/Mmx233/XRelay/server/tls/stek"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Application error codes used when closing gateway connections.
const (
	CodeShutdown   quic.ApplicationErrorCode = 0
	CodeAuthFailed quic.ApplicationErrorCode = 1
)

var ErrNotListening = errors.New("server is not listening")

// Connector opens tunnels. *relay.Relay implements it.
type Connector interface {
	Connect(ctx context.Context, address string, req relay.ConnectRequest) (*relay.Tunnel, error)
}

var _ Connector = (*relay.Relay)(nil)

// Server is the QUIC tunnel server.
type Server struct {
	conf          *config.Relay
	connector     Connector
	authenticator auth.Auth
	gateways      *pool.Pool
	logger        zerolog.Logger

	mu       sync.Mutex
	ln       *quic.Listener
	tr       *quic.Transport
	rotation *stek.RotateManager
}

// New loads the TLS material and authenticator named by conf.
func New(conf *config.Relay, connector Connector) (*Server, error) {
	conf.ApplyDefaults()

	logger := log.With().Str("com", "server").Logger()

	if err := conf.TLS.LoadCertificates(); err != nil {
		return nil, fmt.Errorf("load certificates: %w", err)
	}
	authenticator, err := conf.Auth.CreateAuthenticator()
	if err != nil {
		return nil, fmt.Errorf("create authenticator: %w", err)
	}

	method := conf.Auth.Method
	if method == "" {
		method = config.AuthMethodMTLS
	}
	logger.Info().Str("method", method).Msg("gateway authentication enabled")

	return &Server{
		conf:          conf,
		connector:     connector,
		authenticator: authenticator,
		gateways:      pool.New(logger),
		logger:        logger,
	}, nil
}

func (s *Server) tlsConfig() *tls.Config {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{s.conf.TLS.ServerCert},
		NextProtos:   []string{protocol.ALPN},
		MinVersion:   tls.VersionTLS13,
	}
	if s.conf.Auth.IsMTLS() {
		tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConf.ClientCAs = s.conf.Auth.CACertPool
	}
	return tlsConf
}

// Listen starts accepting QUIC handshakes on conn. Serve handles them.
func (s *Server) Listen(conn net.PacketConn) error {
	tlsConf := s.tlsConfig()

	var rotation *stek.RotateManager
	if interval := s.conf.TLS.SessionTicketKeyRotationInterval; interval > 0 {
		var err error
		rotation, err = stek.NewRotateManager(interval, s.conf.TLS.SessionTicketKeyRotationOverlap, s.logger)
		if err != nil {
			return fmt.Errorf("initialize session ticket key rotation: %w", err)
		}
		rotation.Apply(tlsConf)
	}

	tr := &quic.Transport{Conn: conn}
	ln, err := tr.Listen(tlsConf, s.conf.Quic.GetConfig())
	if err != nil {
		return fmt.Errorf("listen QUIC: %w", err)
	}

	s.mu.Lock()
	s.ln, s.tr, s.rotation = ln, tr, rotation
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("tunnel server listening")
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe listens on the configured address and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ip, err := s.conf.Listen.GetIP()
	if err != nil {
		return fmt.Errorf("listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: s.conf.Listen.Port})
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}
	defer conn.Close()

	if err := s.Listen(conn); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts gateway connections until ctx ends, then closes every
// gateway connection and waits for their tunnels to be released.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln, tr, rotation := s.ln, s.tr, s.rotation
	s.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}

	if rotation != nil {
		rotation.Start(ctx)
		defer rotation.Stop()
	}

	var wg conc.WaitGroup
	defer func() {
		_ = ln.Close()
		s.gateways.CloseAll(CodeShutdown, "relay shutting down")
		wg.Wait()
		_ = tr.Close()
		s.logger.Info().Msg("tunnel server stopped")
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			s.logger.Error().Err(err).Msg("accept connection failed")
			continue
		}
		wg.Go(func() { s.handleConnection(ctx, conn) })
	}
}

// Gateways returns the number of authenticated gateway connections.
func (s *Server) Gateways() int {
	return s.gateways.Count()
}

// ActiveTunnels returns the number of tunnels currently served.
func (s *Server) ActiveTunnels() int64 {
	return s.gateways.ActiveTunnels()
}

func (s *Server) handleConnection(ctx context.Context, conn *quic.Conn) {
	gw := &pool.Gateway{ID: connid.Generate(), Conn: conn, ConnectedAt: time.Now()}
	logger := s.logger.With().
		Uint64("gateway_id", gw.ID).
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	valid, err := s.authenticator.VerifyConn(ctx, conn)
	if err != nil || !valid {
		logger.Warn().Err(err).Msg("gateway authentication failed")
		_ = conn.CloseWithError(CodeAuthFailed, "authentication failed")
		return
	}

	s.gateways.Add(gw)
	defer s.gateways.Remove(gw.ID)
	logger.Info().Msg("gateway connected")

	var tunnels conc.WaitGroup
	defer tunnels.Wait()
	defer conn.CloseWithError(CodeShutdown, "")

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			logger.Info().Err(err).Msg("gateway disconnected")
			return
		}
		tunnels.Go(func() { s.handleTunnel(ctx, gw, stream, logger) })
	}
}

func connectRequest(open protocol.OpenMsg) (relay.ConnectRequest, error) {
	req := relay.ConnectRequest{Credentials: open.Credentials()}
	if open.SessionID == "" {
		return req, nil
	}
	id, err := protocol.ParseSessionID(open.SessionID)
	if err != nil {
		return req, err
	}
	req.SessionID = id
	return req, nil
}

func (s *Server) handleTunnel(ctx context.Context, gw *pool.Gateway, stream *quic.Stream, logger zerolog.Logger) {
	defer stream.Close()
	logger = logger.With().
		Str("tunnel_id", uuid.NewString()).
		Int64("stream_id", int64(stream.StreamID())).
		Logger()

	_ = stream.SetReadDeadline(time.Now().Add(s.conf.OpenTimeout))
	var open protocol.OpenMsg
	if err := protocol.ReadTypedMessage(stream, protocol.MsgTypeOpen, &open); err != nil {
		logger.Debug().Err(err).Msg("read open request failed")
		_ = protocol.WriteError(stream, protocol.CodeMalformed, err.Error())
		stream.CancelRead(0)
		return
	}
	_ = stream.SetReadDeadline(time.Time{})
	logger = logger.With().Str("address", open.Address).Logger()

	tunnel, err := s.open(ctx, open)
	if err != nil {
		logger.Info().Err(err).Msg("open tunnel failed")
		_ = protocol.WriteOpenAck(stream, protocol.OpenAckMsg{Code: protocol.ErrorCode(err), Message: err.Error()})
		stream.CancelRead(0)
		return
	}
	defer tunnel.Disconnect()

	closed := gw.TunnelOpened()
	defer closed()

	ident := tunnel.Identifier()
	if err := protocol.WriteOpenAck(stream, protocol.OpenAckMsg{
		Success:     true,
		SessionID:   tunnel.SessionID().String(),
		ClientID:    ident.ID,
		ClientIndex: ident.Index,
	}); err != nil {
		logger.Debug().Err(err).Msg("write open ack failed")
		return
	}

	logger = logger.With().Str("session_id", tunnel.SessionID().String()).Str("client_id", ident.IDHex()).Logger()
	logger.Info().Msg("tunnel opened")

	reason := pump(ctx, tunnel, stream, logger)
	logger.Info().Str("reason", reason).Msg("tunnel closed")
}

func (s *Server) open(ctx context.Context, open protocol.OpenMsg) (*relay.Tunnel, error) {
	req, err := connectRequest(open)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.conf.OpenTimeout)
	defer cancel()

	tunnel, err := s.connector.Connect(ctx, open.Address, req)
	if err != nil {
		return nil, err
	}
	if err := tunnel.Start(); err != nil {
		tunnel.Disconnect()
		return nil, err
	}
	return tunnel, nil
}

// pump copies frames both ways until either side ends the tunnel and reports why.
func pump(ctx context.Context, tunnel *relay.Tunnel, stream *quic.Stream, logger zerolog.Logger) string {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan struct{})
	go func() {
		defer close(inbound)
		defer cancel()
		for {
			msgType, payload, err := protocol.ReadMessage(stream)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Debug().Err(err).Msg("read from gateway failed")
				}
				return
			}
			switch msgType {
			case protocol.MsgTypeFrame:
				if err := tunnel.Write(payload); err != nil {
					logger.Debug().Err(err).Msg("instruction rejected")
					if errors.Is(err, protocol.ErrClientNotConnected) {
						return
					}
				}
			case protocol.MsgTypeClose:
				return
			default:
				logger.Warn().Uint8("type", msgType).Msg("unexpected message from gateway")
			}
		}
	}()

	reason := outbound(ctx, tunnel, stream)
	stream.CancelRead(0)
	<-inbound
	return reason
}

// frameSource is the read side of a relay tunnel.
type frameSource interface {
	Read(ctx context.Context) ([]byte, error)
}

// outbound forwards frames from src to the gateway until src ends, then tells
// the gateway how it ended.
func outbound(ctx context.Context, src frameSource, w io.Writer) string {
	for {
		frame, err := src.Read(ctx)
		var interrupted *protocol.InterruptedError
		switch {
		case err == nil:
			if err := protocol.WriteFrame(w, frame); err != nil {
				return "write to gateway failed"
			}
		case errors.Is(err, io.EOF):
			_ = protocol.WriteClose(w, "relay closing")
			return "closed by relay"
		case errors.As(err, &interrupted):
			_ = protocol.WriteInterrupted(w, interrupted.Reason)
			return "interrupted: " + interrupted.Reason
		default:
			return "closed by gateway"
		}
	}
}
