package client

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mmx233/XRelay/cmd/generate/certs"
	"github.com/Mmx233/XRelay/config"
	"github.com/Mmx233/XRelay/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadAddress returns a loopback UDP address nothing listens on.
func deadAddress(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	require.NoError(t, conn.Close())
	return addr
}

func testGatewayConfig(t *testing.T) *config.Gateway {
	t.Helper()
	dir := t.TempDir()
	_, err := certs.WriteBundle(dir, 1)
	require.NoError(t, err)

	return &config.Gateway{
		Server: config.ServerEndpoint{Address: deadAddress(t), ServerName: "localhost"},
		TLS: config.ClientTLS{
			CACertFile:     filepath.Join(dir, "ca.crt"),
			ClientCertFile: filepath.Join(dir, "client.crt"),
			ClientKeyFile:  filepath.Join(dir, "client.key"),
		},
		Quic:   config.Quic{HandshakeIdleTimeout: 200 * time.Millisecond},
		Redial: config.Redial{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond, Attempts: 2},
	}
}

func TestNew_MissingCA(t *testing.T) {
	_, err := New(&config.Gateway{TLS: config.ClientTLS{CACertFile: filepath.Join(t.TempDir(), "missing.crt")}})
	assert.Error(t, err)
}

func TestNew_AppliesDefaults(t *testing.T) {
	conf := testGatewayConfig(t)
	conf.Redial = config.Redial{}

	c, err := New(conf)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, config.DefaultRedialMin, conf.Redial.Min)
	assert.Equal(t, []string{protocol.ALPN}, c.baseTLSConfig.NextProtos)
	assert.Len(t, c.baseTLSConfig.Certificates, 1)
	assert.Nil(t, c.token)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_GivesUpAfterAttempts(t *testing.T) {
	c, err := New(testGatewayConfig(t))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = c.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 2 attempts")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_ContextEndsRedial(t *testing.T) {
	conf := testGatewayConfig(t)
	conf.Redial = config.Redial{Min: time.Hour, Max: time.Hour, Factor: 2}
	c, err := New(conf)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = c.Open(ctx, protocol.OpenMsg{Address: "engine:5555"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestClient_Closed(t *testing.T) {
	c, err := New(testGatewayConfig(t))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Open(context.Background(), protocol.OpenMsg{Address: "engine:5555"})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", ConnectionState(42).String())
}

func TestConnection_CloseBeforeDial(t *testing.T) {
	conf := testGatewayConfig(t)
	c, err := New(conf)
	require.NoError(t, err)
	defer c.Close()

	conn := NewConnection(conf.Server.Address, "localhost", c.sessionCache, nil, c.logger)
	assert.False(t, conn.Alive())
	assert.NoError(t, conn.Close())
	_, err = conn.OpenStream(context.Background())
	assert.Error(t, err)
}
