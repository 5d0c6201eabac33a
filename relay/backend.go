package relay

import (
	"context"

	"github.com/Mmx233/XRelay/backend"
	"github.com/Mmx233/XRelay/config"
	"github.com/Mmx233/XRelay/protocol"
	"github.com/rs/zerolog"
)

// Backend is a Host's connection to one engine. *backend.Transport implements it.
type Backend interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	SendRequest(ctx context.Context, request string) (string, error)
	StartSession(ctx context.Context, credentials protocol.Credentials) (protocol.SessionID, error)
	SendInstruction(frame []byte) error
	Subscribe(l backend.Listener)
	Unsubscribe(l backend.Listener)
}

var _ Backend = (*backend.Transport)(nil)

// BackendFactory creates the Backend for an engine address.
type BackendFactory func(host string, port int) Backend

// TransportFactory returns a factory building transports on dialer.
func TransportFactory(conf config.Backend, dialer backend.Dialer, logger zerolog.Logger) BackendFactory {
	return func(host string, port int) Backend {
		return backend.New(host, port, conf, dialer, logger)
	}
}

// ZMQFactory returns a factory building ZeroMQ transports.
func ZMQFactory(conf config.Backend, logger zerolog.Logger) BackendFactory {
	return TransportFactory(conf, backend.NewZMQDialer(conf.DialTimeout), logger)
}
