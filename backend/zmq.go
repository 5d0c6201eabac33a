package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
)

// ZMQDialer dials engine sockets over ZeroMQ.
type ZMQDialer struct {
	Timeout time.Duration
}

// NewZMQDialer returns a Dialer that gives up on a single dial after timeout.
func NewZMQDialer(timeout time.Duration) *ZMQDialer {
	return &ZMQDialer{Timeout: timeout}
}

func (d *ZMQDialer) options() []zmq4.Option {
	if d.Timeout <= 0 {
		return nil
	}
	return []zmq4.Option{zmq4.WithDialerTimeout(d.Timeout)}
}

func (d *ZMQDialer) DialReq(ctx context.Context, endpoint string) (ReqSocket, error) {
	sck := zmq4.NewReq(ctx, d.options()...)
	if err := sck.Dial(endpoint); err != nil {
		_ = sck.Close()
		return nil, fmt.Errorf("dial req %s: %w", endpoint, err)
	}
	return &zmqSocket{sck: sck}, nil
}

func (d *ZMQDialer) DialSub(ctx context.Context, endpoint string) (SubSocket, error) {
	sck := zmq4.NewSub(ctx, d.options()...)
	if err := sck.Dial(endpoint); err != nil {
		_ = sck.Close()
		return nil, fmt.Errorf("dial sub %s: %w", endpoint, err)
	}
	if err := sck.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		_ = sck.Close()
		return nil, fmt.Errorf("subscribe %s: %w", endpoint, err)
	}
	return &zmqSocket{sck: sck}, nil
}

func (d *ZMQDialer) DialPush(ctx context.Context, endpoint string) (PushSocket, error) {
	sck := zmq4.NewPush(ctx, d.options()...)
	if err := sck.Dial(endpoint); err != nil {
		_ = sck.Close()
		return nil, fmt.Errorf("dial push %s: %w", endpoint, err)
	}
	return &zmqSocket{sck: sck}, nil
}

// zmqSocket adapts a zmq4 socket to single frame messages.
type zmqSocket struct {
	sck zmq4.Socket
}

func (s *zmqSocket) Send(b []byte) error {
	return s.sck.Send(zmq4.NewMsg(b))
}

func (s *zmqSocket) Recv() ([]byte, error) {
	msg, err := s.sck.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Bytes(), nil
}

func (s *zmqSocket) Close() error {
	return s.sck.Close()
}
