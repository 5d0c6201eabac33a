package backend

import "context"

// Socket is the part shared by every engine socket.
type Socket interface {
	Close() error
}

// ReqSocket is a request/reply socket. Every Send must be followed by a Recv
// before the next Send.
type ReqSocket interface {
	Socket
	Send(request []byte) error
	Recv() ([]byte, error)
}

// SubSocket receives everything the engine publishes.
type SubSocket interface {
	Socket
	Recv() ([]byte, error)
}

// PushSocket sends instructions to the engine without a reply.
type PushSocket interface {
	Socket
	Send(frame []byte) error
}

// Dialer opens engine sockets. The context bounds the socket lifetime, not
// only the dial: cancelling it closes the socket.
type Dialer interface {
	DialReq(ctx context.Context, endpoint string) (ReqSocket, error)
	DialSub(ctx context.Context, endpoint string) (SubSocket, error)
	DialPush(ctx context.Context, endpoint string) (PushSocket, error)
}

// Listener receives every broadcast message. OnMessage is called from the
// dispatcher goroutine and must not block on the transport.
type Listener interface {
	OnMessage(msg []byte)
}
