package client

import (
	"fmt"
	"io"
	"sync"

	"github.com/Mmx233/XRelay/protocol"
	"github.com/quic-go/quic-go"
)

// Tunnel is the gateway end of one relay client. Reads and writes may run
// concurrently with each other, but not with themselves.
type Tunnel struct {
	stream     *quic.Stream
	sessionID  protocol.SessionID
	identifier protocol.ClientIdentifier
	closeOnce  sync.Once
}

func (t *Tunnel) SessionID() protocol.SessionID {
	return t.sessionID
}

func (t *Tunnel) Identifier() protocol.ClientIdentifier {
	return t.identifier
}

// ReadFrame returns the next frame from the backend. A clean close on either
// side yields io.EOF; a session or backend failure yields a
// *protocol.InterruptedError.
func (t *Tunnel) ReadFrame() ([]byte, error) {
	msgType, payload, err := protocol.ReadMessage(t.stream)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case protocol.MsgTypeFrame:
		return payload, nil
	case protocol.MsgTypeInterrupted:
		var msg protocol.InterruptedMsg
		if err := protocol.DecodeMessage(payload, &msg); err != nil {
			return nil, err
		}
		return nil, &protocol.InterruptedError{Reason: msg.Reason}
	case protocol.MsgTypeClose:
		return nil, io.EOF
	case protocol.MsgTypeError:
		var msg protocol.ErrorMsg
		if err := protocol.DecodeMessage(payload, &msg); err != nil {
			return nil, err
		}
		return nil, protocol.CodeError(msg.Code, msg.Message)
	default:
		return nil, fmt.Errorf("%w: unexpected message type 0x%02x", protocol.ErrMalformedMessage, msgType)
	}
}

// WriteFrame sends an instruction frame to the backend.
func (t *Tunnel) WriteFrame(frame []byte) error {
	return protocol.WriteFrame(t.stream, frame)
}

// Close tells the relay to disconnect the client and closes the stream.
func (t *Tunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		_ = protocol.WriteClose(t.stream, "gateway closing")
		err = t.stream.Close()
		t.stream.CancelRead(0)
	})
	return err
}
