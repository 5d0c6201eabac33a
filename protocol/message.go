package protocol

import (
	"errors"
	"fmt"
)

// Tunnel message types exchanged between a gateway and the relay, one
// tunnel per QUIC stream.
const (
	MsgTypeOpen        = 0x01 // Gateway asks for a tunnel
	MsgTypeOpenAck     = 0x02 // Relay answers the open request
	MsgTypeFrame       = 0x05 // Raw frame, both directions
	MsgTypeInterrupted = 0x06 // Session or backend failure, stream ends
	MsgTypeClose       = 0x07 // Clean end of stream
	MsgTypeError       = 0xFF // Error message
)

// Error codes carried by OpenAckMsg and ErrorMsg.
const (
	CodeRefused      = "refused"
	CodeDisconnected = "disconnected"
	CodeMalformed    = "malformed"
	CodeInternal     = "internal"
)

// OpenMsg asks the relay to connect a client to a backend address. An empty
// SessionID creates a new backend session from the credentials.
type OpenMsg struct {
	Address        string
	SessionID      string
	Username       string
	Password       string
	Width          int
	Height         int
	KeyboardLayout string
}

// Credentials returns the session creation parameters of the request.
func (m *OpenMsg) Credentials() Credentials {
	return Credentials{
		Username:       m.Username,
		Password:       m.Password,
		Width:          m.Width,
		Height:         m.Height,
		KeyboardLayout: m.KeyboardLayout,
	}
}

// OpenAckMsg answers an OpenMsg
type OpenAckMsg struct {
	Success     bool
	Code        string
	Message     string
	SessionID   string
	ClientID    uint32
	ClientIndex uint64
}

// InterruptedMsg ends a tunnel after a session or backend failure
type InterruptedMsg struct {
	Reason string
}

// CloseMsg ends a tunnel cleanly
type CloseMsg struct {
	Reason string
}

// ErrorMsg carries error information
type ErrorMsg struct {
	Code    string
	Message string
}

// ErrorCode maps a relay error to the code sent to gateways.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrConnectionRefused):
		return CodeRefused
	case errors.Is(err, ErrDisconnected):
		return CodeDisconnected
	case errors.Is(err, ErrMalformedMessage):
		return CodeMalformed
	default:
		return CodeInternal
	}
}

// CodeError rebuilds a typed error from a code received from the relay.
func CodeError(code, message string) error {
	switch code {
	case CodeRefused:
		return fmt.Errorf("%s: %w", message, ErrConnectionRefused)
	case CodeDisconnected:
		return fmt.Errorf("%s: %w", message, ErrDisconnected)
	case CodeMalformed:
		return fmt.Errorf("%s: %w", message, ErrMalformedMessage)
	default:
		return errors.New(message)
	}
}

const ProtocolVersion = "1.0"

// ALPN is the TLS application protocol negotiated by gateways and the relay.
const ALPN = "xrelay/" + ProtocolVersion
