package protocol

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrDisconnected means a channel to the backend is down or timed out.
	ErrDisconnected = errors.New("backend disconnected")
	// ErrConnectionRefused means the backend rejected a session creation or client connect.
	ErrConnectionRefused = errors.New("connection refused by backend")
	// ErrMalformedMessage means a frame or reply could not be decoded.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrClientNotConnected means the client was never started or is already stopped.
	ErrClientNotConnected = errors.New("client not connected")
	// ErrConnectionInterrupted means a running client lost its session or backend.
	ErrConnectionInterrupted = errors.New("connection interrupted")
)

// CreationError is returned when the backend answers a create request with a
// non-zero status code.
type CreationError struct {
	Code    int
	Message string
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("session creation failed (%d): %s", e.Code, e.Message)
}

func (e *CreationError) Unwrap() error {
	return ErrConnectionRefused
}

// InterruptedError is surfaced to the reader of a client whose session or
// backend connection failed. Reconnecting is the expected recovery.
type InterruptedError struct {
	Reason string
}

func (e *InterruptedError) Error() string {
	return "connection interrupted: " + e.Reason
}

func (e *InterruptedError) Unwrap() error {
	return ErrConnectionInterrupted
}

// PingError is a "pang" reply to a ping request.
type PingError struct {
	Code   string
	Reason string
}

func (e *PingError) Error() string {
	if e.Code == "" {
		return "ping failed: " + e.Reason
	}
	return fmt.Sprintf("ping failed (%s): %s", e.Code, e.Reason)
}
