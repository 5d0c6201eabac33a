package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame layout, little-endian:
//
//	[0:16]  session id
//	[16:20] type word: byte 16 type, byte 18 outbound queue depth, bit 31 sync flag
//	[20:24] message/instruction id
//	[24:28] payload length
//	[28:32] reserved
//	[32:]   payload
//
// Broadcasts from the backend are wrapped in an envelope that carries the
// client-index mask between the session id and the frame body:
//
//	[0:16] session id | [16:24] client-index mask | [24:] frame[16:]
const (
	HeaderSize         = 32
	MaskSize           = 8
	EnvelopeHeaderSize = SessionIDSize + MaskSize

	typeOffset       = 16
	QueueDepthOffset = 18
	flagsOffset      = 19
	idOffset         = 20
	lengthOffset     = 24

	MaxQueueDepth = 255
	syncFlag      = 0x80
)

// Frame types with special handling in the relay.
const (
	TypePointerMotion = 6
	TypeCursorImage   = 7
	TypeKeepAlive     = 8
)

// FrameType returns the message type of a frame of at least HeaderSize bytes.
func FrameType(frame []byte) byte {
	return frame[typeOffset]
}

// FrameID returns the message/instruction id of a frame.
func FrameID(frame []byte) uint32 {
	return binary.LittleEndian.Uint32(frame[idOffset:])
}

// FrameLength returns the payload length recorded in the header.
func FrameLength(frame []byte) uint32 {
	return binary.LittleEndian.Uint32(frame[lengthOffset:])
}

// FrameSynchronous reports whether the sync flag is set.
func FrameSynchronous(frame []byte) bool {
	return frame[flagsOffset]&syncFlag != 0
}

// CheckFrame validates the minimum header size.
func CheckFrame(frame []byte) error {
	if len(frame) < HeaderSize {
		return fmt.Errorf("frame of %d bytes is shorter than the %d byte header: %w", len(frame), HeaderSize, ErrMalformedMessage)
	}
	return nil
}

// SetQueueDepth writes the outbound queue depth into the header, capped at 255.
func SetQueueDepth(frame []byte, depth int) {
	if depth > MaxQueueDepth {
		depth = MaxQueueDepth
	}
	if depth < 0 {
		depth = 0
	}
	frame[QueueDepthOffset] = byte(depth)
}

// StampSessionID overwrites the session id of a frame.
func StampSessionID(frame []byte, id SessionID) {
	id.Put(frame[:SessionIDSize])
}

// KeepAliveFrame returns a poll frame: zero session id, keep-alive type, no payload.
func KeepAliveFrame() []byte {
	frame := make([]byte, HeaderSize)
	frame[typeOffset] = TypeKeepAlive
	return frame
}

// NewFrame builds a frame with the given header fields and payload.
func NewFrame(id SessionID, msgType byte, msgID uint32, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	id.Put(frame)
	frame[typeOffset] = msgType
	binary.LittleEndian.PutUint32(frame[idOffset:], msgID)
	binary.LittleEndian.PutUint32(frame[lengthOffset:], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// EnvelopeMask returns the client-index mask of a broadcast envelope.
func EnvelopeMask(envelope []byte) uint64 {
	return binary.LittleEndian.Uint64(envelope[SessionIDSize:EnvelopeHeaderSize])
}

// Envelope wraps a frame for broadcast to the clients selected by mask.
func Envelope(frame []byte, mask uint64) []byte {
	envelope := make([]byte, len(frame)+MaskSize)
	copy(envelope, frame[:SessionIDSize])
	binary.LittleEndian.PutUint64(envelope[SessionIDSize:], mask)
	copy(envelope[EnvelopeHeaderSize:], frame[SessionIDSize:])
	return envelope
}

// Unwrap strips the mask from a broadcast envelope and returns a private copy
// of the client-facing frame.
func Unwrap(envelope []byte) ([]byte, error) {
	if len(envelope) < HeaderSize+MaskSize {
		return nil, fmt.Errorf("envelope of %d bytes is too short: %w", len(envelope), ErrMalformedMessage)
	}
	frame := make([]byte, len(envelope)-MaskSize)
	copy(frame, envelope[:SessionIDSize])
	copy(frame[SessionIDSize:], envelope[EnvelopeHeaderSize:])
	return frame, nil
}
