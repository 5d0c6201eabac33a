package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestKeepAliveFrame(t *testing.T) {
	frame := KeepAliveFrame()

	require.Len(t, frame, HeaderSize)
	assert.Equal(t, byte(TypeKeepAlive), FrameType(frame))
	assert.Equal(t, uint32(0), FrameLength(frame))

	id, err := SessionIDFromBytes(frame)
	require.NoError(t, err)
	assert.True(t, id.IsZero(), "keep-alive frame must carry a zero session id")

	// Each call returns a fresh buffer
	frame[0] = 1
	assert.Equal(t, byte(0), KeepAliveFrame()[0])
}

func TestCheckFrame(t *testing.T) {
	assert.True(t, errors.Is(CheckFrame(make([]byte, HeaderSize-1)), ErrMalformedMessage))
	assert.NoError(t, CheckFrame(make([]byte, HeaderSize)))
	assert.NoError(t, CheckFrame(make([]byte, HeaderSize+10)))
}

func TestSetQueueDepth(t *testing.T) {
	frame := make([]byte, HeaderSize)

	SetQueueDepth(frame, 12)
	assert.Equal(t, byte(12), frame[QueueDepthOffset])

	SetQueueDepth(frame, 1000)
	assert.Equal(t, byte(MaxQueueDepth), frame[QueueDepthOffset])

	// The type byte is untouched
	frame[16] = TypeCursorImage
	SetQueueDepth(frame, 3)
	assert.Equal(t, byte(TypeCursorImage), FrameType(frame))
}

func TestNewFrame(t *testing.T) {
	id, err := ParseSessionID("3f2504e04f8911d39a0c0305e82c33a1")
	require.NoError(t, err)

	frame := NewFrame(id, TypePointerMotion, 42, []byte("xyz"))

	require.Len(t, frame, HeaderSize+3)
	assert.Equal(t, byte(TypePointerMotion), FrameType(frame))
	assert.Equal(t, uint32(42), FrameID(frame))
	assert.Equal(t, uint32(3), FrameLength(frame))
	assert.False(t, FrameSynchronous(frame))
	assert.Equal(t, []byte("xyz"), frame[HeaderSize:])

	got, err := SessionIDFromBytes(frame)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestStampSessionID(t *testing.T) {
	id, err := ParseSessionID("ffeeddccbbaa99887766554433221100")
	require.NoError(t, err)

	frame := make([]byte, HeaderSize)
	frame[16] = 9
	StampSessionID(frame, id)

	got, err := SessionIDFromBytes(frame)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, byte(9), frame[16])
}

// Feature: broadcast-filtering, Property 3: Envelope Round Trip
// For any frame and mask, unwrapping an envelope SHALL return the original frame
// and the envelope SHALL expose the original mask.
func TestEnvelopeRoundTrip_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		frame := rapid.SliceOfN(rapid.Byte(), HeaderSize, 256).Draw(t, "frame")
		mask := rapid.Uint64().Draw(t, "mask")

		envelope := Envelope(frame, mask)
		if EnvelopeMask(envelope) != mask {
			t.Fatalf("mask mismatch: %x != %x", EnvelopeMask(envelope), mask)
		}

		unwrapped, err := Unwrap(envelope)
		if err != nil {
			t.Fatalf("unwrap: %v", err)
		}
		if !bytes.Equal(unwrapped, frame) {
			t.Fatalf("frame mismatch")
		}

		// Unwrapped frames are private copies
		unwrapped[0] ^= 0xFF
		if envelope[0] == unwrapped[0] {
			t.Fatalf("unwrap must copy")
		}
	})
}

func TestUnwrap_Short(t *testing.T) {
	_, err := Unwrap(make([]byte, HeaderSize+MaskSize-1))
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}
