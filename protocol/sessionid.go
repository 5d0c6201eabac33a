package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// SessionIDSize is the raw size of a session id on the wire.
const SessionIDSize = 16

// SessionID identifies one backend session. It is stored as two 64-bit halves
// so that it can be compared and used as a map key without touching the bytes.
type SessionID struct {
	hi uint64
	lo uint64
}

// ParseSessionID parses the 32 character hex form of a session id.
// Upper and lower case digits are both accepted.
func ParseSessionID(s string) (SessionID, error) {
	if len(s) != SessionIDSize*2 {
		return SessionID{}, fmt.Errorf("invalid session id length %d: %w", len(s), ErrMalformedMessage)
	}
	var raw [SessionIDSize]byte
	if _, err := hex.Decode(raw[:], []byte(strings.ToLower(s))); err != nil {
		return SessionID{}, fmt.Errorf("decode session id %q: %w", s, ErrMalformedMessage)
	}
	return SessionIDFromBytes(raw[:])
}

// SessionIDFromBytes reads a session id from the first 16 bytes of b.
func SessionIDFromBytes(b []byte) (SessionID, error) {
	if len(b) < SessionIDSize {
		return SessionID{}, fmt.Errorf("session id needs %d bytes, got %d: %w", SessionIDSize, len(b), ErrMalformedMessage)
	}
	return SessionID{
		hi: binary.BigEndian.Uint64(b[0:8]),
		lo: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// Bytes returns the raw 16 bytes.
func (id SessionID) Bytes() [SessionIDSize]byte {
	var raw [SessionIDSize]byte
	id.Put(raw[:])
	return raw
}

// Put writes the raw id into dst[0:16]. dst must be at least 16 bytes long.
func (id SessionID) Put(dst []byte) {
	binary.BigEndian.PutUint64(dst[0:8], id.hi)
	binary.BigEndian.PutUint64(dst[8:16], id.lo)
}

// IsZero reports whether every byte of the id is zero.
func (id SessionID) IsZero() bool {
	return id.hi == 0 && id.lo == 0
}

// String returns the canonical lower-case hex form used on the wire.
func (id SessionID) String() string {
	raw := id.Bytes()
	return hex.EncodeToString(raw[:])
}
