// Package challenge implements shared-token gateway authentication.
//
// The relay opens the first stream of a gateway connection and writes a random
// challenge; the gateway answers with HMAC-SHA512(token, challenge) on the same
// stream. Both values are length prefixed with a big-endian uint32.
package challenge

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Mmx233/XRelay/server/auth"
	"github.com/quic-go/quic-go"
)

const (
	ChallengeSize = 32
	ResponseSize  = sha512.Size
	MinTokenSize  = 16
	AuthTimeout   = 10 * time.Second
)

var ErrTokenTooShort = fmt.Errorf("token must be at least %d bytes", MinTokenSize)

// Verifier is the relay side of the handshake.
type Verifier struct {
	token []byte
}

var _ auth.Auth = (*Verifier)(nil)

// New copies token, which must be at least MinTokenSize bytes.
func New(token []byte) (*Verifier, error) {
	if len(token) < MinTokenSize {
		return nil, ErrTokenTooShort
	}
	return &Verifier{token: append([]byte(nil), token...)}, nil
}

func GenerateChallenge() ([]byte, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	return challenge, nil
}

func ComputeResponse(token, challenge []byte) []byte {
	mac := hmac.New(sha512.New, token)
	mac.Write(challenge)
	return mac.Sum(nil)
}

// VerifyResponse compares in constant time.
func VerifyResponse(token, challenge, response []byte) bool {
	return hmac.Equal(response, ComputeResponse(token, challenge))
}

func writeBlock(w io.Writer, b []byte) error {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(b)))
	if _, err := w.Write(append(size[:], b...)); err != nil {
		return fmt.Errorf("write auth block: %w", err)
	}
	return nil
}

func readBlock(r io.Reader, want int) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, fmt.Errorf("read auth block size: %w", err)
	}
	if n := binary.BigEndian.Uint32(size[:]); n != uint32(want) {
		return nil, fmt.Errorf("auth block of %d bytes, want %d", n, want)
	}
	b := make([]byte, want)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read auth block: %w", err)
	}
	return b, nil
}

// exchange runs the relay side over rw and reports whether the answer matched.
func (v *Verifier) exchange(rw io.ReadWriter) (bool, error) {
	challenge, err := GenerateChallenge()
	if err != nil {
		return false, err
	}
	if err := writeBlock(rw, challenge); err != nil {
		return false, err
	}
	response, err := readBlock(rw, ResponseSize)
	if err != nil {
		return false, err
	}
	return VerifyResponse(v.token, challenge, response), nil
}

// answer runs the gateway side over rw.
func answer(rw io.ReadWriter, token []byte) error {
	challenge, err := readBlock(rw, ChallengeSize)
	if err != nil {
		return err
	}
	return writeBlock(rw, ComputeResponse(token, challenge))
}

func (v *Verifier) VerifyConn(ctx context.Context, conn *quic.Conn) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, AuthTimeout)
	defer cancel()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return false, fmt.Errorf("open auth stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	return v.exchange(stream)
}

// Respond is the gateway side: it accepts the relay's auth stream on conn and
// answers the challenge with token.
func Respond(ctx context.Context, conn *quic.Conn, token []byte) error {
	if len(token) < MinTokenSize {
		return ErrTokenTooShort
	}

	ctx, cancel := context.WithTimeout(ctx, AuthTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return fmt.Errorf("accept auth stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	if err := answer(stream, token); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("relay closed the auth stream: %w", err)
		}
		return err
	}
	return nil
}
