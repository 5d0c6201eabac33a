package backend

import (
	"crypto/rand"
	"fmt"

	"github.com/Mmx233/XRelay/protocol"
	"golang.org/x/crypto/nacl/box"
)

// Session channel messages are NaCl boxes. Requests carry the sender key so
// the engine can answer without a handshake:
//
//	request: clientPublicKey(32) | nonce(24) | box
//	reply:   nonce(24) | box
const (
	KeySize   = 32
	NonceSize = 24
)

// sealer holds the per-connection key pair and the engine key advertised in
// the comm reply.
type sealer struct {
	publicKey  *[KeySize]byte
	privateKey *[KeySize]byte
	engineKey  [KeySize]byte
}

func newSealer(engineKeyZ85 string) (*sealer, error) {
	key, err := DecodeZ85(engineKeyZ85)
	if err != nil {
		return nil, fmt.Errorf("decode engine key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("engine key is %d bytes, want %d", len(key), KeySize)
	}

	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}

	s := &sealer{publicKey: pub, privateKey: priv}
	copy(s.engineKey[:], key)
	return s, nil
}

func (s *sealer) seal(msg []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, KeySize+NonceSize+len(msg)+box.Overhead)
	out = append(out, s.publicKey[:]...)
	out = append(out, nonce[:]...)
	return box.Seal(out, msg, &nonce, &s.engineKey, s.privateKey), nil
}

func (s *sealer) open(reply []byte) ([]byte, error) {
	if len(reply) < NonceSize+box.Overhead {
		return nil, fmt.Errorf("sealed reply of %d bytes: %w", len(reply), protocol.ErrMalformedMessage)
	}
	var nonce [NonceSize]byte
	copy(nonce[:], reply[:NonceSize])
	msg, ok := box.Open(nil, reply[NonceSize:], &nonce, &s.engineKey, s.privateKey)
	if !ok {
		return nil, fmt.Errorf("open sealed reply: %w", protocol.ErrMalformedMessage)
	}
	return msg, nil
}

// OpenRequest is the engine side of the session channel: it opens a sealed
// request with the engine private key and returns the sender key.
func OpenRequest(request []byte, engineKey *[KeySize]byte) ([]byte, *[KeySize]byte, error) {
	if len(request) < KeySize+NonceSize+box.Overhead {
		return nil, nil, fmt.Errorf("sealed request of %d bytes: %w", len(request), protocol.ErrMalformedMessage)
	}
	var peer [KeySize]byte
	var nonce [NonceSize]byte
	copy(peer[:], request[:KeySize])
	copy(nonce[:], request[KeySize:KeySize+NonceSize])
	msg, ok := box.Open(nil, request[KeySize+NonceSize:], &nonce, &peer, engineKey)
	if !ok {
		return nil, nil, fmt.Errorf("open sealed request: %w", protocol.ErrMalformedMessage)
	}
	return msg, &peer, nil
}

// SealReply seals an engine reply to the key that sent the request.
func SealReply(reply []byte, peerKey, engineKey *[KeySize]byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, NonceSize+len(reply)+box.Overhead)
	out = append(out, nonce[:]...)
	return box.Seal(out, reply, &nonce, peerKey, engineKey), nil
}
