package backend

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/Mmx233/XRelay/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

func newTestSealer(t *testing.T) (*sealer, *[KeySize]byte) {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := EncodeZ85(pub[:])
	require.NoError(t, err)
	s, err := newSealer(key)
	require.NoError(t, err)
	return s, priv
}

func TestSealRoundTrip(t *testing.T) {
	s, enginePriv := newTestSealer(t)

	request, err := s.seal([]byte("create,YWxpY2U=,c2VjcmV0,1024,768,us"))
	require.NoError(t, err)

	plain, peer, err := OpenRequest(request, enginePriv)
	require.NoError(t, err)
	assert.Equal(t, "create,YWxpY2U=,c2VjcmV0,1024,768,us", string(plain))
	assert.Equal(t, *s.publicKey, *peer)

	reply, err := SealReply([]byte("0,3f2504e04f8911d39a0c0305e82c33a1"), peer, enginePriv)
	require.NoError(t, err)

	opened, err := s.open(reply)
	require.NoError(t, err)
	assert.Equal(t, "0,3f2504e04f8911d39a0c0305e82c33a1", string(opened))
}

func TestSeal_TamperedReply(t *testing.T) {
	s, enginePriv := newTestSealer(t)

	reply, err := SealReply([]byte("0,abc"), s.publicKey, enginePriv)
	require.NoError(t, err)
	reply[len(reply)-1] ^= 0xFF

	_, err = s.open(reply)
	assert.True(t, errors.Is(err, protocol.ErrMalformedMessage))

	_, err = s.open([]byte("short"))
	assert.True(t, errors.Is(err, protocol.ErrMalformedMessage))

	_, _, err = OpenRequest([]byte("short"), enginePriv)
	assert.True(t, errors.Is(err, protocol.ErrMalformedMessage))
}

func TestNewSealer_InvalidKey(t *testing.T) {
	_, err := newSealer("HelloWorld")
	assert.Error(t, err, "8 byte key")

	_, err = newSealer("not z85!")
	assert.Error(t, err)
}
