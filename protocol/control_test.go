package protocol

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSessionHex = "3f2504e04f8911d39a0c0305e82c33a1"

func TestParseCommReply(t *testing.T) {
	info, err := ParseCommReply("5556,5557,5558,rq:rM>}U?@Lns47E1%kR.o@n%FcmmsL/@{H8]yf7")
	require.NoError(t, err)
	assert.Equal(t, 5556, info.PublisherPort)
	assert.Equal(t, 5557, info.CollectorPort)
	assert.Equal(t, 5558, info.SessionPort)
	assert.Equal(t, "rq:rM>}U?@Lns47E1%kR.o@n%FcmmsL/@{H8]yf7", info.ServerPublicKey)

	invalid := []string{
		"",
		"5556,5557,5558",
		"a,5557,5558,key",
		"5556,0,5558,key",
		"5556,5557,70000,key",
		"5556,5557,5558,",
	}
	for _, reply := range invalid {
		_, err := ParseCommReply(reply)
		assert.Truef(t, errors.Is(err, ErrMalformedMessage), "reply %q: %v", reply, err)
	}
}

func TestControlRequests(t *testing.T) {
	id, err := ParseSessionID(testSessionHex)
	require.NoError(t, err)
	client := ClientIdentifier{ID: 0x1f4, Index: 1}

	assert.Equal(t, "connect,"+testSessionHex, ConnectRequest(id))
	assert.Equal(t, "disconnect,"+testSessionHex+",000001f4", DisconnectRequest(id, client))
	assert.Equal(t, "ping,"+testSessionHex, SessionPingRequest(id))
}

func TestCreateRequest(t *testing.T) {
	req := CreateRequest(Credentials{
		Username:       "alice",
		Password:       "sec,ret",
		Width:          1024,
		Height:         768,
		KeyboardLayout: "us",
	})

	parts := strings.Split(req, ",")
	require.Len(t, parts, 6)
	assert.Equal(t, "create", parts[0])

	user, err := base64.StdEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	assert.Equal(t, "alice", string(user))

	pass, err := base64.StdEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	assert.Equal(t, "sec,ret", string(pass))

	assert.Equal(t, []string{"1024", "768", "us"}, parts[3:])
}

func TestParseCreateReply(t *testing.T) {
	id, err := ParseCreateReply("0," + testSessionHex)
	require.NoError(t, err)
	assert.Equal(t, testSessionHex, id.String())

	_, err = ParseCreateReply("3,invalid credentials")
	var ce *CreationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 3, ce.Code)
	assert.Equal(t, "invalid credentials", ce.Message)
	assert.True(t, errors.Is(err, ErrConnectionRefused))

	_, err = ParseCreateReply("garbage")
	assert.True(t, errors.Is(err, ErrMalformedMessage))

	_, err = ParseCreateReply("x,abc")
	assert.True(t, errors.Is(err, ErrMalformedMessage))

	_, err = ParseCreateReply("0,tooshort")
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestParseClientIdentifier(t *testing.T) {
	ident, err := ParseClientIdentifier("000001f4,0000000000000001")
	require.NoError(t, err)
	assert.Equal(t, ClientIdentifier{ID: 0x1f4, Index: 1}, ident)
	assert.Equal(t, "000001f4", ident.IDHex())
	assert.True(t, ident.Selected(0x3))
	assert.False(t, ident.Selected(0x2))

	for _, reply := range []string{"", "000001f4", "zz,1", "1,zz", "1,2,3", "1ffffffff,1"} {
		_, err := ParseClientIdentifier(reply)
		assert.Truef(t, errors.Is(err, ErrConnectionRefused), "reply %q: %v", reply, err)
	}
}

func TestCheckPingReply(t *testing.T) {
	assert.NoError(t, CheckPingReply("pong"))
	assert.NoError(t, CheckPingReply("pong,"+testSessionHex))

	err := CheckPingReply("pang,1,session closed")
	var pe *PingError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "1", pe.Code)
	assert.Equal(t, "session closed", pe.Reason)

	err = CheckPingReply("pang")
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "", pe.Code)

	assert.Error(t, CheckPingReply(""))
}
