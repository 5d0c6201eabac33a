package protocol

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Control channel requests. Tokens are ASCII and comma separated.
const (
	CommRequest = "comm"
	PingRequest = "ping"

	pangPrefix = "pang"
)

// Credentials describes a new backend session.
type Credentials struct {
	Username       string
	Password       string
	Width          int
	Height         int
	KeyboardLayout string
}

// CommInfo is the reply to the comm request.
type CommInfo struct {
	PublisherPort   int
	CollectorPort   int
	SessionPort     int
	ServerPublicKey string // Z85 encoded
}

// ParseCommReply parses "publisherPort,collectorPort,sessionPort,serverPublicKey".
func ParseCommReply(reply string) (CommInfo, error) {
	parts := strings.Split(strings.TrimSpace(reply), ",")
	if len(parts) != 4 {
		return CommInfo{}, fmt.Errorf("comm reply %q has %d fields: %w", reply, len(parts), ErrMalformedMessage)
	}

	var info CommInfo
	ports := []*int{&info.PublisherPort, &info.CollectorPort, &info.SessionPort}
	for i, p := range ports {
		port, err := strconv.Atoi(parts[i])
		if err != nil || port < 1 || port > 65535 {
			return CommInfo{}, fmt.Errorf("comm reply port %q: %w", parts[i], ErrMalformedMessage)
		}
		*p = port
	}
	info.ServerPublicKey = parts[3]
	if info.ServerPublicKey == "" {
		return CommInfo{}, fmt.Errorf("comm reply without server key: %w", ErrMalformedMessage)
	}
	return info, nil
}

// ConnectRequest attaches a new client to a session.
func ConnectRequest(id SessionID) string {
	return "connect," + id.String()
}

// DisconnectRequest detaches a client from a session.
func DisconnectRequest(id SessionID, client ClientIdentifier) string {
	return "disconnect," + id.String() + "," + client.IDHex()
}

// SessionPingRequest checks that a session is still alive.
func SessionPingRequest(id SessionID) string {
	return "ping," + id.String()
}

// CreateRequest builds the session creation request sent on the session channel.
func CreateRequest(c Credentials) string {
	return strings.Join([]string{
		"create",
		base64.StdEncoding.EncodeToString([]byte(c.Username)),
		base64.StdEncoding.EncodeToString([]byte(c.Password)),
		strconv.Itoa(c.Width),
		strconv.Itoa(c.Height),
		c.KeyboardLayout,
	}, ",")
}

// ParseCreateReply parses "<statusCode>,<sessionIdHex-or-error>".
func ParseCreateReply(reply string) (SessionID, error) {
	code, detail, found := strings.Cut(strings.TrimSpace(reply), ",")
	if !found {
		return SessionID{}, fmt.Errorf("create reply %q: %w", reply, ErrMalformedMessage)
	}
	status, err := strconv.Atoi(code)
	if err != nil {
		return SessionID{}, fmt.Errorf("create reply status %q: %w", code, ErrMalformedMessage)
	}
	if status != 0 {
		return SessionID{}, &CreationError{Code: status, Message: detail}
	}
	return ParseSessionID(detail)
}

// CheckPingReply interprets a ping reply. Anything not starting with "pang"
// is a success; an empty reply is a failure.
func CheckPingReply(reply string) error {
	if reply == "" {
		return &PingError{Reason: "empty reply"}
	}
	if !strings.HasPrefix(reply, pangPrefix) {
		return nil
	}
	parts := strings.SplitN(reply, ",", 3)
	pe := &PingError{Reason: "session not available"}
	if len(parts) > 1 {
		pe.Code = parts[1]
	}
	if len(parts) > 2 {
		pe.Reason = parts[2]
	}
	return pe
}
