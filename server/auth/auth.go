// Package auth authenticates gateway connections to the tunnel server.
package auth

import (
	"context"

	"github.com/quic-go/quic-go"
)

// Auth decides whether a freshly accepted gateway connection may open tunnels.
// It runs before the server accepts any tunnel stream on conn.
type Auth interface {
	VerifyConn(ctx context.Context, conn *quic.Conn) (valid bool, err error)
}
