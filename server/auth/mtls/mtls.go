package mtls

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/Mmx233/XRelay/server/auth"
	"github.com/quic-go/quic-go"
)

var ErrNoCertificate = errors.New("no client certificate provided")

// Verifier accepts gateways presenting a client certificate issued by the pool.
type Verifier struct {
	roots *x509.CertPool
}

var _ auth.Auth = (*Verifier)(nil)

func New(roots *x509.CertPool) *Verifier {
	return &Verifier{roots: roots}
}

// VerifyConn re-checks the leaf certificate for client auth usage. The TLS
// handshake already verified the chain when the listener requires client certs.
func (v *Verifier) VerifyConn(_ context.Context, conn *quic.Conn) (bool, error) {
	peers := conn.ConnectionState().TLS.PeerCertificates
	if len(peers) == 0 {
		return false, ErrNoCertificate
	}

	intermediates := x509.NewCertPool()
	for _, cert := range peers[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := peers[0].Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		return false, fmt.Errorf("verify gateway certificate: %w", err)
	}
	return true, nil
}
