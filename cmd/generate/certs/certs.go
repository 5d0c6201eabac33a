package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	outputDir  string
	validYears int
	hosts      []string
	Cmd        = &cobra.Command{
		Use:   "certs",
		Short: "Generate a CA with relay server and gateway client certificates",
		RunE:  runGenerate,
	}
)

func init() {
	Cmd.Flags().StringVarP(&outputDir, "output", "o", "./certs", "output directory")
	Cmd.Flags().IntVarP(&validYears, "years", "y", 10, "certificate validity in years")
	Cmd.Flags().StringSliceVar(&hosts, "host", nil, "extra DNS name or IP for the relay certificate, repeatable")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "generate").Logger()
	logger.Info().Str("dir", outputDir).Int("years", validYears).Strs("hosts", hosts).Msg("generating certificates")

	files, err := WriteBundle(outputDir, validYears, hosts...)
	if err != nil {
		return err
	}
	for _, path := range files {
		logger.Info().Str("file", path).Msg("generated")
	}
	return nil
}

// WriteBundle writes ca, server and client key pairs into dir and returns
// the written paths. The server certificate covers localhost and hosts.
func WriteBundle(dir string, validYears int, hosts ...string) ([]string, error) {
	caKey, caCert, err := GenerateCA(validYears)
	if err != nil {
		return nil, fmt.Errorf("generate CA: %w", err)
	}
	serverKey, serverCert, err := GenerateServerCert(caKey, caCert, validYears, hosts...)
	if err != nil {
		return nil, fmt.Errorf("generate server cert: %w", err)
	}
	clientKey, clientCert, err := GenerateClientCert(caKey, caCert, validYears)
	if err != nil {
		return nil, fmt.Errorf("generate client cert: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{"ca.key", EncodePrivateKey(caKey)},
		{"ca.crt", EncodeCertificate(caCert)},
		{"server.key", EncodePrivateKey(serverKey)},
		{"server.crt", EncodeCertificate(serverCert)},
		{"client.key", EncodePrivateKey(clientKey)},
		{"client.crt", EncodeCertificate(clientCert)},
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, f.data, 0600); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func serial() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return n, nil
}

func sign(template, parent *x509.Certificate, pub *rsa.PublicKey, signer *rsa.PrivateKey) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// GenerateCA generates a self-signed CA certificate
func GenerateCA(validYears int) (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 3072)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	sn, err := serial()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: sn,
		Subject: pkix.Name{
			Organization: []string{"XRelay CA"},
			CommonName:   "XRelay Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(validYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	cert, err := sign(template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

// GenerateServerCert generates the relay certificate. Entries of hosts that
// parse as IPs become IP SANs, the rest DNS SANs.
func GenerateServerCert(caKey *rsa.PrivateKey, caCert *x509.Certificate, validYears int, hosts ...string) (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	sn, err := serial()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: sn,
		Subject: pkix.Name{
			Organization: []string{"XRelay"},
			CommonName:   "XRelay Relay",
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().AddDate(validYears, 0, 0),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{"localhost", "xrelay"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	cert, err := sign(template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

// GenerateClientCert generates a gateway certificate for mTLS authentication
func GenerateClientCert(caKey *rsa.PrivateKey, caCert *x509.Certificate, validYears int) (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	sn, err := serial()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: sn,
		Subject: pkix.Name{
			Organization: []string{"XRelay"},
			CommonName:   "XRelay Gateway",
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().AddDate(validYears, 0, 0),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	cert, err := sign(template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

// EncodePrivateKey encodes a private key to PEM format
func EncodePrivateKey(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// EncodeCertificate encodes a certificate to PEM format
func EncodeCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
}
