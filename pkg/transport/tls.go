package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
)

// TLSConfig builds a client TLS configuration. Without a certificate the
// peer is not verified. With one, the peer must chain to it.
func TLSConfig(serverName string, certPEM []byte) (*tls.Config, error) {
	if len(certPEM) == 0 {
		return &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		}, nil
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, errors.New("no certificates found in PEM data")
	}
	return &tls.Config{
		ServerName: serverName,
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// ReadCertificate drains r once so the certificate can be reused on every reconnect.
func ReadCertificate(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	return data, nil
}
