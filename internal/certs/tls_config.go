package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Paths locates the PEM material used to talk to the inventory source.
type Paths struct {
	CA   string
	Cert string
	Key  string
}

// Empty reports whether no TLS material is configured.
func (p Paths) Empty() bool {
	return p.CA == "" && p.Cert == "" && p.Key == ""
}

// LoadClientTLSConfig builds a client TLS configuration from the optional CA
// bundle and the optional client certificate/key pair. serverName is the
// hostname expected in the server certificate.
func LoadClientTLSConfig(paths Paths, serverName string) (*tls.Config, error) {
	if serverName == "" {
		return nil, fmt.Errorf("server name must be provided")
	}
	if (paths.Cert == "") != (paths.Key == "") {
		return nil, fmt.Errorf("client certificate and key must be provided together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if paths.Cert != "" {
		certificate, err := tls.LoadX509KeyPair(paths.Cert, paths.Key)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{certificate}
	}

	if paths.CA != "" {
		data, err := os.ReadFile(paths.CA)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("invalid CA bundle")
		}
		tlsConfig.RootCAs = roots
	}

	return tlsConfig, nil
}
