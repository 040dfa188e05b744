package certs

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// ClientCertExpiry returns the NotAfter timestamp of the first certificate in
// the PEM file at certPath.
func ClientCertExpiry(certPath string) (time.Time, error) {
	if certPath == "" {
		return time.Time{}, fmt.Errorf("certificate path is empty")
	}
	data, err := os.ReadFile(certPath)
	if err != nil {
		return time.Time{}, fmt.Errorf("read certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return time.Time{}, fmt.Errorf("decode certificate: no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse certificate: %w", err)
	}
	return cert.NotAfter, nil
}

// ExpiresWithin reports whether the certificate expires before now+window.
func ExpiresWithin(certPath string, window time.Duration, now time.Time) (bool, time.Time, error) {
	expiry, err := ClientCertExpiry(certPath)
	if err != nil {
		return false, time.Time{}, err
	}
	return expiry.Before(now.Add(window)), expiry, nil
}
