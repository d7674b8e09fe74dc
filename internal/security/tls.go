package security

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// TLSOptions describes how the registry's certificate is verified.
type TLSOptions struct {
	// CAFile is a PEM bundle replacing the system roots when set.
	CAFile string
	// ServerName overrides the name checked against the certificate.
	ServerName string
	// PinnedSPKI holds hex SHA-256 hashes of acceptable SubjectPublicKeyInfo.
	// When non-empty, at least one certificate in the chain must match.
	PinnedSPKI []string
}

// NewClientTLSConfig builds a verify-full client configuration.
func NewClientTLSConfig(opts TLSOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: opts.ServerName,
	}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", opts.CAFile)
		}
		cfg.RootCAs = pool
	}

	if len(opts.PinnedSPKI) > 0 {
		pins := make(map[string]struct{}, len(opts.PinnedSPKI))
		for _, p := range opts.PinnedSPKI {
			pins[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
		}
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return verifyPins(cs.PeerCertificates, pins)
		}
	}

	return cfg, nil
}

// verifyPins runs after standard chain verification.
func verifyPins(certs []*x509.Certificate, pins map[string]struct{}) error {
	if len(certs) == 0 {
		return errors.New("no peer certificates presented")
	}
	for _, cert := range certs {
		if _, ok := pins[SPKIHash(cert)]; ok {
			return nil
		}
	}
	return fmt.Errorf("certificate pin verification failed for %s", certs[0].Subject.CommonName)
}

// SPKIHash calculates the hex SHA-256 hash of a certificate's SubjectPublicKeyInfo
func SPKIHash(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(hash[:])
}
