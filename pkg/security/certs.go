package security

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/netident/pkg/types"
)

// DefaultRenewBefore is how long before expiry a certificate is reissued
const DefaultRenewBefore = 30 * 24 * time.Hour

// LoadArtifact loads the installed certificate and checks its key pair
func LoadArtifact(certPath, keyPath string) (*types.CertificateArtifact, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	// Confirms the key matches the certificate
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &types.CertificateArtifact{
		CertPath:     certPath,
		KeyPath:      keyPath,
		CertPEM:      certPEM,
		Names:        CertificateNames(cert),
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		Fingerprint:  fingerprintDER(block.Bytes),
	}, nil
}

// NeedsRotation returns true if the artifact expires within threshold of now
func NeedsRotation(artifact *types.CertificateArtifact, threshold time.Duration, now time.Time) bool {
	if artifact == nil {
		return true
	}
	return artifact.NotAfter.Sub(now) < threshold
}

// TimeRemaining returns the time remaining until the artifact expires
func TimeRemaining(artifact *types.CertificateArtifact, now time.Time) time.Duration {
	if artifact == nil {
		return 0
	}
	return artifact.NotAfter.Sub(now)
}

// CertInfo returns human-readable information about an installed certificate
func CertInfo(artifact *types.CertificateArtifact, now time.Time) map[string]interface{} {
	if artifact == nil {
		return map[string]interface{}{"error": "certificate is nil"}
	}

	return map[string]interface{}{
		"cert_path":      artifact.CertPath,
		"key_path":       artifact.KeyPath,
		"names":          artifact.Names,
		"serial_number":  artifact.SerialNumber,
		"not_before":     artifact.NotBefore.Format(time.RFC3339),
		"not_after":      artifact.NotAfter.Format(time.RFC3339),
		"time_remaining": TimeRemaining(artifact, now).Round(time.Hour).String(),
		"fingerprint":    artifact.Fingerprint,
	}
}
