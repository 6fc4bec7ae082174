package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/cuemby/netident/pkg/fsutil"
	"github.com/cuemby/netident/pkg/log"
	"github.com/cuemby/netident/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultValidityDays is the validity window of an issued certificate
	DefaultValidityDays = 365
	// DefaultKeyBits is the RSA key size of an issued certificate
	DefaultKeyBits = 2048
	// DefaultOrganization is the subject organization of an issued certificate
	DefaultOrganization = "netident self-signed"

	// Permissions of installed artifacts
	keyFileMode  = 0600
	certFileMode = 0644

	// Backdate to tolerate small clock differences between host and clients
	notBeforeSkew = 5 * time.Minute
)

// IssuanceError is returned when a certificate cannot be generated or installed.
// The previously installed key and certificate are in place when it is
// returned: a failed install rolls back whichever file was already renamed.
// Only a crash between the two renames can leave a new key beside the old
// certificate; LoadArtifact rejects that pair and the next pass reissues.
type IssuanceError struct {
	Op  string
	Err error
}

func (e *IssuanceError) Error() string {
	return fmt.Sprintf("certificate issuance failed (%s): %v", e.Op, e.Err)
}

func (e *IssuanceError) Unwrap() error {
	return e.Err
}

// IssuerConfig configures where and how certificates are issued
type IssuerConfig struct {
	CertPath     string
	KeyPath      string
	CommonName   string // defaults to the primary name
	Organization string
	KeyBits      int
}

// Issuer produces self-signed leaf certificates for a set of subject names
type Issuer struct {
	cfg    IssuerConfig
	writer fsutil.FileWriter
	now    func() time.Time
	logger zerolog.Logger
}

// NewIssuer creates an issuer. A nil writer installs files atomically.
func NewIssuer(cfg IssuerConfig, writer fsutil.FileWriter) *Issuer {
	if cfg.KeyBits == 0 {
		cfg.KeyBits = DefaultKeyBits
	}
	if cfg.Organization == "" {
		cfg.Organization = DefaultOrganization
	}
	if writer == nil {
		writer = fsutil.NewAtomicWriter()
	}
	return &Issuer{
		cfg:    cfg,
		writer: writer,
		now:    time.Now,
		logger: log.WithComponent("issuer"),
	}
}

// Issue generates a fresh key pair and self-signed certificate covering
// primaryName and subjectNames, then installs both files. IP literals become
// IP SANs and everything else DNS SANs.
func (i *Issuer) Issue(primaryName string, subjectNames []string, validityDays int) (*types.CertificateArtifact, error) {
	artifact, err := i.Generate(primaryName, subjectNames, validityDays)
	if err != nil {
		return nil, err
	}
	if err := i.Install(artifact); err != nil {
		return nil, err
	}

	i.logger.Info().
		Strs("names", artifact.Names).
		Str("serial", artifact.SerialNumber).
		Time("not_after", artifact.NotAfter).
		Msg("Issued certificate")
	return artifact, nil
}

// Generate creates the key pair and certificate in memory without touching disk
func (i *Issuer) Generate(primaryName string, subjectNames []string, validityDays int) (*types.CertificateArtifact, error) {
	names := mergeNames(primaryName, subjectNames)
	if len(names) == 0 {
		return nil, &IssuanceError{Op: "validate", Err: fmt.Errorf("no subject names")}
	}
	if validityDays <= 0 {
		return nil, &IssuanceError{Op: "validate", Err: fmt.Errorf("validity must be positive, got %d days", validityDays)}
	}

	key, err := rsa.GenerateKey(rand.Reader, i.cfg.KeyBits)
	if err != nil {
		return nil, &IssuanceError{Op: "generate key", Err: err}
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, &IssuanceError{Op: "generate serial", Err: err}
	}

	dnsNames, ips := SplitSubjectNames(names)

	commonName := i.cfg.CommonName
	if commonName == "" {
		commonName = names[0]
	}

	now := i.now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{i.cfg.Organization},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-notBeforeSkew),
		NotAfter:              now.Add(time.Duration(validityDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, &IssuanceError{Op: "create certificate", Err: err}
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, &IssuanceError{Op: "parse certificate", Err: err}
	}

	return &types.CertificateArtifact{
		CertPath: i.cfg.CertPath,
		KeyPath:  i.cfg.KeyPath,
		CertPEM: pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: certDER,
		}),
		KeyPEM: pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}),
		Names:        CertificateNames(cert),
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		Fingerprint:  fingerprintDER(certDER),
	}, nil
}

// Install writes the key (owner-only) and certificate (world-readable).
// Both are staged before either replaces the live files.
func (i *Issuer) Install(artifact *types.CertificateArtifact) error {
	if i.cfg.CertPath == "" || i.cfg.KeyPath == "" {
		return &IssuanceError{Op: "install", Err: fmt.Errorf("certificate and key paths are required")}
	}

	err := i.writer.WriteFiles(
		fsutil.File{Path: i.cfg.KeyPath, Data: artifact.KeyPEM, Perm: keyFileMode},
		fsutil.File{Path: i.cfg.CertPath, Data: artifact.CertPEM, Perm: certFileMode},
	)
	if err != nil {
		return &IssuanceError{Op: "install", Err: err}
	}
	return nil
}

// Load reads the currently installed artifact
func (i *Issuer) Load() (*types.CertificateArtifact, error) {
	return LoadArtifact(i.cfg.CertPath, i.cfg.KeyPath)
}

// SplitSubjectNames separates IP literals from DNS names
func SplitSubjectNames(names []string) ([]string, []net.IP) {
	var dnsNames []string
	var ips []net.IP
	for _, name := range names {
		if ip := net.ParseIP(name); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, name)
		}
	}
	return dnsNames, ips
}

// CertificateNames returns a certificate's SANs, IPs first
func CertificateNames(cert *x509.Certificate) []string {
	names := make([]string, 0, len(cert.IPAddresses)+len(cert.DNSNames))
	for _, ip := range cert.IPAddresses {
		names = append(names, ip.String())
	}
	return append(names, cert.DNSNames...)
}

func mergeNames(primary string, others []string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, n := range append([]string{primary}, others...) {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if ip := net.ParseIP(n); ip != nil {
			key = ip.String()
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, n)
	}
	return names
}

func fingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
