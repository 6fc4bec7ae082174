package types

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// NetworkIdentity is the reconciled network identity of the host
type NetworkIdentity struct {
	PrimaryIP    net.IP    `json:"primary_ip"`
	Hostnames    []string  `json:"hostnames,omitempty"`
	ReconciledAt time.Time `json:"reconciled_at"`
}

// NewNetworkIdentity builds an identity from an address and extra names.
// Hostnames are lowercased and deduplicated, keeping first occurrence order.
func NewNetworkIdentity(ip net.IP, hostnames []string, at time.Time) *NetworkIdentity {
	seen := map[string]bool{ip.String(): true}
	names := make([]string, 0, len(hostnames))
	for _, h := range hostnames {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		names = append(names, h)
	}

	return &NetworkIdentity{
		PrimaryIP:    append(net.IP(nil), ip...),
		Hostnames:    names,
		ReconciledAt: at,
	}
}

// Names returns every subject name bound to the identity, primary IP first
func (n *NetworkIdentity) Names() []string {
	if n == nil {
		return nil
	}
	names := make([]string, 0, len(n.Hostnames)+1)
	names = append(names, n.PrimaryIP.String())
	return append(names, n.Hostnames...)
}

// Equal reports whether two identities bind the same names.
// ReconciledAt is ignored.
func (n *NetworkIdentity) Equal(other *NetworkIdentity) bool {
	if n == nil || other == nil {
		return n == other
	}
	if !n.PrimaryIP.Equal(other.PrimaryIP) {
		return false
	}
	if len(n.Hostnames) != len(other.Hostnames) {
		return false
	}
	for i := range n.Hostnames {
		if n.Hostnames[i] != other.Hostnames[i] {
			return false
		}
	}
	return true
}

func (n *NetworkIdentity) String() string {
	if n == nil {
		return "<none>"
	}
	return strings.Join(n.Names(), ",")
}

// SubnetClass classifies an address for selection
type SubnetClass string

const (
	SubnetPreferred SubnetClass = "preferred"
	SubnetPrivate   SubnetClass = "private"
	SubnetPublic    SubnetClass = "public"
	SubnetUnknown   SubnetClass = "unknown"
)

// AddressCandidate is one non-loopback interface address seen by a probe
type AddressCandidate struct {
	Interface string
	IP        net.IP
	Network   *net.IPNet
	Class     SubnetClass
	// Demoted is set for addresses on interfaces matched by the skip list
	Demoted bool
}

func (c AddressCandidate) String() string {
	return fmt.Sprintf("%s (%s, %s)", c.IP, c.Interface, c.Class)
}

// CertificateArtifact is an issued key/certificate pair and what it was issued for
type CertificateArtifact struct {
	CertPath     string
	KeyPath      string
	CertPEM      []byte `json:"-"`
	KeyPEM       []byte `json:"-"`
	Names        []string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	Fingerprint  string
}

// Covers reports whether the artifact's subject names are a superset of names
func (a *CertificateArtifact) Covers(names []string) bool {
	if a == nil {
		return false
	}
	have := make(map[string]bool, len(a.Names))
	for _, n := range a.Names {
		have[normalizeName(n)] = true
	}
	for _, n := range names {
		if !have[normalizeName(n)] {
			return false
		}
	}
	return true
}

func normalizeName(name string) string {
	if ip := net.ParseIP(name); ip != nil {
		return ip.String()
	}
	return strings.ToLower(name)
}

// Upstream is a backend service exposed through the reverse proxy
type Upstream struct {
	Name        string   `yaml:"name"`
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	PathPrefix  string   `yaml:"path_prefix"`
	StripPrefix bool     `yaml:"strip_prefix,omitempty"`
	Hostnames   []string `yaml:"hostnames,omitempty"` // empty binds every identity name
}

// Address returns the upstream's host:port
func (u Upstream) Address() string {
	return net.JoinHostPort(u.Host, fmt.Sprintf("%d", u.Port))
}

// BindsTo reports whether the upstream should be served under name
func (u Upstream) BindsTo(name string) bool {
	if len(u.Hostnames) == 0 {
		return true
	}
	for _, h := range u.Hostnames {
		if normalizeName(h) == normalizeName(name) {
			return true
		}
	}
	return false
}

// ProxyConfigSnapshot is rendered virtual-host text and the identity it came from
type ProxyConfigSnapshot struct {
	Path        string
	Content     []byte
	Identity    NetworkIdentity
	ServerNames []string
	Fingerprint string
	RenderedAt  time.Time
}

// Fingerprints are digests of the artifacts last installed for an identity
type Fingerprints struct {
	Certificate string `json:"certificate,omitempty"`
	ProxyConfig string `json:"proxy_config,omitempty"`
}

// ComparisonOutcome is the result of comparing a candidate identity to stored state
type ComparisonOutcome string

const (
	Unchanged ComparisonOutcome = "unchanged"
	Changed   ComparisonOutcome = "changed"
)

// Comparison carries the outcome and both sides of an identity comparison.
// Old is nil on first run.
type Comparison struct {
	Outcome ComparisonOutcome
	Old     *NetworkIdentity
	New     *NetworkIdentity
}

// State is a reconciliation controller state
type State string

const (
	StateIdle        State = "idle"
	StateProbing     State = "probing"
	StateComparing   State = "comparing"
	StateReconciling State = "reconciling"
	StateReloading   State = "reloading"
)

// ReconcileReason explains why a pass regenerated artifacts
type ReconcileReason string

const (
	ReasonFirstRun         ReconcileReason = "first_run"
	ReasonAddressChanged   ReconcileReason = "address_changed"
	ReasonNamesChanged     ReconcileReason = "names_changed"
	ReasonForced           ReconcileReason = "forced"
	ReasonArtifactMissing  ReconcileReason = "artifact_missing"
	ReasonArtifactStale    ReconcileReason = "artifact_stale"
	ReasonArtifactExpiring ReconcileReason = "artifact_expiring"
	ReasonConfigDrift      ReconcileReason = "config_drift"
)

// ErrorKind distinguishes failure classes reported to the invoker
type ErrorKind string

const (
	ErrorKindNone          ErrorKind = ""
	ErrorKindNoAddress     ErrorKind = "no_address"
	ErrorKindIssuance      ErrorKind = "issuance"
	ErrorKindRender        ErrorKind = "render"
	ErrorKindStore         ErrorKind = "store"
	ErrorKindReloadWarning ErrorKind = "reload_warning"
	ErrorKindOther         ErrorKind = "other"
)

// ReconcileResult describes one reconciliation pass
type ReconcileResult struct {
	PassID      string
	Candidate   AddressCandidate
	Previous    *NetworkIdentity
	Current     *NetworkIdentity
	Reasons     []ReconcileReason
	Reconciled  bool
	Certificate *CertificateArtifact
	ProxyConfig *ProxyConfigSnapshot
	// ReloadWarning is set when artifacts were installed but the proxy reload failed
	ReloadWarning error
	Transitions   []State
	StartedAt     time.Time
	FinishedAt    time.Time
}

// HasReason reports whether reason is among the pass's reasons
func (r *ReconcileResult) HasReason(reason ReconcileReason) bool {
	for _, have := range r.Reasons {
		if have == reason {
			return true
		}
	}
	return false
}
