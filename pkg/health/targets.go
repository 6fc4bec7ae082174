package health

import (
	"crypto/x509"
	"net"
	"strconv"
	"time"

	"github.com/cuemby/netident/pkg/types"
)

// UpstreamTargets returns a TCP target per upstream
func UpstreamTargets(upstreams []types.Upstream, timeout time.Duration) []Target {
	targets := make([]Target, 0, len(upstreams))
	for _, u := range upstreams {
		targets = append(targets, Target{
			Name:    "upstream/" + u.Name,
			Checker: NewTCPChecker(u.Address()).WithTimeout(timeout),
		})
	}
	return targets
}

// ProxyTarget returns an HTTPS target against the identity's primary address
// that only succeeds when the proxy presents cert for that address. Any HTTP
// status below 500 counts as healthy; the upstream itself is checked
// separately.
func ProxyTarget(identity *types.NetworkIdentity, httpsPort int, cert *x509.Certificate, timeout time.Duration) Target {
	ip := identity.PrimaryIP.String()
	host := net.JoinHostPort(ip, strconv.Itoa(httpsPort))

	checker := NewHTTPChecker("https://"+host+"/").
		WithStatusRange(100, 499).
		WithTimeout(timeout).
		WithTrustedCertificate(cert, ip)

	return Target{Name: "proxy/" + host, Checker: checker}
}
