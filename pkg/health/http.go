package health

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker requests a URL and accepts a status range. Over HTTPS it can
// pin the served certificate, and a healthy result names the serial the
// proxy presented.
type HTTPChecker struct {
	URL               string
	Method            string
	ExpectedStatusMin int
	ExpectedStatusMax int
	Timeout           time.Duration

	// TLS is used for https URLs; nil means system roots
	TLS *tls.Config
}

// NewHTTPChecker returns a GET checker accepting 200-399
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:               url,
		Method:            http.MethodGet,
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Timeout:           10 * time.Second,
	}
}

// Check performs one request and evaluates its status code
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return failed(start, fmt.Sprintf("failed to create request: %v", err))
	}

	client := &http.Client{
		Timeout: h.Timeout,
		Transport: &http.Transport{
			TLSClientConfig:   h.TLS,
			DisableKeepAlives: true,
		},
		// Report redirects as-is; the proxy answers plain HTTP with 301.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return failed(start, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax

	message := fmt.Sprintf("HTTP %d", resp.StatusCode)
	switch {
	case !healthy:
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.ExpectedStatusMin, h.ExpectedStatusMax)
	case resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0:
		message = fmt.Sprintf("%s, serial %s", message, resp.TLS.PeerCertificates[0].SerialNumber)
	}

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithStatusRange sets the expected status code range
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.ExpectedStatusMin = min
	h.ExpectedStatusMax = max
	return h
}

// WithTimeout sets the request timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Timeout = timeout
	return h
}

// WithTrustedCertificate makes the checker trust only cert and verify it for
// serverName. Used to confirm the proxy serves the installed certificate.
func (h *HTTPChecker) WithTrustedCertificate(cert *x509.Certificate, serverName string) *HTTPChecker {
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	h.TLS = &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	return h
}
