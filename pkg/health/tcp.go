package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

const defaultDialTimeout = 5 * time.Second

// TCPChecker dials an upstream. The upstreams behind the proxy speak plain
// HTTP on the host, so a completed handshake means nginx can reach them.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker returns a checker for a host:port address
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: defaultDialTimeout}
}

// WithTimeout bounds the dial
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}

func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// Check dials once and reports the local address the connection came from
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return failed(start, fmt.Sprintf("dial %s: %v", t.Address, err))
	}
	local := conn.LocalAddr().String()
	conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("accepted connection from %s", local),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
