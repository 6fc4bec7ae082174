// Package probe determines the host's current routable LAN address.
//
// Candidates are every non-loopback address on an up interface. Selection is
// tiered: the operator's preferred subnet, then any private range (RFC 1918
// and IPv6 unique-local), then public addresses, then anything else such as
// link-local. Interfaces created by container runtimes (docker0, veth*, br-*)
// are demoted and only used when nothing else carries an address.
package probe
