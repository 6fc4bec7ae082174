package probe

import (
	"errors"
	"net"
	"testing"

	"github.com/cuemby/netident/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	addrs []InterfaceAddr
	err   error
}

func (f fakeSource) Addrs() ([]InterfaceAddr, error) {
	return f.addrs, f.err
}

func ifaddr(name, cidr string) InterfaceAddr {
	ip, network, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}
	network.IP = ip
	return InterfaceAddr{Interface: name, Flags: net.FlagUp | net.FlagBroadcast, Addr: network}
}

func loopback() InterfaceAddr {
	a := ifaddr("lo", "127.0.0.1/8")
	a.Flags |= net.FlagLoopback
	return a
}

func mustSubnet(t *testing.T, cidr string) *net.IPNet {
	t.Helper()
	n, err := ParseSubnet(cidr)
	require.NoError(t, err)
	return n
}

func TestProbeTieredSelection(t *testing.T) {
	tests := []struct {
		name      string
		addrs     []InterfaceAddr
		preferred string
		expected  string
		class     types.SubnetClass
	}{
		{
			name:      "preferred subnet wins over earlier private address",
			addrs:     []InterfaceAddr{loopback(), ifaddr("eth0", "192.168.1.20/24"), ifaddr("wlan0", "10.0.0.9/24")},
			preferred: "10.0.0.0/24",
			expected:  "10.0.0.9",
			class:     types.SubnetPreferred,
		},
		{
			name:      "falls back to private range when preferred absent",
			addrs:     []InterfaceAddr{ifaddr("eth0", "203.0.113.7/24"), ifaddr("eth1", "172.16.4.2/16")},
			preferred: "10.0.0.0/24",
			expected:  "172.16.4.2",
			class:     types.SubnetPrivate,
		},
		{
			name:     "falls back to public address when no private subnet present",
			addrs:    []InterfaceAddr{loopback(), ifaddr("eth0", "203.0.113.7/24")},
			expected: "203.0.113.7",
			class:    types.SubnetPublic,
		},
		{
			name:     "link-local only is still selected as last resort",
			addrs:    []InterfaceAddr{ifaddr("eth0", "169.254.10.10/16")},
			expected: "169.254.10.10",
			class:    types.SubnetUnknown,
		},
		{
			name:     "first private address in enumeration order",
			addrs:    []InterfaceAddr{ifaddr("eth0", "192.168.1.20/24"), ifaddr("eth1", "10.1.1.1/8")},
			expected: "192.168.1.20",
			class:    types.SubnetPrivate,
		},
		{
			name:     "container bridge demoted below public address",
			addrs:    []InterfaceAddr{ifaddr("docker0", "172.17.0.1/16"), ifaddr("eth0", "203.0.113.7/24")},
			expected: "203.0.113.7",
			class:    types.SubnetPublic,
		},
		{
			name:      "preferred subnet wins even on a demoted interface",
			addrs:     []InterfaceAddr{ifaddr("eth0", "192.168.1.20/24"), ifaddr("br-lan", "10.0.0.9/24")},
			preferred: "10.0.0.0/24",
			expected:  "10.0.0.9",
			class:     types.SubnetPreferred,
		},
		{
			name:     "container bridge used when it is the only interface",
			addrs:    []InterfaceAddr{loopback(), ifaddr("docker0", "172.17.0.1/16")},
			expected: "172.17.0.1",
			class:    types.SubnetPrivate,
		},
		{
			name:     "ipv6 unique local is private",
			addrs:    []InterfaceAddr{ifaddr("eth0", "fd00::5/64")},
			expected: "fd00::5",
			class:    types.SubnetPrivate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProber(fakeSource{addrs: tt.addrs}, Options{PreferredSubnet: mustSubnet(t, tt.preferred)})

			c, err := p.Probe()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, c.IP.String())
			assert.Equal(t, tt.class, c.Class)
		})
	}
}

func TestProbeScenarioAddressChangeWithinPreferredSubnet(t *testing.T) {
	p := NewProber(fakeSource{addrs: []InterfaceAddr{loopback(), ifaddr("eth0", "10.0.0.9/24")}},
		Options{PreferredSubnet: mustSubnet(t, "10.0.0.0/24")})

	c, err := p.Probe()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", c.IP.String())
	assert.Equal(t, "eth0", c.Interface)
	assert.Equal(t, "10.0.0.0/24", c.Network.String())
}

func TestProbeNoAddressFound(t *testing.T) {
	down := ifaddr("eth0", "10.0.0.9/24")
	down.Flags = 0

	tests := []struct {
		name  string
		addrs []InterfaceAddr
	}{
		{name: "no interfaces", addrs: nil},
		{name: "loopback only", addrs: []InterfaceAddr{loopback()}},
		{name: "interface down", addrs: []InterfaceAddr{loopback(), down}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProber(fakeSource{addrs: tt.addrs}, Options{}).Probe()
			assert.ErrorIs(t, err, ErrNoAddressFound)
		})
	}
}

func TestProbeSourceError(t *testing.T) {
	boom := errors.New("netlink unavailable")
	_, err := NewProber(fakeSource{err: boom}, Options{}).Probe()
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNoAddressFound)
}

func TestCandidatesClassification(t *testing.T) {
	p := NewProber(fakeSource{addrs: []InterfaceAddr{
		loopback(),
		ifaddr("eth0", "10.0.0.9/24"),
		ifaddr("eth0", "fe80::1/64"),
		ifaddr("veth12ab", "172.18.0.1/16"),
	}}, Options{PreferredSubnet: mustSubnet(t, "10.0.0.0/24")})

	candidates, err := p.Candidates()
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	assert.Equal(t, types.SubnetPreferred, candidates[0].Class)
	assert.Equal(t, types.SubnetUnknown, candidates[1].Class)
	assert.Equal(t, types.SubnetPrivate, candidates[2].Class)
	assert.True(t, candidates[2].Demoted)
	assert.False(t, candidates[0].Demoted)
}

func TestParseSubnet(t *testing.T) {
	n, err := ParseSubnet("")
	require.NoError(t, err)
	assert.Nil(t, n)

	n, err = ParseSubnet(" 192.168.68.0/24 ")
	require.NoError(t, err)
	assert.Equal(t, "192.168.68.0/24", n.String())

	_, err = ParseSubnet("192.168.68.0")
	assert.Error(t, err)
}
