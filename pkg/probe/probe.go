package probe

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/cuemby/netident/pkg/log"
	"github.com/cuemby/netident/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNoAddressFound is returned when the host has no usable non-loopback address
var ErrNoAddressFound = errors.New("no non-loopback address found")

// DefaultSkipInterfaces are name prefixes of virtual interfaces created by
// container runtimes. Their addresses are used only when nothing else exists.
var DefaultSkipInterfaces = []string{"veth", "docker", "br-", "cni", "flannel", "virbr"}

// InterfaceAddr is one address assigned to a network interface
type InterfaceAddr struct {
	Interface string
	Flags     net.Flags
	Addr      net.Addr
}

// InterfaceSource enumerates interface addresses
type InterfaceSource interface {
	Addrs() ([]InterfaceAddr, error)
}

// SystemInterfaces reads addresses from the host's network stack
type SystemInterfaces struct{}

// Addrs implements InterfaceSource
func (SystemInterfaces) Addrs() ([]InterfaceAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	var result []InterfaceAddr
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			result = append(result, InterfaceAddr{
				Interface: iface.Name,
				Flags:     iface.Flags,
				Addr:      addr,
			})
		}
	}
	return result, nil
}

// Options configures address selection
type Options struct {
	// PreferredSubnet is the operator-designated subnet tried first
	PreferredSubnet *net.IPNet
	// SkipInterfaces are interface name prefixes demoted below all others
	SkipInterfaces []string
}

// Prober determines the host's current routable LAN address
type Prober struct {
	source InterfaceSource
	opts   Options
	logger zerolog.Logger
}

// NewProber creates a prober over source. A nil source reads the host.
func NewProber(source InterfaceSource, opts Options) *Prober {
	if source == nil {
		source = SystemInterfaces{}
	}
	if opts.SkipInterfaces == nil {
		opts.SkipInterfaces = DefaultSkipInterfaces
	}
	return &Prober{
		source: source,
		opts:   opts,
		logger: log.WithComponent("probe"),
	}
}

// Candidates returns every non-loopback address on an up interface, classified
func (p *Prober) Candidates() ([]types.AddressCandidate, error) {
	addrs, err := p.source.Addrs()
	if err != nil {
		return nil, err
	}

	var candidates []types.AddressCandidate
	for _, a := range addrs {
		if a.Flags&net.FlagLoopback != 0 || a.Flags&net.FlagUp == 0 {
			continue
		}

		var ip net.IP
		var network *net.IPNet
		switch v := a.Addr.(type) {
		case *net.IPNet:
			ip, network = v.IP, &net.IPNet{IP: v.IP.Mask(v.Mask), Mask: v.Mask}
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}

		candidates = append(candidates, types.AddressCandidate{
			Interface: a.Interface,
			IP:        ip,
			Network:   network,
			Class:     Classify(ip, p.opts.PreferredSubnet),
			Demoted:   hasPrefix(a.Interface, p.opts.SkipInterfaces),
		})
	}
	return candidates, nil
}

// Probe selects one address. Policy, in order: first address in the
// preferred subnet on any interface, first private address, first public
// address, then any remaining address. For the fallback tiers, demoted
// interfaces are only considered when no other interface has an address.
func (p *Prober) Probe() (types.AddressCandidate, error) {
	candidates, err := p.Candidates()
	if err != nil {
		return types.AddressCandidate{}, err
	}

	for _, c := range candidates {
		if c.Class == types.SubnetPreferred {
			return p.selected(c, len(candidates)), nil
		}
	}

	var primary, demoted []types.AddressCandidate
	for _, c := range candidates {
		if c.Demoted {
			demoted = append(demoted, c)
		} else {
			primary = append(primary, c)
		}
	}

	for _, pool := range [][]types.AddressCandidate{primary, demoted} {
		if c, ok := Select(pool); ok {
			return p.selected(c, len(candidates)), nil
		}
	}

	return types.AddressCandidate{}, ErrNoAddressFound
}

func (p *Prober) selected(c types.AddressCandidate, total int) types.AddressCandidate {
	p.logger.Debug().
		Str("address", c.IP.String()).
		Str("interface", c.Interface).
		Str("class", string(c.Class)).
		Bool("demoted", c.Demoted).
		Int("candidates", total).
		Msg("Selected address")
	return c
}

// Select applies the tiered policy to an ordered candidate list
func Select(candidates []types.AddressCandidate) (types.AddressCandidate, bool) {
	tiers := []types.SubnetClass{
		types.SubnetPreferred,
		types.SubnetPrivate,
		types.SubnetPublic,
		types.SubnetUnknown,
	}
	for _, tier := range tiers {
		for _, c := range candidates {
			if c.Class == tier {
				return c, true
			}
		}
	}
	return types.AddressCandidate{}, false
}

// Classify places ip into a subnet class
func Classify(ip net.IP, preferred *net.IPNet) types.SubnetClass {
	switch {
	case preferred != nil && preferred.Contains(ip):
		return types.SubnetPreferred
	case ip.IsPrivate():
		return types.SubnetPrivate
	case ip.IsGlobalUnicast():
		return types.SubnetPublic
	default:
		return types.SubnetUnknown
	}
}

// ParseSubnet parses a CIDR preference. An empty string means no preference.
func ParseSubnet(cidr string) (*net.IPNet, error) {
	cidr = strings.TrimSpace(cidr)
	if cidr == "" {
		return nil, nil
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", cidr, err)
	}
	return network, nil
}

func hasPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
