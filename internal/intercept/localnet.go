package intercept

//
// Misconfigured local networks
//
// Interfaces should use the RFC1918 or RFC3927 ranges for local addresses.
// When one does not, the OS may route traffic for those "local" addresses
// outside the tunnel. The kill switch forces all traffic through the
// tunnel, so we suggest enabling it.
//

import (
	"context"
	"net"
	"net/netip"

	"github.com/vpncore/vpncore/internal/model"
)

// privateRanges are the ranges a local network is expected to use.
var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
}

// Interface is an IPv4 configured network interface.
type Interface struct {
	// Name is the interface name.
	Name string

	// Flags are the interface flags.
	Flags net.Flags

	// Address is the interface address with the netmask length.
	Address netip.Prefix

	// DefaultRoute is true for the interface used to reach the internet.
	DefaultRoute bool
}

// Suspect returns whether the interface is up, not loopback nor
// point-to-point, and its subnet falls outside the private ranges.
func (i Interface) Suspect() bool {
	if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagRunning == 0 {
		return false
	}
	if i.Flags&(net.FlagLoopback|net.FlagPointToPoint) != 0 {
		return false
	}
	if !i.Address.IsValid() || !i.Address.Addr().Is4() {
		return false
	}
	subnet := i.Address.Masked()
	for _, private := range privateRanges {
		if private.Bits() <= subnet.Bits() && private.Contains(subnet.Addr()) {
			return false
		}
	}
	return true
}

// SubnetDescription returns the address with its prefix length, e.g.
// "100.64.1.2/10".
func (i Interface) SubnetDescription() string {
	return i.Address.String()
}

// InterfaceProvider lists the local interfaces.
type InterfaceProvider interface {
	Interfaces() ([]Interface, error)
}

// Decision is the user answer to a misconfigured network warning.
type Decision int

const (
	// DecisionConnectAnyway keeps the current configuration.
	DecisionConnectAnyway = Decision(iota)

	// DecisionEnableKillSwitch turns the kill switch on.
	DecisionEnableKillSwitch
)

// Decider asks the user what to do about a suspect interface.
type Decider interface {
	Decide(ctx context.Context, iface Interface) (Decision, error)
}

// DeciderFunc adapts a function to [Decider].
type DeciderFunc func(ctx context.Context, iface Interface) (Decision, error)

// Decide implements Decider
func (fx DeciderFunc) Decide(ctx context.Context, iface Interface) (Decision, error) {
	return fx(ctx, iface)
}

// Always returns a [Decider] always answering d.
func Always(d Decision) Decider {
	return DeciderFunc(func(ctx context.Context, iface Interface) (Decision, error) {
		return d, nil
	})
}

// LocalNetworkPolicy intercepts connections when a local interface uses a
// non-private range and the kill switch is off.
type LocalNetworkPolicy struct {
	// Enabled gates the whole check.
	Enabled bool

	// Interfaces lists the local interfaces.
	Interfaces InterfaceProvider

	// Alerts is told about the suspect interface before deciding.
	Alerts model.AlertService

	// Decider models the user choice. When nil the policy intercepts and
	// leaves the choice to whoever confirms the intercepted connection.
	Decider Decider

	// Logger is the logger to use.
	Logger model.Logger
}

var _ Policy = &LocalNetworkPolicy{}

// Name implements Policy
func (p *LocalNetworkPolicy) Name() string {
	return "misconfigured_local_network"
}

// ShouldIntercept implements Policy
func (p *LocalNetworkPolicy) ShouldIntercept(
	ctx context.Context, protocol model.ConnectionProtocol, killSwitch bool) (Result, error) {
	// the kill switch already routes everything through the tunnel
	if !p.Enabled || killSwitch {
		return Allow, nil
	}
	interfaces, err := p.Interfaces.Interfaces()
	if err != nil {
		p.Logger.Warnf("intercept: cannot list interfaces: %s", err.Error())
		return Allow, nil
	}
	suspect := findSuspect(interfaces)
	if suspect == nil {
		return Allow, nil
	}
	p.Logger.Warnf("intercept: interface %s uses %s", suspect.Name, suspect.SubnetDescription())

	if p.Alerts != nil {
		p.Alerts.Present(model.AlertMisconfiguredLocalNetwork, map[string]string{
			"interface": suspect.Name,
			"subnet":    suspect.SubnetDescription(),
		})
	}
	if p.Decider == nil {
		return Result{
			Intercept:        true,
			NewProtocol:      protocol,
			EnableKillSwitch: true,
		}, nil
	}
	decision, err := p.Decider.Decide(ctx, *suspect)
	if err != nil {
		return Allow, err
	}
	if decision != DecisionEnableKillSwitch {
		return Allow, nil
	}
	return Result{
		Intercept:        true,
		NewProtocol:      protocol,
		EnableKillSwitch: true,
	}, nil
}

// findSuspect returns the first suspect interface, looking at the default
// route interface first.
func findSuspect(interfaces []Interface) *Interface {
	for i := range interfaces {
		if interfaces[i].DefaultRoute && interfaces[i].Suspect() {
			return &interfaces[i]
		}
	}
	for i := range interfaces {
		if interfaces[i].Suspect() {
			return &interfaces[i]
		}
	}
	return nil
}
