package model

import (
	"errors"
	"fmt"
	"strings"
)

// VPNProtocol is a concrete transport the tunnel can be started with.
type VPNProtocol string

var _ fmt.Stringer = VPNProtocol("")

// String implements fmt.Stringer
func (p VPNProtocol) String() string {
	return string(p)
}

// The names match the keys used by the server API in EntryPerProtocol.
const (
	WireGuardUDP = VPNProtocol("WireGuardUDP")
	WireGuardTCP = VPNProtocol("WireGuardTCP")
	WireGuardTLS = VPNProtocol("WireGuardTLS")
	OpenVPNUDP   = VPNProtocol("OpenVPNUDP")
	OpenVPNTCP   = VPNProtocol("OpenVPNTCP")
	IKEv2        = VPNProtocol("IKEv2")
)

// AllProtocols lists every known protocol in smart-protocol priority order.
var AllProtocols = []VPNProtocol{
	WireGuardUDP,
	WireGuardTCP,
	OpenVPNUDP,
	OpenVPNTCP,
	WireGuardTLS,
	IKEv2,
}

// ErrUnknownProtocol is returned when parsing an unknown protocol name.
var ErrUnknownProtocol = errors.New("unknown vpn protocol")

// ParseVPNProtocol parses a protocol name case-insensitively.
func ParseVPNProtocol(s string) (VPNProtocol, error) {
	for _, p := range AllProtocols {
		if strings.EqualFold(string(p), s) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}

// Priority returns the smart-protocol priority. Lower wins.
func (p VPNProtocol) Priority() int {
	for i, candidate := range AllProtocols {
		if candidate == p {
			return i
		}
	}
	return len(AllProtocols)
}

// Transport returns the transport mode used on the wire.
func (p VPNProtocol) Transport() Transport {
	switch p {
	case WireGuardUDP, OpenVPNUDP, IKEv2:
		return TransportUDP
	case WireGuardTLS:
		return TransportTLS
	default:
		return TransportTCP
	}
}

// IsWireGuard returns true for any WireGuard flavour.
func (p VPNProtocol) IsWireGuard() bool {
	switch p {
	case WireGuardUDP, WireGuardTCP, WireGuardTLS:
		return true
	default:
		return false
	}
}

// Transport is the network transport mode (udp, tcp, tls).
type Transport string

const (
	TransportUDP = Transport("udp")
	TransportTCP = Transport("tcp")
	TransportTLS = Transport("tls")
)

// Network returns the name to pass to a dialer.
func (t Transport) Network() string {
	if t == TransportUDP {
		return "udp"
	}
	return "tcp"
}

// ConnectionProtocol is either an explicit [VPNProtocol] or smart
// selection. The zero value is smart.
type ConnectionProtocol struct {
	// Protocol is the explicit protocol, empty for smart selection.
	Protocol VPNProtocol
}

// Smart is the smart protocol.
var Smart = ConnectionProtocol{}

// Explicit returns a ConnectionProtocol pinned to p.
func Explicit(p VPNProtocol) ConnectionProtocol {
	return ConnectionProtocol{Protocol: p}
}

// IsSmart returns whether the caller asked us to probe and choose.
func (cp ConnectionProtocol) IsSmart() bool {
	return cp.Protocol == ""
}

// String implements fmt.Stringer
func (cp ConnectionProtocol) String() string {
	if cp.IsSmart() {
		return "Smart"
	}
	return cp.Protocol.String()
}

// ParseConnectionProtocol accepts "smart" or a protocol name.
func ParseConnectionProtocol(s string) (ConnectionProtocol, error) {
	if s == "" || strings.EqualFold(s, "smart") {
		return Smart, nil
	}
	p, err := ParseVPNProtocol(s)
	if err != nil {
		return ConnectionProtocol{}, err
	}
	return Explicit(p), nil
}

// TransportCandidate is a (protocol, transport, ports) tuple that the
// availability checker may probe.
type TransportCandidate struct {
	Protocol  VPNProtocol
	Transport Transport
	Ports     []int
}

// NewTransportCandidate creates a candidate for the given protocol and ports.
func NewTransportCandidate(p VPNProtocol, ports []int) TransportCandidate {
	return TransportCandidate{
		Protocol:  p,
		Transport: p.Transport(),
		Ports:     append([]int{}, ports...),
	}
}

// DefaultPorts contains the default ports for each protocol.
var DefaultPorts = map[VPNProtocol][]int{
	WireGuardUDP: {443, 88, 1224, 51820, 500, 4500},
	WireGuardTCP: {443},
	WireGuardTLS: {443},
	OpenVPNUDP:   {80, 51820, 4569, 1194, 5060},
	OpenVPNTCP:   {443, 7770, 8443},
	IKEv2:        {500},
}
