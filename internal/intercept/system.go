package intercept

import (
	"net"
	"net/netip"

	"github.com/jackpal/gateway"
	"github.com/vpncore/vpncore/internal/model"
)

// SystemInterfaces lists the interfaces of this host. The zero value is
// ready to use.
type SystemInterfaces struct {
	// Logger is the optional logger to use.
	Logger model.Logger

	// interfaces overrides net.Interfaces in tests.
	interfaces func() ([]net.Interface, error)

	// addrs overrides (*net.Interface).Addrs in tests.
	addrs func(*net.Interface) ([]net.Addr, error)

	// defaultInterface overrides gateway.DiscoverInterface in tests.
	defaultInterface func() (net.IP, error)
}

var _ InterfaceProvider = &SystemInterfaces{}

// Interfaces implements InterfaceProvider
func (s *SystemInterfaces) Interfaces() ([]Interface, error) {
	list := net.Interfaces
	if s.interfaces != nil {
		list = s.interfaces
	}
	addrs := (*net.Interface).Addrs
	if s.addrs != nil {
		addrs = s.addrs
	}
	discover := gateway.DiscoverInterface
	if s.defaultInterface != nil {
		discover = s.defaultInterface
	}

	ifaces, err := list()
	if err != nil {
		return nil, err
	}
	var defaultIP netip.Addr
	if ip, err := discover(); err == nil {
		defaultIP, _ = netip.AddrFromSlice(ip.To4())
	} else if s.Logger != nil {
		s.Logger.Debugf("intercept: cannot discover the default interface: %s", err.Error())
	}

	out := []Interface{}
	for i := range ifaces {
		iface := &ifaces[i]
		addresses, err := addrs(iface)
		if err != nil {
			continue
		}
		for _, addr := range addresses {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			ip, _ := netip.AddrFromSlice(ipnet.IP.To4())
			bits, size := ipnet.Mask.Size()
			if size == 8*net.IPv6len {
				bits -= 8 * (net.IPv6len - net.IPv4len)
			}
			out = append(out, Interface{
				Name:         iface.Name,
				Flags:        iface.Flags,
				Address:      netip.PrefixFrom(ip, bits),
				DefaultRoute: defaultIP.IsValid() && ip == defaultIP,
			})
		}
	}
	return out, nil
}
