package netutil

import (
	"fmt"
	"net/netip"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// IsIPv4 reports whether addr is an IPv4 (or IPv4-mapped) address.
func IsIPv4(addr netip.Addr) bool {
	return addr.Is4() || addr.Is4In6()
}

// IsIPv6 reports whether addr is a plain IPv6 address.
func IsIPv6(addr netip.Addr) bool {
	return addr.Is6() && !addr.Is4In6()
}

// ParseAddrPort parses "host:port" where host must be an IP literal.
// A missing port is filled in with defaultPort.
func ParseAddrPort(s string, defaultPort uint16) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	// Maybe a bare IP without a port.
	if addr, err := netip.ParseAddr(strings.Trim(s, "[]")); err == nil {
		return netip.AddrPortFrom(addr, defaultPort), nil
	}
	return netip.AddrPort{}, fmt.Errorf("not an ip[:port] address: %q", s)
}

// InterfaceExists reports whether a network interface with the given name
// is present on the host.
func InterfaceExists(name string) bool {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Name == name {
			return true
		}
	}
	return false
}

// InterfaceSourceAddr picks a local address on the named interface that can
// be used as the source of a connection to peer. Family selection follows
// the peer: v4 peers get a v4 source, v6 peers a global v6 source.
func InterfaceSourceAddr(name string, peer netip.Addr) (netip.Addr, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("listing interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Name != name {
			continue
		}
		for _, ifaceAddr := range iface.Addrs {
			pfx, err := netip.ParsePrefix(ifaceAddr.Addr)
			if err != nil {
				continue
			}
			addr := pfx.Addr()
			if addr.IsLinkLocalUnicast() {
				continue
			}
			if IsIPv4(addr) == IsIPv4(peer) {
				return addr, nil
			}
		}
		return netip.Addr{}, fmt.Errorf("interface %q has no usable address for %s", name, peer)
	}

	return netip.Addr{}, fmt.Errorf("no such interface: %q", name)
}
