// Package netutil provides network utility functions.
package netutil

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ValidateBindHost checks that a listener host can be bound: empty, an
// unspecified address, localhost, or an address on a local interface.
func ValidateBindHost(host string) error {
	if host == "" || host == "localhost" {
		return nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("invalid IP address: %s", host)
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsLoopback() {
		return nil
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return fmt.Errorf("getting interface addresses: %w", err)
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ifAddr, ok := netip.AddrFromSlice(ip); ok && ifAddr.Unmap() == addr {
			return nil
		}
	}

	return fmt.Errorf("IP %s not found on any local interface", host)
}

// ParsePrefix parses a CIDR, or a bare address as a single-host prefix.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// ParsePrefixes parses a CIDR list. The first invalid entry is reported.
func ParsePrefixes(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		p, err := ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ContainsAddr reports whether any prefix contains addr.
func ContainsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// SourceAddr extracts the client address from an http.Request RemoteAddr.
// IPv4-mapped IPv6 addresses are unmapped and zones are dropped.
func SourceAddr(remoteAddr string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(ParseHost(remoteAddr))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid remote address %q: %w", remoteAddr, err)
	}
	return addr.Unmap().WithZone(""), nil
}

// ParseHost extracts the host from a host:port string.
func ParseHost(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		// Might not have a port
		return strings.Trim(hostport, "[]")
	}
	return host
}

// JoinHostPort formats a listen address.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, fmt.Sprint(port))
}
