package iface

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

var (
	ErrInterfaceDown = errors.New("interface is down")
	ErrNoIPv4        = errors.New("interface has no IPv4 address")
)

// lookupFunc is replaced in tests
var lookupFunc = net.InterfaceByName

// Lookup returns the named interface if it exists and is up
func Lookup(name string) (*net.Interface, error) {
	ifi, err := lookupFunc(name)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %q: %w", name, err)
	}
	if !IsUp(ifi) {
		return nil, fmt.Errorf("%s: %w", name, ErrInterfaceDown)
	}
	return ifi, nil
}

// IsUp reports whether the interface is administratively up
func IsUp(ifi *net.Interface) bool {
	if ifi == nil {
		return false
	}
	return ifi.Flags&net.FlagUp != 0
}

// FirstIPv4 returns the first IPv4 address among addrs, which are typically
// the result of (*net.Interface).Addrs.
func FirstIPv4(addrs []net.Addr) (netip.Addr, error) {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if addr, ok := netip.AddrFromSlice(ip.To4()); ok {
			return addr, nil
		}
	}
	return netip.Addr{}, ErrNoIPv4
}
