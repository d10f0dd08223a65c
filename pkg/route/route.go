package route

import (
	"errors"
	"net"
	"net/netip"
)

var ErrNoRoute = errors.New("no route to destination")

// Route is the kernel's choice of path towards a single destination
type Route struct {
	Destination netip.Addr
	Gateway     netip.Addr // invalid for directly connected destinations
	Source      netip.Addr
	Interface   *net.Interface
}

// Direct reports whether the destination is on a connected network
func (r Route) Direct() bool { return !r.Gateway.IsValid() }

// Lookup asks the kernel which route it would use to reach dst
func Lookup(dst netip.Addr) (Route, error) {
	if !dst.Is4() {
		return Route{}, errors.New("route lookup needs an IPv4 destination")
	}
	return lookup(dst)
}
