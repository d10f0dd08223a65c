//go:build linux

package route

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

// Variables for mocking in tests
var (
	fetchRoutes = func(dst netip.Addr) ([]rtnetlink.RouteMessage, error) {
		c, err := rtnetlink.Dial(nil)
		if err != nil {
			return nil, err
		}
		defer c.Close()

		return c.Route.Get(&rtnetlink.RouteMessage{
			Family:     unix.AF_INET,
			Table:      unix.RT_TABLE_MAIN,
			Attributes: rtnetlink.RouteAttributes{Dst: dst.AsSlice()},
		})
	}
	interfaceByIndex = net.InterfaceByIndex
)

func lookup(dst netip.Addr) (Route, error) {
	msgs, err := fetchRoutes(dst)
	if err != nil {
		return Route{}, fmt.Errorf("route lookup %s: %w", dst, err)
	}
	return fromMessages(dst, msgs)
}

// fromMessages converts an RTM_GETROUTE answer. The kernel returns exactly
// one route, already the most specific.
func fromMessages(dst netip.Addr, msgs []rtnetlink.RouteMessage) (Route, error) {
	switch {
	case len(msgs) == 0:
		return Route{}, fmt.Errorf("%w: %s", ErrNoRoute, dst)
	case len(msgs) > 1:
		return Route{}, fmt.Errorf("multiple routes found for %s", dst)
	}
	m := msgs[0]

	got, ok := netip.AddrFromSlice(m.Attributes.Dst)
	if !ok || got.Unmap() != dst {
		return Route{}, fmt.Errorf("%w: %s", ErrNoRoute, dst)
	}
	src, ok := netip.AddrFromSlice(m.Attributes.Src)
	if !ok {
		return Route{}, fmt.Errorf("route to %s has no source address", dst)
	}
	var gw netip.Addr
	if addr, ok := netip.AddrFromSlice(m.Attributes.Gateway); ok {
		gw = addr.Unmap()
	}

	ifi, err := interfaceByIndex(int(m.Attributes.OutIface))
	if err != nil {
		return Route{}, fmt.Errorf("interface index %d: %w", m.Attributes.OutIface, err)
	}
	if ifi.Flags&net.FlagUp == 0 {
		return Route{}, fmt.Errorf("interface %s is down", ifi.Name)
	}

	return Route{
		Destination: dst,
		Gateway:     gw,
		Source:      src.Unmap(),
		Interface:   ifi,
	}, nil
}
