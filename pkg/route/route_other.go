//go:build !linux

package route

import (
	"errors"
	"net/netip"
)

func lookup(netip.Addr) (Route, error) {
	return Route{}, errors.ErrUnsupported
}
