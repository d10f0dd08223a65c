//go:build !linux

package monitor

import "errors"

// NewEpoll is only implemented on Linux
func NewEpoll() (Poller, error) {
	return nil, errors.ErrUnsupported
}
