//go:build !linux

package probe

import (
	"errors"
	"fmt"
	"time"
)

// DialICMP is only implemented on Linux
func DialICMP() (Conn, error) {
	return nil, fmt.Errorf("%w: %w", ErrSocket, errors.ErrUnsupported)
}

// NewTimer is only implemented on Linux
func NewTimer(initial, interval time.Duration) (Timer, error) {
	return nil, fmt.Errorf("%w: %w", ErrTimer, errors.ErrUnsupported)
}
