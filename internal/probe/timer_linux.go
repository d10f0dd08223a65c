//go:build linux

package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// timerFD is a non-blocking CLOCK_MONOTONIC timerfd
type timerFD struct {
	fd int
}

// NewTimer arms a timerfd that first expires after initial and then every interval
func NewTimer(initial, interval time.Duration) (Timer, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: interval %v must be positive", ErrTimer, interval)
	}
	// A zero value disarms a timerfd
	if initial <= 0 {
		initial = time.Nanosecond
	}

	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: timerfd_create: %w", ErrTimer, err)
	}
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
		Value:    unix.NsecToTimespec(initial.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: timerfd_settime: %w", ErrTimer, err)
	}
	return &timerFD{fd: fd}, nil
}

func (t *timerFD) Fd() int { return t.fd }

func (t *timerFD) Read() (uint64, error) {
	var buf [8]byte
	for {
		n, err := unix.Read(t.fd, buf[:])
		switch {
		case err == nil && n == len(buf):
			return binary.NativeEndian.Uint64(buf[:]), nil
		case err == nil:
			return 0, fmt.Errorf("short timerfd read: %d bytes", n)
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, err
		}
	}
}

func (t *timerFD) Close() error {
	return unix.Close(t.fd)
}
