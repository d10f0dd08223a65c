//go:build linux

package monitor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const maxEvents = 64

type epoll struct {
	fd     int
	events []unix.EpollEvent
}

// NewEpoll creates an epoll instance watching for readable descriptors
func NewEpoll() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epoll{fd: fd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

func (e *epoll) Add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	return nil
}

func (e *epoll) Remove(fd int) error {
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll remove fd %d: %w", fd, err)
	}
	return nil
}

func (e *epoll) Wait(msec int) ([]int, error) {
	n, err := unix.EpollWait(e.fd, e.events, msec)
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("epoll wait: %w", err)
	}
	ready := make([]int, 0, n)
	for _, ev := range e.events[:n] {
		ready = append(ready, int(ev.Fd))
	}
	return ready, nil
}

func (e *epoll) Close() error {
	return unix.Close(e.fd)
}
