package probe

import (
	"errors"
	"net/netip"
	"syscall"
	"time"
)

var (
	ErrSocket     = errors.New("raw socket unavailable")
	ErrTimer      = errors.New("timer unavailable")
	ErrWouldBlock = errors.New("no datagram ready")
)

// Conn is the raw ICMP transport owned by a single probe
type Conn interface {
	// SetRecvErr enables delivery of ICMP errors on the socket error queue
	SetRecvErr(on bool) error
	SetTTL(ttl int) error
	// TTL reads the time to live back from the socket
	TTL() (int, error)
	BindSource(addr netip.Addr) error
	BindInterface(name string) error
	SendTo(b []byte, dst netip.Addr) (int, error)
	// Recv reads one datagram, IP header included. It returns ErrWouldBlock
	// when nothing is queued.
	Recv(b []byte) (int, error)
	// RecvErr reads one entry off the socket error queue. It returns
	// ErrWouldBlock when the queue is empty.
	RecvErr(b []byte) (QueuedError, error)
	Fd() int
	Close() error
}

// QueuedError is an ICMP error the kernel queued for a request sent on the socket
type QueuedError struct {
	Errno    syscall.Errno
	Origin   uint8
	Type     uint8
	Code     uint8
	Offender netip.Addr // host or router that sent the ICMP error, if known
}

// Unreachable reports an ICMP destination unreachable or errno EHOSTUNREACH/ENETUNREACH
func (e QueuedError) Unreachable() bool {
	return e.Type == icmpDestinationUnreachable ||
		e.Errno == syscall.EHOSTUNREACH || e.Errno == syscall.ENETUNREACH
}

// Dialer opens a Conn
type Dialer func() (Conn, error)

// Timer is a periodic timer exposed as a pollable descriptor
type Timer interface {
	Fd() int
	// Read drains the timer and returns the number of expirations since the last read
	Read() (uint64, error)
	Close() error
}

// TimerFactory creates a Timer that first fires after initial and then every interval
type TimerFactory func(initial, interval time.Duration) (Timer, error)
