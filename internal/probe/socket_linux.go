//go:build linux

package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// rawConn is a non-blocking AF_INET/SOCK_RAW/IPPROTO_ICMP socket. The kernel
// builds the IPv4 header on send; reads include it.
type rawConn struct {
	fd int
}

// DialICMP opens a raw ICMP socket. It requires CAP_NET_RAW.
func DialICMP() (Conn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSocket, err)
	}
	return &rawConn{fd: fd}, nil
}

func (c *rawConn) SetRecvErr(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(c.fd, unix.IPPROTO_IP, unix.IP_RECVERR, v); err != nil {
		return fmt.Errorf("set IP_RECVERR: %w", err)
	}
	return nil
}

func (c *rawConn) SetTTL(ttl int) error {
	if err := unix.SetsockoptInt(c.fd, unix.IPPROTO_IP, unix.IP_TTL, ttl); err != nil {
		return fmt.Errorf("set IP_TTL: %w", err)
	}
	return nil
}

func (c *rawConn) TTL() (int, error) {
	ttl, err := unix.GetsockoptInt(c.fd, unix.IPPROTO_IP, unix.IP_TTL)
	if err != nil {
		return 0, fmt.Errorf("get IP_TTL: %w", err)
	}
	return ttl, nil
}

func (c *rawConn) BindSource(addr netip.Addr) error {
	if !addr.Is4() {
		return fmt.Errorf("bind source %s: not an IPv4 address", addr)
	}
	if err := unix.Bind(c.fd, &unix.SockaddrInet4{Addr: addr.As4()}); err != nil {
		return fmt.Errorf("bind source %s: %w", addr, err)
	}
	return nil
}

func (c *rawConn) BindInterface(name string) error {
	if err := unix.BindToDevice(c.fd, name); err != nil {
		return fmt.Errorf("bind to device %s: %w", name, err)
	}
	return nil
}

func (c *rawConn) SendTo(b []byte, dst netip.Addr) (int, error) {
	if !dst.Is4() {
		return 0, fmt.Errorf("send to %s: not an IPv4 address", dst)
	}
	return unix.SendmsgN(c.fd, b, nil, &unix.SockaddrInet4{Addr: dst.As4()}, 0)
}

func (c *rawConn) Recv(b []byte) (int, error) {
	for {
		n, _, err := unix.Recvfrom(c.fd, b, 0)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return 0, ErrWouldBlock
		default:
			return 0, err
		}
	}
}

// struct sock_extended_err, followed by the offender's sockaddr_in
const sizeofSockExtendedErr = 16

func (c *rawConn) RecvErr(b []byte) (QueuedError, error) {
	oob := make([]byte, unix.CmsgSpace(sizeofSockExtendedErr+unix.SizeofSockaddrInet4))
	for {
		_, oobn, _, _, err := unix.Recvmsg(c.fd, b, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
		switch {
		case err == nil:
			return parseQueuedError(oob[:oobn])
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return QueuedError{}, ErrWouldBlock
		default:
			return QueuedError{}, fmt.Errorf("read error queue: %w", err)
		}
	}
}

func parseQueuedError(oob []byte) (QueuedError, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return QueuedError{}, fmt.Errorf("parse error queue: %w", err)
	}
	for _, m := range msgs {
		if m.Header.Level != unix.IPPROTO_IP || m.Header.Type != unix.IP_RECVERR || len(m.Data) < sizeofSockExtendedErr {
			continue
		}
		qe := QueuedError{
			Errno:  syscall.Errno(binary.NativeEndian.Uint32(m.Data[0:4])),
			Origin: m.Data[4],
			Type:   m.Data[5],
			Code:   m.Data[6],
		}
		if sa := m.Data[sizeofSockExtendedErr:]; len(sa) >= unix.SizeofSockaddrInet4 &&
			binary.NativeEndian.Uint16(sa[0:2]) == unix.AF_INET {
			qe.Offender = netip.AddrFrom4([4]byte(sa[4:8]))
		}
		return qe, nil
	}
	return QueuedError{}, errors.New("parse error queue: no IP_RECVERR message")
}

func (c *rawConn) Fd() int { return c.fd }

func (c *rawConn) Close() error {
	return unix.Close(c.fd)
}
