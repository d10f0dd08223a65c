//go:build linux

package probe

import (
	"encoding/binary"
	"net/netip"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func controlMessage(level, typ int32, data []byte) []byte {
	b := make([]byte, unix.CmsgSpace(len(data)))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[0]))
	h.Level = level
	h.Type = typ
	h.SetLen(unix.CmsgLen(len(data)))
	copy(b[unix.CmsgLen(0):], data)
	return b
}

func extendedErr(errno syscall.Errno, typ, code uint8, offender netip.Addr) []byte {
	size := sizeofSockExtendedErr
	if offender.IsValid() {
		size += unix.SizeofSockaddrInet4
	}
	b := make([]byte, size)
	binary.NativeEndian.PutUint32(b[0:4], uint32(errno))
	b[4] = 2 // SO_EE_ORIGIN_ICMP
	b[5], b[6] = typ, code
	if offender.IsValid() {
		binary.NativeEndian.PutUint16(b[16:18], unix.AF_INET)
		a := offender.As4()
		copy(b[20:24], a[:])
	}
	return b
}

func TestParseQueuedError(t *testing.T) {
	router := netip.MustParseAddr("192.0.2.1")

	tests := []struct {
		name    string
		oob     []byte
		want    QueuedError
		wantErr bool
	}{
		{
			name: "host unreachable with offender",
			oob:  controlMessage(unix.IPPROTO_IP, unix.IP_RECVERR, extendedErr(syscall.EHOSTUNREACH, 3, 1, router)),
			want: QueuedError{Errno: syscall.EHOSTUNREACH, Origin: 2, Type: 3, Code: 1, Offender: router},
		},
		{
			name: "no offender",
			oob:  controlMessage(unix.IPPROTO_IP, unix.IP_RECVERR, extendedErr(syscall.EHOSTUNREACH, 3, 0, netip.Addr{})),
			want: QueuedError{Errno: syscall.EHOSTUNREACH, Origin: 2, Type: 3},
		},
		{
			name:    "other control message",
			oob:     controlMessage(unix.IPPROTO_IP, unix.IP_TTL, []byte{64, 0, 0, 0}),
			wantErr: true,
		},
		{
			name:    "empty",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseQueuedError(tt.oob)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Unreachable())
		})
	}
}
