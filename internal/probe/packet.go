package probe

import (
	"encoding/binary"
)

const (
	// HeaderSize is the size of an ICMP echo header
	HeaderSize = 8
	// MaxPayloadSize is the largest payload a probe will send
	MaxPayloadSize = 1024

	icmpTypeEchoRequest        = 8
	icmpTypeEchoReply          = 0
	icmpDestinationUnreachable = 3
)

// EchoPacket is an ICMP echo request buffer: 8 byte header followed by a
// zero-filled payload. Multi-byte fields are in network byte order.
type EchoPacket struct {
	buf []byte
}

// BuildEchoRequest allocates an echo request with the given identifier,
// sequence and payload size and computes its checksum over the full buffer.
func BuildEchoRequest(id, seq uint16, payloadSize int) *EchoPacket {
	if payloadSize < 0 {
		payloadSize = 0
	}
	buf := make([]byte, HeaderSize+payloadSize)
	buf[0] = icmpTypeEchoRequest
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], seq)
	binary.BigEndian.PutUint16(buf[2:4], Checksum(buf))
	return &EchoPacket{buf: buf}
}

// Advance increments the sequence number and recomputes the checksum over the
// header only. The payload is all zeros, which adds nothing to the one's
// complement sum, so the full buffer still verifies.
func (p *EchoPacket) Advance() {
	seq := binary.BigEndian.Uint16(p.buf[6:8]) + 1
	binary.BigEndian.PutUint16(p.buf[6:8], seq)
	p.buf[2], p.buf[3] = 0, 0
	binary.BigEndian.PutUint16(p.buf[2:4], Checksum(p.buf[:HeaderSize]))
}

// Bytes returns the wire buffer
func (p *EchoPacket) Bytes() []byte { return p.buf }

// Header returns the 8 byte ICMP header
func (p *EchoPacket) Header() []byte { return p.buf[:HeaderSize] }

// Type is the ICMP type, always echo request
func (p *EchoPacket) Type() uint8 { return p.buf[0] }

// Code is the ICMP code, always 0
func (p *EchoPacket) Code() uint8 { return p.buf[1] }

// Checksum returns the checksum field as stored in the header
func (p *EchoPacket) Checksum() uint16 { return binary.BigEndian.Uint16(p.buf[2:4]) }

func (p *EchoPacket) Identifier() uint16 { return binary.BigEndian.Uint16(p.buf[4:6]) }

func (p *EchoPacket) Sequence() uint16 { return binary.BigEndian.Uint16(p.buf[6:8]) }

// Checksum computes the RFC 1071 internet checksum of b. An odd trailing byte
// is summed as if followed by a zero byte.
func Checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	sum = (sum >> 16) + (sum & 0xffff)
	sum += sum >> 16
	return ^uint16(sum)
}
