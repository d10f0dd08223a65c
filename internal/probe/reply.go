package probe

import (
	"errors"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	ErrShortPacket  = errors.New("packet too short to decode")
	ErrNotEchoReply = errors.New("not an ICMP echo reply")
)

// EchoReply holds the fields of a received echo reply needed to match it to a probe
type EchoReply struct {
	Source     netip.Addr
	TTL        uint8
	Identifier uint16
	Sequence   uint16
	Length     int // bytes read from the socket, IP header included
}

// DecodeEchoReply parses an IPv4 datagram as read from a raw ICMP socket and
// returns the echo reply it carries.
func DecodeEchoReply(data []byte) (EchoReply, error) {
	var reply EchoReply
	if len(data) < 20+HeaderSize {
		return reply, ErrShortPacket
	}

	packet := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return reply, ErrShortPacket
	}
	ip := ipLayer.(*layers.IPv4)
	if ip.Protocol != layers.IPProtocolICMPv4 {
		return reply, ErrNotEchoReply
	}

	icmpLayer := packet.Layer(layers.LayerTypeICMPv4)
	if icmpLayer == nil {
		return reply, ErrShortPacket
	}
	icmp4 := icmpLayer.(*layers.ICMPv4)
	if icmp4.TypeCode != layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0) {
		return reply, ErrNotEchoReply
	}

	if src, ok := netip.AddrFromSlice(ip.SrcIP.To4()); ok {
		reply.Source = src
	}
	reply.TTL = ip.TTL
	reply.Identifier = icmp4.Id
	reply.Sequence = icmp4.Seq
	reply.Length = len(data)
	return reply, nil
}
