// Package header decodes the Ethernet, IPv4 and UDP headers of a raw frame.
//
// Decoding is the only place that checks buffer bounds. Every offset stored
// in a decoded Packet is guaranteed to lie inside the buffer it was decoded
// from, so code operating on the same buffer afterwards may index it
// directly.
package header

import (
	"errors"
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

const (
	EthLen     = 14
	IPv4MinLen = 20
	UDPLen     = 8

	EtherTypeIPv4 = 0x0800

	ProtoIPIP = 4
	ProtoTCP  = 6
	ProtoUDP  = 17
)

var (
	// ErrTruncatedHeader is returned when the buffer ends before a header does.
	ErrTruncatedHeader = errors.New("truncated header")
	// ErrUnsupportedProtocol marks traffic that is not Ethernet/IPv4/UDP.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	// ErrMalformedLength is returned for an invalid IHL, an IPv4 total
	// length shorter than the header, or a UDP length shorter than the UDP
	// header.
	ErrMalformedLength = errors.New("malformed length")
)

type Ethernet struct {
	Dst       [6]byte
	Src       [6]byte
	EtherType uint16
}

type IPv4 struct {
	IHL      uint8
	TOS      uint8
	TotalLen uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      [4]byte
	Dst      [4]byte
}

// HeaderLen is the IPv4 header size in bytes including options.
func (ip *IPv4) HeaderLen() int {
	return int(ip.IHL) * 4
}

type UDP struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
}

// Packet is the decoded view of an Ethernet/IPv4/UDP frame.
//
// The gopacket layers are kept in the Packet and reused across decodes. They
// alias the decoded buffer and go stale once the frame is rewritten; the
// view fields are copies and stay valid.
type Packet struct {
	Eth  Ethernet
	IP   IPv4
	UDP  UDP
	L3   int // offset of the IPv4 header
	L4   int // offset of the UDP header
	Data int // offset of the UDP payload

	// PayloadLen is the UDP length field minus the UDP header.
	PayloadLen int

	eth layers.Ethernet
	ip4 layers.IPv4
	udp layers.UDP
}

// DecodeFromBytes decodes data into p. It never reads past len(data).
// The returned error is one of the package sentinels, unwrapped, so the
// rejection path does not allocate.
func (p *Packet) DecodeFromBytes(data []byte) error {
	if err := p.DecodeIPv4(data); err != nil {
		return err
	}
	return p.DecodeUDP(data)
}

// DecodeIPv4 decodes the Ethernet and IPv4 headers of data and checks that
// the IPv4 payload is UDP. The UDP header is left to DecodeUDP, so callers
// can filter on the addresses first.
func (p *Packet) DecodeIPv4(data []byte) error {
	if len(data) < EthLen {
		return ErrTruncatedHeader
	}
	if err := p.eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return ErrTruncatedHeader
	}
	p.Eth = Ethernet{EtherType: uint16(p.eth.EthernetType)}
	copy(p.Eth.Dst[:], p.eth.DstMAC)
	copy(p.Eth.Src[:], p.eth.SrcMAC)
	if p.eth.EthernetType != layers.EthernetTypeIPv4 {
		return ErrUnsupportedProtocol
	}

	// gopacket reports its own errors for these, and treats a zero total
	// length as "use the rest of the buffer". Classify them first.
	hdr := p.eth.LayerPayload()
	if len(hdr) < IPv4MinLen {
		return ErrTruncatedHeader
	}
	size := int(hdr[0]&0x0f) * 4
	if size < IPv4MinLen {
		return ErrMalformedLength
	}
	// Options are variable length, check against the declared size.
	if size > len(hdr) {
		return ErrTruncatedHeader
	}
	if totalLen := int(hdr[2])<<8 | int(hdr[3]); totalLen < size {
		return ErrMalformedLength
	}

	if err := p.ip4.DecodeFromBytes(hdr, gopacket.NilDecodeFeedback); err != nil {
		// Only the option list is left to reject.
		return ErrMalformedLength
	}
	p.IP = IPv4{
		IHL:      p.ip4.IHL,
		TOS:      p.ip4.TOS,
		TotalLen: p.ip4.Length,
		TTL:      p.ip4.TTL,
		Protocol: uint8(p.ip4.Protocol),
		Checksum: p.ip4.Checksum,
	}
	copy(p.IP.Src[:], p.ip4.SrcIP)
	copy(p.IP.Dst[:], p.ip4.DstIP)
	p.L3 = EthLen
	p.L4 = EthLen + len(p.ip4.LayerContents())

	if p.ip4.Protocol != layers.IPProtocolUDP {
		return ErrUnsupportedProtocol
	}
	return nil
}

// DecodeUDP decodes the UDP header following a successful DecodeIPv4 on the
// same data.
func (p *Packet) DecodeUDP(data []byte) error {
	if p.L4+UDPLen > len(data) {
		return ErrTruncatedHeader
	}
	// The IPv4 payload is cut to the total length, which may end inside
	// the UDP header even though the buffer does not.
	seg := p.ip4.LayerPayload()
	if len(seg) < UDPLen {
		return ErrMalformedLength
	}
	if err := p.udp.DecodeFromBytes(seg, gopacket.NilDecodeFeedback); err != nil {
		return ErrMalformedLength
	}
	p.UDP = UDP{
		SrcPort: uint16(p.udp.SrcPort),
		DstPort: uint16(p.udp.DstPort),
		Length:  p.udp.Length,
	}

	n := int(p.UDP.Length) - UDPLen
	if n < 0 {
		return ErrMalformedLength
	}
	p.Data = p.L4 + UDPLen
	p.PayloadLen = n
	return nil
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d ttl=%d len=%d",
		net.IP(p.IP.Src[:]), p.UDP.SrcPort,
		net.IP(p.IP.Dst[:]), p.UDP.DstPort,
		p.IP.TTL, p.PayloadLen)
}
