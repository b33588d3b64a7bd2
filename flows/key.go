package flows

import (
	"encoding/binary"
	"fmt"
	"net"

	"l4lb/header"
)

// Key identifies a flow. Addresses are in network byte order, ports are
// host order values decoded from the wire.
type Key struct {
	SrcAddr [4]byte
	DstAddr [4]byte
	SrcPort uint16
	DstPort uint16
}

// KeyOf builds the flow key of a decoded packet.
func KeyOf(p *header.Packet) Key {
	return Key{
		SrcAddr: p.IP.Src,
		DstAddr: p.IP.Dst,
		SrcPort: p.UDP.SrcPort,
		DstPort: p.UDP.DstPort,
	}
}

// bytes lays the key out as it appears on the wire.
func (k Key) bytes() [12]byte {
	var b [12]byte
	copy(b[0:4], k.SrcAddr[:])
	copy(b[4:8], k.DstAddr[:])
	binary.BigEndian.PutUint16(b[8:10], k.SrcPort)
	binary.BigEndian.PutUint16(b[10:12], k.DstPort)
	return b
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d->%s:%d",
		net.IP(k.SrcAddr[:]), k.SrcPort, net.IP(k.DstAddr[:]), k.DstPort)
}
