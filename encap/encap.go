// Package encap rewrites a decoded UDP/IPv4 frame into an IP-in-IP frame
// addressed to a backend.
package encap

import (
	"encoding/binary"
	"errors"

	"l4lb/header"
)

// ErrTTLExpired is returned when the inner TTL cannot be decremented into a
// forwardable packet.
var ErrTTLExpired = errors.New("ttl expired")

// ErrTooLarge is returned when the outer total length would overflow.
var ErrTooLarge = errors.New("packet too large to encapsulate")

var errFrameChanged = errors.New("frame does not match decoded packet")

// Check reports whether Encapsulate would reject f. It reads nothing but
// the decoded view and the frame bounds, so a caller can run it before
// committing any state for the packet.
func Check(f *Frame, p *header.Packet) error {
	if p.L3 != header.EthLen || f.Len() < p.L4 {
		return errFrameChanged
	}
	if p.IP.TTL <= 1 {
		return ErrTTLExpired
	}
	if int(p.IP.TotalLen)+header.IPv4MinLen > 0xffff {
		return ErrTooLarge
	}
	if f.Headroom() < header.IPv4MinLen {
		return ErrNoHeadroom
	}
	return nil
}

// Encapsulate prepends an outer IPv4 header to f and readdresses it to
// backend. p must have been decoded from f.Bytes() and the frame must not
// have been modified since.
//
// On return without error f holds:
//
//	ethernet (MACs swapped) | outer IPv4 (proto 4) | inner IPv4 (ttl-1) | UDP ...
//
// On error the frame data is unchanged.
func Encapsulate(f *Frame, p *header.Packet, backend [4]byte) error {
	if err := Check(f, p); err != nil {
		return err
	}

	if err := f.AdjustHead(-header.IPv4MinLen); err != nil {
		return err
	}
	data := f.Bytes()

	const (
		ethOff   = 0
		outerOff = header.EthLen
		innerOff = header.EthLen + header.IPv4MinLen
	)
	innerLen := p.IP.HeaderLen()
	if len(data) < innerOff+innerLen {
		// Unreachable after a successful decode, restore and bail.
		_ = f.AdjustHead(header.IPv4MinLen)
		return errFrameChanged
	}

	// The old ethernet header now sits where the outer IPv4 header goes.
	// Move it to the front before the outer header overwrites it.
	eth := data[ethOff:header.EthLen]
	copy(eth, data[header.IPv4MinLen:innerOff])
	swapMAC(eth)

	inner := data[innerOff : innerOff+innerLen]
	outer := data[outerOff:innerOff]

	outer[0] = 0x45
	outer[1] = inner[1]
	binary.BigEndian.PutUint16(outer[2:4], p.IP.TotalLen+header.IPv4MinLen)
	copy(outer[4:8], inner[4:8]) // id, flags, fragment offset
	outer[8] = inner[8]
	outer[9] = header.ProtoIPIP
	copy(outer[12:16], inner[12:16])
	copy(outer[16:20], backend[:])
	SetIPv4Checksum(outer)

	inner[8]--
	SetIPv4Checksum(inner)
	return nil
}

func swapMAC(eth []byte) {
	var tmp [6]byte
	copy(tmp[:], eth[6:12])
	copy(eth[6:12], eth[0:6])
	copy(eth[0:6], tmp[:])
}
