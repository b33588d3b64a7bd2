package encap

import (
	"encoding/binary"

	"github.com/gopacket/gopacket"
)

// IPv4Checksum returns the header checksum of hdr as if its checksum field
// were zero. hdr must hold exactly the header, options included.
func IPv4Checksum(hdr []byte) uint16 {
	csum := gopacket.ComputeChecksum(hdr[:10], 0)
	csum = gopacket.ComputeChecksum(hdr[12:], csum)
	return gopacket.FoldChecksum(csum)
}

// SetIPv4Checksum recomputes and stores the checksum of hdr.
func SetIPv4Checksum(hdr []byte) {
	binary.BigEndian.PutUint16(hdr[10:12], IPv4Checksum(hdr))
}

// ValidIPv4Checksum reports whether the ones'-complement sum over the whole
// header, checksum included, is 0xffff.
func ValidIPv4Checksum(hdr []byte) bool {
	return gopacket.FoldChecksum(gopacket.ComputeChecksum(hdr, 0)) == 0
}
