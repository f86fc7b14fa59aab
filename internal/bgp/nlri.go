package bgp

import (
	"fmt"
	"net/netip"
)

// decodePrefixes parses a self-delimited run of (length, prefix octets) NLRI
// entries for the given family.
func decodePrefixes(data []byte, f Family) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	addrLen := f.addrLen()
	maxBits := addrLen * 8

	offset := 0
	for offset < len(data) {
		bits := int(data[offset])
		offset++

		// Reject prefix lengths that exceed the AFI maximum.
		if bits > maxBits {
			return prefixes, fmt.Errorf("prefix length %d exceeds %d bits at offset %d", bits, maxBits, offset-1)
		}

		byteLen := (bits + 7) / 8
		if offset+byteLen > len(data) {
			return prefixes, fmt.Errorf("prefix data truncated at offset %d (need %d, have %d)", offset, byteLen, len(data)-offset)
		}

		var raw [16]byte
		copy(raw[:], data[offset:offset+byteLen])
		offset += byteLen

		var addr netip.Addr
		if addrLen == 4 {
			addr = netip.AddrFrom4([4]byte(raw[:4]))
		} else {
			addr = netip.AddrFrom16(raw)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, bits).Masked())
	}

	return prefixes, nil
}

// prefixSize is the encoded size of p: one length octet plus ceil(bits/8).
func prefixSize(p netip.Prefix) int {
	return 1 + (p.Bits()+7)/8
}

// appendPrefix appends the NLRI encoding of p to b.
func appendPrefix(b []byte, p netip.Prefix) []byte {
	p = p.Masked()
	bits := p.Bits()
	raw := p.Addr().AsSlice()
	b = append(b, byte(bits))
	return append(b, raw[:(bits+7)/8]...)
}
