package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Origin is the ORIGIN attribute value.
type Origin uint8

func (o Origin) String() string {
	if v, ok := OriginValues[o]; ok {
		return v
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(o))
}

// ParseOrigin accepts "igp", "egp" or "incomplete" in any case.
func ParseOrigin(s string) (Origin, error) {
	for o, name := range OriginValues {
		if strings.EqualFold(s, name) {
			return o, nil
		}
	}
	return 0, fmt.Errorf("bgp: unknown origin %q", s)
}

// ASPathSegment is one AS_SET or AS_SEQUENCE segment.
type ASPathSegment struct {
	Type uint8
	ASNs []uint32
}

// ASPath is the decoded AS_PATH attribute.
type ASPath []ASPathSegment

// String renders sequences space-separated and sets in braces,
// e.g. "64512 64513 {64600,64601}".
func (p ASPath) String() string {
	var parts []string
	for _, seg := range p {
		asns := make([]string, len(seg.ASNs))
		for i, asn := range seg.ASNs {
			asns[i] = strconv.FormatUint(uint64(asn), 10)
		}
		switch seg.Type {
		case ASPathSegmentSequence:
			parts = append(parts, strings.Join(asns, " "))
		case ASPathSegmentSet:
			parts = append(parts, "{"+strings.Join(asns, ",")+"}")
		}
	}
	return strings.Join(parts, " ")
}

// OriginASN returns the last ASN of the path. It reports false when the path
// is empty or ends with an AS_SET, where the origin is ambiguous.
func (p ASPath) OriginASN() (uint32, bool) {
	if len(p) == 0 {
		return 0, false
	}
	last := p[len(p)-1]
	if last.Type != ASPathSegmentSequence || len(last.ASNs) == 0 {
		return 0, false
	}
	return last.ASNs[len(last.ASNs)-1], true
}

// Prepend returns a copy of p with asn added to the front of the leading
// AS_SEQUENCE, opening a new segment when needed.
func (p ASPath) Prepend(asn uint32) ASPath {
	out := make(ASPath, 0, len(p)+1)
	if len(p) > 0 && p[0].Type == ASPathSegmentSequence && len(p[0].ASNs) < 255 {
		asns := make([]uint32, 0, len(p[0].ASNs)+1)
		asns = append(asns, asn)
		asns = append(asns, p[0].ASNs...)
		out = append(out, ASPathSegment{Type: ASPathSegmentSequence, ASNs: asns})
		return append(out, p[1:]...)
	}
	out = append(out, ASPathSegment{Type: ASPathSegmentSequence, ASNs: []uint32{asn}})
	return append(out, p...)
}

// Aggregator is the AGGREGATOR attribute. It is informational only.
type Aggregator struct {
	ASN  uint32
	Addr netip.Addr
}

// Community is a standard 32-bit community value.
type Community uint32

func (c Community) String() string {
	return fmt.Sprintf("%d:%d", uint32(c)>>16, uint32(c)&0xffff)
}

// ParseCommunity parses the "asn:value" notation.
func ParseCommunity(s string) (Community, error) {
	hi, lo, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("bgp: community %q is not in asn:value form", s)
	}
	h, err := strconv.ParseUint(hi, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bgp: community %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bgp: community %q: %w", s, err)
	}
	return Community(h<<16 | l), nil
}

// NextHop is the NEXT_HOP attribute.
type NextHop netip.Addr

// MED is the MULTI_EXIT_DISC attribute.
type MED uint32

// LocalPref is the LOCAL_PREF attribute.
type LocalPref uint32

// AtomicAggregate is the zero-length ATOMIC_AGGREGATE marker.
type AtomicAggregate struct{}

// Communities is the COMMUNITY attribute.
type Communities []Community

// MPReachNLRI carries multiprotocol announcements (RFC 4760).
type MPReachNLRI struct {
	Family   Family
	NextHop  netip.Addr
	Prefixes []netip.Prefix
}

// MPUnreachNLRI carries multiprotocol withdrawals (RFC 4760).
type MPUnreachNLRI struct {
	Family   Family
	Prefixes []netip.Prefix
}

// RawAttribute is an attribute with an unrecognized type code, kept verbatim.
type RawAttribute struct {
	Flags uint8
	Type  AttrType
	Data  []byte
}

// AttrValue is the decoded value of one path attribute. Each attribute type
// has its own concrete value type; RawAttribute covers unknown codes.
type AttrValue interface {
	Code() AttrType
}

func (Origin) Code() AttrType { return AttrTypeOrigin }
func (ASPath) Code() AttrType { return AttrTypeASPath }
func (NextHop) Code() AttrType { return AttrTypeNextHop }
func (MED) Code() AttrType { return AttrTypeMED }
func (LocalPref) Code() AttrType { return AttrTypeLocalPref }
func (AtomicAggregate) Code() AttrType { return AttrTypeAtomicAggregate }
func (*Aggregator) Code() AttrType { return AttrTypeAggregator }
func (Communities) Code() AttrType { return AttrTypeCommunity }
func (*MPReachNLRI) Code() AttrType { return AttrTypeMPReachNLRI }
func (*MPUnreachNLRI) Code() AttrType { return AttrTypeMPUnreachNLRI }
func (r *RawAttribute) Code() AttrType { return r.Type }

// PathAttribute is one attribute as it appears on the wire: flags plus value.
type PathAttribute struct {
	Flags uint8
	Value AttrValue
}

// Attributes is the flat attribute set shared by the routes of one UPDATE.
type Attributes struct {
	Origin          Origin
	ASPath          ASPath
	NextHop         netip.Addr
	MED             *uint32
	LocalPref       *uint32
	AtomicAggregate bool
	Aggregator      *Aggregator
	Communities     []Community
	Unknown         []RawAttribute
}

// Clone returns a deep copy of a.
func (a *Attributes) Clone() *Attributes {
	if a == nil {
		return nil
	}
	c := *a
	if a.ASPath != nil {
		c.ASPath = make(ASPath, len(a.ASPath))
		for i, seg := range a.ASPath {
			c.ASPath[i] = ASPathSegment{Type: seg.Type, ASNs: append([]uint32(nil), seg.ASNs...)}
		}
	}
	if a.MED != nil {
		v := *a.MED
		c.MED = &v
	}
	if a.LocalPref != nil {
		v := *a.LocalPref
		c.LocalPref = &v
	}
	if a.Aggregator != nil {
		v := *a.Aggregator
		c.Aggregator = &v
	}
	if a.Communities != nil {
		c.Communities = append([]Community(nil), a.Communities...)
	}
	if a.Unknown != nil {
		c.Unknown = append([]RawAttribute(nil), a.Unknown...)
	}
	return &c
}

// PathAttributes lists the set in type-code order, ready for encoding.
// Unknown attributes are carried only when optional transitive, with the
// Partial bit set.
func (a *Attributes) PathAttributes() []PathAttribute {
	attrs := []PathAttribute{
		{Flags: AttrFlagTransitive, Value: a.Origin},
		{Flags: AttrFlagTransitive, Value: a.ASPath},
	}
	if a.NextHop.Is4() {
		attrs = append(attrs, PathAttribute{Flags: AttrFlagTransitive, Value: NextHop(a.NextHop)})
	}
	if a.MED != nil {
		attrs = append(attrs, PathAttribute{Flags: AttrFlagOptional, Value: MED(*a.MED)})
	}
	if a.LocalPref != nil {
		attrs = append(attrs, PathAttribute{Flags: AttrFlagTransitive, Value: LocalPref(*a.LocalPref)})
	}
	if a.AtomicAggregate {
		attrs = append(attrs, PathAttribute{Flags: AttrFlagTransitive, Value: AtomicAggregate{}})
	}
	if a.Aggregator != nil {
		attrs = append(attrs, PathAttribute{Flags: AttrFlagOptional | AttrFlagTransitive, Value: a.Aggregator})
	}
	if len(a.Communities) > 0 {
		attrs = append(attrs, PathAttribute{Flags: AttrFlagOptional | AttrFlagTransitive, Value: Communities(a.Communities)})
	}
	for i := range a.Unknown {
		u := a.Unknown[i]
		if u.Flags&(AttrFlagOptional|AttrFlagTransitive) != AttrFlagOptional|AttrFlagTransitive {
			continue
		}
		u.Flags |= AttrFlagPartial
		attrs = append(attrs, PathAttribute{Flags: u.Flags, Value: &u})
	}
	return attrs
}

// DecodedAttributes is the result of decoding an UPDATE's attribute block.
type DecodedAttributes struct {
	Attrs     *Attributes
	MPReach   *MPReachNLRI
	MPUnreach *MPUnreachNLRI
	Warnings  []string

	seen [256]bool
}

// Has reports whether an attribute of type t was present.
func (d *DecodedAttributes) Has(t AttrType) bool {
	return d.seen[t]
}

// attrDecoder is the per-call decode context: the accumulator for one
// attribute block. It is never reused across calls.
type attrDecoder struct {
	opts DecodeOptions
	out  *DecodedAttributes
}

// DecodeAttributes decodes a complete path attribute block. Every malformed
// attribute is reported as Notify(3,2) carrying the offending bytes; unknown
// type codes and unsupported multiprotocol families are recorded as warnings
// and skipped.
func DecodeAttributes(data []byte, opts DecodeOptions) (*DecodedAttributes, error) {
	d := &attrDecoder{
		opts: opts,
		out:  &DecodedAttributes{Attrs: &Attributes{}},
	}
	for rest := data; len(rest) > 0; {
		n, err := d.next(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]
	}
	return d.out, nil
}

func attrError(raw []byte, format string, args ...any) error {
	return Notify(ErrCodeUpdateMessage, ErrSubAttributeDecode, append([]byte(nil), raw...), format, args...)
}

// next decodes the attribute at the front of buf and returns its encoded size.
func (d *attrDecoder) next(buf []byte) (int, error) {
	if len(buf) < 3 {
		return 0, attrError(buf, "attribute header truncated (%d bytes)", len(buf))
	}
	flags, typ := buf[0], AttrType(buf[1])

	hdrLen := 3
	length := int(buf[2])
	if flags&AttrFlagExtendedLength != 0 {
		if len(buf) < 4 {
			return 0, attrError(buf, "%s extended length truncated", typ)
		}
		hdrLen = 4
		length = int(binary.BigEndian.Uint16(buf[2:4]))
	}
	if hdrLen+length > len(buf) {
		return 0, attrError(buf, "%s declares %d bytes, %d remain", typ, length, len(buf)-hdrLen)
	}
	raw := buf[:hdrLen+length]

	if d.out.seen[typ] {
		return 0, Notify(ErrCodeUpdateMessage, ErrSubMalformedAttributeList, nil, "duplicate %s attribute", typ)
	}
	d.out.seen[typ] = true

	val, err := d.decodeValue(flags, typ, raw[hdrLen:])
	if err != nil {
		return 0, attrError(raw, "%s: %v", typ, err)
	}
	if val != nil {
		d.apply(PathAttribute{Flags: flags, Value: val})
	}
	return len(raw), nil
}

func (d *attrDecoder) warnf(format string, args ...any) {
	d.out.Warnings = append(d.out.Warnings, fmt.Sprintf(format, args...))
}

func (d *attrDecoder) asnWidth() int {
	if d.opts.FourOctetAS {
		return 4
	}
	return 2
}

// decodeValue dispatches on the type code. A nil value with a nil error
// means the attribute was skipped.
func (d *attrDecoder) decodeValue(flags uint8, typ AttrType, data []byte) (AttrValue, error) {
	switch typ {
	case AttrTypeOrigin:
		if len(data) != 1 {
			return nil, fmt.Errorf("length %d, want 1", len(data))
		}
		if _, ok := OriginValues[Origin(data[0])]; !ok {
			return nil, fmt.Errorf("invalid value %d", data[0])
		}
		return Origin(data[0]), nil
	case AttrTypeASPath:
		return decodeASPath(data, d.asnWidth())
	case AttrTypeNextHop:
		if len(data) != 4 {
			return nil, fmt.Errorf("length %d, want 4", len(data))
		}
		return NextHop(netip.AddrFrom4([4]byte(data))), nil
	case AttrTypeMED:
		if len(data) != 4 {
			return nil, fmt.Errorf("length %d, want 4", len(data))
		}
		return MED(binary.BigEndian.Uint32(data)), nil
	case AttrTypeLocalPref:
		if len(data) != 4 {
			return nil, fmt.Errorf("length %d, want 4", len(data))
		}
		return LocalPref(binary.BigEndian.Uint32(data)), nil
	case AttrTypeAtomicAggregate:
		if len(data) != 0 {
			return nil, fmt.Errorf("length %d, want 0", len(data))
		}
		return AtomicAggregate{}, nil
	case AttrTypeAggregator:
		w := d.asnWidth()
		if len(data) != w+4 {
			return nil, fmt.Errorf("length %d, want %d", len(data), w+4)
		}
		return &Aggregator{
			ASN:  readASN(data, w),
			Addr: netip.AddrFrom4([4]byte(data[w:])),
		}, nil
	case AttrTypeCommunity:
		if len(data)%4 != 0 {
			return nil, fmt.Errorf("length %d is not a multiple of 4", len(data))
		}
		comms := make(Communities, 0, len(data)/4)
		for i := 0; i < len(data); i += 4 {
			comms = append(comms, Community(binary.BigEndian.Uint32(data[i:i+4])))
		}
		return comms, nil
	case AttrTypeMPReachNLRI:
		return d.decodeMPReach(data)
	case AttrTypeMPUnreachNLRI:
		return d.decodeMPUnreach(data)
	}
	d.warnf("unknown attribute %s (flags 0x%02x, %d bytes) skipped", typ, flags, len(data))
	return &RawAttribute{Flags: flags, Type: typ, Data: append([]byte(nil), data...)}, nil
}

// apply folds one decoded attribute into the accumulator.
func (d *attrDecoder) apply(pa PathAttribute) {
	a := d.out.Attrs
	switch v := pa.Value.(type) {
	case Origin:
		a.Origin = v
	case ASPath:
		a.ASPath = v
	case NextHop:
		a.NextHop = netip.Addr(v)
	case MED:
		m := uint32(v)
		a.MED = &m
	case LocalPref:
		lp := uint32(v)
		a.LocalPref = &lp
	case AtomicAggregate:
		a.AtomicAggregate = true
	case *Aggregator:
		a.Aggregator = v
	case Communities:
		a.Communities = []Community(v)
	case *MPReachNLRI:
		d.out.MPReach = v
	case *MPUnreachNLRI:
		d.out.MPUnreach = v
	case *RawAttribute:
		a.Unknown = append(a.Unknown, *v)
	}
}

func readASN(b []byte, width int) uint32 {
	if width == 4 {
		return binary.BigEndian.Uint32(b)
	}
	return uint32(binary.BigEndian.Uint16(b))
}

func decodeASPath(data []byte, width int) (ASPath, error) {
	path := ASPath{}
	for offset := 0; offset < len(data); {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("segment header truncated at offset %d", offset)
		}
		segType := data[offset]
		segLen := int(data[offset+1])
		offset += 2

		if segType != ASPathSegmentSet && segType != ASPathSegmentSequence {
			return nil, fmt.Errorf("invalid segment type %d", segType)
		}
		if offset+segLen*width > len(data) {
			return nil, fmt.Errorf("segment of %d ASNs truncated at offset %d", segLen, offset)
		}

		asns := make([]uint32, segLen)
		for i := range asns {
			asns[i] = readASN(data[offset:], width)
			offset += width
		}
		path = append(path, ASPathSegment{Type: segType, ASNs: asns})
	}
	return path, nil
}

// decodeMPFamily reads the AFI/SAFI header. Unsupported families return
// ok=false after recording a warning.
func (d *attrDecoder) decodeMPFamily(typ AttrType, data []byte) (Family, bool) {
	f := Family{AFI: binary.BigEndian.Uint16(data[0:2]), SAFI: data[2]}
	if !f.Supported() {
		d.warnf("%s for unsupported family %s skipped", typ, f)
		return f, false
	}
	return f, true
}

func (d *attrDecoder) decodeMPReach(data []byte) (AttrValue, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("length %d, want at least 5", len(data))
	}
	f, ok := d.decodeMPFamily(AttrTypeMPReachNLRI, data)
	if !ok {
		return nil, nil
	}

	nhLen := int(data[3])
	offset := 4
	if offset+nhLen > len(data) {
		return nil, fmt.Errorf("next hop of %d bytes truncated", nhLen)
	}
	nhData := data[offset : offset+nhLen]
	var nh netip.Addr
	switch nhLen {
	case 4:
		nh = netip.AddrFrom4([4]byte(nhData))
	case 16:
		nh = netip.AddrFrom16([16]byte(nhData))
	case 32:
		nh = pickNextHop(nhData)
	default:
		return nil, fmt.Errorf("invalid next hop length %d", nhLen)
	}
	offset += nhLen

	// Skip SNPA entries (RFC 4760: 1-byte count, then N x {1-byte len, len semi-octets}).
	if offset >= len(data) {
		return nil, fmt.Errorf("SNPA count missing")
	}
	snpaCount := int(data[offset])
	offset++
	for i := 0; i < snpaCount; i++ {
		if offset >= len(data) {
			return nil, fmt.Errorf("SNPA %d truncated", i)
		}
		snpaByteLen := (int(data[offset]) + 1) / 2
		offset++
		if offset+snpaByteLen > len(data) {
			return nil, fmt.Errorf("SNPA %d truncated", i)
		}
		offset += snpaByteLen
	}

	prefixes, err := decodePrefixes(data[offset:], f)
	if err != nil {
		return nil, err
	}
	return &MPReachNLRI{Family: f, NextHop: nh, Prefixes: prefixes}, nil
}

// pickNextHop reduces a 32-byte global+link-local next hop to one address.
// Only the first octet of each half is inspected: the second half is used
// when the first looks link-local (0xfe) and the second does not.
func pickNextHop(nh []byte) netip.Addr {
	if nh[0] == 0xfe && nh[16] != 0xfe {
		return netip.AddrFrom16([16]byte(nh[16:32]))
	}
	return netip.AddrFrom16([16]byte(nh[:16]))
}

func (d *attrDecoder) decodeMPUnreach(data []byte) (AttrValue, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("length %d, want at least 3", len(data))
	}
	f, ok := d.decodeMPFamily(AttrTypeMPUnreachNLRI, data)
	if !ok {
		return nil, nil
	}
	prefixes, err := decodePrefixes(data[3:], f)
	if err != nil {
		return nil, err
	}
	return &MPUnreachNLRI{Family: f, Prefixes: prefixes}, nil
}

// appendAttribute appends the wire encoding of pa. The extended-length flag
// is set whenever the value exceeds 255 bytes.
func appendAttribute(b []byte, pa PathAttribute, fourOctetAS bool) []byte {
	val := encodeValue(pa.Value, fourOctetAS)
	flags := pa.Flags
	if len(val) > 255 {
		flags |= AttrFlagExtendedLength
	}
	b = append(b, flags, byte(pa.Value.Code()))
	if flags&AttrFlagExtendedLength != 0 {
		b = binary.BigEndian.AppendUint16(b, uint16(len(val)))
	} else {
		b = append(b, byte(len(val)))
	}
	return append(b, val...)
}

func appendASN(b []byte, asn uint32, fourOctetAS bool) []byte {
	if fourOctetAS {
		return binary.BigEndian.AppendUint32(b, asn)
	}
	if asn > 0xffff {
		asn = uint32(ASTrans)
	}
	return binary.BigEndian.AppendUint16(b, uint16(asn))
}

func encodeValue(v AttrValue, fourOctetAS bool) []byte {
	switch v := v.(type) {
	case Origin:
		return []byte{byte(v)}
	case ASPath:
		var b []byte
		for _, seg := range v {
			b = append(b, seg.Type, byte(len(seg.ASNs)))
			for _, asn := range seg.ASNs {
				b = appendASN(b, asn, fourOctetAS)
			}
		}
		return b
	case NextHop:
		return netip.Addr(v).AsSlice()
	case MED:
		return binary.BigEndian.AppendUint32(nil, uint32(v))
	case LocalPref:
		return binary.BigEndian.AppendUint32(nil, uint32(v))
	case AtomicAggregate:
		return nil
	case *Aggregator:
		b := appendASN(nil, v.ASN, fourOctetAS)
		return append(b, v.Addr.AsSlice()...)
	case Communities:
		b := make([]byte, 0, 4*len(v))
		for _, c := range v {
			b = binary.BigEndian.AppendUint32(b, uint32(c))
		}
		return b
	case *MPReachNLRI:
		b := binary.BigEndian.AppendUint16(nil, v.Family.AFI)
		nh := v.NextHop.AsSlice()
		b = append(b, v.Family.SAFI, byte(len(nh)))
		b = append(b, nh...)
		b = append(b, 0) // no SNPAs
		for _, p := range v.Prefixes {
			b = appendPrefix(b, p)
		}
		return b
	case *MPUnreachNLRI:
		b := binary.BigEndian.AppendUint16(nil, v.Family.AFI)
		b = append(b, v.Family.SAFI)
		for _, p := range v.Prefixes {
			b = appendPrefix(b, p)
		}
		return b
	case *RawAttribute:
		return v.Data
	}
	return nil
}
