package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// DefaultLocalPref is sent on iBGP sessions when a route carries no LOCAL_PREF.
const DefaultLocalPref uint32 = 100

// Update is a decoded UPDATE message.
type Update struct {
	// Routes lists withdrawals first, then classic announcements, then
	// routes carried by MP_REACH_NLRI / MP_UNREACH_NLRI.
	Routes []Route
	// Attrs is the attribute set shared by every announced route.
	Attrs    *Attributes
	Warnings []string
	// Raw is a copy of the UPDATE body.
	Raw []byte

	eor *Family
}

func (*Update) MsgType() uint8 { return MsgTypeUpdate }

// EndOfRIB reports whether the UPDATE is an End-of-RIB marker (RFC 4724)
// and for which family.
func (u *Update) EndOfRIB() (Family, bool) {
	if u.eor == nil {
		return Family{}, false
	}
	return *u.eor, true
}

func malformedList(format string, args ...any) error {
	return Notify(ErrCodeUpdateMessage, ErrSubMalformedAttributeList, nil, format, args...)
}

// DecodeUpdate decodes an UPDATE body (after the 19-byte header).
func DecodeUpdate(body []byte, opts DecodeOptions) (*Update, error) {
	if len(body) < 4 {
		return nil, malformedList("update body too short (%d bytes)", len(body))
	}

	withdrawnLen := int(binary.BigEndian.Uint16(body[0:2]))
	if 2+withdrawnLen+2 > len(body) {
		return nil, malformedList("withdrawn length %d exceeds body of %d bytes", withdrawnLen, len(body))
	}
	withdrawnData := body[2 : 2+withdrawnLen]
	offset := 2 + withdrawnLen

	attrLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+attrLen > len(body) {
		return nil, malformedList("path attribute length %d exceeds remaining %d bytes", attrLen, len(body)-offset)
	}
	attrData := body[offset : offset+attrLen]
	nlriData := body[offset+attrLen:]

	withdrawn, err := decodePrefixes(withdrawnData, IPv4Unicast)
	if err != nil {
		return nil, Notify(ErrCodeUpdateMessage, ErrSubInvalidNetworkField, nil, "withdrawn routes: %v", err)
	}
	decoded, err := DecodeAttributes(attrData, opts)
	if err != nil {
		return nil, err
	}
	nlri, err := decodePrefixes(nlriData, IPv4Unicast)
	if err != nil {
		return nil, Notify(ErrCodeUpdateMessage, ErrSubInvalidNetworkField, nil, "nlri: %v", err)
	}

	if err := checkWellKnown(decoded, len(nlri) > 0); err != nil {
		return nil, err
	}

	u := &Update{
		Attrs:    decoded.Attrs,
		Warnings: decoded.Warnings,
		Raw:      append([]byte(nil), body...),
	}
	u.eor = endOfRIB(len(body), withdrawnLen, attrLen, decoded)

	for _, p := range withdrawn {
		u.Routes = append(u.Routes, Route{Family: IPv4Unicast, Prefix: p, Op: OpWithdraw})
	}
	for _, p := range nlri {
		u.Routes = append(u.Routes, Route{
			Family:  IPv4Unicast,
			Prefix:  p,
			Op:      OpAnnounce,
			NextHop: decoded.Attrs.NextHop,
			Attrs:   decoded.Attrs,
		})
	}
	if r := decoded.MPReach; r != nil {
		for _, p := range r.Prefixes {
			u.Routes = append(u.Routes, Route{
				Family:  r.Family,
				Prefix:  p,
				Op:      OpAnnounce,
				NextHop: r.NextHop,
				Attrs:   decoded.Attrs,
			})
		}
	}
	if r := decoded.MPUnreach; r != nil {
		for _, p := range r.Prefixes {
			u.Routes = append(u.Routes, Route{Family: r.Family, Prefix: p, Op: OpWithdraw})
		}
	}
	return u, nil
}

// checkWellKnown enforces the mandatory attributes of an UPDATE that
// announces routes. NEXT_HOP is only required alongside classic NLRI.
func checkWellKnown(d *DecodedAttributes, classicNLRI bool) error {
	announces := classicNLRI || (d.MPReach != nil && len(d.MPReach.Prefixes) > 0)
	if !announces {
		return nil
	}
	required := []AttrType{AttrTypeOrigin, AttrTypeASPath}
	if classicNLRI {
		required = append(required, AttrTypeNextHop)
	}
	for _, t := range required {
		if !d.Has(t) {
			return Notify(ErrCodeUpdateMessage, ErrSubMissingWellKnownAttr, []byte{byte(t)},
				"missing well-known attribute %s", t)
		}
	}
	return nil
}

// endOfRIB detects the End-of-RIB marker: an empty UPDATE for IPv4 unicast,
// or an UPDATE whose only attribute is an empty MP_UNREACH_NLRI.
func endOfRIB(bodyLen, withdrawnLen, attrLen int, d *DecodedAttributes) *Family {
	if bodyLen == 4 {
		f := IPv4Unicast
		return &f
	}
	if withdrawnLen != 0 || bodyLen != 4+attrLen {
		return nil
	}
	r := d.MPUnreach
	if r == nil || len(r.Prefixes) > 0 || d.MPReach != nil {
		return nil
	}
	for t := range d.seen {
		if d.seen[t] && AttrType(t) != AttrTypeMPUnreachNLRI {
			return nil
		}
	}
	f := r.Family
	return &f
}

// EncodeOptions describes the session an UPDATE is encoded for.
type EncodeOptions struct {
	LocalASN    uint32
	PeerASN     uint32
	FourOctetAS bool
	// MaxMessageSize bounds each message; zero means MaxMessageSize.
	MaxMessageSize int
}

func (o EncodeOptions) ebgp() bool { return o.LocalASN != o.PeerASN }

func (o EncodeOptions) maxSize() int {
	if o.MaxMessageSize <= 0 || o.MaxMessageSize > MaxMessageSize {
		return MaxMessageSize
	}
	return o.MaxMessageSize
}

// exportAttributes prepares a route's attributes for the given session:
// eBGP prepends the local ASN and drops LOCAL_PREF, iBGP fills in the
// default LOCAL_PREF.
func exportAttributes(r Route, opts EncodeOptions) *Attributes {
	a := r.Attrs.Clone()
	if a == nil {
		a = &Attributes{Origin: OriginIGP}
	}
	if opts.ebgp() {
		a.ASPath = a.ASPath.Prepend(opts.LocalASN)
		a.LocalPref = nil
	} else if a.LocalPref == nil {
		lp := DefaultLocalPref
		a.LocalPref = &lp
	}
	if r.Family == IPv4Unicast {
		a.NextHop = r.NextHop
	} else {
		a.NextHop = netip.Addr{}
	}
	return a
}

func encodeAttrBlock(attrs []PathAttribute, fourOctetAS bool) []byte {
	var b []byte
	for _, pa := range attrs {
		b = appendAttribute(b, pa, fourOctetAS)
	}
	return b
}

type updateGroup struct {
	family   Family
	nextHop  netip.Addr
	attrs    []byte
	prefixes []netip.Prefix
}

// EncodeUpdates encodes routes as one or more UPDATE messages, none larger
// than the configured maximum. Withdrawals come first; announcements are
// grouped by family, next hop and attribute set so routes sharing
// attributes share a message.
func EncodeUpdates(routes []Route, opts EncodeOptions) ([][]byte, error) {
	var withdrawn4, withdrawn6 []netip.Prefix
	var groups []*updateGroup
	index := make(map[string]*updateGroup)

	for _, r := range routes {
		if !r.Family.Supported() {
			return nil, fmt.Errorf("bgp: cannot encode %s route %s", r.Family, r.Prefix)
		}
		if (r.Family.Version() == 4) != r.Prefix.Addr().Is4() {
			return nil, fmt.Errorf("bgp: prefix %s does not belong to %s", r.Prefix, r.Family)
		}
		if r.Op == OpWithdraw {
			if r.Family == IPv4Unicast {
				withdrawn4 = append(withdrawn4, r.Prefix)
			} else {
				withdrawn6 = append(withdrawn6, r.Prefix)
			}
			continue
		}
		if !r.NextHop.IsValid() {
			return nil, fmt.Errorf("bgp: route %s has no next hop", r.Prefix)
		}
		if r.Family == IPv4Unicast && !r.NextHop.Is4() {
			return nil, fmt.Errorf("bgp: route %s needs an IPv4 next hop, got %s", r.Prefix, r.NextHop)
		}

		attrs := encodeAttrBlock(exportAttributes(r, opts).PathAttributes(), opts.FourOctetAS)
		key := fmt.Sprintf("%s|%s|%x", r.Family, r.NextHop, attrs)
		g, ok := index[key]
		if !ok {
			g = &updateGroup{family: r.Family, nextHop: r.NextHop, attrs: attrs}
			index[key] = g
			groups = append(groups, g)
		}
		g.prefixes = append(g.prefixes, r.Prefix)
	}

	limit := opts.maxSize()
	var msgs [][]byte
	add := func(body []byte) error {
		msg, err := marshalMessage(MsgTypeUpdate, body)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
		return nil
	}

	// Classic withdrawals: wlen + withdrawn + empty attribute block.
	chunks, err := packPrefixes(withdrawn4, limit-HeaderSize-4)
	if err != nil {
		return nil, err
	}
	for _, chunk := range chunks {
		var w []byte
		for _, p := range chunk {
			w = appendPrefix(w, p)
		}
		if err := add(updateBody(w, nil, nil)); err != nil {
			return nil, err
		}
	}

	// MP withdrawals: extended-length attribute header (4) + AFI/SAFI (3).
	chunks, err = packPrefixes(withdrawn6, limit-HeaderSize-4-4-3)
	if err != nil {
		return nil, err
	}
	for _, chunk := range chunks {
		attr := appendAttribute(nil, PathAttribute{
			Flags: AttrFlagOptional | AttrFlagExtendedLength,
			Value: &MPUnreachNLRI{Family: IPv6Unicast, Prefixes: chunk},
		}, opts.FourOctetAS)
		if err := add(updateBody(nil, attr, nil)); err != nil {
			return nil, err
		}
	}

	for _, g := range groups {
		if g.family == IPv4Unicast {
			chunks, err := packPrefixes(g.prefixes, limit-HeaderSize-4-len(g.attrs))
			if err != nil {
				return nil, err
			}
			for _, chunk := range chunks {
				var nlri []byte
				for _, p := range chunk {
					nlri = appendPrefix(nlri, p)
				}
				if err := add(updateBody(nil, g.attrs, nlri)); err != nil {
					return nil, err
				}
			}
			continue
		}

		// MP_REACH: header (4) + AFI/SAFI/nh-len (4) + next hop + SNPA count (1).
		nhLen := len(g.nextHop.AsSlice())
		chunks, err := packPrefixes(g.prefixes, limit-HeaderSize-4-len(g.attrs)-4-4-nhLen-1)
		if err != nil {
			return nil, err
		}
		for _, chunk := range chunks {
			attrs := appendAttribute(append([]byte(nil), g.attrs...), PathAttribute{
				Flags: AttrFlagOptional | AttrFlagExtendedLength,
				Value: &MPReachNLRI{Family: g.family, NextHop: g.nextHop, Prefixes: chunk},
			}, opts.FourOctetAS)
			if err := add(updateBody(nil, attrs, nil)); err != nil {
				return nil, err
			}
		}
	}
	return msgs, nil
}

func updateBody(withdrawn, attrs, nlri []byte) []byte {
	body := make([]byte, 0, 4+len(withdrawn)+len(attrs)+len(nlri))
	body = binary.BigEndian.AppendUint16(body, uint16(len(withdrawn)))
	body = append(body, withdrawn...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(attrs)))
	body = append(body, attrs...)
	return append(body, nlri...)
}

// packPrefixes splits prefixes into runs whose encoded size fits in room bytes.
func packPrefixes(prefixes []netip.Prefix, room int) ([][]netip.Prefix, error) {
	var chunks [][]netip.Prefix
	var cur []netip.Prefix
	used := 0
	for _, p := range prefixes {
		n := prefixSize(p)
		if n > room {
			return nil, fmt.Errorf("bgp: no room for prefix %s: attributes leave %d bytes", p, room)
		}
		if used+n > room {
			chunks = append(chunks, cur)
			cur, used = nil, 0
		}
		cur = append(cur, p)
		used += n
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks, nil
}

// EncodeEndOfRIB returns the End-of-RIB marker for f.
func EncodeEndOfRIB(f Family) ([]byte, error) {
	if f == IPv4Unicast {
		return marshalMessage(MsgTypeUpdate, updateBody(nil, nil, nil))
	}
	attr := appendAttribute(nil, PathAttribute{
		Flags: AttrFlagOptional,
		Value: &MPUnreachNLRI{Family: f},
	}, false)
	return marshalMessage(MsgTypeUpdate, updateBody(nil, attr, nil))
}
