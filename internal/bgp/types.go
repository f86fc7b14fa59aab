package bgp

import (
	"fmt"
	"net/netip"
	"strings"
)

// BGP message types.
const (
	MsgTypeOpen         uint8 = 1
	MsgTypeUpdate       uint8 = 2
	MsgTypeNotification uint8 = 3
	MsgTypeKeepalive    uint8 = 4
)

// Framing: marker(16) + length(2) + type(1) = 19
const (
	MarkerSize     = 16
	HeaderSize     = 19
	MaxMessageSize = 4096
)

// Minimum total message lengths per type (RFC 4271 §4).
const (
	minOpenSize         = 29
	minUpdateSize       = 23
	minNotificationSize = 21
	keepaliveSize       = 19
)

// Version is the only protocol version spoken.
const Version uint8 = 4

// ASTrans is the 2-octet placeholder ASN sent when the real ASN needs 4 octets (RFC 6793).
const ASTrans uint16 = 23456

// AttrType is a path attribute type code.
type AttrType uint8

// BGP path attribute type codes.
const (
	AttrTypeOrigin          AttrType = 1
	AttrTypeASPath          AttrType = 2
	AttrTypeNextHop         AttrType = 3
	AttrTypeMED             AttrType = 4
	AttrTypeLocalPref       AttrType = 5
	AttrTypeAtomicAggregate AttrType = 6
	AttrTypeAggregator      AttrType = 7
	AttrTypeCommunity       AttrType = 8
	AttrTypeMPReachNLRI     AttrType = 14
	AttrTypeMPUnreachNLRI   AttrType = 15
)

var attrTypeNames = map[AttrType]string{
	AttrTypeOrigin:          "ORIGIN",
	AttrTypeASPath:          "AS_PATH",
	AttrTypeNextHop:         "NEXT_HOP",
	AttrTypeMED:             "MULTI_EXIT_DISC",
	AttrTypeLocalPref:       "LOCAL_PREF",
	AttrTypeAtomicAggregate: "ATOMIC_AGGREGATE",
	AttrTypeAggregator:      "AGGREGATOR",
	AttrTypeCommunity:       "COMMUNITY",
	AttrTypeMPReachNLRI:     "MP_REACH_NLRI",
	AttrTypeMPUnreachNLRI:   "MP_UNREACH_NLRI",
}

func (t AttrType) String() string {
	if n, ok := attrTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("ATTR(%d)", uint8(t))
}

// Path attribute flag bits.
const (
	AttrFlagOptional       uint8 = 0x80
	AttrFlagTransitive     uint8 = 0x40
	AttrFlagPartial        uint8 = 0x20
	AttrFlagExtendedLength uint8 = 0x10
)

// AFI codes.
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2
)

// SAFI codes.
const (
	SAFIUnicast   uint8 = 1
	SAFIMulticast uint8 = 2
)

// AS_PATH segment types.
const (
	ASPathSegmentSet      uint8 = 1
	ASPathSegmentSequence uint8 = 2
)

// Origin values.
const (
	OriginIGP        Origin = 0
	OriginEGP        Origin = 1
	OriginIncomplete Origin = 2
)

// OriginValues maps ORIGIN codes to their display names.
var OriginValues = map[Origin]string{
	OriginIGP:        "IGP",
	OriginEGP:        "EGP",
	OriginIncomplete: "INCOMPLETE",
}

// Family is an (AFI, SAFI) pair.
type Family struct {
	AFI  uint16
	SAFI uint8
}

var (
	IPv4Unicast = Family{AFI: AFIIPv4, SAFI: SAFIUnicast}
	IPv6Unicast = Family{AFI: AFIIPv6, SAFI: SAFIUnicast}
)

func (f Family) String() string {
	switch f {
	case IPv4Unicast:
		return "ipv4-unicast"
	case IPv6Unicast:
		return "ipv6-unicast"
	}
	return fmt.Sprintf("afi%d-safi%d", f.AFI, f.SAFI)
}

// Supported reports whether prefixes of this family can be decoded.
func (f Family) Supported() bool {
	return f == IPv4Unicast || f == IPv6Unicast
}

// Version returns 4 or 6 for supported families and 0 otherwise.
func (f Family) Version() int {
	switch f.AFI {
	case AFIIPv4:
		return 4
	case AFIIPv6:
		return 6
	default:
		return 0
	}
}

func (f Family) addrLen() int {
	if f.AFI == AFIIPv4 {
		return 4
	}
	return 16
}

// ParseFamily parses "ipv4-unicast" / "ipv6-unicast" (and the bare "ipv4"/"ipv6" shorthands).
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ipv4-unicast", "ipv4":
		return IPv4Unicast, nil
	case "ipv6-unicast", "ipv6":
		return IPv6Unicast, nil
	}
	return Family{}, fmt.Errorf("bgp: unsupported address family %q", s)
}

// FamilyOf returns the unicast family matching the address of p.
func FamilyOf(p netip.Prefix) Family {
	if p.Addr().Is4() {
		return IPv4Unicast
	}
	return IPv6Unicast
}

// Message is one decoded BGP message. The concrete types are *Open, *Update,
// *Notification, *Keepalive and *NoOp.
type Message interface {
	MsgType() uint8
}

// Keepalive carries no body.
type Keepalive struct{}

func (*Keepalive) MsgType() uint8 { return MsgTypeKeepalive }

// NoOp is returned when no data is pending (Type 0) or when a message of an
// unrecognized type is passed through in non-strict mode.
type NoOp struct {
	Type uint8
	Body []byte
}

func (n *NoOp) MsgType() uint8 { return n.Type }

// Operation tags a route as announced or withdrawn.
type Operation uint8

const (
	OpAnnounce Operation = iota
	OpWithdraw
)

func (o Operation) String() string {
	if o == OpWithdraw {
		return "withdraw"
	}
	return "announce"
}

// Action returns the single-letter action code used in route events ("A" or "D").
func (o Operation) Action() string {
	if o == OpWithdraw {
		return "D"
	}
	return "A"
}

// Route is one prefix extracted from, or destined for, an UPDATE.
type Route struct {
	Family  Family
	Prefix  netip.Prefix
	Op      Operation
	NextHop netip.Addr
	Attrs   *Attributes // nil for withdrawals
}

func (r Route) String() string {
	if r.Op == OpWithdraw {
		return fmt.Sprintf("withdraw %s", r.Prefix)
	}
	return fmt.Sprintf("announce %s via %s", r.Prefix, r.NextHop)
}
