package history

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/session"
)

// RouteEvent is one announced or withdrawn route as published to Kafka.
type RouteEvent struct {
	EventID      string    `json:"event_id"`
	Time         time.Time `json:"time"`
	Peer         string    `json:"peer"`
	PeerAddress  string    `json:"peer_address"`
	PeerASN      uint32    `json:"peer_asn"`
	PeerRouterID string    `json:"peer_router_id"`
	AFI          int       `json:"afi"`
	Prefix       string    `json:"prefix"`
	Action       string    `json:"action"`

	// Path attributes, announcements only.
	NextHop         string   `json:"next_hop,omitempty"`
	Origin          string   `json:"origin,omitempty"`
	ASPath          string   `json:"as_path,omitempty"`
	OriginASN       uint32   `json:"origin_asn,omitempty"`
	MED             *uint32  `json:"med,omitempty"`
	LocalPref       *uint32  `json:"local_pref,omitempty"`
	Communities     []string `json:"communities,omitempty"`
	AtomicAggregate bool     `json:"atomic_aggregate,omitempty"`
	Aggregator      string   `json:"aggregator,omitempty"`
	UnknownAttrs    []int    `json:"unknown_attrs,omitempty"`

	// Raw is the UPDATE body, zstd-compressed when RawCompressed is set.
	Raw           []byte `json:"raw,omitempty"`
	RawCompressed bool   `json:"raw_compressed,omitempty"`
}

// Row is a RouteEvent on its way to the writer, still carrying the
// uncompressed UPDATE body it came from.
type Row struct {
	Event *RouteEvent
	Raw   []byte
}

// BuildRows converts a decoded UPDATE into one row per route. End-of-RIB
// markers produce no rows.
func BuildRows(peer session.PeerInfo, upd *bgp.Update, now time.Time) []*Row {
	if _, ok := upd.EndOfRIB(); ok {
		return nil
	}
	rows := make([]*Row, 0, len(upd.Routes))
	for _, r := range upd.Routes {
		action := r.Op.Action()
		ev := &RouteEvent{
			EventID:      hex.EncodeToString(ComputeEventID(upd.Raw, r.Prefix, action)),
			Time:         now.UTC(),
			Peer:         peer.Name,
			PeerAddress:  peer.Address.String(),
			PeerASN:      peer.ASN,
			PeerRouterID: peer.RouterID.String(),
			AFI:          r.Family.Version(),
			Prefix:       r.Prefix.String(),
			Action:       action,
		}
		if r.Op == bgp.OpAnnounce {
			if r.NextHop.IsValid() {
				ev.NextHop = r.NextHop.String()
			}
			applyAttributes(ev, r.Attrs)
		}
		rows = append(rows, &Row{Event: ev, Raw: upd.Raw})
	}
	return rows
}

func applyAttributes(ev *RouteEvent, a *bgp.Attributes) {
	if a == nil {
		return
	}
	ev.Origin = a.Origin.String()
	ev.ASPath = a.ASPath.String()
	if asn, ok := a.ASPath.OriginASN(); ok {
		ev.OriginASN = asn
	}
	ev.MED = a.MED
	ev.LocalPref = a.LocalPref
	for _, c := range a.Communities {
		ev.Communities = append(ev.Communities, c.String())
	}
	ev.AtomicAggregate = a.AtomicAggregate
	if a.Aggregator != nil {
		ev.Aggregator = fmt.Sprintf("%d:%s", a.Aggregator.ASN, a.Aggregator.Addr)
	}
	for _, u := range a.Unknown {
		ev.UnknownAttrs = append(ev.UnknownAttrs, int(u.Type))
	}
}
