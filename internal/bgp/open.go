package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Open is a decoded OPEN message.
type Open struct {
	Version      uint8
	ASN          uint16
	HoldTime     uint16
	RouterID     netip.Addr
	Capabilities Capabilities
}

func (*Open) MsgType() uint8 { return MsgTypeOpen }

// PeerASN returns the sender's ASN, taking it from the 4-octet AS
// capability when the 2-octet field carries AS_TRANS.
func (o *Open) PeerASN() uint32 {
	if o.ASN == ASTrans && o.Capabilities.FourOctetAS != nil {
		return *o.Capabilities.FourOctetAS
	}
	return uint32(o.ASN)
}

// DecodeOpen decodes an OPEN body (after the 19-byte header).
func DecodeOpen(body []byte) (*Open, error) {
	if len(body) < minOpenSize-HeaderSize {
		return nil, Notify(ErrCodeMessageHeader, ErrSubBadMessageLength, lengthField(HeaderSize+len(body)),
			"open body too short (%d bytes)", len(body))
	}
	if body[0] != Version {
		return nil, Notify(ErrCodeOpenMessage, ErrSubUnsupportedVersion, binary.BigEndian.AppendUint16(nil, uint16(Version)),
			"unsupported version %d", body[0])
	}
	o := &Open{
		Version:  body[0],
		ASN:      binary.BigEndian.Uint16(body[1:3]),
		HoldTime: binary.BigEndian.Uint16(body[3:5]),
		RouterID: netip.AddrFrom4([4]byte(body[5:9])),
	}
	optLen := int(body[9])
	if 10+optLen != len(body) {
		return nil, Notify(ErrCodeOpenMessage, ErrSubOpenUnspecific, nil,
			"optional parameters length %d does not match body length %d", optLen, len(body))
	}
	caps, err := DecodeCapabilities(body[10:])
	if err != nil {
		return nil, err
	}
	o.Capabilities = caps
	return o, nil
}

// EncodeOpen returns a complete OPEN message. An ASN that does not fit in
// 2 octets is sent as AS_TRANS with the real value in the 4-octet AS
// capability.
func EncodeOpen(localASN uint32, routerID netip.Addr, caps Capabilities, holdTime uint16) ([]byte, error) {
	if !routerID.Is4() {
		return nil, fmt.Errorf("bgp: router id %s is not an IPv4 address", routerID)
	}
	asn := uint16(localASN)
	if localASN > 0xffff {
		asn = ASTrans
		if caps.FourOctetAS == nil {
			v := localASN
			caps.FourOctetAS = &v
		}
	}
	params, err := caps.Encode()
	if err != nil {
		return nil, err
	}

	body := make([]byte, 0, 10+len(params))
	body = append(body, Version)
	body = binary.BigEndian.AppendUint16(body, asn)
	body = binary.BigEndian.AppendUint16(body, holdTime)
	body = append(body, routerID.AsSlice()...)
	body = append(body, byte(len(params)))
	body = append(body, params...)
	return marshalMessage(MsgTypeOpen, body)
}
