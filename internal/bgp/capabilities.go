package bgp

import (
	"encoding/binary"
	"fmt"
)

// Optional parameter types.
const (
	ParamAuthentication uint8 = 1
	ParamCapabilities   uint8 = 2
)

// Capability codes.
const (
	CapMultiprotocol        uint8 = 1
	CapRouteRefresh         uint8 = 2
	CapGracefulRestart      uint8 = 64
	CapFourOctetAS          uint8 = 65
	CapEnhancedRouteRefresh uint8 = 70
	CapCiscoRouteRefresh    uint8 = 128
)

// GracefulRestartFamily is one per-family entry of the graceful restart capability.
type GracefulRestartFamily struct {
	Family Family
	Flags  uint8
}

// GracefulRestart is the graceful restart capability (RFC 4724): a 4-bit
// restart flag field, a 12-bit restart time, and the preserved families.
type GracefulRestart struct {
	Flags    uint8
	Time     uint16
	Families []GracefulRestartFamily
}

// UnknownCapability keeps an unrecognized capability verbatim.
type UnknownCapability struct {
	Code  uint8
	Value []byte
}

// Capabilities is the negotiated-capability set carried in an OPEN.
type Capabilities struct {
	Families             []Family
	GracefulRestart      *GracefulRestart
	FourOctetAS          *uint32
	RouteRefresh         bool
	EnhancedRouteRefresh bool
	CiscoRouteRefresh    bool
	Unknown              []UnknownCapability
}

// HasFamily reports whether f was advertised.
func (c *Capabilities) HasFamily(f Family) bool {
	for _, have := range c.Families {
		if have == f {
			return true
		}
	}
	return false
}

func capError(format string, args ...any) error {
	return Notify(ErrCodeOpenMessage, ErrSubOpenUnspecific, nil, format, args...)
}

// DecodeCapabilities decodes the optional parameters field of an OPEN.
func DecodeCapabilities(data []byte) (Capabilities, error) {
	var caps Capabilities
	for rest := data; len(rest) > 0; {
		if len(rest) < 2 {
			return caps, capError("optional parameter header truncated")
		}
		paramType, paramLen := rest[0], int(rest[1])
		if 2+paramLen > len(rest) {
			return caps, capError("optional parameter type %d declares %d bytes, %d remain", paramType, paramLen, len(rest)-2)
		}
		value := rest[2 : 2+paramLen]
		rest = rest[2+paramLen:]

		switch paramType {
		case ParamCapabilities:
			if err := caps.decodeTLVs(value); err != nil {
				return caps, err
			}
		case ParamAuthentication:
			return caps, Notify(ErrCodeOpenMessage, ErrSubAuthenticationFailure, nil,
				"authentication parameter is not supported")
		default:
			return caps, capError("unsupported optional parameter type %d", paramType)
		}
	}
	return caps, nil
}

// decodeTLVs consumes the (code, length, value) sequence of one capabilities parameter.
func (c *Capabilities) decodeTLVs(data []byte) error {
	for rest := data; len(rest) > 0; {
		if len(rest) < 2 {
			return capError("capability header truncated")
		}
		code, length := rest[0], int(rest[1])
		if 2+length > len(rest) {
			return capError("capability %d declares %d bytes, %d remain", code, length, len(rest)-2)
		}
		value := rest[2 : 2+length]
		rest = rest[2+length:]

		if err := c.decodeCapability(code, value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Capabilities) decodeCapability(code uint8, value []byte) error {
	switch code {
	case CapMultiprotocol:
		if len(value) != 4 {
			return capError("multiprotocol capability length %d, want 4", len(value))
		}
		f := Family{AFI: binary.BigEndian.Uint16(value[0:2]), SAFI: value[3]}
		if !c.HasFamily(f) {
			c.Families = append(c.Families, f)
		}
	case CapRouteRefresh:
		c.RouteRefresh = true
	case CapEnhancedRouteRefresh:
		c.EnhancedRouteRefresh = true
	case CapCiscoRouteRefresh:
		c.CiscoRouteRefresh = true
	case CapFourOctetAS:
		if len(value) != 4 {
			return capError("4-octet AS capability length %d, want 4", len(value))
		}
		asn := binary.BigEndian.Uint32(value)
		c.FourOctetAS = &asn
	case CapGracefulRestart:
		if len(value) < 2 || (len(value)-2)%4 != 0 {
			return capError("graceful restart capability length %d", len(value))
		}
		hdr := binary.BigEndian.Uint16(value[0:2])
		gr := &GracefulRestart{Flags: uint8(hdr >> 12), Time: hdr & 0x0fff}
		for i := 2; i < len(value); i += 4 {
			gr.Families = append(gr.Families, GracefulRestartFamily{
				Family: Family{AFI: binary.BigEndian.Uint16(value[i : i+2]), SAFI: value[i+2]},
				Flags:  value[i+3],
			})
		}
		c.GracefulRestart = gr
	default:
		c.Unknown = append(c.Unknown, UnknownCapability{Code: code, Value: append([]byte(nil), value...)})
	}
	return nil
}

func appendCapability(b []byte, code uint8, value []byte) []byte {
	b = append(b, code, byte(len(value)))
	return append(b, value...)
}

// Encode returns the optional parameters field: a single capabilities
// parameter, or nothing when the set is empty.
func (c *Capabilities) Encode() ([]byte, error) {
	var tlvs []byte
	for _, f := range c.Families {
		v := binary.BigEndian.AppendUint16(nil, f.AFI)
		tlvs = appendCapability(tlvs, CapMultiprotocol, append(v, 0, f.SAFI))
	}
	if c.RouteRefresh {
		tlvs = appendCapability(tlvs, CapRouteRefresh, nil)
	}
	if c.EnhancedRouteRefresh {
		tlvs = appendCapability(tlvs, CapEnhancedRouteRefresh, nil)
	}
	if c.CiscoRouteRefresh {
		tlvs = appendCapability(tlvs, CapCiscoRouteRefresh, nil)
	}
	if gr := c.GracefulRestart; gr != nil {
		v := binary.BigEndian.AppendUint16(nil, uint16(gr.Flags&0x0f)<<12|gr.Time&0x0fff)
		for _, f := range gr.Families {
			v = binary.BigEndian.AppendUint16(v, f.Family.AFI)
			v = append(v, f.Family.SAFI, f.Flags)
		}
		tlvs = appendCapability(tlvs, CapGracefulRestart, v)
	}
	if c.FourOctetAS != nil {
		tlvs = appendCapability(tlvs, CapFourOctetAS, binary.BigEndian.AppendUint32(nil, *c.FourOctetAS))
	}
	for _, u := range c.Unknown {
		tlvs = appendCapability(tlvs, u.Code, u.Value)
	}
	if len(tlvs) == 0 {
		return nil, nil
	}
	if len(tlvs) > 253 {
		return nil, fmt.Errorf("bgp: capabilities of %d bytes do not fit one optional parameter", len(tlvs))
	}
	return append([]byte{ParamCapabilities, byte(len(tlvs))}, tlvs...), nil
}
