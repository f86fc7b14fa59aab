package bgp

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// buildOpenBody constructs an OPEN body with the given optional parameters.
func buildOpenBody(version uint8, asn, holdTime uint16, routerID [4]byte, params []byte) []byte {
	body := []byte{version, byte(asn >> 8), byte(asn), byte(holdTime >> 8), byte(holdTime)}
	body = append(body, routerID[:]...)
	body = append(body, byte(len(params)))
	return append(body, params...)
}

func capParam(tlvs ...[]byte) []byte {
	v := concat(tlvs...)
	return append([]byte{ParamCapabilities, byte(len(v))}, v...)
}

func TestOpen_RoundTrip(t *testing.T) {
	caps := Capabilities{
		Families:     []Family{IPv4Unicast, IPv6Unicast},
		RouteRefresh: true,
		GracefulRestart: &GracefulRestart{
			Flags:    0x8,
			Time:     120,
			Families: []GracefulRestartFamily{{Family: IPv4Unicast, Flags: 0x80}},
		},
		Unknown: []UnknownCapability{{Code: 73, Value: []byte("host")}},
	}
	raw, err := EncodeOpen(64512, mustAddr("192.0.2.1"), caps, 90)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, n, err := ParseMessage(raw, DecodeOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(raw) {
		t.Errorf("expected %d bytes consumed, got %d", len(raw), n)
	}
	open, ok := msg.(*Open)
	if !ok {
		t.Fatalf("expected *Open, got %T", msg)
	}
	if open.Version != 4 || open.ASN != 64512 || open.HoldTime != 90 {
		t.Errorf("unexpected header fields %+v", open)
	}
	if open.RouterID != mustAddr("192.0.2.1") {
		t.Errorf("expected router id 192.0.2.1, got %s", open.RouterID)
	}
	if diff := cmp.Diff(caps, open.Capabilities); diff != "" {
		t.Errorf("capabilities mismatch (-want +got):\n%s", diff)
	}
	if open.PeerASN() != 64512 {
		t.Errorf("expected peer ASN 64512, got %d", open.PeerASN())
	}
}

func TestOpen_FourOctetASN(t *testing.T) {
	raw, err := EncodeOpen(4200000000, mustAddr("192.0.2.1"), Capabilities{}, 180)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	open, err := DecodeOpen(raw[HeaderSize:])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if open.ASN != ASTrans {
		t.Errorf("expected AS_TRANS in the 2-octet field, got %d", open.ASN)
	}
	if open.Capabilities.FourOctetAS == nil || *open.Capabilities.FourOctetAS != 4200000000 {
		t.Fatalf("expected 4-octet AS capability 4200000000, got %v", open.Capabilities.FourOctetAS)
	}
	if open.PeerASN() != 4200000000 {
		t.Errorf("expected peer ASN 4200000000, got %d", open.PeerASN())
	}
}

func TestOpen_EncodeRejectsIPv6RouterID(t *testing.T) {
	if _, err := EncodeOpen(1, mustAddr("2001:db8::1"), Capabilities{}, 90); err == nil {
		t.Fatal("expected error for IPv6 router id")
	}
}

func TestDecodeOpen_Errors(t *testing.T) {
	rid := [4]byte{192, 0, 2, 1}
	tests := []struct {
		name    string
		body    []byte
		code    uint8
		subcode uint8
	}{
		{"version 3", buildOpenBody(3, 64512, 90, rid, nil), ErrCodeOpenMessage, ErrSubUnsupportedVersion},
		{"opt length too long", append(buildOpenBody(4, 64512, 90, rid, nil)[:9], 5), ErrCodeOpenMessage, ErrSubOpenUnspecific},
		{"opt length too short", append(buildOpenBody(4, 64512, 90, rid, capParam([]byte{CapRouteRefresh, 0})), 0), ErrCodeOpenMessage, ErrSubOpenUnspecific},
		{"authentication", buildOpenBody(4, 64512, 90, rid, []byte{ParamAuthentication, 1, 0}), ErrCodeOpenMessage, ErrSubAuthenticationFailure},
		{"unknown parameter", buildOpenBody(4, 64512, 90, rid, []byte{3, 0}), ErrCodeOpenMessage, ErrSubOpenUnspecific},
		{"short body", []byte{4, 0, 1}, ErrCodeMessageHeader, ErrSubBadMessageLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOpen(tt.body)
			ne := expectNotify(t, err, tt.code, tt.subcode)
			if tt.subcode == ErrSubUnsupportedVersion && !bytes.Equal(ne.Data, []byte{0, 4}) {
				t.Errorf("expected supported version in data, got %v", ne.Data)
			}
		})
	}
}

func TestDecodeCapabilities(t *testing.T) {
	params := concat(
		capParam(
			[]byte{CapMultiprotocol, 4, 0, 1, 0, 1},
			[]byte{CapMultiprotocol, 4, 0, 2, 0, 1},
			[]byte{CapRouteRefresh, 0},
			[]byte{CapCiscoRouteRefresh, 0},
		),
		// Peers may split capabilities across parameters and repeat them.
		capParam(
			[]byte{CapMultiprotocol, 4, 0, 1, 0, 1},
			[]byte{CapEnhancedRouteRefresh, 0},
			[]byte{CapFourOctetAS, 4, 0xFA, 0x56, 0xEA, 0x00},
			[]byte{CapGracefulRestart, 6, 0x80, 0x78, 0, 2, 1, 0x80},
			[]byte{71, 2, 0xAA, 0xBB},
		),
	)

	caps, err := DecodeCapabilities(params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	asn := uint32(4200000000)
	want := Capabilities{
		Families:             []Family{IPv4Unicast, IPv6Unicast},
		RouteRefresh:         true,
		EnhancedRouteRefresh: true,
		CiscoRouteRefresh:    true,
		FourOctetAS:          &asn,
		GracefulRestart: &GracefulRestart{
			Flags:    0x8,
			Time:     120,
			Families: []GracefulRestartFamily{{Family: IPv6Unicast, Flags: 0x80}},
		},
		Unknown: []UnknownCapability{{Code: 71, Value: []byte{0xAA, 0xBB}}},
	}
	if diff := cmp.Diff(want, caps); diff != "" {
		t.Errorf("capabilities mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeCapabilities_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		params []byte
	}{
		{"parameter header truncated", []byte{ParamCapabilities}},
		{"parameter overruns", []byte{ParamCapabilities, 10, CapRouteRefresh, 0}},
		{"capability header truncated", capParam([]byte{CapRouteRefresh})},
		{"capability overruns", []byte{ParamCapabilities, 3, CapFourOctetAS, 4, 0}},
		{"multiprotocol length", capParam([]byte{CapMultiprotocol, 3, 0, 1, 0})},
		{"four octet length", capParam([]byte{CapFourOctetAS, 2, 0, 1})},
		{"graceful restart length", capParam([]byte{CapGracefulRestart, 3, 0, 0, 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCapabilities(tt.params)
			expectNotify(t, err, ErrCodeOpenMessage, ErrSubOpenUnspecific)
		})
	}
}

func TestCapabilities_EncodeTooLarge(t *testing.T) {
	caps := Capabilities{Unknown: []UnknownCapability{{Code: 200, Value: make([]byte, 252)}}}
	if _, err := caps.Encode(); err == nil {
		t.Fatal("expected error for capabilities exceeding one parameter")
	}
}
