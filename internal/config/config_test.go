package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Speaker.ASN = 64512
	cfg.Speaker.RouterID = "192.0.2.1"
	cfg.Peers = map[string]PeerConfig{
		"r1": {
			Address:  "192.0.2.2",
			ASN:      64513,
			Families: []string{"ipv4-unicast", "ipv6-unicast"},
			Announce: []RouteConfig{
				{Prefix: "203.0.113.0/24", NextHop: "192.0.2.1"},
			},
		},
	}
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoASN(t *testing.T) {
	cfg := validConfig()
	cfg.Speaker.ASN = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing speaker.asn")
	}
}

func TestValidate_RouterID(t *testing.T) {
	for _, id := range []string{"", "0.0.0.0", "2001:db8::1", "not-an-ip"} {
		cfg := validConfig()
		cfg.Speaker.RouterID = id
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for router_id %q", id)
		}
	}
}

func TestValidate_HoldTime(t *testing.T) {
	tests := []struct {
		hold  int
		valid bool
	}{
		{0, true},
		{1, false},
		{2, false},
		{3, true},
		{90, true},
		{65535, true},
		{65536, false},
		{-1, false},
	}
	for _, tt := range tests {
		cfg := validConfig()
		cfg.Speaker.HoldTimeSeconds = tt.hold
		err := cfg.Validate()
		if tt.valid && err != nil {
			t.Errorf("hold %d: expected valid, got %v", tt.hold, err)
		}
		if !tt.valid && err == nil {
			t.Errorf("hold %d: expected error", tt.hold)
		}
	}
}

func TestValidate_NoPeers(t *testing.T) {
	cfg := validConfig()
	cfg.Peers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for no peers")
	}
}

func TestValidate_BadPeerAddress(t *testing.T) {
	cfg := validConfig()
	p := cfg.Peers["r1"]
	p.Address = "router-1"
	cfg.Peers["r1"] = p
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for bad peer address")
	}
}

func TestValidate_BadFamily(t *testing.T) {
	cfg := validConfig()
	p := cfg.Peers["r1"]
	p.Families = []string{"l2vpn-evpn"}
	cfg.Peers["r1"] = p
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported family")
	}
}

func TestValidate_BadAnnounce(t *testing.T) {
	tests := []RouteConfig{
		{Prefix: "203.0.113.0/33", NextHop: "192.0.2.1"},
		{Prefix: "203.0.113.0/24", NextHop: "nowhere"},
		{Prefix: "203.0.113.0/24", NextHop: "2001:db8::1"},
		{Prefix: "203.0.113.0/24", NextHop: "192.0.2.1", Origin: "bogus"},
		{Prefix: "203.0.113.0/24", NextHop: "192.0.2.1", Communities: []string{"65536:1"}},
	}
	for _, rc := range tests {
		cfg := validConfig()
		p := cfg.Peers["r1"]
		p.Announce = []RouteConfig{rc}
		cfg.Peers["r1"] = p
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for announce %+v", rc)
		}
	}
}

func TestValidate_PassiveNeedsListen(t *testing.T) {
	cfg := validConfig()
	p := cfg.Peers["r1"]
	p.Passive = true
	cfg.Peers["r1"] = p
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for passive peer without speaker.listen")
	}
	cfg.Speaker.Listen = ":179"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_KafkaOnlyCheckedWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Brokers = nil
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected disabled kafka to skip validation, got: %v", err)
	}
	cfg.Kafka.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty brokers")
	}
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Journal.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for batch_size = 0")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func TestRouteConfig_Route(t *testing.T) {
	med := uint32(50)
	rc := RouteConfig{
		Prefix:      "2001:db8:1::1/48",
		NextHop:     "2001:db8::1",
		Origin:      "incomplete",
		ASPath:      []uint32{65001, 65002},
		MED:         &med,
		Communities: []string{"64512:100"},
	}
	r, err := rc.Route()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Family != bgp.IPv6Unicast {
		t.Errorf("expected ipv6-unicast, got %s", r.Family)
	}
	if r.Prefix != netip.MustParsePrefix("2001:db8:1::/48") {
		t.Errorf("expected masked prefix, got %s", r.Prefix)
	}
	if r.Attrs.Origin != bgp.OriginIncomplete {
		t.Errorf("expected INCOMPLETE origin, got %s", r.Attrs.Origin)
	}
	if got := r.Attrs.ASPath.String(); got != "65001 65002" {
		t.Errorf("expected as path '65001 65002', got %q", got)
	}
	if r.Attrs.MED == nil || *r.Attrs.MED != 50 {
		t.Errorf("expected MED 50, got %v", r.Attrs.MED)
	}
	if len(r.Attrs.Communities) != 1 || r.Attrs.Communities[0].String() != "64512:100" {
		t.Errorf("expected community 64512:100, got %v", r.Attrs.Communities)
	}
}

func TestPeerNames_Sorted(t *testing.T) {
	cfg := validConfig()
	cfg.Peers["a0"] = cfg.Peers["r1"]
	cfg.Peers["z9"] = cfg.Peers["r1"]
	names := cfg.PeerNames()
	if len(names) != 3 || names[0] != "a0" || names[1] != "r1" || names[2] != "z9" {
		t.Errorf("expected sorted names, got %v", names)
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
speaker:
  asn: 64512
  router_id: "192.0.2.1"
peers:
  r1:
    address: "192.0.2.2"
    asn: 64513
    families:
      - "ipv4-unicast"
    announce:
      - prefix: "203.0.113.0/24"
        next_hop: "192.0.2.1"
        as_path: [65001]
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	p := writeMinimalYAML(t)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Speaker.HoldTimeSeconds != 90 {
		t.Errorf("expected default hold time 90, got %d", cfg.Speaker.HoldTimeSeconds)
	}
	if cfg.Kafka.Topic != "bgp.route-events" {
		t.Errorf("expected default topic, got %q", cfg.Kafka.Topic)
	}
	peer := cfg.Peers["r1"]
	routes, err := peer.Routes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(routes) != 1 || routes[0].Attrs.ASPath.String() != "65001" {
		t.Errorf("expected one announced route with as path 65001, got %v", routes)
	}
}

func TestLoad_EnvOverrideHoldTime(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("BGP_SPEAKER_SPEAKER__HOLD_TIME_SECONDS", "30")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Speaker.HoldTimeSeconds != 30 {
		t.Errorf("expected hold time 30 from env, got %d", cfg.Speaker.HoldTimeSeconds)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("BGP_SPEAKER_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvBrokersSplit(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("BGP_SPEAKER_KAFKA__ENABLED", "true")
	t.Setenv("BGP_SPEAKER_KAFKA__BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("expected two brokers, got %v", cfg.Kafka.Brokers)
	}
}

func TestLoad_EnvInvalidHoldTimeFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("BGP_SPEAKER_SPEAKER__HOLD_TIME_SECONDS", "2")

	if _, err := Load(p); err == nil {
		t.Fatal("expected validation error for hold time 2 via env")
	}
}
