package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

const envPrefix = "BGP_SPEAKER_"

type Config struct {
	Service ServiceConfig         `koanf:"service"`
	Speaker SpeakerConfig         `koanf:"speaker"`
	Peers   map[string]PeerConfig `koanf:"peers"`
	Kafka   KafkaConfig           `koanf:"kafka"`
	Journal JournalConfig         `koanf:"journal"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type SpeakerConfig struct {
	ASN      uint32 `koanf:"asn"`
	RouterID string `koanf:"router_id"`
	// HoldTimeSeconds of 0 disables the hold timer and keepalives.
	HoldTimeSeconds        int    `koanf:"hold_time_seconds"`
	Listen                 string `koanf:"listen"`
	FourOctetASN           bool   `koanf:"four_octet_asn"`
	StrictMessageTypes     bool   `koanf:"strict_message_types"`
	ConnectRetrySeconds    int    `koanf:"connect_retry_seconds"`
	PollIntervalMs         int    `koanf:"poll_interval_ms"`
	GracefulRestartSeconds int    `koanf:"graceful_restart_seconds"`
	RouteRefresh           bool   `koanf:"route_refresh"`
}

type PeerConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
	// ASN of 0 accepts whatever the peer declares.
	ASN      uint32        `koanf:"asn"`
	Passive  bool          `koanf:"passive"`
	Families []string      `koanf:"families"`
	Announce []RouteConfig `koanf:"announce"`
}

// RouteConfig is a statically announced route.
type RouteConfig struct {
	Prefix      string   `koanf:"prefix"`
	NextHop     string   `koanf:"next_hop"`
	Origin      string   `koanf:"origin"`
	ASPath      []uint32 `koanf:"as_path"`
	MED         *uint32  `koanf:"med"`
	LocalPref   *uint32  `koanf:"local_pref"`
	Communities []string `koanf:"communities"`
}

type KafkaConfig struct {
	Enabled       bool       `koanf:"enabled"`
	Brokers       []string   `koanf:"brokers"`
	ClientID      string     `koanf:"client_id"`
	Topic         string     `koanf:"topic"`
	TLS           TLSConfig  `koanf:"tls"`
	SASL          SASLConfig `koanf:"sasl"`
	FetchMaxBytes int32      `koanf:"fetch_max_bytes"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// JournalConfig controls how received routes are batched into Kafka.
type JournalConfig struct {
	BatchSize         int  `koanf:"batch_size"`
	FlushIntervalMs   int  `koanf:"flush_interval_ms"`
	ChannelBufferSize int  `koanf:"channel_buffer_size"`
	StoreRawBytes     bool `koanf:"store_raw_bytes"`
	CompressRawBytes  bool `koanf:"compress_raw_bytes"`
}

// Defaults returns the configuration used for anything the file and
// environment leave unset.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "bgp-speaker-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Speaker: SpeakerConfig{
			HoldTimeSeconds:     90,
			ConnectRetrySeconds: 30,
			PollIntervalMs:      100,
		},
		Kafka: KafkaConfig{
			ClientID:      "bgp-speaker",
			Topic:         "bgp.route-events",
			FetchMaxBytes: 52428800,
		},
		Journal: JournalConfig{
			BatchSize:         500,
			FlushIntervalMs:   200,
			ChannelBufferSize: 16,
			CompressRawBytes:  true,
		},
	}
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// BGP_SPEAKER_SPEAKER__HOLD_TIME_SECONDS → speaker.hold_time_seconds
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	for name, p := range cfg.Peers {
		if len(p.Families) == 1 && strings.Contains(p.Families[0], ",") {
			p.Families = strings.Split(p.Families[0], ",")
			cfg.Peers[name] = p
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Speaker.ASN == 0 {
		return fmt.Errorf("config: speaker.asn is required")
	}
	if _, err := c.Speaker.ParseRouterID(); err != nil {
		return err
	}
	if h := c.Speaker.HoldTimeSeconds; h != 0 && (h < 3 || h > 0xffff) {
		return fmt.Errorf("config: speaker.hold_time_seconds must be 0 or between 3 and 65535 (got %d)", h)
	}
	if c.Speaker.ConnectRetrySeconds <= 0 {
		return fmt.Errorf("config: speaker.connect_retry_seconds must be > 0 (got %d)", c.Speaker.ConnectRetrySeconds)
	}
	if c.Speaker.PollIntervalMs <= 0 {
		return fmt.Errorf("config: speaker.poll_interval_ms must be > 0 (got %d)", c.Speaker.PollIntervalMs)
	}
	if g := c.Speaker.GracefulRestartSeconds; g < 0 || g > 0xfff {
		return fmt.Errorf("config: speaker.graceful_restart_seconds must be between 0 and 4095 (got %d)", g)
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("config: at least one peer is required")
	}
	passive := false
	for _, name := range c.PeerNames() {
		p := c.Peers[name]
		if _, err := p.ParseAddress(); err != nil {
			return fmt.Errorf("config: peers.%s: %w", name, err)
		}
		if p.Port < 0 || p.Port > 0xffff {
			return fmt.Errorf("config: peers.%s.port out of range (got %d)", name, p.Port)
		}
		if _, err := p.ParseFamilies(); err != nil {
			return fmt.Errorf("config: peers.%s: %w", name, err)
		}
		if _, err := p.Routes(); err != nil {
			return fmt.Errorf("config: peers.%s: %w", name, err)
		}
		passive = passive || p.Passive
	}
	if passive && c.Speaker.Listen == "" {
		return fmt.Errorf("config: speaker.listen is required when a peer is passive")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if !c.Kafka.Enabled {
		return nil
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic is required")
	}
	if c.Journal.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: journal.flush_interval_ms must be > 0 (got %d)", c.Journal.FlushIntervalMs)
	}
	if c.Journal.BatchSize <= 0 {
		return fmt.Errorf("config: journal.batch_size must be > 0 (got %d)", c.Journal.BatchSize)
	}
	if c.Journal.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: journal.channel_buffer_size must be > 0 (got %d)", c.Journal.ChannelBufferSize)
	}
	return nil
}

// PeerNames returns the configured peer names in sorted order.
func (c *Config) PeerNames() []string {
	names := make([]string, 0, len(c.Peers))
	for name := range c.Peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *SpeakerConfig) ParseRouterID() (netip.Addr, error) {
	id, err := netip.ParseAddr(s.RouterID)
	if err != nil || !id.Is4() || id.IsUnspecified() {
		return netip.Addr{}, fmt.Errorf("config: speaker.router_id must be a non-zero IPv4 address (got %q)", s.RouterID)
	}
	return id, nil
}

func (p *PeerConfig) ParseAddress() (netip.Addr, error) {
	a, err := netip.ParseAddr(p.Address)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid address %q: %w", p.Address, err)
	}
	return a.Unmap(), nil
}

// ParseFamilies returns the families to negotiate; none configured means
// IPv4 unicast.
func (p *PeerConfig) ParseFamilies() ([]bgp.Family, error) {
	if len(p.Families) == 0 {
		return []bgp.Family{bgp.IPv4Unicast}, nil
	}
	out := make([]bgp.Family, 0, len(p.Families))
	for _, s := range p.Families {
		f, err := bgp.ParseFamily(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Routes converts the announce list to announcements.
func (p *PeerConfig) Routes() ([]bgp.Route, error) {
	routes := make([]bgp.Route, 0, len(p.Announce))
	for i, rc := range p.Announce {
		r, err := rc.Route()
		if err != nil {
			return nil, fmt.Errorf("announce[%d]: %w", i, err)
		}
		routes = append(routes, r)
	}
	return routes, nil
}

func (rc *RouteConfig) Route() (bgp.Route, error) {
	prefix, err := netip.ParsePrefix(rc.Prefix)
	if err != nil {
		return bgp.Route{}, fmt.Errorf("invalid prefix %q: %w", rc.Prefix, err)
	}
	prefix = prefix.Masked()
	nh, err := netip.ParseAddr(rc.NextHop)
	if err != nil {
		return bgp.Route{}, fmt.Errorf("invalid next_hop %q: %w", rc.NextHop, err)
	}
	fam := bgp.FamilyOf(prefix)
	if nh.Is4() != prefix.Addr().Is4() {
		return bgp.Route{}, fmt.Errorf("next_hop %s does not match prefix %s", nh, prefix)
	}

	attrs := &bgp.Attributes{Origin: bgp.OriginIGP}
	if rc.Origin != "" {
		if attrs.Origin, err = bgp.ParseOrigin(rc.Origin); err != nil {
			return bgp.Route{}, err
		}
	}
	if len(rc.ASPath) > 0 {
		attrs.ASPath = bgp.ASPath{{Type: bgp.ASPathSegmentSequence, ASNs: append([]uint32(nil), rc.ASPath...)}}
	}
	attrs.MED = rc.MED
	attrs.LocalPref = rc.LocalPref
	for _, s := range rc.Communities {
		c, err := bgp.ParseCommunity(s)
		if err != nil {
			return bgp.Route{}, err
		}
		attrs.Communities = append(attrs.Communities, c)
	}

	return bgp.Route{
		Family:  fam,
		Prefix:  prefix,
		Op:      bgp.OpAnnounce,
		NextHop: nh,
		Attrs:   attrs,
	}, nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
