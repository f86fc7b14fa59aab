package speaker

import (
	"fmt"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/session"
)

// DefaultPort is the BGP TCP port.
const DefaultPort = 179

// NewConfig builds the speaker configuration from the loaded service config.
func NewConfig(cfg *config.Config) (Config, error) {
	routerID, err := cfg.Speaker.ParseRouterID()
	if err != nil {
		return Config{}, err
	}
	out := Config{
		Listen:       cfg.Speaker.Listen,
		ConnectRetry: time.Duration(cfg.Speaker.ConnectRetrySeconds) * time.Second,
		PollInterval: time.Duration(cfg.Speaker.PollIntervalMs) * time.Millisecond,
	}
	for _, name := range cfg.PeerNames() {
		pc := cfg.Peers[name]
		addr, err := pc.ParseAddress()
		if err != nil {
			return Config{}, fmt.Errorf("peer %s: %w", name, err)
		}
		families, err := pc.ParseFamilies()
		if err != nil {
			return Config{}, fmt.Errorf("peer %s: %w", name, err)
		}
		routes, err := pc.Routes()
		if err != nil {
			return Config{}, fmt.Errorf("peer %s: %w", name, err)
		}
		port := pc.Port
		if port == 0 {
			port = DefaultPort
		}

		sc := session.Config{
			Name:         name,
			LocalASN:     cfg.Speaker.ASN,
			RouterID:     routerID,
			HoldTime:     uint16(cfg.Speaker.HoldTimeSeconds),
			PeerASN:      pc.ASN,
			FourOctetAS:  cfg.Speaker.FourOctetASN,
			Families:     families,
			RouteRefresh: cfg.Speaker.RouteRefresh,
			Strict:       cfg.Speaker.StrictMessageTypes,
		}
		if secs := cfg.Speaker.GracefulRestartSeconds; secs > 0 {
			gr := &bgp.GracefulRestart{Time: uint16(secs)}
			for _, f := range families {
				gr.Families = append(gr.Families, bgp.GracefulRestartFamily{Family: f})
			}
			sc.GracefulRestart = gr
		}

		out.Peers = append(out.Peers, PeerConfig{
			Address: addr,
			Port:    port,
			Passive: pc.Passive,
			Session: sc,
			Routes:  routes,
		})
	}
	return out, nil
}
