package speaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/session"
	"go.uber.org/zap"
)

// RouteSink receives every UPDATE decoded from an Established peer. Accept
// runs on the session loop and must not block.
type RouteSink interface {
	Accept(ctx context.Context, peer session.PeerInfo, upd *bgp.Update)
}

type PeerConfig struct {
	Address netip.Addr
	Port    int
	// Passive peers are waited for on the listener instead of dialed.
	Passive bool
	Session session.Config
	// Routes is the static adj-rib-out announced once Established.
	Routes []bgp.Route
}

func (p PeerConfig) Name() string { return p.Session.Name }

type Config struct {
	// Listen is the accept address for passive peers; empty disables it.
	Listen       string
	ConnectRetry time.Duration
	PollInterval time.Duration
	Peers        []PeerConfig
}

// Status is a point-in-time view of one peer, served on /sessions.
type Status struct {
	Name             string     `json:"name"`
	Address          string     `json:"address"`
	State            string     `json:"state"`
	PeerASN          uint32     `json:"peer_asn,omitempty"`
	RouterID         string     `json:"router_id,omitempty"`
	HoldTimeSeconds  int        `json:"hold_time_seconds"`
	Families         []string   `json:"families,omitempty"`
	EstablishedSince *time.Time `json:"established_since,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

// Speaker runs one session loop per configured peer.
type Speaker struct {
	cfg    Config
	sink   RouteSink
	logger *zap.Logger
	dialer net.Dialer

	peers  []*peer
	byAddr map[netip.Addr]*peer
}

// New returns a speaker for cfg. sink may be nil.
func New(cfg Config, sink RouteSink, logger *zap.Logger) *Speaker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ConnectRetry <= 0 {
		cfg.ConnectRetry = 30 * time.Second
	}
	s := &Speaker{
		cfg:    cfg,
		sink:   sink,
		logger: logger.Named("speaker"),
		byAddr: make(map[netip.Addr]*peer),
	}
	for _, pc := range cfg.Peers {
		p := newPeer(s, pc)
		s.peers = append(s.peers, p)
		s.byAddr[pc.Address] = p
	}
	return s
}

// Run blocks until ctx is cancelled, then shuts every session down.
func (s *Speaker) Run(ctx context.Context) error {
	var ln net.Listener
	if s.cfg.Listen != "" {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("speaker: listen %s: %w", s.cfg.Listen, err)
		}
	}
	return s.run(ctx, ln)
}

func (s *Speaker) run(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	if ln != nil {
		s.logger.Info("listening for passive peers", zap.Stringer("addr", ln.Addr()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.acceptLoop(ctx, ln)
		}()
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
	}
	for _, p := range s.peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.run(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (s *Speaker) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		remote := session.NewConn(conn, 0).RemoteAddr()
		p, ok := s.byAddr[remote]
		if !ok || !p.cfg.Passive {
			s.logger.Warn("rejecting connection from unconfigured peer", zap.Stringer("remote", remote))
			conn.Close()
			continue
		}
		if !p.offer(conn) {
			p.logger.Warn("rejecting connection, session already active", zap.Stringer("remote", remote))
			conn.Close()
		}
	}
}

// Sessions returns the status of every peer in configuration order.
func (s *Speaker) Sessions() []Status {
	out := make([]Status, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.snapshot())
	}
	return out
}

// EstablishedCount returns the number of peers currently Established.
func (s *Speaker) EstablishedCount() int {
	n := 0
	for _, p := range s.peers {
		if p.snapshot().State == session.StateEstablished.String() {
			n++
		}
	}
	return n
}
