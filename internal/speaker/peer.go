package speaker

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/session"
	"go.uber.org/zap"
)

type peer struct {
	speaker  *Speaker
	cfg      PeerConfig
	logger   *zap.Logger
	incoming chan net.Conn

	// claimed is held from the moment an inbound connection is queued
	// until the session running over it ends.
	claimed atomic.Bool

	mu     sync.Mutex
	status Status
}

func newPeer(s *Speaker, pc PeerConfig) *peer {
	return &peer{
		speaker:  s,
		cfg:      pc,
		logger:   s.logger.With(zap.String("peer", pc.Name())),
		incoming: make(chan net.Conn, 1),
		status: Status{
			Name:    pc.Name(),
			Address: pc.Address.String(),
			State:   session.StateIdle.String(),
		},
	}
}

func (p *peer) snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.status
	st.Families = append([]string(nil), p.status.Families...)
	return st
}

func (p *peer) observe(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := s.State()
	p.status.State = st.String()
	if st != session.StateEstablished && st != session.StateOpenConfirm {
		p.status.EstablishedSince = nil
		return
	}
	info := s.Peer()
	p.status.PeerASN = info.ASN
	p.status.RouterID = info.RouterID.String()
	p.status.HoldTimeSeconds = int(info.HoldTime / time.Second)
	p.status.Families = p.status.Families[:0]
	for _, f := range info.Families {
		p.status.Families = append(p.status.Families, f.String())
	}
	if st == session.StateEstablished && p.status.EstablishedSince == nil {
		at := s.EstablishedAt()
		p.status.EstablishedSince = &at
	}
}

func (p *peer) setError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = session.StateIdle.String()
	p.status.EstablishedSince = nil
	if err != nil {
		p.status.LastError = err.Error()
	}
}

// run connects, runs a session until it fails, and retries until ctx ends.
func (p *peer) run(ctx context.Context) {
	for {
		conn, err := p.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("connect failed", zap.Error(err))
			p.setError(err)
		} else {
			err = p.runSession(ctx, conn)
			p.setError(err)
			if p.cfg.Passive {
				p.claimed.Store(false)
			}
			if ctx.Err() != nil {
				return
			}
			p.logger.Info("session ended", zap.Error(err))
		}

		if p.cfg.Passive {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.speaker.cfg.ConnectRetry):
		}
	}
}

// offer hands an inbound connection to a passive peer. It reports false,
// leaving conn untouched, while another connection holds the peer.
func (p *peer) offer(conn net.Conn) bool {
	if !p.claimed.CompareAndSwap(false, true) {
		return false
	}
	p.incoming <- conn
	return true
}

func (p *peer) connect(ctx context.Context) (net.Conn, error) {
	if p.cfg.Passive {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case conn := <-p.incoming:
			return conn, nil
		}
	}
	addr := netip.AddrPortFrom(p.cfg.Address, uint16(p.cfg.Port)).String()
	dialCtx, cancel := context.WithTimeout(ctx, p.speaker.cfg.ConnectRetry)
	defer cancel()
	return p.speaker.dialer.DialContext(dialCtx, "tcp", addr)
}

// runSession drives one session over conn. It interleaves message reads
// with the hold and keepalive timers and returns the error that ended it.
func (p *peer) runSession(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	s := session.New(p.cfg.Session, session.NewConn(conn, 0), p.logger)
	if err := s.Start(); err != nil {
		return err
	}
	p.observe(s)

	ticker := time.NewTicker(p.speaker.cfg.PollInterval)
	defer ticker.Stop()

	announced := false
	for {
		if ctx.Err() != nil {
			_ = s.Shutdown()
			return ctx.Err()
		}

		msg, err := s.ReadMessage()
		if err != nil {
			return err
		}
		p.observe(s)

		if upd, ok := msg.(*bgp.Update); ok && p.speaker.sink != nil {
			p.speaker.sink.Accept(ctx, s.Peer(), upd)
		}
		if s.State() == session.StateEstablished && !announced {
			if err := p.announce(s); err != nil {
				return err
			}
			announced = true
		}
		if _, err := s.CheckKeepalive(); err != nil {
			return err
		}
		if _, err := s.NewKeepalive(false); err != nil {
			return err
		}

		if noop, ok := msg.(*bgp.NoOp); ok && noop.Type == 0 {
			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
		}
	}
}

// announce sends the static routes followed by End-of-RIB for every
// negotiated family.
func (p *peer) announce(s *session.Session) error {
	if err := s.WriteRoutes(p.cfg.Routes); err != nil {
		return err
	}
	for _, f := range s.Peer().Families {
		if err := s.WriteEndOfRIB(f); err != nil {
			return err
		}
	}
	p.logger.Info("adj-rib-out announced",
		zap.Int("routes", len(p.cfg.Routes)),
		zap.Int("families", len(s.Peer().Families)),
	)
	return nil
}
