package speaker

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/session"
	"go.uber.org/zap"
)

type accepted struct {
	peer session.PeerInfo
	upd  *bgp.Update
}

type chanSink struct {
	ch chan accepted
}

func (c *chanSink) Accept(_ context.Context, peer session.PeerInfo, upd *bgp.Update) {
	c.ch <- accepted{peer: peer, upd: upd}
}

var loopback = netip.MustParseAddr("127.0.0.1")

func localRoute(prefix string) bgp.Route {
	return bgp.Route{
		Family:  bgp.IPv4Unicast,
		Prefix:  netip.MustParsePrefix(prefix),
		Op:      bgp.OpAnnounce,
		NextHop: netip.MustParseAddr("192.0.2.1"),
	}
}

func speakerSession() session.Config {
	return session.Config{
		Name:     "r1",
		LocalASN: 64512,
		RouterID: netip.MustParseAddr("192.0.2.1"),
		HoldTime: 90,
	}
}

// newRemote runs the far end of a session over conn.
func newRemote(t *testing.T, conn net.Conn) *session.Session {
	t.Helper()
	remote := session.New(session.Config{
		Name:     "remote",
		LocalASN: 64513,
		RouterID: netip.MustParseAddr("192.0.2.2"),
		HoldTime: 90,
	}, session.NewConn(conn, time.Second), zap.NewNop())
	if err := remote.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return remote
}

// readUntilEOR drives remote until it sees End-of-RIB and returns the routes
// received before it.
func readUntilEOR(t *testing.T, remote *session.Session) []bgp.Route {
	t.Helper()
	var routes []bgp.Route
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := remote.ReadMessage()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		switch m := msg.(type) {
		case *bgp.Update:
			if _, ok := m.EndOfRIB(); ok {
				return routes
			}
			routes = append(routes, m.Routes...)
		case *bgp.NoOp:
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("timed out waiting for End-of-RIB")
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSpeaker_ActivePeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ln.Close()

	sink := &chanSink{ch: make(chan accepted, 16)}
	sp := New(Config{
		PollInterval: 5 * time.Millisecond,
		ConnectRetry: 100 * time.Millisecond,
		Peers: []PeerConfig{{
			Address: loopback,
			Port:    ln.Addr().(*net.TCPAddr).Port,
			Session: speakerSession(),
			Routes:  []bgp.Route{localRoute("203.0.113.0/24")},
		}},
	}, sink, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = sp.Run(ctx)
		close(done)
	}()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	remote := newRemote(t, conn)

	routes := readUntilEOR(t, remote)
	if len(routes) != 1 || routes[0].Prefix != netip.MustParsePrefix("203.0.113.0/24") {
		t.Fatalf("expected the static route, got %v", routes)
	}
	if remote.State() != session.StateEstablished {
		t.Fatalf("expected remote established, got %s", remote.State())
	}

	waitFor(t, "speaker established", func() bool { return sp.EstablishedCount() == 1 })
	st := sp.Sessions()[0]
	if st.Name != "r1" || st.PeerASN != 64513 || st.HoldTimeSeconds != 90 {
		t.Errorf("unexpected status %+v", st)
	}
	if st.EstablishedSince == nil {
		t.Error("expected established_since to be set")
	}

	if err := remote.WriteRoutes([]bgp.Route{{
		Family:  bgp.IPv4Unicast,
		Prefix:  netip.MustParsePrefix("198.51.100.0/24"),
		Op:      bgp.OpAnnounce,
		NextHop: netip.MustParseAddr("192.0.2.2"),
	}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case got := <-sink.ch:
		if got.peer.ASN != 64513 {
			t.Errorf("expected peer ASN 64513, got %d", got.peer.ASN)
		}
		if len(got.upd.Routes) != 1 || got.upd.Routes[0].Prefix != netip.MustParsePrefix("198.51.100.0/24") {
			t.Errorf("unexpected routes %v", got.upd.Routes)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the sink")
	}

	cancel()
	var rn *bgp.ReceivedNotificationError
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := remote.ReadMessage()
		if err == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		if !errors.As(err, &rn) {
			t.Fatalf("expected a notification on shutdown, got %v", err)
		}
		break
	}
	if rn == nil || rn.Notification.Code != bgp.ErrCodeCease || rn.Notification.Subcode != bgp.ErrSubCeaseAdminShutdown {
		t.Fatalf("expected cease/administrative shutdown, got %v", rn)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("speaker did not stop")
	}
}

func TestSpeaker_PassivePeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sp := New(Config{
		PollInterval: 5 * time.Millisecond,
		Peers: []PeerConfig{{
			Address: loopback,
			Passive: true,
			Session: speakerSession(),
		}},
	}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sp.run(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()
	remote := newRemote(t, conn)

	if routes := readUntilEOR(t, remote); len(routes) != 0 {
		t.Errorf("expected no routes, got %v", routes)
	}
	waitFor(t, "speaker established", func() bool { return sp.EstablishedCount() == 1 })
}

func TestSpeaker_PassivePeerRejectsSecondConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sp := New(Config{
		PollInterval: 5 * time.Millisecond,
		Peers: []PeerConfig{{
			Address: loopback,
			Passive: true,
			Session: speakerSession(),
		}},
	}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sp.run(ctx, ln) }()

	first, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	readUntilEOR(t, newRemote(t, first))
	waitFor(t, "speaker established", func() bool { return sp.EstablishedCount() == 1 })

	second, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := second.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected the second connection to be closed, got %v", err)
	}
	if sp.EstablishedCount() != 1 {
		t.Error("expected the first session to stay established")
	}

	// Once the first session ends the peer accepts a new connection.
	first.Close()
	waitFor(t, "peer released", func() bool { return !sp.peers[0].claimed.Load() })

	third, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer third.Close()
	readUntilEOR(t, newRemote(t, third))
	waitFor(t, "speaker re-established", func() bool { return sp.EstablishedCount() == 1 })
}

func TestSpeaker_RejectsUnknownPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sp := New(Config{
		Peers: []PeerConfig{{
			Address: netip.MustParseAddr("192.0.2.2"),
			Passive: true,
			Session: speakerSession(),
		}},
	}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sp.run(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected the connection to be closed, got %v", err)
	}
	if sp.EstablishedCount() != 0 {
		t.Error("expected no established sessions")
	}
}

func TestSpeaker_SessionsBeforeRun(t *testing.T) {
	sp := New(Config{Peers: []PeerConfig{{Address: loopback, Session: speakerSession()}}}, nil, zap.NewNop())
	st := sp.Sessions()
	if len(st) != 1 || st[0].State != "idle" || st[0].Address != "127.0.0.1" {
		t.Errorf("unexpected initial status %+v", st)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Speaker.ASN = 4200000000
	cfg.Speaker.RouterID = "192.0.2.1"
	cfg.Speaker.GracefulRestartSeconds = 120
	cfg.Peers = map[string]config.PeerConfig{
		"r2": {Address: "2001:db8::2", Families: []string{"ipv6-unicast"}},
		"r1": {Address: "192.0.2.2", Port: 1179, ASN: 64513, Announce: []config.RouteConfig{
			{Prefix: "203.0.113.0/24", NextHop: "192.0.2.1"},
		}},
	}

	sc, err := NewConfig(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sc.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(sc.Peers))
	}
	r1, r2 := sc.Peers[0], sc.Peers[1]
	if r1.Name() != "r1" || r1.Port != 1179 || len(r1.Routes) != 1 {
		t.Errorf("unexpected r1 %+v", r1)
	}
	if r1.Session.LocalASN != 4200000000 || r1.Session.PeerASN != 64513 || r1.Session.HoldTime != 90 {
		t.Errorf("unexpected r1 session config %+v", r1.Session)
	}
	if r2.Port != DefaultPort {
		t.Errorf("expected default port, got %d", r2.Port)
	}
	if len(r2.Session.Families) != 1 || r2.Session.Families[0] != bgp.IPv6Unicast {
		t.Errorf("expected ipv6-unicast, got %v", r2.Session.Families)
	}
	gr := r2.Session.GracefulRestart
	if gr == nil || gr.Time != 120 || len(gr.Families) != 1 {
		t.Errorf("unexpected graceful restart %+v", gr)
	}
	if sc.PollInterval != 100*time.Millisecond || sc.ConnectRetry != 30*time.Second {
		t.Errorf("unexpected timers poll=%s retry=%s", sc.PollInterval, sc.ConnectRetry)
	}
}
