package session

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"go.uber.org/zap"
)

// State is a session FSM state.
type State int

const (
	StateIdle State = iota
	StateOpenSent
	StateOpenConfirm
	StateEstablished
)

var stateNames = map[State]string{
	StateIdle:        "idle",
	StateOpenSent:    "open_sent",
	StateOpenConfirm: "open_confirm",
	StateEstablished: "established",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// OpenSentHoldTime is the hold time applied while waiting for the peer's
// OPEN (RFC 4271 suggests 4 minutes).
const OpenSentHoldTime = 4 * time.Minute

// Config is the local side of a session.
type Config struct {
	// Name labels the peer in logs and metrics.
	Name     string
	LocalASN uint32
	RouterID netip.Addr
	// HoldTime in seconds; 0 disables the hold timer and keepalives.
	HoldTime uint16
	// PeerASN, when non-zero, must match the ASN the peer declares.
	PeerASN     uint32
	FourOctetAS bool
	// Families to negotiate; empty means IPv4 unicast only.
	Families        []bgp.Family
	GracefulRestart *bgp.GracefulRestart
	RouteRefresh    bool
	Strict          bool
}

func (c Config) families() []bgp.Family {
	if len(c.Families) == 0 {
		return []bgp.Family{bgp.IPv4Unicast}
	}
	return c.Families
}

func (c Config) advertisesFourOctetAS() bool {
	return c.FourOctetAS || c.LocalASN > 0xffff
}

// PeerInfo is what was learned and negotiated from the peer's OPEN.
type PeerInfo struct {
	Name         string
	Address      netip.Addr
	ASN          uint32
	RouterID     netip.Addr
	HoldTime     time.Duration
	FourOctetAS  bool
	Families     []bgp.Family
	Capabilities bgp.Capabilities
}

// HasFamily reports whether f was negotiated.
func (p PeerInfo) HasFamily(f bgp.Family) bool {
	for _, have := range p.Families {
		if have == f {
			return true
		}
	}
	return false
}

// Session is the per-peer state machine. It is driven by a single goroutine:
// nothing in it is safe for concurrent use.
type Session struct {
	cfg       Config
	transport Transport
	reader    *bgp.Reader
	logger    *zap.Logger
	now       func() time.Time

	state         State
	started       time.Time
	lastWrite     time.Time
	establishedAt time.Time
	keepalive     time.Duration
	peer          PeerInfo
}

// Option customizes a Session.
type Option func(*Session)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New returns an idle session over t.
func New(cfg Config, t Transport, logger *zap.Logger, opts ...Option) *Session {
	s := &Session{
		cfg:       cfg,
		transport: t,
		reader:    bgp.NewReader(t, bgp.DecodeOptions{Strict: cfg.Strict}),
		logger:    logger.With(zap.String("peer", cfg.Name)),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) State() State { return s.state }

// Peer returns the negotiated peer parameters. It is zero before OpenConfirm.
func (s *Session) Peer() PeerInfo { return s.peer }

// EstablishedAt returns when the session reached Established.
func (s *Session) EstablishedAt() time.Time { return s.establishedAt }

func (s *Session) setState(st State) {
	if st == s.state {
		return
	}
	s.logger.Info("session state change",
		zap.Stringer("from", s.state),
		zap.Stringer("to", st),
	)
	s.state = st
	if st == StateEstablished {
		s.establishedAt = s.now()
	}
	metrics.SessionState.WithLabelValues(s.cfg.Name).Set(float64(st))
	metrics.SessionTransitionsTotal.WithLabelValues(s.cfg.Name, st.String()).Inc()
}

// Start sends our OPEN and moves to OpenSent.
func (s *Session) Start() error {
	if s.state != StateIdle {
		return fmt.Errorf("session: start in state %s", s.state)
	}
	caps := bgp.Capabilities{
		Families:        s.cfg.families(),
		RouteRefresh:    s.cfg.RouteRefresh,
		GracefulRestart: s.cfg.GracefulRestart,
	}
	if s.cfg.advertisesFourOctetAS() {
		asn := s.cfg.LocalASN
		caps.FourOctetAS = &asn
	}
	open, err := bgp.EncodeOpen(s.cfg.LocalASN, s.cfg.RouterID, caps, s.cfg.HoldTime)
	if err != nil {
		return fmt.Errorf("session: encode open: %w", err)
	}
	s.started = s.now()
	if err := s.write(bgp.MsgTypeOpen, open); err != nil {
		return err
	}
	s.setState(StateOpenSent)
	return nil
}

// ReadMessage reads at most one message and advances the state machine.
// It returns a type-0 NoOp when nothing is pending. Any error is fatal: the
// session has already replied if required, closed the transport and
// returned to Idle.
func (s *Session) ReadMessage() (bgp.Message, error) {
	if s.state == StateIdle {
		return nil, fmt.Errorf("session: read in idle state: %w", bgp.ErrNotConnected)
	}
	msg, err := s.reader.ReadMessage()
	if err != nil {
		var rn *bgp.ReceivedNotificationError
		if errors.As(err, &rn) {
			s.countMessage("in", bgp.MsgTypeNotification)
		}
		return nil, s.fail(err)
	}
	if noop, ok := msg.(*bgp.NoOp); ok && noop.Type == 0 {
		return msg, nil
	}
	s.countMessage("in", msg.MsgType())
	metrics.LastMsgTimestamp.WithLabelValues(s.cfg.Name).SetToCurrentTime()

	switch m := msg.(type) {
	case *bgp.Open:
		if s.state != StateOpenSent {
			return nil, s.fail(s.fsmError("OPEN"))
		}
		if err := s.negotiate(m); err != nil {
			return nil, s.fail(err)
		}
		if err := s.write(bgp.MsgTypeKeepalive, bgp.EncodeKeepalive()); err != nil {
			return nil, err
		}
		s.setState(StateOpenConfirm)
	case *bgp.Keepalive:
		switch s.state {
		case StateOpenSent:
			return nil, s.fail(s.fsmError("KEEPALIVE"))
		case StateOpenConfirm:
			s.setState(StateEstablished)
		}
	case *bgp.Update:
		if s.state != StateEstablished {
			return nil, s.fail(s.fsmError("UPDATE"))
		}
		s.observeUpdate(m)
	case *bgp.NoOp:
		s.logger.Debug("ignoring message of unknown type", zap.Uint8("type", m.Type))
	}
	return msg, nil
}

func (s *Session) fsmError(what string) error {
	var sub uint8
	switch s.state {
	case StateOpenSent:
		sub = bgp.ErrSubFSMUnexpectedOpenSent
	case StateOpenConfirm:
		sub = bgp.ErrSubFSMUnexpectedOpenConf
	case StateEstablished:
		sub = bgp.ErrSubFSMUnexpectedEstablish
	}
	return bgp.Notify(bgp.ErrCodeFSM, sub, nil, "unexpected %s in state %s", what, s.state)
}

// negotiate validates the peer's OPEN against local configuration and
// records the resulting session parameters.
func (s *Session) negotiate(o *bgp.Open) error {
	caps := o.Capabilities
	if s.cfg.advertisesFourOctetAS() && caps.FourOctetAS == nil {
		return bgp.Notify(bgp.ErrCodeOpenMessage, bgp.ErrSubOpenUnspecific, nil,
			"peer does not support 4-octet AS numbers")
	}
	if o.HoldTime == 1 || o.HoldTime == 2 {
		return bgp.Notify(bgp.ErrCodeOpenMessage, bgp.ErrSubUnacceptableHoldTime, nil,
			"invalid hold time %d", o.HoldTime)
	}

	asn := o.PeerASN()
	if s.cfg.PeerASN != 0 && asn != s.cfg.PeerASN {
		return bgp.Notify(bgp.ErrCodeOpenMessage, bgp.ErrSubBadPeerAS, []byte{byte(o.ASN >> 8), byte(o.ASN)},
			"peer AS %d, expected %d", asn, s.cfg.PeerASN)
	}

	routerID := o.RouterID
	if routerID.IsUnspecified() {
		routerID = s.transport.RemoteAddr()
	}

	hold := min(s.cfg.HoldTime, o.HoldTime)

	offered := caps.Families
	if len(offered) == 0 {
		offered = []bgp.Family{bgp.IPv4Unicast}
	}
	var families []bgp.Family
	for _, f := range s.cfg.families() {
		for _, g := range offered {
			if f == g {
				families = append(families, f)
				break
			}
		}
	}

	fourOctet := s.cfg.advertisesFourOctetAS() && caps.FourOctetAS != nil
	s.reader.SetFourOctetAS(fourOctet)

	s.peer = PeerInfo{
		Name:         s.cfg.Name,
		Address:      s.transport.RemoteAddr(),
		ASN:          asn,
		RouterID:     routerID,
		HoldTime:     time.Duration(hold) * time.Second,
		FourOctetAS:  fourOctet,
		Families:     families,
		Capabilities: caps,
	}
	s.keepalive = s.peer.HoldTime / 3

	s.logger.Info("peer open accepted",
		zap.Uint32("peer_asn", asn),
		zap.Stringer("router_id", routerID),
		zap.Duration("hold_time", s.peer.HoldTime),
		zap.Bool("four_octet_as", fourOctet),
		zap.Stringers("families", families),
	)
	return nil
}

func (s *Session) observeUpdate(u *bgp.Update) {
	for _, w := range u.Warnings {
		metrics.DecodeWarningsTotal.WithLabelValues(s.cfg.Name).Inc()
		s.logger.Warn("update decode warning", zap.String("warning", w))
	}
	if f, ok := u.EndOfRIB(); ok {
		metrics.EORSeen.WithLabelValues(s.cfg.Name, f.String()).Set(1)
		s.logger.Info("end-of-rib received", zap.Stringer("family", f))
		return
	}
	for _, r := range u.Routes {
		metrics.RoutesReceivedTotal.WithLabelValues(s.cfg.Name, strconv.Itoa(r.Family.Version()), r.Op.Action()).Inc()
	}
}

// holdTime is the hold time governing the current state.
func (s *Session) holdTime() time.Duration {
	if s.state == StateOpenSent {
		return OpenSentHoldTime
	}
	return s.peer.HoldTime
}

// CheckKeepalive returns the hold time left before the session is declared
// dead. Expiry sends Notify(4,0) and returns the session to Idle. When the
// negotiated hold time is zero the timer is off and CheckKeepalive returns (0, nil).
func (s *Session) CheckKeepalive() (time.Duration, error) {
	if s.state == StateIdle {
		return 0, fmt.Errorf("session: hold timer checked in idle state: %w", bgp.ErrNotConnected)
	}
	hold := s.holdTime()
	if hold == 0 {
		return 0, nil
	}
	base := s.transport.LastRead()
	if base.Before(s.started) {
		base = s.started
	}
	remaining := hold - s.now().Sub(base)
	if remaining <= 0 {
		s.logger.Warn("hold timer expired", zap.Duration("hold_time", hold), zap.Time("last_read", base))
		return 0, s.fail(bgp.Notify(bgp.ErrCodeHoldTimeExpired, 0, nil, "no message for %s", hold))
	}
	return remaining, nil
}

// NewKeepalive sends a KEEPALIVE when one is due (a third of the hold time
// since our last message) or when force is set, and reports whether it did.
func (s *Session) NewKeepalive(force bool) (bool, error) {
	if s.state != StateOpenConfirm && s.state != StateEstablished {
		return false, nil
	}
	if !force && (s.keepalive == 0 || s.now().Sub(s.lastWrite) < s.keepalive) {
		return false, nil
	}
	if err := s.write(bgp.MsgTypeKeepalive, bgp.EncodeKeepalive()); err != nil {
		return false, err
	}
	return true, nil
}

// WriteRoutes encodes routes for this peer and sends them. Routes of
// families that were not negotiated are dropped.
func (s *Session) WriteRoutes(routes []bgp.Route) error {
	if s.state != StateEstablished {
		return fmt.Errorf("session: write routes in state %s", s.state)
	}
	var out []bgp.Route
	for _, r := range routes {
		if !s.peer.HasFamily(r.Family) {
			s.logger.Debug("skipping route for family not negotiated",
				zap.Stringer("prefix", r.Prefix),
				zap.Stringer("family", r.Family),
			)
			continue
		}
		out = append(out, r)
	}
	msgs, err := bgp.EncodeUpdates(out, bgp.EncodeOptions{
		LocalASN:    s.cfg.LocalASN,
		PeerASN:     s.peer.ASN,
		FourOctetAS: s.peer.FourOctetAS,
	})
	if err != nil {
		return fmt.Errorf("session: encode updates: %w", err)
	}
	for _, msg := range msgs {
		metrics.UpdateSizeBytes.WithLabelValues(s.cfg.Name).Observe(float64(len(msg)))
		if err := s.write(bgp.MsgTypeUpdate, msg); err != nil {
			return err
		}
	}
	for _, r := range out {
		metrics.RoutesSentTotal.WithLabelValues(s.cfg.Name, strconv.Itoa(r.Family.Version()), r.Op.Action()).Inc()
	}
	return nil
}

// WriteEndOfRIB sends the End-of-RIB marker for f.
func (s *Session) WriteEndOfRIB(f bgp.Family) error {
	if s.state != StateEstablished {
		return fmt.Errorf("session: write end-of-rib in state %s", s.state)
	}
	msg, err := bgp.EncodeEndOfRIB(f)
	if err != nil {
		return err
	}
	return s.write(bgp.MsgTypeUpdate, msg)
}

// Shutdown sends Cease/administrative shutdown and closes the session.
func (s *Session) Shutdown() error {
	if s.state == StateIdle {
		return nil
	}
	return s.fail(bgp.Notify(bgp.ErrCodeCease, bgp.ErrSubCeaseAdminShutdown, nil, "administrative shutdown"))
}

func (s *Session) write(msgType uint8, msg []byte) error {
	if _, err := s.transport.Write(msg); err != nil {
		return s.fail(fmt.Errorf("%w: write: %v", bgp.ErrNotConnected, err))
	}
	s.lastWrite = s.now()
	s.countMessage("out", msgType)
	return nil
}

// fail tears the session down. Local protocol violations are reported to
// the peer first; peer notifications and transport loss are not answered.
// The original error is returned.
func (s *Session) fail(err error) error {
	var ne *bgp.NotifyError
	var rn *bgp.ReceivedNotificationError
	switch {
	case errors.As(err, &ne):
		n := ne.Notification()
		s.logger.Warn("sending notification", zap.Stringer("notification", n), zap.String("reason", ne.Reason))
		metrics.NotificationsTotal.WithLabelValues(s.cfg.Name, "out", strconv.Itoa(int(n.Code)), strconv.Itoa(int(n.Subcode))).Inc()
		if _, werr := s.transport.Write(n.Encode()); werr != nil {
			s.logger.Debug("failed to send notification", zap.Error(werr))
		} else {
			s.countMessage("out", bgp.MsgTypeNotification)
		}
	case errors.As(err, &rn):
		n := rn.Notification
		s.logger.Warn("peer sent notification", zap.Stringer("notification", n), zap.Binary("data", n.Data))
		metrics.NotificationsTotal.WithLabelValues(s.cfg.Name, "in", strconv.Itoa(int(n.Code)), strconv.Itoa(int(n.Subcode))).Inc()
	default:
		s.logger.Info("connection lost", zap.Error(err))
	}
	if cerr := s.transport.Close(); cerr != nil {
		s.logger.Debug("close transport", zap.Error(cerr))
	}
	s.setState(StateIdle)
	return err
}

var messageTypeNames = map[uint8]string{
	bgp.MsgTypeOpen:         "open",
	bgp.MsgTypeUpdate:       "update",
	bgp.MsgTypeNotification: "notification",
	bgp.MsgTypeKeepalive:    "keepalive",
}

func (s *Session) countMessage(direction string, msgType uint8) {
	name, ok := messageTypeNames[msgType]
	if !ok {
		name = "unknown"
	}
	metrics.MessagesTotal.WithLabelValues(s.cfg.Name, direction, name).Inc()
}
