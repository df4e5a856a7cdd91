package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/internal/clock"
	"github.com/mossy-p/webrtc-roulette/internal/health"
	"github.com/mossy-p/webrtc-roulette/internal/matching"
	"github.com/mossy-p/webrtc-roulette/internal/metrics"
	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/moderation"
	"github.com/mossy-p/webrtc-roulette/internal/negotiation"
	"github.com/mossy-p/webrtc-roulette/internal/quality"
	"github.com/mossy-p/webrtc-roulette/internal/reactor"
	"github.com/mossy-p/webrtc-roulette/internal/rtc"
	"github.com/mossy-p/webrtc-roulette/internal/transport"
)

var (
	ErrActive    = errors.New("session: already active")
	ErrNoSession = errors.New("session: no active session")
	ErrClosed    = errors.New("session: manager closed")
)

// Moderation calls made on the side of the lifecycle get this long.
const moderationTimeout = 5 * time.Second

// Deps are the collaborators of a Manager. Relay and Factory are required.
type Deps struct {
	Relay      transport.Relay
	Factory    rtc.Factory
	Moderation moderation.Checker
	Capture    quality.Capture
	Clock      clock.Clock
	Metrics    *metrics.Session
	Log        *zap.Logger
}

// Manager is the lifecycle state machine of one client. Its methods are
// safe for concurrent use; everything else runs on its reactor.
type Manager struct {
	r     *reactor.Reactor
	cfg   Config
	relay transport.Relay
	mod   moderation.Checker
	clk   clock.Clock
	met   *metrics.Session
	log   *zap.Logger

	skips   *matching.SkipList
	engine  *matching.Engine
	coord   *negotiation.Coordinator
	monitor *health.Monitor
	quality *quality.Controller
	unsub   []func()

	// Reactor-owned.
	state        State
	session      *Session
	prefs        models.Preferences
	userStop     bool
	closed       bool
	relayDown    bool
	negFails     int
	negTimer     *reactor.Timer
	graceTimer   *reactor.Timer
	restartTimer *reactor.Timer

	subMu      sync.Mutex
	subs       map[int]chan Event
	nextSub    int
	subsClosed bool
}

// NewManager wires the session components onto a fresh reactor and starts
// it. Close releases it.
func NewManager(cfg Config, deps Deps) *Manager {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	mod := deps.Moderation
	if mod == nil {
		mod = moderation.Allow{}
	}
	log = log.With(zap.String("client", deps.Relay.ClientID()))
	r := reactor.New(clk, log.Named("reactor"))

	m := &Manager{
		r:     r,
		cfg:   cfg,
		relay: deps.Relay,
		mod:   mod,
		clk:   clk,
		met:   deps.Metrics,
		log:   log,
		subs:  make(map[int]chan Event),
	}

	m.skips = matching.NewSkipList(r, cfg.SkipCooldown)
	m.engine = matching.NewEngine(r, deps.Relay, m.skips, matching.Config{
		SearchTimeout:   cfg.SearchTimeout,
		AcceptThreshold: cfg.AcceptThreshold,
	}, log.Named("matching"))
	m.engine.OnMatch = m.onMatch
	m.engine.OnTimeout = m.onSearchTimeout

	m.coord = negotiation.New(r, deps.Relay, deps.Factory, cfg.Rewriter,
		func() bool { return m.userStop }, log.Named("negotiation"))
	m.coord.OnError = m.onNegotiationError
	m.coord.OnStateChange = m.onConnectionState
	m.coord.OnData = func(data []byte) { m.monitor.HandleData(data) }

	m.monitor = health.NewMonitor(r, deps.Relay, cfg.Heartbeat, log.Named("health"))
	m.monitor.OnDead = func() { m.end(models.ReasonHeartbeatTimeout, false) }
	m.monitor.OnRTT = func(d time.Duration) { m.met.RTT(d.Seconds()) }

	m.quality = quality.NewController(r, deps.Relay, deps.Capture, cfg.Quality, log.Named("quality"))
	m.quality.OnSample = func(q models.ConnectionQuality) { m.met.Bandwidth(q.BandwidthKbps) }
	m.quality.OnTierChange = m.met.Tier

	m.unsub = append(m.unsub,
		deps.Relay.OnMessage(func(msg models.Message) {
			_ = r.Post(func() { m.dispatch(msg) })
		}),
		deps.Relay.OnClose(func(err error) {
			_ = r.Post(func() { m.onRelayClosed(err) })
		}),
	)

	go r.Run(context.Background())
	return m
}

// ClientID is this client's relay identity.
func (m *Manager) ClientID() string { return m.relay.ClientID() }

// Start checks moderation and begins searching with prefs. A banned or
// quarantined client gets a *moderation.PolicyError and nothing is sent.
func (m *Manager) Start(ctx context.Context, prefs models.Preferences) error {
	if err := m.checkPolicy(ctx); err != nil {
		_ = m.r.Post(func() { m.emitError(err) })
		return err
	}
	return m.do(ctx, func() error {
		if m.closed {
			return ErrClosed
		}
		if m.state != StateIdle {
			return ErrActive
		}
		m.userStop = false
		m.prefs = prefs.Clone()
		return m.search()
	})
}

// Skip ends the current session, puts the peer on cooldown, and searches
// again with the same preferences.
func (m *Manager) Skip(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.state != StateNegotiating && m.state != StateConnected {
			return ErrNoSession
		}
		m.end(models.ReasonUserSkip, false)
		return nil
	})
}

// Stop ends whatever is in progress. Nothing restarts until Start is
// called again.
func (m *Manager) Stop(ctx context.Context) error {
	return m.do(ctx, func() error {
		m.userStop = true
		m.halt(models.ReasonUserStop)
		return nil
	})
}

// Close tears everything down with reason cleanup, closes every
// subscription, and stops the reactor. The relay is left open.
func (m *Manager) Close() error {
	err := m.do(context.Background(), func() error {
		if m.closed {
			return nil
		}
		m.userStop = true
		m.halt(models.ReasonCleanup)
		m.closed = true
		m.skips.Clear()
		for _, unsub := range m.unsub {
			unsub()
		}
		return nil
	})
	_ = m.r.Close()
	m.closeSubscribers()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// State reports the lifecycle state, Idle once closed.
func (m *Manager) State() State {
	var s State
	_ = m.r.Do(context.Background(), func() { s = m.state })
	return s
}

// Current returns a copy of the active session.
func (m *Manager) Current() (Session, bool) {
	var (
		s  Session
		ok bool
	)
	_ = m.r.Do(context.Background(), func() {
		if m.session != nil {
			s, ok = *m.session, true
		}
	})
	return s, ok
}

// Subscribe returns a channel receiving every lifecycle event from now on.
// Events are dropped for a subscriber whose buffer is full. The returned
// func unsubscribes and closes the channel.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	ch := make(chan Event, buffer)
	if m.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *Manager) closeSubscribers() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.subsClosed = true
}

func (m *Manager) emit(ev Event) {
	ev.At = m.clk.Now()
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.log.Warn("subscriber is not keeping up, event dropped", zap.String("event", string(ev.Kind)))
		}
	}
}

func (m *Manager) emitError(err error) {
	m.met.Error()
	ev := Event{Kind: EventError, Message: err.Error()}
	if m.session != nil {
		ev.SessionID = m.session.ID
		ev.PeerID = m.session.PeerID
	}
	m.emit(ev)
}

// do runs fn on the reactor and returns its error.
func (m *Manager) do(ctx context.Context, fn func() error) error {
	var err error
	if derr := m.r.Do(ctx, func() { err = fn() }); derr != nil {
		if errors.Is(derr, reactor.ErrClosed) {
			return ErrClosed
		}
		return derr
	}
	return err
}

func (m *Manager) checkPolicy(ctx context.Context) error {
	st, err := m.mod.Status(ctx, m.relay.ClientID())
	if err != nil {
		m.log.Warn("moderation status unavailable", zap.Error(err))
		return err
	}
	return moderation.Evaluate(st, m.clk.Now())
}

func (m *Manager) search() error {
	if err := m.engine.StartSearch(m.prefs); err != nil {
		m.state = StateIdle
		m.emitError(err)
		return err
	}
	m.state = StateSearching
	m.log.Info("searching")
	return nil
}

func (m *Manager) onMatch(match matching.Match) {
	if m.state != StateSearching {
		return
	}
	s := &Session{
		ID:        uuid.NewString(),
		PeerID:    match.Peer.ID,
		Role:      match.Role,
		State:     StateNegotiating,
		Score:     match.Score,
		StartedAt: m.clk.Now(),
	}
	m.session = s
	m.state = StateNegotiating
	m.negFails = 0
	m.met.Match(string(match.Role))
	m.emit(Event{
		Kind:        EventMatchFound,
		SessionID:   s.ID,
		PeerID:      s.PeerID,
		Preferences: match.Peer.Preferences.Clone(),
	})

	if err := m.coord.Begin(s.PeerID, s.Role); err != nil {
		m.emitError(err)
		m.end(models.ReasonConnectionFailed, false)
		return
	}
	m.negTimer = m.r.AfterFunc(m.cfg.NegotiationTimeout, func() {
		if m.state == StateNegotiating {
			m.log.Warn("negotiation timed out", zap.String("peer", s.PeerID))
			m.end(models.ReasonConnectionFailed, false)
		}
	})
	if s.Role == models.RoleInitiator {
		m.coord.CreateAndSendOffer()
	}
}

func (m *Manager) onSearchTimeout() {
	if m.state != StateSearching {
		return
	}
	// A wider pool for the next attempt.
	m.skips.Clear()
	m.state = StateIdle
	m.emitError(matching.ErrSearchTimeout)
}

func (m *Manager) onConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.graceTimer.Stop()
		if m.state != StateNegotiating {
			return
		}
		m.negTimer.Stop()
		m.state = StateConnected
		m.session.State = StateConnected
		peer := m.session.PeerID
		m.monitor.Start(peer, m.coord)
		if pc := m.coord.Connection(); pc != nil {
			m.quality.Start(peer, pc)
		}
		m.background("mark connected", func(ctx context.Context) error {
			return m.mod.MarkConnected(ctx, m.relay.ClientID(), peer)
		})
		m.log.Info("connected", zap.String("peer", peer), zap.String("session", m.session.ID))
		m.emit(Event{Kind: EventConnected, SessionID: m.session.ID, PeerID: peer})

	case webrtc.PeerConnectionStateDisconnected:
		if m.state == StateConnected && !m.graceTimer.Active() {
			m.graceTimer = m.r.AfterFunc(m.cfg.DisconnectGrace, func() {
				m.end(models.ReasonConnectionLost, false)
			})
		}

	case webrtc.PeerConnectionStateFailed:
		m.end(models.ReasonConnectionFailed, false)
	}
}

func (m *Manager) onNegotiationError(err error) {
	if m.state != StateNegotiating && m.state != StateConnected {
		return
	}
	m.negFails++
	m.emitError(err)
	if m.negFails >= m.cfg.MaxNegotiationFails {
		m.end(models.ReasonConnectionFailed, false)
		return
	}
	if m.state == StateNegotiating {
		m.retryNegotiation()
	}
}

// retryNegotiation starts over on a fresh peer connection. The Responder
// waits for the Initiator's next offer.
func (m *Manager) retryNegotiation() {
	m.log.Info("retrying negotiation",
		zap.String("peer", m.session.PeerID), zap.Int("failures", m.negFails))
	if err := m.coord.Restart(); err != nil {
		m.emitError(err)
		m.end(models.ReasonConnectionFailed, false)
		return
	}
	if m.session.Role == models.RoleInitiator {
		m.coord.CreateAndSendOffer()
	}
}

func (m *Manager) dispatch(msg models.Message) {
	if d, ok := msg.(*models.Disconnect); ok {
		if m.session != nil && d.From() == m.session.PeerID {
			m.end(d.Reason, true)
		}
		return
	}
	if m.engine.Handle(msg) || m.coord.Handle(msg) || m.monitor.Handle(msg) || m.quality.Handle(msg) {
		return
	}
	m.log.Debug("unhandled message", zap.String("type", string(msg.Type())), zap.String("from", msg.From()))
}

func (m *Manager) onRelayClosed(err error) {
	if m.relayDown || m.closed {
		return
	}
	m.relayDown = true
	m.log.Warn("relay connection lost", zap.Error(err))
	if err == nil {
		err = transport.ErrClosed
	}
	m.emitError(err)
	switch m.state {
	case StateNegotiating, StateConnected:
		m.end(models.ReasonConnectionLost, false)
	case StateSearching:
		m.engine.Reset()
		m.state = StateIdle
	case StateReconnecting:
		m.restartTimer.Stop()
		m.state = StateIdle
	}
}

// halt ends the current activity without any follow-up.
func (m *Manager) halt(reason models.DisconnectReason) {
	switch m.state {
	case StateNegotiating, StateConnected:
		m.end(reason, false)
	case StateSearching:
		if err := m.engine.CancelSearch(); err != nil {
			m.log.Debug("cancel search", zap.Error(err))
		}
		m.state = StateIdle
		m.emit(Event{Kind: EventDisconnected, Reason: reason})
	case StateReconnecting:
		m.restartTimer.Stop()
		m.state = StateIdle
		m.emit(Event{Kind: EventDisconnected, Reason: reason})
	}
}

// end tears down the active session and decides what comes next. remote
// is set when the peer announced the end.
func (m *Manager) end(reason models.DisconnectReason, remote bool) {
	if m.state != StateNegotiating && m.state != StateConnected {
		return
	}
	s := m.session
	m.state = StateDisconnecting
	s.State = StateDisconnecting

	m.negTimer.Stop()
	m.graceTimer.Stop()
	m.monitor.Stop()
	m.quality.Stop()
	if !remote {
		if err := m.relay.SendDirect(s.PeerID, &models.Disconnect{Reason: reason}); err != nil {
			m.log.Debug("send disconnect failed", zap.Error(err))
		}
	}
	m.coord.Close()
	m.engine.Reset()
	m.session = nil
	m.state = StateIdle

	m.met.Disconnect(string(reason))
	m.background("mark disconnected", func(ctx context.Context) error {
		return m.mod.MarkDisconnected(ctx, m.relay.ClientID(), s.PeerID, reason)
	})
	m.log.Info("session ended",
		zap.String("peer", s.PeerID), zap.String("reason", string(reason)), zap.Bool("remote", remote))
	m.emit(Event{Kind: EventDisconnected, SessionID: s.ID, PeerID: s.PeerID, Reason: reason, Remote: remote})

	switch {
	case reason == models.ReasonUserSkip && !remote:
		m.skips.Add(s.PeerID)
		m.restart(0)
	case m.reconnectable(reason, remote):
		m.restart(m.cfg.ReconnectDelay)
	}
}

func (m *Manager) reconnectable(reason models.DisconnectReason, remote bool) bool {
	if !m.cfg.AutoReconnect || m.userStop || m.closed || m.relayDown {
		return false
	}
	return remote || !reason.Terminal()
}

// restart searches again after delay with the preferences of the last
// Start.
func (m *Manager) restart(delay time.Duration) {
	m.state = StateReconnecting
	m.restartTimer.Stop()
	m.restartTimer = m.r.AfterFunc(delay, m.resume)
}

func (m *Manager) resume() {
	// A stop requested while the timer was pending wins.
	if m.userStop || m.closed || m.state != StateReconnecting {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), moderationTimeout)
		defer cancel()
		err := m.checkPolicy(ctx)
		_ = m.r.Post(func() {
			if m.userStop || m.closed || m.state != StateReconnecting {
				return
			}
			if err != nil {
				m.state = StateIdle
				m.emitError(err)
				return
			}
			_ = m.search()
		})
	}()
}

// background runs a moderation side call off the reactor.
func (m *Manager) background(what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), moderationTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.log.Warn(what+" failed", zap.Error(err))
		}
	}()
}
