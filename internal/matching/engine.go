// Package matching pairs searching clients without a central queue.
//
// Every searching client broadcasts FindMatch. Whoever hears it answers
// with a direct MatchRequest; the receiver of a request decides, and the
// decision fixes the roles: the side that accepted a request becomes the
// Responder, the side whose request was accepted becomes the Initiator.
// Both sides derive their role from which message they react to, so no
// extra round trip is needed.
package matching

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/reactor"
	"github.com/mossy-p/webrtc-roulette/internal/transport"
)

type State int

const (
	StateIdle State = iota
	StateSearching
	StateAwaitingResponse
	StateMatched
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateAwaitingResponse:
		return "awaiting-response"
	case StateMatched:
		return "matched"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrNotIdle       = errors.New("matching: search already in progress")
	ErrNotSearching  = errors.New("matching: not searching")
	ErrSearchTimeout = errors.New("matching: no match found before the search timed out")
)

// Match is the outcome of a successful search.
type Match struct {
	Peer  models.Peer
	Role  models.Role
	Score float64
}

type Config struct {
	SearchTimeout time.Duration
	// Requests scoring at least AcceptThreshold are always accepted;
	// lower scores are accepted with probability score/100.
	AcceptThreshold float64
}

// Engine runs one client's side of the matching handshake. All methods
// must be called from inside the reactor.
type Engine struct {
	r     *reactor.Reactor
	relay transport.Relay
	skips *SkipList
	cfg   Config
	log   *zap.Logger
	rand  func() float64

	state       State
	prefs       models.Preferences
	timer       *reactor.Timer
	outstanding map[string]float64
	match       *Match

	// OnMatch fires once per search, after the engine entered Matched.
	OnMatch func(Match)
	// OnTimeout fires when the search window closed without a match.
	OnTimeout func()
}

func NewEngine(r *reactor.Reactor, relay transport.Relay, skips *SkipList, cfg Config, log *zap.Logger) *Engine {
	return &Engine{
		r:     r,
		relay: relay,
		skips: skips,
		cfg:   cfg,
		log:   log,
		rand:  rand.Float64,
	}
}

// SetRand replaces the source used for probabilistic acceptance.
func (e *Engine) SetRand(f func() float64) { e.rand = f }

func (e *Engine) State() State { return e.state }

// Current returns the match made by the last search, if any.
func (e *Engine) Current() (Match, bool) {
	if e.match == nil {
		return Match{}, false
	}
	return *e.match, true
}

func (e *Engine) searching() bool {
	return e.state == StateSearching || e.state == StateAwaitingResponse
}

// StartSearch announces this client and opens the search window.
func (e *Engine) StartSearch(prefs models.Preferences) error {
	if e.state != StateIdle {
		return ErrNotIdle
	}
	e.prefs = prefs.Clone()
	e.outstanding = make(map[string]float64)
	e.match = nil

	if err := e.relay.SendBroadcast(&models.FindMatch{Preferences: e.prefs}); err != nil {
		return fmt.Errorf("broadcast find-match: %w", err)
	}
	e.state = StateSearching
	e.timer = e.r.AfterFunc(e.cfg.SearchTimeout, e.onSearchTimeout)
	e.log.Debug("search started", zap.Duration("timeout", e.cfg.SearchTimeout))
	return nil
}

// CancelSearch abandons a running search.
func (e *Engine) CancelSearch() error {
	if !e.searching() {
		return ErrNotSearching
	}
	e.timer.Stop()
	e.state = StateIdle
	e.outstanding = nil
	if err := e.relay.SendBroadcast(&models.CancelSearch{}); err != nil {
		e.log.Warn("broadcast cancel-search failed", zap.Error(err))
	}
	return nil
}

// Reset returns the engine to Idle from any state.
func (e *Engine) Reset() {
	e.timer.Stop()
	e.state = StateIdle
	e.outstanding = nil
	e.match = nil
}

func (e *Engine) onSearchTimeout() {
	if !e.searching() {
		return
	}
	e.log.Info("search timed out")
	e.state = StateIdle
	e.outstanding = nil
	if e.OnTimeout != nil {
		e.OnTimeout()
	}
}

// Handle consumes matching messages and reports whether msg was one.
func (e *Engine) Handle(msg models.Message) bool {
	if msg.From() == e.relay.ClientID() {
		return false
	}
	switch m := msg.(type) {
	case *models.FindMatch:
		e.handleFindMatch(m)
	case *models.MatchRequest:
		e.handleMatchRequest(m)
	case *models.MatchResponse:
		e.handleMatchResponse(m)
	case *models.MatchFound:
		e.handleMatchFound(m)
	case *models.CancelSearch:
		e.handleCancelSearch(m)
	default:
		return false
	}
	return true
}

func (e *Engine) handleFindMatch(m *models.FindMatch) {
	if !e.searching() {
		return
	}
	peer := m.From()
	if e.skips.Contains(peer) {
		e.log.Debug("ignoring skipped peer", zap.String("peer", peer))
		return
	}
	if _, ok := e.outstanding[peer]; ok {
		return
	}
	score := Score(e.prefs, m.Preferences)
	if err := e.relay.SendDirect(peer, &models.MatchRequest{Preferences: e.prefs, MatchScore: score}); err != nil {
		e.log.Warn("send match-request failed", zap.String("peer", peer), zap.Error(err))
		return
	}
	e.outstanding[peer] = score
	e.state = StateAwaitingResponse
}

func (e *Engine) handleMatchRequest(m *models.MatchRequest) {
	peer := m.From()
	if !e.searching() || e.skips.Contains(peer) {
		e.decline(peer)
		return
	}
	// Both sides requested each other. The smaller id accepts and the
	// larger id waits for that acceptance, so exactly one Initiator exists.
	if _, crossed := e.outstanding[peer]; crossed && e.relay.ClientID() > peer {
		e.decline(peer)
		return
	}

	score := Score(e.prefs, m.Preferences)
	if score < e.cfg.AcceptThreshold && e.rand()*100 >= score {
		e.log.Debug("declined low score request", zap.String("peer", peer), zap.Float64("score", score))
		e.decline(peer)
		return
	}

	if err := e.relay.SendDirect(peer, &models.MatchResponse{
		Accepted:    true,
		MatchScore:  &score,
		Preferences: e.prefs,
	}); err != nil {
		e.log.Warn("send match-response failed", zap.String("peer", peer), zap.Error(err))
		return
	}
	if err := e.relay.SendDirect(peer, &models.MatchFound{IsInitiator: false, PeerPreferences: e.prefs}); err != nil {
		e.log.Warn("send match-found failed", zap.String("peer", peer), zap.Error(err))
	}
	e.finish(Match{
		Peer:  models.Peer{ID: peer, Preferences: m.Preferences.Clone()},
		Role:  models.RoleResponder,
		Score: score,
	})
}

func (e *Engine) handleMatchResponse(m *models.MatchResponse) {
	peer := m.From()
	score, asked := e.outstanding[peer]
	if !e.searching() || !asked {
		if m.Accepted {
			// The peer already committed to us; tell it we are gone.
			e.refuse(peer)
		}
		return
	}
	delete(e.outstanding, peer)

	if !m.Accepted {
		if len(e.outstanding) == 0 {
			e.state = StateSearching
		}
		return
	}
	if e.skips.Contains(peer) {
		e.refuse(peer)
		return
	}
	if err := e.relay.SendDirect(peer, &models.MatchFound{IsInitiator: true, PeerPreferences: e.prefs}); err != nil {
		e.log.Warn("send match-found failed", zap.String("peer", peer), zap.Error(err))
	}
	if m.MatchScore != nil {
		score = *m.MatchScore
	}
	e.finish(Match{
		Peer:  models.Peer{ID: peer, Preferences: m.Preferences.Clone()},
		Role:  models.RoleInitiator,
		Score: score,
	})
}

func (e *Engine) handleMatchFound(m *models.MatchFound) {
	if e.state != StateMatched || e.match == nil || e.match.Peer.ID != m.From() {
		return
	}
	peerIsInitiator := m.IsInitiator
	if peerIsInitiator == (e.match.Role == models.RoleInitiator) {
		e.log.Error("peer claims the same role",
			zap.String("peer", m.From()), zap.String("role", string(e.match.Role)))
	}
}

func (e *Engine) handleCancelSearch(m *models.CancelSearch) {
	if _, ok := e.outstanding[m.From()]; !ok {
		return
	}
	delete(e.outstanding, m.From())
	if e.state == StateAwaitingResponse && len(e.outstanding) == 0 {
		e.state = StateSearching
	}
}

func (e *Engine) finish(m Match) {
	e.timer.Stop()
	e.outstanding = nil
	e.state = StateMatched
	e.match = &m
	e.log.Info("matched",
		zap.String("peer", m.Peer.ID), zap.String("role", string(m.Role)), zap.Float64("score", m.Score))
	if e.OnMatch != nil {
		e.OnMatch(m)
	}
}

func (e *Engine) decline(peer string) {
	if err := e.relay.SendDirect(peer, &models.MatchResponse{Accepted: false, Preferences: e.prefs}); err != nil {
		e.log.Debug("send decline failed", zap.String("peer", peer), zap.Error(err))
	}
}

func (e *Engine) refuse(peer string) {
	if err := e.relay.SendDirect(peer, &models.Disconnect{Reason: models.ReasonPeerUnavailable}); err != nil {
		e.log.Debug("send refusal failed", zap.String("peer", peer), zap.Error(err))
	}
}
