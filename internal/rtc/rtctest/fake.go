// Package rtctest provides an in-memory rtc.PeerConnection whose signaling
// state follows the offer/answer rules without any media stack.
package rtctest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/rtc"
)

var ErrWrongState = errors.New("rtctest: wrong signaling state")

// Compile-time interface checks.
var (
	_ rtc.Factory        = (*Factory)(nil)
	_ rtc.PeerConnection = (*Peer)(nil)
)

// Factory records every Peer it builds.
type Factory struct {
	mu    sync.Mutex
	peers []*Peer
	// Configure, when set, runs on each new peer before it is returned.
	Configure func(p *Peer)
	// AutoConnect makes every peer report Connected once an answer has
	// been applied on its side.
	AutoConnect bool
	Err         error
}

func (f *Factory) New(role models.Role, h rtc.Handlers) (rtc.PeerConnection, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	p := &Peer{Role: role, Handlers: h, AutoConnect: f.AutoConnect, state: webrtc.SignalingStateStable}
	if f.Configure != nil {
		f.Configure(p)
	}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

// Peers returns every peer built so far, oldest first.
func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Last returns the newest peer or nil.
func (f *Factory) Last() *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// Peer is a fake connection. Exported fields may be set before use.
type Peer struct {
	Role     models.Role
	Handlers rtc.Handlers

	// OfferGate, when non-nil, makes CreateOffer block until it is closed.
	OfferGate chan struct{}
	// OfferErr is returned by CreateOffer.
	OfferErr error
	// CandidateErr is returned by AddICECandidate.
	CandidateErr error
	// DataErr is returned by SendData.
	DataErr error
	// StatsFunc supplies Stats results.
	StatsFunc func() (rtc.Stats, error)
	// AutoConnect emits Connected when the answer lands.
	AutoConnect bool

	mu         sync.Mutex
	state      webrtc.SignalingState
	offers     int
	offerCalls int
	answers    int
	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	sent       [][]byte
	closed     bool
}

func (p *Peer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetSignalingState forces a state, simulating a desynchronized connection.
func (p *Peer) SetSignalingState(s webrtc.SignalingState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	if p.OfferGate != nil {
		<-p.OfferGate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offerCalls++
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("rtctest: closed")
	}
	if p.OfferErr != nil {
		return webrtc.SessionDescription{}, p.OfferErr
	}
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeSDP("offer", p.offers)}, nil
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: answer in %s", ErrWrongState, p.state)
	}
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP("answer", p.answers)}, nil
}

func (p *Peer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && p.state == webrtc.SignalingStateStable:
		p.state = webrtc.SignalingStateHaveLocalOffer
	case d.Type == webrtc.SDPTypeAnswer && p.state == webrtc.SignalingStateHaveRemoteOffer:
		p.state = webrtc.SignalingStateStable
		p.connectLater()
	default:
		return fmt.Errorf("%w: local %s in %s", ErrWrongState, d.Type, p.state)
	}
	p.local = append(p.local, d)
	return nil
}

func (p *Peer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && p.state == webrtc.SignalingStateStable:
		p.state = webrtc.SignalingStateHaveRemoteOffer
	case d.Type == webrtc.SDPTypeAnswer && p.state == webrtc.SignalingStateHaveLocalOffer:
		p.state = webrtc.SignalingStateStable
		p.connectLater()
	default:
		return fmt.Errorf("%w: remote %s in %s", ErrWrongState, d.Type, p.state)
	}
	p.remote = append(p.remote, d)
	return nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	if p.CandidateErr != nil {
		return p.CandidateErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *Peer) SendData(data []byte) error {
	if p.DataErr != nil {
		return p.DataErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, append([]byte(nil), data...))
	return nil
}

func (p *Peer) Stats() (rtc.Stats, error) {
	if p.StatsFunc != nil {
		return p.StatsFunc()
	}
	return rtc.Stats{}, nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.state = webrtc.SignalingStateClosed
	return nil
}

// connectLater must be called with p.mu held.
func (p *Peer) connectLater() {
	if p.AutoConnect {
		go p.Emit(webrtc.PeerConnectionStateConnected)
	}
}

// Emit delivers a connection state change as the real stack would.
func (p *Peer) Emit(s webrtc.PeerConnectionState) {
	if p.Handlers.OnStateChange != nil {
		p.Handlers.OnStateChange(s)
	}
}

// Gather emits a local ICE candidate.
func (p *Peer) Gather(candidate string) {
	if p.Handlers.OnICECandidate != nil {
		p.Handlers.OnICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// Receive delivers bytes on the data path.
func (p *Peer) Receive(data []byte) {
	if p.Handlers.OnData != nil {
		p.Handlers.OnData(data)
	}
}

func (p *Peer) Offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

// OfferAttempts counts CreateOffer calls, failed ones included.
func (p *Peer) OfferAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offerCalls
}

func (p *Peer) LocalDescriptions() []webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), p.local...)
}

func (p *Peer) RemoteDescriptions() []webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), p.remote...)
}

func (p *Peer) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *Peer) Sent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.sent...)
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeSDP is a minimal description with one video section so SDP rewriting
// has something to work on.
func fakeSDP(kind string, n int) string {
	return "v=0\r\n" +
		fmt.Sprintf("o=- %d 1 IN IP4 127.0.0.1\r\n", n) +
		"s=" + kind + "\r\n" +
		"t=0 0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96 102\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=rtpmap:96 VP8/90000\r\n" +
		"a=rtpmap:102 H264/90000\r\n"
}
