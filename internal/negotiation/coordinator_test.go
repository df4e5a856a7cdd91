package negotiation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/internal/clock"
	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/reactor"
	"github.com/mossy-p/webrtc-roulette/internal/rtc"
	"github.com/mossy-p/webrtc-roulette/internal/rtc/rtctest"
	"github.com/mossy-p/webrtc-roulette/internal/transport"
)

var testRewriter = Rewriter{MaxBitrateKbps: 1000, PreferredCodec: "H264"}

type side struct {
	t       *testing.T
	r       *reactor.Reactor
	factory *rtctest.Factory
	coord   *Coordinator
	stop    bool
	errs    []error
	states  []webrtc.PeerConnectionState
	seen    []models.SignalType
}

func newSide(t *testing.T, hub *transport.MemoryHub, id string) *side {
	r := reactor.New(clock.Fake(time.Unix(0, 0)), zap.NewNop())
	go r.Run(context.Background())
	t.Cleanup(func() { _ = r.Close() })

	s := &side{t: t, r: r, factory: &rtctest.Factory{}}
	relay := hub.Join(id)
	s.coord = New(r, relay, s.factory, testRewriter, func() bool { return s.stop }, zap.NewNop())
	s.coord.OnError = func(err error) { s.errs = append(s.errs, err) }
	s.coord.OnStateChange = func(st webrtc.PeerConnectionState) { s.states = append(s.states, st) }
	relay.OnMessage(func(msg models.Message) {
		_ = r.Post(func() {
			s.seen = append(s.seen, msg.Type())
			s.coord.Handle(msg)
		})
	})
	return s
}

func (s *side) do(fn func()) {
	require.NoError(s.t, s.r.Do(context.Background(), fn))
}

// quiesce waits for in-flight offer/answer work and its continuation. Only
// valid while no other goroutine can start new work on this side.
func (s *side) quiesce() {
	s.coord.inflight.Wait()
	s.do(func() {})
}

// recorder is a bare relay member that only collects what it is sent.
type recorder struct {
	mu   sync.Mutex
	msgs []models.Message
}

func record(hub *transport.MemoryHub, id string) *recorder {
	rec := &recorder{}
	hub.Join(id).OnMessage(func(msg models.Message) {
		rec.mu.Lock()
		rec.msgs = append(rec.msgs, msg)
		rec.mu.Unlock()
	})
	return rec
}

func (rec *recorder) count(t models.SignalType) int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	n := 0
	for _, m := range rec.msgs {
		if m.Type() == t {
			n++
		}
	}
	return n
}

func (rec *recorder) types() []models.SignalType {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []models.SignalType
	for _, m := range rec.msgs {
		out = append(out, m.Type())
	}
	return out
}

var remoteOffer = webrtc.SessionDescription{
	Type: webrtc.SDPTypeOffer,
	SDP:  "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n",
}

func TestNegotiationHandshake(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newSide(t, hub, "a")
	b := newSide(t, hub, "b")

	a.do(func() { require.NoError(t, a.coord.Begin("b", models.RoleInitiator)) })
	b.do(func() { require.NoError(t, b.coord.Begin("a", models.RoleResponder)) })

	// Gathered before the offer exists: held back until it is sent.
	a.factory.Last().Gather("candidate:1")
	a.do(func() { a.coord.CreateAndSendOffer() })

	require.Eventually(t, func() bool {
		var done bool
		a.do(func() {
			done = a.coord.SignalingState() == webrtc.SignalingStateStable && !a.coord.AwaitingAnswer() &&
				len(a.factory.Last().RemoteDescriptions()) == 1
		})
		return done
	}, 5*time.Second, 5*time.Millisecond)

	pa, pb := a.factory.Last(), b.factory.Last()
	b.do(func() {
		assert.Equal(t, webrtc.SignalingStateStable, b.coord.SignalingState())
		require.NotEmpty(t, b.seen)
		assert.Equal(t, models.SignalTypeOffer, b.seen[0])
		assert.Contains(t, b.seen, models.SignalTypeIceCandidate)
	})
	require.Len(t, pb.Candidates(), 1)
	assert.Equal(t, "candidate:1", pb.Candidates()[0].Candidate)

	offer := pa.LocalDescriptions()[0]
	assert.Equal(t, offer, pb.RemoteDescriptions()[0])
	assert.Contains(t, offer.SDP, "b=AS:1000")
	assert.Contains(t, offer.SDP, "SAVPF 102 96")
	answer := pb.LocalDescriptions()[0]
	assert.Equal(t, answer, pa.RemoteDescriptions()[0])
	assert.Contains(t, answer.SDP, "b=AS:1000")

	pa.Emit(webrtc.PeerConnectionStateConnected)
	a.do(func() {
		assert.Equal(t, []webrtc.PeerConnectionState{webrtc.PeerConnectionStateConnected}, a.states)
		assert.Empty(t, a.errs)
	})
}

func TestCreateAndSendOfferTwiceSendsOnce(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newSide(t, hub, "a")
	rec := record(hub, "b")

	a.do(func() {
		require.NoError(t, a.coord.Begin("b", models.RoleInitiator))
		a.coord.CreateAndSendOffer()
		a.coord.CreateAndSendOffer()
	})
	a.quiesce()
	a.do(func() {
		assert.True(t, a.coord.OfferSent())
		assert.True(t, a.coord.AwaitingAnswer())
		a.coord.CreateAndSendOffer()
	})
	a.quiesce()

	assert.Equal(t, 1, rec.count(models.SignalTypeOffer))
	assert.Equal(t, 1, a.factory.Last().Offers())
}

func TestStopDuringOfferCreationSendsNothing(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newSide(t, hub, "a")
	rec := record(hub, "b")
	gate := make(chan struct{})
	a.factory.Configure = func(p *rtctest.Peer) { p.OfferGate = gate }

	a.do(func() {
		require.NoError(t, a.coord.Begin("b", models.RoleInitiator))
		a.coord.CreateAndSendOffer()
	})
	a.do(func() { a.stop = true })
	close(gate)
	a.quiesce()

	assert.Equal(t, 1, a.factory.Last().Offers())
	assert.Empty(t, rec.types())
	a.do(func() { assert.False(t, a.coord.AwaitingAnswer()) })
}

func TestRestartAfterFailedOffer(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newSide(t, hub, "a")
	rec := record(hub, "b")
	built := 0
	a.factory.Configure = func(p *rtctest.Peer) {
		built++
		if built == 1 {
			p.OfferErr = errors.New("encoder busy")
		}
	}

	a.do(func() {
		require.NoError(t, a.coord.Begin("b", models.RoleInitiator))
		a.coord.CreateAndSendOffer()
	})
	a.quiesce()
	a.do(func() {
		require.Len(t, a.errs, 1)
		assert.ErrorContains(t, a.errs[0], "create offer: encoder busy")
		assert.False(t, a.coord.OfferSent())
		require.NoError(t, a.coord.Restart())
		a.coord.CreateAndSendOffer()
	})
	a.quiesce()

	peers := a.factory.Peers()
	require.Len(t, peers, 2)
	assert.True(t, peers[0].Closed())
	assert.Equal(t, models.RoleInitiator, peers[1].Role)
	assert.Equal(t, 1, rec.count(models.SignalTypeOffer))
	a.do(func() {
		assert.True(t, a.coord.AwaitingAnswer())
		assert.Equal(t, "b", a.coord.PeerID())
		a.coord.Close()
		assert.ErrorIs(t, a.coord.Restart(), ErrClosed)
	})
}

func TestAnswerInStableStateReOffers(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newSide(t, hub, "a")
	rec := record(hub, "b")

	a.do(func() {
		require.NoError(t, a.coord.Begin("b", models.RoleInitiator))
		a.coord.CreateAndSendOffer()
	})
	a.quiesce()
	p := a.factory.Last()
	p.SetSignalingState(webrtc.SignalingStateStable)

	a.do(func() {
		a.coord.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	})
	a.quiesce()

	assert.Equal(t, 2, rec.count(models.SignalTypeOffer))
	assert.Equal(t, 2, p.Offers())
	assert.Empty(t, p.RemoteDescriptions())
	a.do(func() { assert.True(t, a.coord.AwaitingAnswer()) })
}

func TestUnexpectedAnswerIgnored(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newSide(t, hub, "a")

	a.do(func() {
		require.NoError(t, a.coord.Begin("b", models.RoleInitiator))
		a.coord.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
		assert.Empty(t, a.errs)
	})
	assert.Empty(t, a.factory.Last().RemoteDescriptions())
}

func TestOfferOutsideStableRebuilds(t *testing.T) {
	hub := transport.NewMemoryHub()
	b := newSide(t, hub, "b")
	rec := record(hub, "a")

	b.do(func() { require.NoError(t, b.coord.Begin("a", models.RoleResponder)) })
	old := b.factory.Last()
	old.SetSignalingState(webrtc.SignalingStateHaveLocalOffer)

	b.do(func() { b.coord.HandleOffer(remoteOffer) })
	b.quiesce()

	require.Len(t, b.factory.Peers(), 2)
	assert.True(t, old.Closed())
	fresh := b.factory.Last()
	assert.Equal(t, []webrtc.SessionDescription{remoteOffer}, fresh.RemoteDescriptions())
	assert.Equal(t, 1, rec.count(models.SignalTypeAnswer))

	// The discarded connection no longer reaches the session.
	old.Emit(webrtc.PeerConnectionStateFailed)
	old.Gather("candidate:stale")
	b.do(func() {
		assert.Empty(t, b.states)
		assert.Empty(t, b.errs)
	})
	assert.Zero(t, rec.count(models.SignalTypeIceCandidate))
}

func TestRemoteCandidateErrorsAreSwallowed(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newSide(t, hub, "a")
	a.factory.Configure = func(p *rtctest.Peer) { p.CandidateErr = errors.New("no remote description") }

	a.do(func() {
		require.NoError(t, a.coord.Begin("b", models.RoleInitiator))
		a.coord.HandleIceCandidate(webrtc.ICECandidateInit{Candidate: "candidate:late"})
		assert.Empty(t, a.errs)
	})
}

func TestSignalingFromOtherPeersDropped(t *testing.T) {
	hub := transport.NewMemoryHub()
	b := newSide(t, hub, "b")
	intruder := hub.Join("x")

	b.do(func() { require.NoError(t, b.coord.Begin("a", models.RoleResponder)) })
	require.NoError(t, intruder.SendDirect("b", &models.Offer{Offer: remoteOffer}))
	b.quiesce()

	b.do(func() { assert.Equal(t, []models.SignalType{models.SignalTypeOffer}, b.seen) })
	assert.Empty(t, b.factory.Last().RemoteDescriptions())
}

func TestCloseDiscardsInFlightAnswer(t *testing.T) {
	hub := transport.NewMemoryHub()
	b := newSide(t, hub, "b")
	rec := record(hub, "a")

	b.do(func() {
		require.NoError(t, b.coord.Begin("a", models.RoleResponder))
		b.coord.HandleOffer(remoteOffer)
		b.coord.Close()
	})
	b.quiesce()

	assert.True(t, b.factory.Last().Closed())
	assert.Zero(t, rec.count(models.SignalTypeAnswer))
	b.do(func() {
		assert.ErrorIs(t, b.coord.SendData([]byte("x")), rtc.ErrDataChannelClosed)
	})
}
