// Package negotiation drives the offer/answer exchange for one matched pair.
//
// The Initiator path is stable -> have-local-offer -> stable, the Responder
// path stable -> have-remote-offer -> stable. Signaling that arrives out of
// order is dropped, never queued. The coordinator reports problems through
// OnError and leaves the decision to end the session to its owner.
package negotiation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/reactor"
	"github.com/mossy-p/webrtc-roulette/internal/rtc"
	"github.com/mossy-p/webrtc-roulette/internal/transport"
)

var (
	ErrNotStarted = errors.New("negotiation: no peer connection")
	ErrClosed     = errors.New("negotiation: closed")
)

// Coordinator owns the peer connection of the current session. All methods
// must be called from inside the reactor; blocking connection calls run on
// their own goroutine and resume on the reactor.
type Coordinator struct {
	r        *reactor.Reactor
	relay    transport.Relay
	factory  rtc.Factory
	rewriter Rewriter
	log      *zap.Logger
	// stopped reports a pending user stop. Results of in-flight work are
	// discarded once it returns true.
	stopped func() bool

	peerID string
	role   models.Role
	pc     rtc.PeerConnection
	gen    int
	closed bool

	offerSent      bool
	awaitingAnswer bool
	localSent      bool
	pending        []webrtc.ICECandidateInit

	inflight sync.WaitGroup

	OnError       func(error)
	OnStateChange func(webrtc.PeerConnectionState)
	OnData        func([]byte)
}

func New(r *reactor.Reactor, relay transport.Relay, factory rtc.Factory, rewriter Rewriter, stopped func() bool, log *zap.Logger) *Coordinator {
	if stopped == nil {
		stopped = func() bool { return false }
	}
	return &Coordinator{
		r:        r,
		relay:    relay,
		factory:  factory,
		rewriter: rewriter,
		stopped:  stopped,
		log:      log,
		closed:   true,
	}
}

// Begin builds a fresh peer connection for peerID. The Initiator is
// expected to follow up with CreateAndSendOffer.
func (c *Coordinator) Begin(peerID string, role models.Role) error {
	c.Close()
	c.peerID = peerID
	c.role = role
	c.closed = false
	if err := c.rebuild(); err != nil {
		c.closed = true
		return err
	}
	c.log.Debug("negotiation started", zap.String("peer", peerID), zap.String("role", string(role)))
	return nil
}

// Restart replaces the peer connection of the current negotiation after a
// failed step. Peer and role stay; an Initiator has to offer again.
func (c *Coordinator) Restart() error {
	if c.closed {
		return ErrClosed
	}
	if err := c.rebuild(); err != nil {
		return err
	}
	c.log.Info("negotiation restarted", zap.String("peer", c.peerID), zap.Int("generation", c.gen))
	return nil
}

func (c *Coordinator) PeerID() string       { return c.peerID }
func (c *Coordinator) Role() models.Role    { return c.role }
func (c *Coordinator) OfferSent() bool      { return c.offerSent }
func (c *Coordinator) AwaitingAnswer() bool { return c.awaitingAnswer }

// SignalingState of the current connection, closed when there is none.
func (c *Coordinator) SignalingState() webrtc.SignalingState {
	if c.pc == nil {
		return webrtc.SignalingStateClosed
	}
	return c.pc.SignalingState()
}

// rebuild replaces the peer connection. Callbacks and async results of the
// previous one are ignored from here on.
func (c *Coordinator) rebuild() error {
	if c.pc != nil {
		_ = c.pc.Close()
	}
	c.gen++
	gen := c.gen
	c.offerSent = false
	c.awaitingAnswer = false
	c.localSent = false
	c.pending = nil

	pc, err := c.factory.New(c.role, rtc.Handlers{
		OnICECandidate: func(cand webrtc.ICECandidateInit) {
			c.post(gen, func() { c.onLocalCandidate(cand) })
		},
		OnStateChange: func(s webrtc.PeerConnectionState) {
			c.post(gen, func() {
				if c.OnStateChange != nil {
					c.OnStateChange(s)
				}
			})
		},
		OnData: func(data []byte) {
			c.post(gen, func() {
				if c.OnData != nil {
					c.OnData(data)
				}
			})
		},
	})
	if err != nil {
		c.pc = nil
		return fmt.Errorf("build peer connection: %w", err)
	}
	c.pc = pc
	return nil
}

// post runs fn on the reactor if the connection of generation gen is still
// the current one.
func (c *Coordinator) post(gen int, fn func()) {
	_ = c.r.Post(func() {
		if c.closed || gen != c.gen {
			return
		}
		fn()
	})
}

// async runs work off the reactor and hands its result to then, unless the
// connection was replaced or closed, or the user stopped in the meantime.
func (c *Coordinator) async(what string, work func(pc rtc.PeerConnection) (webrtc.SessionDescription, error), then func(webrtc.SessionDescription, error)) {
	gen, pc := c.gen, c.pc
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		desc, err := work(pc)
		_ = c.r.Post(func() {
			if c.closed || gen != c.gen || c.stopped() {
				c.log.Debug("dropping stale negotiation result", zap.String("step", what))
				return
			}
			then(desc, err)
		})
	}()
}

// CreateAndSendOffer starts an offer unless one is already outstanding.
func (c *Coordinator) CreateAndSendOffer() {
	if c.closed {
		c.fail(ErrClosed)
		return
	}
	if c.pc == nil {
		c.fail(ErrNotStarted)
		return
	}
	if c.offerSent {
		c.log.Debug("offer already outstanding")
		return
	}
	if st := c.pc.SignalingState(); st != webrtc.SignalingStateStable {
		c.log.Debug("not offering outside stable", zap.String("state", st.String()))
		return
	}
	c.offerSent = true
	c.async("offer", func(pc rtc.PeerConnection) (webrtc.SessionDescription, error) {
		offer, err := pc.CreateOffer()
		if err != nil {
			return offer, fmt.Errorf("create offer: %w", err)
		}
		return c.applyLocal(pc, offer)
	}, func(offer webrtc.SessionDescription, err error) {
		if err != nil {
			c.offerSent = false
			c.fail(err)
			return
		}
		if err := c.relay.SendDirect(c.peerID, &models.Offer{Offer: offer}); err != nil {
			c.offerSent = false
			c.fail(fmt.Errorf("send offer: %w", err))
			return
		}
		c.awaitingAnswer = true
		c.localDispatched()
	})
}

func (c *Coordinator) applyLocal(pc rtc.PeerConnection, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	desc, err := c.rewriter.Rewrite(desc)
	if err != nil {
		return desc, err
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		return desc, fmt.Errorf("set local %s: %w", desc.Type, err)
	}
	return desc, nil
}

// Handle consumes negotiation messages from the current peer and reports
// whether msg was one.
func (c *Coordinator) Handle(msg models.Message) bool {
	switch m := msg.(type) {
	case *models.Offer:
		if c.accepts(m) {
			c.HandleOffer(m.Offer)
		}
	case *models.Answer:
		if c.accepts(m) {
			c.HandleAnswer(m.Answer)
		}
	case *models.IceCandidate:
		if c.accepts(m) {
			c.HandleIceCandidate(m.Candidate)
		}
	default:
		return false
	}
	return true
}

func (c *Coordinator) accepts(msg models.Message) bool {
	if c.closed || msg.From() != c.peerID {
		c.log.Debug("dropping signaling for another session",
			zap.String("type", string(msg.Type())), zap.String("from", msg.From()))
		return false
	}
	return true
}

func (c *Coordinator) HandleOffer(offer webrtc.SessionDescription) {
	if c.closed {
		return
	}
	if c.pc == nil || c.pc.SignalingState() != webrtc.SignalingStateStable {
		c.log.Info("rebuilding desynchronized peer connection", zap.String("state", c.SignalingState().String()))
		if err := c.rebuild(); err != nil {
			c.fail(err)
			return
		}
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		c.fail(fmt.Errorf("set remote offer: %w", err))
		return
	}
	c.async("answer", func(pc rtc.PeerConnection) (webrtc.SessionDescription, error) {
		answer, err := pc.CreateAnswer()
		if err != nil {
			return answer, fmt.Errorf("create answer: %w", err)
		}
		return c.applyLocal(pc, answer)
	}, func(answer webrtc.SessionDescription, err error) {
		if err != nil {
			c.fail(err)
			return
		}
		if err := c.relay.SendDirect(c.peerID, &models.Answer{Answer: answer}); err != nil {
			c.fail(fmt.Errorf("send answer: %w", err))
			return
		}
		c.localDispatched()
	})
}

func (c *Coordinator) HandleAnswer(answer webrtc.SessionDescription) {
	if c.closed || !c.awaitingAnswer {
		c.log.Debug("ignoring unexpected answer")
		return
	}
	switch st := c.pc.SignalingState(); {
	case st == webrtc.SignalingStateHaveLocalOffer:
		if err := c.pc.SetRemoteDescription(answer); err != nil {
			c.fail(fmt.Errorf("set remote answer: %w", err))
			return
		}
		c.offerSent = false
		c.awaitingAnswer = false
	case st == webrtc.SignalingStateStable && c.role == models.RoleInitiator:
		// Our offer never took effect on this connection; start over.
		c.log.Info("answer arrived in stable state, re-offering")
		c.offerSent = false
		c.awaitingAnswer = false
		c.CreateAndSendOffer()
	default:
		c.log.Debug("dropping answer", zap.String("state", st.String()))
	}
}

func (c *Coordinator) HandleIceCandidate(candidate webrtc.ICECandidateInit) {
	if c.closed || c.pc == nil {
		return
	}
	if err := c.pc.AddICECandidate(candidate); err != nil {
		c.log.Debug("ignoring remote candidate", zap.Error(err))
	}
}

func (c *Coordinator) onLocalCandidate(candidate webrtc.ICECandidateInit) {
	if !c.localSent {
		c.pending = append(c.pending, candidate)
		return
	}
	c.sendCandidate(candidate)
}

func (c *Coordinator) localDispatched() {
	c.localSent = true
	for _, cand := range c.pending {
		c.sendCandidate(cand)
	}
	c.pending = nil
}

func (c *Coordinator) sendCandidate(candidate webrtc.ICECandidateInit) {
	if err := c.relay.SendDirect(c.peerID, &models.IceCandidate{Candidate: candidate}); err != nil {
		c.log.Debug("send candidate failed", zap.Error(err))
	}
}

// SendData writes to the direct data path of the current connection.
func (c *Coordinator) SendData(data []byte) error {
	if c.closed || c.pc == nil {
		return rtc.ErrDataChannelClosed
	}
	return c.pc.SendData(data)
}

// Connection returns the current peer connection, nil when closed.
func (c *Coordinator) Connection() rtc.PeerConnection {
	if c.closed {
		return nil
	}
	return c.pc
}

func (c *Coordinator) fail(err error) {
	c.log.Warn("negotiation error", zap.Error(err))
	if c.OnError != nil {
		c.OnError(err)
	}
}

// Close tears down the peer connection. Pending work is discarded.
func (c *Coordinator) Close() {
	if c.closed && c.pc == nil {
		return
	}
	c.closed = true
	c.gen++
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			c.log.Debug("close peer connection", zap.Error(err))
		}
		c.pc = nil
	}
	c.offerSent = false
	c.awaitingAnswer = false
	c.localSent = false
	c.pending = nil
}
