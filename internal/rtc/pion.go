package rtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

// Compile-time interface checks.
var (
	_ Factory        = (*PionFactory)(nil)
	_ PeerConnection = (*pionPeer)(nil)
)

const dataChannelLabel = "heartbeat"

// PionFactory builds pion PeerConnections that receive audio and video and
// carry a heartbeat data channel.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *zap.Logger
}

// NewPionFactory registers the default codecs and uses iceServers (STUN
// or TURN URLs) for candidate gathering.
func NewPionFactory(iceServers []string, log *zap.Logger) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &PionFactory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		config: cfg,
		log:    log,
	}, nil
}

func (f *PionFactory) New(role models.Role, h Handlers) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &pionPeer{pc: pc, handlers: h}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f.log.Debug("peer connection state", zap.String("state", s.String()))
		if h.OnStateChange != nil {
			h.OnStateChange(s)
		}
	})

	if role == models.RoleInitiator {
		dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		p.attach(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() == dataChannelLabel {
				p.attach(dc)
			}
		})
	}
	return p, nil
}

type pionPeer struct {
	pc       *webrtc.PeerConnection
	handlers Handlers

	mu sync.Mutex
	dc *webrtc.DataChannel
}

func (p *pionPeer) attach(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.handlers.OnData != nil {
			p.handlers.OnData(msg.Data)
		}
	})
}

func (p *pionPeer) SignalingState() webrtc.SignalingState { return p.pc.SignalingState() }

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) SendData(data []byte) error {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrDataChannelClosed
	}
	return dc.Send(data)
}

// Stats folds pion's report into cumulative counters. Packet counters come
// from inbound RTP streams; bytes and RTT from the nominated candidate pair.
func (p *pionPeer) Stats() (Stats, error) {
	out := Stats{Timestamp: time.Now()}
	for _, s := range p.pc.GetStats() {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			out.PacketsReceived += uint64(st.PacketsReceived)
			if st.PacketsLost > 0 {
				out.PacketsLost += uint64(st.PacketsLost)
			}
			if j := secondsToDuration(st.Jitter); j > out.Jitter {
				out.Jitter = j
			}
		case webrtc.ICECandidatePairStats:
			if !st.Nominated {
				continue
			}
			out.BytesReceived = st.BytesReceived
			out.BytesSent = st.BytesSent
			out.RTT = secondsToDuration(st.CurrentRoundTripTime)
		}
	}
	return out, nil
}

func (p *pionPeer) Close() error { return p.pc.Close() }

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
