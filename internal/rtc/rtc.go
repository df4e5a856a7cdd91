// Package rtc wraps the media peer connection behind the small surface the
// negotiation and health code needs.
package rtc

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

var ErrDataChannelClosed = errors.New("rtc: data channel not open")

// PeerConnection is one media session with one peer. Its methods may be
// called from any goroutine.
type PeerConnection interface {
	SignalingState() webrtc.SignalingState
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// SendData writes to the direct data path; fails until it is open.
	SendData(data []byte) error
	Stats() (Stats, error)
	Close() error
}

// Handlers are invoked from the connection's own goroutines.
type Handlers struct {
	OnICECandidate func(candidate webrtc.ICECandidateInit)
	OnStateChange  func(state webrtc.PeerConnectionState)
	OnData         func(data []byte)
}

// Factory builds a fresh connection. The role decides which side opens
// the data channel.
type Factory interface {
	New(role models.Role, h Handlers) (PeerConnection, error)
}

// Stats holds cumulative transport counters at one instant
type Stats struct {
	Timestamp       time.Time
	PacketsReceived uint64
	PacketsLost     uint64
	BytesReceived   uint64
	BytesSent       uint64
	RTT             time.Duration
	Jitter          time.Duration
}
