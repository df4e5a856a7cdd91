package models

import "time"

// Preferences is what a client declares for one search attempt. Empty
// fields mean "not declared" and never count against a candidate.
type Preferences struct {
	Country       string   `json:"country,omitempty" yaml:"country"`
	Gender        string   `json:"gender,omitempty" yaml:"gender"`
	DesiredGender string   `json:"desiredGender,omitempty" yaml:"desiredGender"`
	Interests     []string `json:"interests,omitempty" yaml:"interests"`
}

// Clone returns a copy that does not share the interests slice.
func (p Preferences) Clone() Preferences {
	out := p
	if p.Interests != nil {
		out.Interests = append([]string(nil), p.Interests...)
	}
	return out
}

// Peer is the remote side of a match attempt or session
type Peer struct {
	ID          string      `json:"id"`
	Preferences Preferences `json:"preferences"`
}

// Role is fixed for the lifetime of a session.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// DisconnectReason explains why a session ended
type DisconnectReason string

const (
	ReasonUserStop         DisconnectReason = "user-stop"
	ReasonUserSkip         DisconnectReason = "user-skip"
	ReasonConnectionLost   DisconnectReason = "connection-lost"
	ReasonConnectionFailed DisconnectReason = "connection-failed"
	ReasonHeartbeatTimeout DisconnectReason = "heartbeat-timeout"
	ReasonCleanup          DisconnectReason = "cleanup"
	ReasonPeerUnavailable  DisconnectReason = "peer-unavailable"
)

// Terminal reports whether a session ending with this reason must never
// be retried automatically.
func (r DisconnectReason) Terminal() bool {
	return r == ReasonUserStop || r == ReasonCleanup
}

// Resolution of the captured video
type Resolution struct {
	Width     int `json:"width"`
	Height    int `json:"height"`
	FrameRate int `json:"frameRate"`
}

// ConnectionQuality is one rolling metrics sample of the media link.
type ConnectionQuality struct {
	RTT           time.Duration `json:"rtt"`
	Jitter        time.Duration `json:"jitter"`
	PacketLoss    float64       `json:"packetLoss"`
	BandwidthKbps float64       `json:"bandwidthKbps"`
	Resolution    Resolution    `json:"resolution"`
	SampledAt     time.Time     `json:"sampledAt"`
}
