// Package session runs one client's lifecycle: search, negotiate, stay
// connected, and recover, emitting a single event for every outcome.
package session

import (
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-roulette/config"
	"github.com/mossy-p/webrtc-roulette/internal/health"
	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/negotiation"
	"github.com/mossy-p/webrtc-roulette/internal/quality"
)

type State int

const (
	StateIdle State = iota
	StateSearching
	StateNegotiating
	StateConnected
	StateDisconnecting
	// StateReconnecting covers the gap between a session ending and the
	// next search starting on its own.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is the one active pairing of this client.
type Session struct {
	ID        string
	PeerID    string
	Role      models.Role
	State     State
	Score     float64
	StartedAt time.Time
}

type EventKind string

const (
	EventMatchFound   EventKind = "match-found"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
)

// Event is published to every subscriber.
type Event struct {
	Kind      EventKind
	SessionID string
	PeerID    string
	// Preferences of the peer, for EventMatchFound.
	Preferences models.Preferences
	// Reason and Remote describe an EventDisconnected. Remote is set when
	// the peer ended the session.
	Reason  models.DisconnectReason
	Remote  bool
	Message string
	At      time.Time
}

type Config struct {
	SearchTimeout       time.Duration
	SkipCooldown        time.Duration
	AcceptThreshold     float64
	NegotiationTimeout  time.Duration
	MaxNegotiationFails int
	AutoReconnect       bool
	ReconnectDelay      time.Duration
	DisconnectGrace     time.Duration
	Heartbeat           health.Config
	Quality             quality.Config
	Rewriter            negotiation.Rewriter
}

// ConfigFrom maps the client section of the file/env configuration.
func ConfigFrom(c config.ClientConfig) Config {
	return Config{
		SearchTimeout:       c.SearchTimeout,
		SkipCooldown:        c.SkipCooldown,
		AcceptThreshold:     c.AcceptThreshold,
		NegotiationTimeout:  c.NegotiationTimeout,
		MaxNegotiationFails: c.MaxNegotiationFails,
		AutoReconnect:       c.AutoReconnect,
		ReconnectDelay:      c.ReconnectDelay,
		DisconnectGrace:     c.DisconnectGrace,
		Heartbeat: health.Config{
			Interval:  c.HeartbeatInterval,
			Timeout:   c.HeartbeatTimeout,
			MaxMisses: c.MaxMissedHeartbeats,
		},
		Quality: quality.Config{Interval: c.QualityInterval, Window: quality.DefaultWindow},
		Rewriter: negotiation.Rewriter{
			MaxBitrateKbps: uint64(max(c.MaxBitrateKbps, 0)),
			PreferredCodec: c.PreferredCodec,
		},
	}
}
