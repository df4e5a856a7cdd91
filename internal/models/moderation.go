package models

import "time"

// ModerationStatus is what the moderation store knows about a client
type ModerationStatus struct {
	UserID           string    `json:"userId"`
	Banned           bool      `json:"banned"`
	Reason           string    `json:"reason,omitempty"`
	QuarantinedUntil time.Time `json:"quarantinedUntil,omitempty"` // zero when not quarantined
}

// Quarantined reports whether the quarantine is still running at now.
func (s ModerationStatus) Quarantined(now time.Time) bool {
	return !s.QuarantinedUntil.IsZero() && now.Before(s.QuarantinedUntil)
}

// PresenceRequest is the body of the connected/disconnected endpoints
type PresenceRequest struct {
	PeerID string `json:"peerId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// LoginResponse carries the anonymous identity issued by the relay.
type LoginResponse struct {
	Token    string `json:"token"`
	ClientID string `json:"clientId"`
}
