// Package moderation decides whether a client may search and records who
// is currently in a session.
package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

// Checker is consulted before a search starts and told about session
// boundaries.
type Checker interface {
	Status(ctx context.Context, userID string) (models.ModerationStatus, error)
	MarkConnected(ctx context.Context, userID, peerID string) error
	MarkDisconnected(ctx context.Context, userID, peerID string, reason models.DisconnectReason) error
}

// PolicyError rejects a banned or quarantined client.
type PolicyError struct {
	Banned    bool
	Reason    string
	Remaining time.Duration
}

func (e *PolicyError) Error() string {
	var msg string
	if e.Banned {
		msg = "this account is banned"
	} else {
		msg = fmt.Sprintf("this account is quarantined for another %s", e.Remaining.Round(time.Second))
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Evaluate turns a status into a PolicyError, or nil when the client may
// proceed at now.
func Evaluate(st models.ModerationStatus, now time.Time) error {
	if st.Banned {
		return &PolicyError{Banned: true, Reason: st.Reason}
	}
	if st.Quarantined(now) {
		return &PolicyError{Reason: st.Reason, Remaining: st.QuarantinedUntil.Sub(now)}
	}
	return nil
}

// Allow lets everyone through and records nothing.
type Allow struct{}

func (Allow) Status(_ context.Context, userID string) (models.ModerationStatus, error) {
	return models.ModerationStatus{UserID: userID}, nil
}

func (Allow) MarkConnected(context.Context, string, string) error { return nil }

func (Allow) MarkDisconnected(context.Context, string, string, models.DisconnectReason) error {
	return nil
}
