package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SignalType represents the type of a signaling message
type SignalType string

const (
	SignalTypeFindMatch         SignalType = "find-match"
	SignalTypeCancelSearch      SignalType = "cancel-search"
	SignalTypeMatchRequest      SignalType = "match-request"
	SignalTypeMatchResponse     SignalType = "match-response"
	SignalTypeMatchFound        SignalType = "match-found"
	SignalTypeOffer             SignalType = "offer"
	SignalTypeAnswer            SignalType = "answer"
	SignalTypeIceCandidate      SignalType = "ice-candidate"
	SignalTypeDisconnect        SignalType = "disconnect"
	SignalTypeHeartbeat         SignalType = "heartbeat"
	SignalTypeHeartbeatResponse SignalType = "heartbeat-response"
	SignalTypeQualityChange     SignalType = "quality-change"
)

var (
	ErrUnknownType  = errors.New("unknown signal type")
	ErrMissingType  = errors.New("signal type is required")
	ErrEmptyPayload = errors.New("signal payload is required")
)

// Envelope is the wire frame exchanged with the relay. To is empty for
// broadcasts.
type Envelope struct {
	Type SignalType      `json:"type"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data"`
}

// Message is the closed set of signaling payloads. Every implementation
// lives in this file and is listed in newMessage.
type Message interface {
	Type() SignalType
	From() string
	SetFrom(id string)
}

// Sender carries the senderId every payload includes.
type Sender struct {
	SenderID string `json:"senderId"`
}

func (s *Sender) From() string      { return s.SenderID }
func (s *Sender) SetFrom(id string) { s.SenderID = id }

type FindMatch struct {
	Sender
	Preferences Preferences `json:"preferences"`
}

type CancelSearch struct {
	Sender
}

type MatchRequest struct {
	Sender
	Preferences Preferences `json:"preferences"`
	MatchScore  float64     `json:"matchScore"`
}

type MatchResponse struct {
	Sender
	Accepted    bool        `json:"accepted"`
	MatchScore  *float64    `json:"matchScore,omitempty"`
	Preferences Preferences `json:"preferences"`
}

// MatchFound announces the sender's own role in the pair.
type MatchFound struct {
	Sender
	IsInitiator     bool        `json:"isInitiator"`
	PeerPreferences Preferences `json:"peerPreferences"`
}

type Offer struct {
	Sender
	Offer webrtc.SessionDescription `json:"offer"`
}

type Answer struct {
	Sender
	Answer webrtc.SessionDescription `json:"answer"`
}

type IceCandidate struct {
	Sender
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type Disconnect struct {
	Sender
	Reason DisconnectReason `json:"reason"`
}

// Heartbeat timestamps are unix milliseconds of the sender's clock.
type Heartbeat struct {
	Sender
	Timestamp int64 `json:"timestamp"`
}

type HeartbeatResponse struct {
	Sender
	Timestamp  int64 `json:"timestamp"`
	ReceivedAt int64 `json:"receivedAt"`
}

// QualityChange tells the peer that the sender changed its capture tier.
type QualityChange struct {
	Sender
	Tier   string `json:"tier"`
	Reason string `json:"reason,omitempty"`
}

func (*FindMatch) Type() SignalType         { return SignalTypeFindMatch }
func (*CancelSearch) Type() SignalType      { return SignalTypeCancelSearch }
func (*MatchRequest) Type() SignalType      { return SignalTypeMatchRequest }
func (*MatchResponse) Type() SignalType     { return SignalTypeMatchResponse }
func (*MatchFound) Type() SignalType        { return SignalTypeMatchFound }
func (*Offer) Type() SignalType             { return SignalTypeOffer }
func (*Answer) Type() SignalType            { return SignalTypeAnswer }
func (*IceCandidate) Type() SignalType      { return SignalTypeIceCandidate }
func (*Disconnect) Type() SignalType        { return SignalTypeDisconnect }
func (*Heartbeat) Type() SignalType         { return SignalTypeHeartbeat }
func (*HeartbeatResponse) Type() SignalType { return SignalTypeHeartbeatResponse }
func (*QualityChange) Type() SignalType     { return SignalTypeQualityChange }

func newMessage(t SignalType) (Message, error) {
	switch t {
	case SignalTypeFindMatch:
		return &FindMatch{}, nil
	case SignalTypeCancelSearch:
		return &CancelSearch{}, nil
	case SignalTypeMatchRequest:
		return &MatchRequest{}, nil
	case SignalTypeMatchResponse:
		return &MatchResponse{}, nil
	case SignalTypeMatchFound:
		return &MatchFound{}, nil
	case SignalTypeOffer:
		return &Offer{}, nil
	case SignalTypeAnswer:
		return &Answer{}, nil
	case SignalTypeIceCandidate:
		return &IceCandidate{}, nil
	case SignalTypeDisconnect:
		return &Disconnect{}, nil
	case SignalTypeHeartbeat:
		return &Heartbeat{}, nil
	case SignalTypeHeartbeatResponse:
		return &HeartbeatResponse{}, nil
	case SignalTypeQualityChange:
		return &QualityChange{}, nil
	case "":
		return nil, ErrMissingType
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// Encode wraps msg into an envelope addressed to `to` (empty for a
// broadcast) and marshals it.
func Encode(msg Message, to string) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.Type(), err)
	}
	return json.Marshal(Envelope{Type: msg.Type(), To: to, Data: data})
}

// Decode parses a wire frame into its envelope and typed payload.
func Decode(raw []byte) (Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, nil, fmt.Errorf("parse envelope: %w", err)
	}
	msg, err := env.Message()
	return env, msg, err
}

// Message decodes the envelope's payload into its concrete type.
func (e Envelope) Message() (Message, error) {
	msg, err := newMessage(e.Type)
	if err != nil {
		return nil, err
	}
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil, fmt.Errorf("%s: %w", e.Type, ErrEmptyPayload)
	}
	if err := json.Unmarshal(e.Data, msg); err != nil {
		return nil, fmt.Errorf("parse %s payload: %w", e.Type, err)
	}
	return msg, nil
}

// SenderOf extracts senderId from a raw payload without decoding the rest.
func SenderOf(data json.RawMessage) (string, error) {
	var s Sender
	if err := json.Unmarshal(data, &s); err != nil {
		return "", err
	}
	return s.SenderID, nil
}
