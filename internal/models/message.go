package models

import (
	"encoding/json"
	"time"
)

// Channel is the logical stream an envelope travels on inside a room.
type Channel string

const (
	ChannelSignal     Channel = "signal"
	ChannelWhiteboard Channel = "whiteboard"
	ChannelPresence   Channel = "presence"
	ChannelError      Channel = "error"
)

// SignalKind represents the type of WebRTC negotiation message
type SignalKind string

const (
	SignalKindOffer     SignalKind = "offer"
	SignalKindAnswer    SignalKind = "answer"
	SignalKindCandidate SignalKind = "ice-candidate"
)

// Valid reports whether k is one of the negotiation kinds.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalKindOffer, SignalKindAnswer, SignalKindCandidate:
		return true
	}
	return false
}

// PresenceType is carried on the presence channel.
type PresenceType string

const (
	PresenceJoin  PresenceType = "join"
	PresenceLeave PresenceType = "leave"
)

// SignalMessage is a negotiation message. Payload is an opaque JSON blob
// (a session description or an ICE candidate). Restart marks an offer made
// from a fresh peer connection; the receiver drops its own connection and
// answers from a fresh one too.
type SignalMessage struct {
	Kind    SignalKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Restart bool            `json:"restart,omitempty"`
}

// Envelope is the unit the relay stores and fans out. Exactly one of
// Signal, Whiteboard or Presence is set, matching Channel.
type Envelope struct {
	ID         string           `json:"id"`
	Channel    Channel          `json:"channel"`
	RoomID     string           `json:"roomId"`
	From       string           `json:"from,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	Signal     *SignalMessage   `json:"signal,omitempty"`
	Whiteboard *WhiteboardEvent `json:"whiteboard,omitempty"`
	Presence   PresenceType     `json:"presence,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Kind returns the signal kind, or "" for non-signal envelopes.
func (e *Envelope) Kind() SignalKind {
	if e.Signal == nil {
		return ""
	}
	return e.Signal.Kind
}

// NewSignal builds a signal envelope; payload is marshalled to JSON.
func NewSignal(roomID, from string, kind SignalKind, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Channel:   ChannelSignal,
		RoomID:    roomID,
		From:      from,
		CreatedAt: time.Now(),
		Signal:    &SignalMessage{Kind: kind, Payload: raw},
	}, nil
}

// NewWhiteboard wraps a whiteboard event for the given room.
func NewWhiteboard(roomID string, ev WhiteboardEvent) Envelope {
	return Envelope{
		Channel:    ChannelWhiteboard,
		RoomID:     roomID,
		From:       ev.UserID,
		CreatedAt:  time.Now(),
		Whiteboard: &ev,
	}
}
