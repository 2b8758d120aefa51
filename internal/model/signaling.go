package model

import "encoding/json"

// SignalingMessage is the envelope exchanged over the signaling WebSocket
type SignalingMessage struct {
	Type      string          `json:"type"`
	PeerID    string          `json:"peer_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// MessageType constants for WebRTC signaling
const (
	MessageTypeOffer        = "offer"
	MessageTypeAnswer       = "answer"
	MessageTypeICECandidate = "ice_candidate"
	MessageTypeSwitch       = "switch"
	MessageTypeClose        = "close"
	MessageTypeClosed       = "closed"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
)

// OfferPayload carries a viewer's SDP offer
type OfferPayload struct {
	SDP     string `json:"sdp" validate:"required"`
	Trickle bool   `json:"trickle"`
}

// AnswerPayload carries the relay's SDP answer
type AnswerPayload struct {
	SDP string `json:"sdp"`
}

// SwitchPayload requests a substream
type SwitchPayload struct {
	Substream string `json:"substream" validate:"required,substream"`
}

// ClosedPayload reports why a session ended
type ClosedPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload reports a failed request
type ErrorPayload struct {
	Error string `json:"error"`
}
