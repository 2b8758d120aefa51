package model

import "time"

// SessionInfo is the externally visible state of a viewer session
type SessionInfo struct {
	PeerID       string    `json:"peer_id"`
	Selected     string    `json:"selected"`
	Pending      string    `json:"pending"`
	FrameIndex   uint64    `json:"frame_index"`
	Switches     uint64    `json:"switches"`
	WaitingKey   bool      `json:"waiting_for_keyframe"`
	State        string    `json:"state,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}
