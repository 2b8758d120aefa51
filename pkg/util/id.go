package util

import (
	"github.com/google/uuid"
)

// GeneratePeerID generates a peer ID for an anonymous viewer
func GeneratePeerID() string {
	return "peer_" + uuid.NewString()
}

// GenerateRequestID generates a request correlation ID
func GenerateRequestID() string {
	return uuid.NewString()
}
