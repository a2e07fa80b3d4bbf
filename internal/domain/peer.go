// Package domain contains entity without logic, just meta-data
package domain

import (
	"github.com/google/uuid"
)

const (
	MaxRoomIDLen      = 64
	MaxDisplayNameLen = 36
)

type PeerID string

// NewPeerID issues a process-unique id for one signaling connection.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// PeerInfo is the public view of a peer sent to other room members.
type PeerInfo struct {
	ID          PeerID `json:"peerId"`
	DisplayName string `json:"displayName,omitempty"`
}

func ValidateDisplayName(name string) error {
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}
