package domain

type RoomID string

// RoomInfo is a read-only room view for APIs.
type RoomInfo struct {
	ID        RoomID `json:"id"`
	PeerCount int    `json:"peerCount"`
}

// ParseRoomID validates a client supplied session id.
func ParseRoomID(raw string) (RoomID, error) {
	if raw == "" || len(raw) > MaxRoomIDLen {
		return "", ErrInvalidSessionID
	}
	return RoomID(raw), nil
}
