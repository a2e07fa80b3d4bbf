package core

// Notification is a server-initiated signaling message. Each connection
// encodes it with the codec it negotiated.
type Notification struct {
	Event string
	Data  any
}

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend queues n without blocking and fails when the peer is too slow.
	TrySend(n Notification) error
	Close()
}

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []*Peer
}

// Stats is a point-in-time count of the registry contents.
type Stats struct {
	Rooms int `json:"rooms"`
	Peers int `json:"peers"`
}

