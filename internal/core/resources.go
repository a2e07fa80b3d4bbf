package core

import (
	"sync/atomic"
	"time"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/media"
)

// Transport is the bookkeeping record of one engine transport.
type Transport struct {
	ID        string
	Direction domain.Direction
	Owner     domain.PeerID
	Engine    media.Transport
	CreatedAt time.Time

	state  atomic.Int32
	closed atomic.Bool
}

func NewTransport(owner domain.PeerID, dir domain.Direction, t media.Transport) *Transport {
	return &Transport{
		ID:        t.ID(),
		Direction: dir,
		Owner:     owner,
		Engine:    t,
		CreatedAt: time.Now(),
	}
}

func (t *Transport) State() domain.TransportState {
	return domain.TransportState(t.state.Load())
}

// MarkConnected moves new -> connected, reporting whether it did.
func (t *Transport) MarkConnected() bool {
	return t.state.CompareAndSwap(int32(domain.TransportNew), int32(domain.TransportConnected))
}

// MarkClosed reports true only for the first caller.
func (t *Transport) MarkClosed() bool {
	t.state.Store(int32(domain.TransportClosed))
	return !t.closed.Swap(true)
}

// Expire moves a never connected transport to closed. It fails once the
// transport connected, so a late connect and the reaper cannot both win.
// The engine transport still has to be released through MarkClosed.
func (t *Transport) Expire() bool {
	return t.state.CompareAndSwap(int32(domain.TransportNew), int32(domain.TransportClosed))
}

type Producer struct {
	ID          string
	Kind        domain.Kind
	Owner       domain.PeerID
	Room        domain.RoomID
	TransportID string
	Engine      media.Producer
}

type ProducerInfo struct {
	ID     string        `json:"producerId"`
	Kind   domain.Kind   `json:"kind"`
	PeerID domain.PeerID `json:"peerId"`
}

func (p *Producer) Info() ProducerInfo {
	return ProducerInfo{ID: p.ID, Kind: p.Kind, PeerID: p.Owner}
}

type Consumer struct {
	ID          string
	ProducerID  string
	Kind        domain.Kind
	Owner       domain.PeerID
	TransportID string
	Engine      media.Consumer
	CreatedAt   time.Time

	state atomic.Int32
}

const (
	consumerPaused int32 = iota
	consumerResumed
	consumerExpired
)

func (c *Consumer) Paused() bool { return c.state.Load() != consumerResumed }

// MarkResumed reports false if the consumer expired first.
func (c *Consumer) MarkResumed() bool {
	return c.state.CompareAndSwap(consumerPaused, consumerResumed) || c.state.Load() == consumerResumed
}

// Expire claims a consumer that was never resumed.
func (c *Consumer) Expire() bool {
	return c.state.CompareAndSwap(consumerPaused, consumerExpired)
}

// Resources is everything a peer owned at the moment it was closed.
type Resources struct {
	Transports []*Transport
	Producers  []*Producer
	Consumers  []*Consumer
}

func (r Resources) Empty() bool {
	return len(r.Transports) == 0 && len(r.Producers) == 0 && len(r.Consumers) == 0
}
