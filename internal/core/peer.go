package core

import (
	"sync"

	"github.com/dkeye/Stage/internal/domain"
)

// Peer is one joined signaling connection and the media resources it owns.
// A peer belongs to exactly one room for its whole life.
type Peer struct {
	id     domain.PeerID
	name   string
	room   domain.RoomID
	signal SignalConnection

	mu        sync.Mutex
	send      *Transport
	recv      *Transport
	producers map[string]*Producer
	consumers map[string]*Consumer
	announced map[string]struct{}
	closed    bool
}

func newPeer(id domain.PeerID, name string, room domain.RoomID, signal SignalConnection) *Peer {
	return &Peer{
		id:        id,
		name:      name,
		room:      room,
		signal:    signal,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
		announced: make(map[string]struct{}),
	}
}

func (p *Peer) ID() domain.PeerID        { return p.id }
func (p *Peer) Room() domain.RoomID      { return p.room }
func (p *Peer) Signal() SignalConnection { return p.signal }

func (p *Peer) Info() domain.PeerInfo {
	return domain.PeerInfo{ID: p.id, DisplayName: p.name}
}

// Closed reports whether the peer was cleaned up; a closed peer accepts no new resources.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) Transport(dir domain.Direction) (*Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.slot(dir)
	return t, t != nil
}

// FindTransport looks the id up among this peer's own transports only.
func (p *Peer) FindTransport(id string) (*Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.send != nil && p.send.ID == id {
		return p.send, true
	}
	if p.recv != nil && p.recv.ID == id {
		return p.recv, true
	}
	return nil, false
}

func (p *Peer) slot(dir domain.Direction) *Transport {
	if dir == domain.DirectionSend {
		return p.send
	}
	return p.recv
}

func (p *Peer) SetTransport(t *Transport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrPeerNotFound
	}
	if p.slot(t.Direction) != nil {
		return domain.ErrTransportExists
	}
	if t.Direction == domain.DirectionSend {
		p.send = t
	} else {
		p.recv = t
	}
	return nil
}

// RemoveTransport detaches the transport together with the producers and
// consumers that ran over it.
func (p *Peer) RemoveTransport(id string) (Resources, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var t *Transport
	switch {
	case p.send != nil && p.send.ID == id:
		t, p.send = p.send, nil
	case p.recv != nil && p.recv.ID == id:
		t, p.recv = p.recv, nil
	default:
		return Resources{}, false
	}
	res := Resources{Transports: []*Transport{t}}
	for pid, pr := range p.producers {
		if pr.TransportID == id {
			res.Producers = append(res.Producers, pr)
			delete(p.producers, pid)
		}
	}
	for cid, c := range p.consumers {
		if c.TransportID == id {
			res.Consumers = append(res.Consumers, c)
			delete(p.consumers, cid)
		}
	}
	return res, true
}

func (p *Peer) AddProducer(pr *Producer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrPeerNotFound
	}
	p.producers[pr.ID] = pr
	// A peer never gets its own producers announced back.
	p.announced[pr.ID] = struct{}{}
	return nil
}

func (p *Peer) Producer(id string) (*Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.producers[id]
	return pr, ok
}

func (p *Peer) RemoveProducer(id string) (*Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.producers[id]
	delete(p.producers, id)
	return pr, ok
}

func (p *Peer) Producers() []*Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Producer, 0, len(p.producers))
	for _, pr := range p.producers {
		out = append(out, pr)
	}
	return out
}

func (p *Peer) AddConsumer(c *Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrPeerNotFound
	}
	p.consumers[c.ID] = c
	return nil
}

func (p *Peer) Consumer(id string) (*Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[id]
	return c, ok
}

func (p *Peer) RemoveConsumer(id string) (*Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[id]
	delete(p.consumers, id)
	return c, ok
}

func (p *Peer) Consumers() []*Consumer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		out = append(out, c)
	}
	return out
}

// MarkAnnounced records that producerID was announced to this peer.
// It returns false if it already was, so every producer is announced once.
func (p *Peer) MarkAnnounced(producerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if _, ok := p.announced[producerID]; ok {
		return false
	}
	p.announced[producerID] = struct{}{}
	return true
}

// Close marks the peer closed and hands back everything it owned.
// Later calls return empty Resources.
func (p *Peer) Close() Resources {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	var res Resources
	for _, t := range []*Transport{p.send, p.recv} {
		if t != nil {
			res.Transports = append(res.Transports, t)
		}
	}
	p.send, p.recv = nil, nil
	for id, pr := range p.producers {
		res.Producers = append(res.Producers, pr)
		delete(p.producers, id)
	}
	for id, c := range p.consumers {
		res.Consumers = append(res.Consumers, c)
		delete(p.consumers, id)
	}
	return res
}
