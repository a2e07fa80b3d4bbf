package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/domain"
)

// Room is a threadsafe in-memory peer set for one session.
// It never closes adapter-owned resources.
type Room struct {
	id    domain.RoomID
	mu    sync.RWMutex
	peers map[domain.PeerID]*Peer
}

func NewRoom(id domain.RoomID) *Room {
	return &Room{
		id:    id,
		peers: make(map[domain.PeerID]*Peer),
	}
}

func (r *Room) ID() domain.RoomID { return r.id }

func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Room) Peer(id domain.PeerID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Join creates the peer and inserts it into the room.
func (r *Room) Join(id domain.PeerID, name string, signal SignalConnection) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; ok {
		return nil, domain.ErrAlreadyJoined
	}
	p := newPeer(id, name, r.id, signal)
	r.peers[id] = p
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(id)).Msg("peer joined")
	return p, nil
}

// Leave removes the peer entry and returns it. Closing its media
// resources is the caller's job.
func (r *Room) Leave(id domain.PeerID) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	delete(r.peers, id)
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(id)).Msg("peer left")
	return p, true
}

// Broadcast sends n to every current member except from.
func (r *Room) Broadcast(from domain.PeerID, n Notification) PublishResult {
	return r.BroadcastFunc(from, n, nil)
}

// BroadcastFunc is Broadcast restricted to the peers accept admits.
// Membership is read at call time.
func (r *Room) BroadcastFunc(from domain.PeerID, n Notification, accept func(*Peer) bool) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for id, p := range r.peers {
		if id == from {
			continue
		}
		if accept != nil && !accept(p) {
			continue
		}
		if p.signal == nil {
			continue
		}
		if err := p.signal.TrySend(n); err != nil {
			res.Dropped = append(res.Dropped, p)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("room", string(r.id)).Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// Peers returns a snapshot of the current members except the given one.
func (r *Room) Peers(except domain.PeerID) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id != except {
			out = append(out, p)
		}
	}
	return out
}

func (r *Room) PeersInfo(except domain.PeerID) []domain.PeerInfo {
	peers := r.Peers(except)
	out := make([]domain.PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Info())
	}
	return out
}

// Producers lists the producers of every member except the given one.
func (r *Room) Producers(except domain.PeerID) []*Producer {
	var out []*Producer
	for _, p := range r.Peers(except) {
		out = append(out, p.Producers()...)
	}
	return out
}
