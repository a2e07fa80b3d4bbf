package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/domain"
)

// RoomManager is the session registry. A room is present exactly while
// it has at least one peer: Join creates it and the Leave that removes
// the last peer deletes it, both under the registry lock.
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
	peers map[domain.PeerID]domain.RoomID
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms: make(map[domain.RoomID]*Room),
		peers: make(map[domain.PeerID]domain.RoomID),
	}
}

// GetOrCreate returns the room for id, creating it if needed. Concurrent
// callers with the same id observe the same *Room.
func (m *RoomManager) GetOrCreate(id domain.RoomID) *Room {
	m.mu.RLock()
	room, ok := m.rooms[id]
	m.mu.RUnlock()
	if ok {
		return room
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(id)
}

func (m *RoomManager) getOrCreateLocked(id domain.RoomID) *Room {
	if room, ok := m.rooms[id]; ok {
		return room
	}
	room := NewRoom(id)
	m.rooms[id] = room
	log.Info().Str("module", "core.rooms").Str("room", string(id)).Msg("room created")
	return room
}

func (m *RoomManager) Get(id domain.RoomID) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	return room, ok
}

// Remove deletes the room if present.
func (m *RoomManager) Remove(id domain.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

func (m *RoomManager) removeLocked(id domain.RoomID) {
	if _, ok := m.rooms[id]; !ok {
		return
	}
	delete(m.rooms, id)
	log.Info().Str("module", "core.rooms").Str("room", string(id)).Msg("room deleted")
}

// Join places a new peer into the room, creating the room on demand.
func (m *RoomManager) Join(roomID domain.RoomID, peerID domain.PeerID, name string, signal SignalConnection) (*Room, *Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[peerID]; ok {
		return nil, nil, domain.ErrAlreadyJoined
	}
	room := m.getOrCreateLocked(roomID)
	peer, err := room.Join(peerID, name, signal)
	if err != nil {
		if room.PeerCount() == 0 {
			m.removeLocked(roomID)
		}
		return nil, nil, err
	}
	m.peers[peerID] = roomID
	return room, peer, nil
}

// Leave removes the peer from its room. emptied reports that the room
// was deleted because the peer was its last member.
func (m *RoomManager) Leave(peerID domain.PeerID) (room *Room, peer *Peer, emptied bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roomID, ok := m.peers[peerID]
	if !ok {
		return nil, nil, false
	}
	delete(m.peers, peerID)
	room, ok = m.rooms[roomID]
	if !ok {
		return nil, nil, false
	}
	peer, _ = room.Leave(peerID)
	if room.PeerCount() == 0 {
		m.removeLocked(roomID)
		emptied = true
	}
	return room, peer, emptied
}

// Lookup resolves the room and peer entry of a connection.
func (m *RoomManager) Lookup(peerID domain.PeerID) (*Room, *Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roomID, ok := m.peers[peerID]
	if !ok {
		return nil, nil, false
	}
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, nil, false
	}
	peer, ok := room.Peer(peerID)
	if !ok {
		return nil, nil, false
	}
	return room, peer, true
}

func (m *RoomManager) List() []domain.RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.RoomInfo, 0, len(m.rooms))
	for id, r := range m.rooms {
		out = append(out, domain.RoomInfo{ID: id, PeerCount: r.PeerCount()})
	}
	return out
}

func (m *RoomManager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Rooms: len(m.rooms), Peers: len(m.peers)}
}
