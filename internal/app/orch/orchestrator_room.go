package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type JoinResult struct {
	Room  *core.Room
	Peer  *core.Peer
	Peers []domain.PeerInfo
}

// Join places the connection into the session, creating it on demand,
// and tells the other members.
func (o *Orchestrator) Join(id domain.PeerID, sessionID, displayName string, signal core.SignalConnection) (JoinResult, error) {
	roomID, err := domain.ParseRoomID(sessionID)
	if err != nil {
		return JoinResult{}, err
	}
	if err := domain.ValidateDisplayName(displayName); err != nil {
		return JoinResult{}, err
	}
	room, peer, err := o.Rooms.Join(roomID, id, displayName, signal)
	if err != nil {
		return JoinResult{}, err
	}
	log.Info().Str("module", "orch").Str("peer", string(id)).Str("room", string(roomID)).Msg("joined")

	res := room.Broadcast(id, core.Notification{Event: EventParticipantJoined, Data: peer.Info()})
	o.handleDropped(room, res)
	return JoinResult{Room: room, Peer: peer, Peers: room.PeersInfo(id)}, nil
}

// AnnounceExisting sends newProducer for every producer already in the
// peer's room. Called once the join has been acknowledged.
func (o *Orchestrator) AnnounceExisting(id domain.PeerID) {
	room, peer, err := o.peer(id)
	if err != nil {
		return
	}
	for _, p := range room.Producers(id) {
		if peer.MarkAnnounced(p.ID) {
			o.notify(peer, EventNewProducer, p.Info())
		}
	}
}

// Leave is an explicit leaveRoom: the same cleanup as a disconnect, but
// the connection stays open.
func (o *Orchestrator) Leave(id domain.PeerID) error {
	if !o.cleanup(id, "leave") {
		return domain.ErrPeerNotFound
	}
	return nil
}

// OnDisconnect runs when the connection is gone. Safe to call repeatedly.
func (o *Orchestrator) OnDisconnect(id domain.PeerID) {
	o.cleanup(id, "disconnect")
}

// cleanup closes the peer's media, removes it from its room, tells the
// remaining members and drops the room if it became empty. Every step
// runs even if closing media failed.
func (o *Orchestrator) cleanup(id domain.PeerID, reason string) bool {
	_, peer, ok := o.Rooms.Lookup(id)
	if !ok {
		return false
	}
	logger := log.With().Str("module", "orch").Str("peer", string(id)).Str("room", string(peer.Room())).Str("reason", reason).Logger()

	if err := o.Media.CloseAllFor(peer); err != nil {
		logger.Warn().Err(err).Msg("media cleanup incomplete")
	}

	room, left, emptied := o.Rooms.Leave(id)
	if left == nil {
		// A concurrent cleanup got there first.
		return false
	}
	if !emptied {
		res := room.Broadcast(id, core.Notification{Event: EventParticipantLeft, Data: ParticipantLeft{PeerID: id}})
		o.handleDropped(room, res)
	}
	logger.Info().Bool("room_deleted", emptied).Msg("peer removed")
	return true
}
