package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/app/sfu"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    *core.RoomManager
	Media    *sfu.Coordinator
	Policy   app.Policy
}

// New wires the orchestrator as the coordinator's listener for closures
// that happen outside a request.
func New(registry *app.Registry, rooms *core.RoomManager, media *sfu.Coordinator, policy app.Policy) *Orchestrator {
	o := &Orchestrator{
		Registry: registry,
		Rooms:    rooms,
		Media:    media,
		Policy:   policy,
	}
	media.SetListener(o)
	return o
}

type Stats struct {
	Rooms       int `json:"rooms"`
	Peers       int `json:"peers"`
	Transports  int `json:"transports"`
	Producers   int `json:"producers"`
	Consumers   int `json:"consumers"`
	Connections int `json:"connections"`
}

func (o *Orchestrator) Stats() Stats {
	rs := o.Rooms.Stats()
	ms := o.Media.Stats()
	return Stats{
		Rooms:       rs.Rooms,
		Peers:       rs.Peers,
		Transports:  ms.Transports,
		Producers:   ms.Producers,
		Consumers:   ms.Consumers,
		Connections: o.Registry.Count(),
	}
}

// peer resolves the joined peer behind a connection.
func (o *Orchestrator) peer(id domain.PeerID) (*core.Room, *core.Peer, error) {
	room, peer, ok := o.Rooms.Lookup(id)
	if !ok {
		return nil, nil, domain.ErrPeerNotFound
	}
	return room, peer, nil
}

// notify sends one event to a single peer, applying the backpressure policy.
func (o *Orchestrator) notify(peer *core.Peer, event string, data any) {
	if peer.Closed() || peer.Signal() == nil {
		return
	}
	if err := peer.Signal().TrySend(core.Notification{Event: event, Data: data}); err != nil {
		room, _ := o.Rooms.Get(peer.Room())
		o.onBackpressure(room, peer)
	}
}

func (o *Orchestrator) handleDropped(room *core.Room, res core.PublishResult) {
	for _, slow := range res.Dropped {
		o.onBackpressure(room, slow)
	}
}

func (o *Orchestrator) onBackpressure(room *core.Room, slow *core.Peer) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(room, slow) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("peer", string(slow.ID())).Msg("kicking slow peer")
		o.Kick(slow.ID())
	case app.NoAction:
	}
}

// Kick cancels the peer's connection; its disconnect path does the cleanup.
// Peers without a registered connection are cleaned up directly.
func (o *Orchestrator) Kick(id domain.PeerID) {
	if o.Registry != nil && o.Registry.Cancel(id) {
		return
	}
	o.OnDisconnect(id)
}

func (o *Orchestrator) TransportClosed(peer *core.Peer, t *core.Transport) {
	o.notify(peer, EventTransportClosed, TransportClosed{TransportID: t.ID})
}

func (o *Orchestrator) ProducerClosed(peer *core.Peer, p *core.Producer) {
	o.notify(peer, EventProducerClosed, ProducerClosed{ProducerID: p.ID})
}

func (o *Orchestrator) ConsumerClosed(peer *core.Peer, c *core.Consumer) {
	o.notify(peer, EventConsumerClosed, ConsumerClosed{ConsumerID: c.ID, ProducerID: c.ProducerID})
}
