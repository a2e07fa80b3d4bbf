package orch

import (
	"context"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/media"
)

func (o *Orchestrator) RtpCapabilities() (media.RtpCapabilities, error) {
	return o.Media.RtpCapabilities()
}

func (o *Orchestrator) CreateTransport(ctx context.Context, id domain.PeerID, dir domain.Direction) (*core.Transport, error) {
	_, peer, err := o.peer(id)
	if err != nil {
		return nil, err
	}
	return o.Media.CreateTransport(ctx, peer, dir)
}

func (o *Orchestrator) ConnectTransport(ctx context.Context, id domain.PeerID, transportID string, opts media.ConnectOptions) error {
	_, peer, err := o.peer(id)
	if err != nil {
		return err
	}
	return o.Media.ConnectTransport(ctx, peer, transportID, opts)
}

func (o *Orchestrator) Produce(ctx context.Context, id domain.PeerID, transportID string, kind domain.Kind, params media.RtpParameters) (*core.Producer, error) {
	room, peer, err := o.peer(id)
	if err != nil {
		return nil, err
	}
	p, err := o.Media.Produce(ctx, peer, transportID, kind, params)
	if err != nil {
		return nil, err
	}
	o.announceProducer(room, p)
	return p, nil
}

// announceProducer tells every other current member about p, each at most once.
func (o *Orchestrator) announceProducer(room *core.Room, p *core.Producer) {
	n := core.Notification{Event: EventNewProducer, Data: p.Info()}
	res := room.BroadcastFunc(p.Owner, n, func(q *core.Peer) bool { return q.MarkAnnounced(p.ID) })
	o.handleDropped(room, res)
}

func (o *Orchestrator) Consume(ctx context.Context, id domain.PeerID, transportID, producerID string, caps media.RtpCapabilities) (*core.Consumer, error) {
	_, peer, err := o.peer(id)
	if err != nil {
		return nil, err
	}
	return o.Media.Consume(ctx, peer, transportID, producerID, caps)
}

func (o *Orchestrator) Resume(ctx context.Context, id domain.PeerID, consumerID string) error {
	_, peer, err := o.peer(id)
	if err != nil {
		return err
	}
	return o.Media.Resume(ctx, peer, consumerID)
}

func (o *Orchestrator) CloseProducer(id domain.PeerID, producerID string) error {
	_, peer, err := o.peer(id)
	if err != nil {
		return err
	}
	_, err = o.Media.CloseProducer(peer, producerID)
	return err
}

func (o *Orchestrator) CloseTransport(id domain.PeerID, transportID string) error {
	_, peer, err := o.peer(id)
	if err != nil {
		return err
	}
	_, err = o.Media.CloseTransport(peer, transportID)
	return err
}

// Producers lists the producers of the other peers in the caller's room.
func (o *Orchestrator) Producers(id domain.PeerID) ([]core.ProducerInfo, error) {
	room, _, err := o.peer(id)
	if err != nil {
		return nil, err
	}
	producers := room.Producers(id)
	out := make([]core.ProducerInfo, 0, len(producers))
	for _, p := range producers {
		out = append(out, p.Info())
	}
	return out, nil
}

func (o *Orchestrator) ListRooms() []domain.RoomInfo {
	return o.Rooms.List()
}
