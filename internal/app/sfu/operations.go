package sfu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/media"
)

func (c *Coordinator) CreateTransport(ctx context.Context, peer *core.Peer, dir domain.Direction) (*core.Transport, error) {
	if peer == nil || peer.Closed() {
		return nil, domain.ErrPeerNotFound
	}
	router, err := c.Router()
	if err != nil {
		return nil, err
	}
	if _, ok := peer.Transport(dir); ok {
		return nil, domain.ErrTransportExists
	}

	et, err := router.CreateWebRtcTransport(ctx, media.TransportOptions{Owner: string(peer.ID()), Direction: dir})
	if err != nil {
		return nil, engineFault(err)
	}
	t := core.NewTransport(peer.ID(), dir, et)
	// Indexed before the peer owns it: a CloseAllFor that sees it on the
	// peer then also finds it in the index.
	c.mu.Lock()
	c.transports[t.ID] = owned[*core.Transport]{peer: peer, res: t}
	c.mu.Unlock()
	// The peer may have disconnected while the engine was busy.
	if err := peer.SetTransport(t); err != nil {
		c.unindex(t.ID, "", "")
		t.MarkClosed()
		_ = et.Close()
		return nil, err
	}

	et.OnDtlsStateChange(func(s media.DtlsState) {
		if s == media.DtlsStateClosed || s == media.DtlsStateFailed {
			c.transportGone(peer, t.ID, "dtls "+string(s))
		}
	})

	log.Info().Str("module", "sfu").Str("peer", string(peer.ID())).Str("transport", t.ID).Str("direction", string(dir)).Msg("transport created")
	return t, nil
}

func (c *Coordinator) ConnectTransport(ctx context.Context, peer *core.Peer, transportID string, opts media.ConnectOptions) error {
	t, ok := peer.FindTransport(transportID)
	if !ok {
		return domain.ErrTransportNotFound
	}
	if t.State() == domain.TransportConnected {
		return domain.ErrTransportConnected
	}
	if err := t.Engine.Connect(ctx, opts); err != nil {
		switch {
		case errors.Is(err, media.ErrAlreadyConnected):
			return domain.ErrTransportConnected
		case errors.Is(err, media.ErrDtlsParameters):
			return fmt.Errorf("%w: %w", domain.ErrBadRequest, err)
		case errors.Is(err, media.ErrClosed):
			return domain.ErrTransportNotFound
		}
		return engineFault(err)
	}
	if !t.MarkConnected() {
		if t.State() == domain.TransportClosed {
			return domain.ErrTransportNotFound
		}
		return domain.ErrTransportConnected
	}
	log.Info().Str("module", "sfu").Str("peer", string(peer.ID())).Str("transport", t.ID).Msg("transport connected")
	return nil
}

func (c *Coordinator) Produce(ctx context.Context, peer *core.Peer, transportID string, kind domain.Kind, params media.RtpParameters) (*core.Producer, error) {
	t, ok := peer.Transport(domain.DirectionSend)
	if !ok || (transportID != "" && t.ID != transportID) {
		return nil, domain.ErrNoSendTransport
	}
	if t.State() != domain.TransportConnected {
		return nil, fmt.Errorf("%w: transport %s not connected", domain.ErrNoSendTransport, t.ID)
	}
	if err := media.ValidateRtpParameters(kind, params); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrBadRequest, err)
	}

	ep, err := t.Engine.Produce(ctx, media.ProducerOptions{Kind: kind, RtpParameters: params})
	if err != nil {
		switch {
		case errors.Is(err, media.ErrInvalidRtp), errors.Is(err, media.ErrUnsupportedCodec):
			return nil, fmt.Errorf("%w: %w", domain.ErrBadRequest, err)
		case errors.Is(err, media.ErrClosed):
			return nil, domain.ErrNoSendTransport
		}
		return nil, engineFault(err)
	}
	p := &core.Producer{
		ID:          ep.ID(),
		Kind:        kind,
		Owner:       peer.ID(),
		Room:        peer.Room(),
		TransportID: t.ID,
		Engine:      ep,
	}
	c.mu.Lock()
	c.producers[p.ID] = owned[*core.Producer]{peer: peer, res: p}
	c.mu.Unlock()
	if err := peer.AddProducer(p); err != nil {
		c.unindex("", p.ID, "")
		_ = ep.Close()
		return nil, err
	}
	// The transport may have gone before the producer was attached to it.
	if t.State() == domain.TransportClosed {
		if _, ok := peer.RemoveProducer(p.ID); ok {
			_ = c.release(peer, core.Resources{Producers: []*core.Producer{p}})
		}
		return nil, domain.ErrNoSendTransport
	}

	log.Info().Str("module", "sfu").Str("peer", string(peer.ID())).Str("producer", p.ID).Str("kind", string(kind)).Msg("producer created")
	return p, nil
}

// Consume always creates the consumer paused; media flows after Resume.
func (c *Coordinator) Consume(ctx context.Context, peer *core.Peer, transportID, producerID string, caps media.RtpCapabilities) (*core.Consumer, error) {
	t, ok := peer.Transport(domain.DirectionRecv)
	if !ok || (transportID != "" && t.ID != transportID) {
		return nil, domain.ErrNoRecvTransport
	}
	if t.State() != domain.TransportConnected {
		return nil, fmt.Errorf("%w: transport %s not connected", domain.ErrNoRecvTransport, t.ID)
	}
	src, _, ok := c.Producer(producerID)
	if !ok || src.Room != peer.Room() {
		return nil, domain.ErrProducerNotFound
	}
	router, err := c.Router()
	if err != nil {
		return nil, err
	}
	if !router.CanConsume(producerID, caps) {
		return nil, domain.ErrCannotConsume
	}

	ec, err := t.Engine.Consume(ctx, media.ConsumerOptions{ProducerID: producerID, RtpCapabilities: caps, Paused: true})
	if err != nil {
		switch {
		case errors.Is(err, media.ErrUnknownProducer):
			return nil, domain.ErrProducerNotFound
		case errors.Is(err, media.ErrUnsupportedCodec):
			return nil, domain.ErrCannotConsume
		case errors.Is(err, media.ErrClosed):
			return nil, domain.ErrNoRecvTransport
		}
		return nil, engineFault(err)
	}
	cons := &core.Consumer{
		ID:          ec.ID(),
		ProducerID:  producerID,
		Kind:        ec.Kind(),
		Owner:       peer.ID(),
		TransportID: t.ID,
		Engine:      ec,
		CreatedAt:   time.Now(),
	}
	c.mu.Lock()
	c.consumers[cons.ID] = owned[*core.Consumer]{peer: peer, res: cons}
	c.mu.Unlock()
	if err := peer.AddConsumer(cons); err != nil {
		c.unindex("", "", cons.ID)
		_ = ec.Close()
		return nil, err
	}

	ec.OnProducerClose(func() { c.consumerGone(peer, cons.ID, "producer closed") })
	// The producer can go away before the hook is in place.
	if _, _, ok := c.Producer(producerID); !ok || t.State() == domain.TransportClosed {
		c.dropConsumer(peer, cons.ID)
		return nil, domain.ErrProducerNotFound
	}

	log.Info().Str("module", "sfu").Str("peer", string(peer.ID())).Str("consumer", cons.ID).Str("producer", producerID).Msg("consumer created")
	return cons, nil
}

func (c *Coordinator) Resume(ctx context.Context, peer *core.Peer, consumerID string) error {
	cons, ok := peer.Consumer(consumerID)
	if !ok {
		return domain.ErrConsumerNotFound
	}
	if err := cons.Engine.Resume(ctx); err != nil {
		if errors.Is(err, media.ErrClosed) {
			return domain.ErrConsumerNotFound
		}
		return engineFault(err)
	}
	if !cons.MarkResumed() {
		return domain.ErrConsumerNotFound
	}
	log.Debug().Str("module", "sfu").Str("peer", string(peer.ID())).Str("consumer", consumerID).Msg("consumer resumed")
	return nil
}

// CloseProducer closes one of the peer's producers. Consumers of it are
// torn down through their producer-close hooks.
func (c *Coordinator) CloseProducer(peer *core.Peer, producerID string) (*core.Producer, error) {
	p, ok := peer.RemoveProducer(producerID)
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	err := c.release(peer, core.Resources{Producers: []*core.Producer{p}})
	log.Info().Str("module", "sfu").Str("peer", string(peer.ID())).Str("producer", producerID).Msg("producer closed")
	return p, err
}

// CloseTransport closes the transport and everything that ran over it.
func (c *Coordinator) CloseTransport(peer *core.Peer, transportID string) (core.Resources, error) {
	res, ok := peer.RemoveTransport(transportID)
	if !ok {
		return core.Resources{}, domain.ErrTransportNotFound
	}
	err := c.release(peer, res)
	log.Info().Str("module", "sfu").Str("peer", string(peer.ID())).Str("transport", transportID).Msg("transport closed")
	return res, err
}

// transportGone handles a transport the engine or the reaper ended.
func (c *Coordinator) transportGone(peer *core.Peer, transportID, reason string) {
	res, ok := peer.RemoveTransport(transportID)
	if !ok {
		return
	}
	_ = c.release(peer, res)
	log.Info().Str("module", "sfu").Str("peer", string(peer.ID())).Str("transport", transportID).Str("reason", reason).Msg("transport gone")

	c.emit(func(l Listener) {
		for _, cons := range res.Consumers {
			l.ConsumerClosed(peer, cons)
		}
		for _, p := range res.Producers {
			l.ProducerClosed(peer, p)
		}
		for _, t := range res.Transports {
			l.TransportClosed(peer, t)
		}
	})
}

func (c *Coordinator) dropConsumer(peer *core.Peer, consumerID string) (*core.Consumer, bool) {
	cons, ok := peer.RemoveConsumer(consumerID)
	if !ok {
		return nil, false
	}
	_ = c.release(peer, core.Resources{Consumers: []*core.Consumer{cons}})
	return cons, true
}

// consumerGone handles a consumer the engine or the reaper ended.
func (c *Coordinator) consumerGone(peer *core.Peer, consumerID, reason string) {
	cons, ok := c.dropConsumer(peer, consumerID)
	if !ok {
		return
	}
	log.Debug().Str("module", "sfu").Str("peer", string(peer.ID())).Str("consumer", consumerID).Str("reason", reason).Msg("consumer gone")
	c.emit(func(l Listener) { l.ConsumerClosed(peer, cons) })
}
