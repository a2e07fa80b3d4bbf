// Package sfu coordinates media-engine resources on behalf of peers.
//
// The Coordinator is the only component that talks to the media engine.
// It records every transport, producer and consumer under its owning peer
// and keeps a process-wide index for cross-peer lookups and cleanup.
package sfu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/media"
)

// Listener receives resource closures the owning peer did not request.
// Calls happen outside coordinator locks.
type Listener interface {
	TransportClosed(peer *core.Peer, t *core.Transport)
	ProducerClosed(peer *core.Peer, p *core.Producer)
	ConsumerClosed(peer *core.Peer, c *core.Consumer)
}

type routerRef struct{ media.Router }

type listenerRef struct{ Listener }

type owned[T any] struct {
	peer *core.Peer
	res  T
}

type Stats struct {
	Transports int `json:"transports"`
	Producers  int `json:"producers"`
	Consumers  int `json:"consumers"`
}

type Coordinator struct {
	router   atomic.Pointer[routerRef]
	listener atomic.Pointer[listenerRef]

	mu         sync.RWMutex
	transports map[string]owned[*core.Transport]
	producers  map[string]owned[*core.Producer]
	consumers  map[string]owned[*core.Consumer]
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		transports: make(map[string]owned[*core.Transport]),
		producers:  make(map[string]owned[*core.Producer]),
		consumers:  make(map[string]owned[*core.Consumer]),
	}
}

// SetRouter publishes the router once the media engine is up.
func (c *Coordinator) SetRouter(r media.Router) {
	c.router.Store(&routerRef{r})
}

func (c *Coordinator) Router() (media.Router, error) {
	ref := c.router.Load()
	if ref == nil || ref.Router == nil {
		return nil, domain.ErrRouterNotInitialized
	}
	return ref.Router, nil
}

func (c *Coordinator) RtpCapabilities() (media.RtpCapabilities, error) {
	r, err := c.Router()
	if err != nil {
		return media.RtpCapabilities{}, err
	}
	return r.RtpCapabilities(), nil
}

func (c *Coordinator) SetListener(l Listener) {
	c.listener.Store(&listenerRef{l})
}

func (c *Coordinator) emit(fn func(Listener)) {
	if ref := c.listener.Load(); ref != nil && ref.Listener != nil {
		fn(ref.Listener)
	}
}

func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Transports: len(c.transports),
		Producers:  len(c.producers),
		Consumers:  len(c.consumers),
	}
}

// Producer resolves a producer by id across all peers.
func (c *Coordinator) Producer(id string) (*core.Producer, *core.Peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.producers[id]
	return o.res, o.peer, ok
}

// Owns reports whether any resource owned by peer is still indexed.
func (c *Coordinator) Owns(peer domain.PeerID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, o := range c.transports {
		if o.peer.ID() == peer {
			return true
		}
	}
	for _, o := range c.producers {
		if o.peer.ID() == peer {
			return true
		}
	}
	for _, o := range c.consumers {
		if o.peer.ID() == peer {
			return true
		}
	}
	return false
}

func engineFault(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrMediaEngineFault, err)
}

// unindex drops ids that never reached their owner; empty ids are skipped.
func (c *Coordinator) unindex(transportID, producerID, consumerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.transports, transportID)
	delete(c.producers, producerID)
	delete(c.consumers, consumerID)
}

type closer interface{ Close() error }

// release drops res from the index and closes it on the engine, consumers
// first. Every close is attempted; failures are collected, not fatal.
func (c *Coordinator) release(peer *core.Peer, res core.Resources) error {
	c.mu.Lock()
	for _, t := range res.Transports {
		delete(c.transports, t.ID)
	}
	for _, p := range res.Producers {
		delete(c.producers, p.ID)
	}
	for _, cons := range res.Consumers {
		delete(c.consumers, cons.ID)
	}
	c.mu.Unlock()

	var errs []error
	closeOne := func(kind, id string, res closer) {
		if res == nil {
			return
		}
		if err := res.Close(); err != nil {
			log.Warn().Err(err).Str("module", "sfu").Str("peer", string(peer.ID())).Str(kind, id).Msg("close failed")
			errs = append(errs, fmt.Errorf("close %s %s: %w", kind, id, err))
		}
	}
	for _, cons := range res.Consumers {
		closeOne("consumer", cons.ID, cons.Engine)
	}
	for _, p := range res.Producers {
		closeOne("producer", p.ID, p.Engine)
	}
	for _, t := range res.Transports {
		if t.MarkClosed() {
			closeOne("transport", t.ID, t.Engine)
		}
	}
	return errors.Join(errs...)
}

// CloseAllFor closes everything the peer owns. Safe to call repeatedly.
func (c *Coordinator) CloseAllFor(peer *core.Peer) error {
	if peer == nil {
		return nil
	}
	res := peer.Close()
	if res.Empty() {
		return nil
	}
	err := c.release(peer, res)
	log.Info().Str("module", "sfu").Str("peer", string(peer.ID())).
		Int("transports", len(res.Transports)).Int("producers", len(res.Producers)).Int("consumers", len(res.Consumers)).
		Msg("peer resources closed")
	return err
}
