package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

type connEntry struct {
	Signal core.SignalConnection
	Cancel context.CancelFunc
}

// Registry tracks live signaling connections so they can be kicked or
// drained on shutdown. Room membership lives in core.RoomManager.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.PeerID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.PeerID]*connEntry)}
}

func (r *Registry) Bind(id domain.PeerID, signal core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &connEntry{Signal: signal, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("bound connection")
}

func (r *Registry) Signal(id domain.PeerID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.Signal, true
	}
	return nil, false
}

func (r *Registry) Unbind(id domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return
	}
	delete(r.conns, id)
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("unbind connection")
}

// Cancel stops the connection's pumps; the adapter then runs the
// disconnect path exactly as for a client-side close.
func (r *Registry) Cancel(id domain.PeerID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("canceled connection")
	return true
}

func (r *Registry) CancelAll() int {
	r.mu.RLock()
	entries := make([]*connEntry, 0, len(r.conns))
	for _, e := range r.conns {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	for _, e := range entries {
		if e.Cancel != nil {
			e.Cancel()
		}
	}
	return len(entries)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
