package core

import (
	"errors"
	"sync"

	"github.com/dkeye/Stage/internal/domain"
)

var errFull = errors.New("full")

type fakeSignal struct {
	mu     sync.Mutex
	sent   []Notification
	full   bool
	closed bool
}

func (s *fakeSignal) TrySend(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return errFull
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *fakeSignal) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSignal) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}


func transportRecord(id string, owner domain.PeerID, dir domain.Direction) *Transport {
	return &Transport{ID: id, Owner: owner, Direction: dir}
}
