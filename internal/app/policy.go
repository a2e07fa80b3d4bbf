package app

import "github.com/dkeye/Stage/internal/core"

type BackpressureAction int

const (
	// NoAction leaves the peer connected; the notification is lost.
	NoAction BackpressureAction = iota
	KickMember
)

type Policy interface {
	OnBackPressure(room *core.Room, peer *core.Peer) BackpressureAction
}

// SimplePolicy kicks any peer whose send buffer overflowed.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*core.Room, *core.Peer) BackpressureAction {
	return KickMember
}
