package pion

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
}

// OutTrack is the forwarding leg of one consumer. It starts muted and
// only receives packets once the consumer is resumed.
type OutTrack struct {
	Track rtpWriter
	state atomic.Int32
}

func NewOutTrack(track rtpWriter) *OutTrack {
	ot := &OutTrack{Track: track}
	ot.MarkMuted()
	return ot
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

// MarkOk unmutes the track unless it is already marked for delete.
func (ot *OutTrack) MarkOk() bool {
	return ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk)) || ot.GetState() == TrackStateOk
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
