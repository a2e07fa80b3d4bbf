package domain

import "fmt"

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionSend, DirectionRecv:
		return Direction(s), nil
	}
	return "", fmt.Errorf("%w: direction %q", ErrBadRequest, s)
}

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAudio, KindVideo:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: kind %q", ErrBadRequest, s)
}

type TransportState int32

const (
	TransportNew TransportState = iota
	TransportConnected
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnected:
		return "connected"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}
