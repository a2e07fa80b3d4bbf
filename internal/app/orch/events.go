package orch

import "github.com/dkeye/Stage/internal/domain"

// Server-initiated events.
const (
	EventNewProducer       = "newProducer"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventConsumerClosed    = "consumerClosed"
	EventProducerClosed    = "producerClosed"
	EventTransportClosed   = "transportClosed"
)

type ParticipantLeft struct {
	PeerID domain.PeerID `json:"peerId"`
}

type ConsumerClosed struct {
	ConsumerID string `json:"consumerId"`
	ProducerID string `json:"producerId"`
}

type ProducerClosed struct {
	ProducerID string `json:"producerId"`
}

type TransportClosed struct {
	TransportID string `json:"transportId"`
}
