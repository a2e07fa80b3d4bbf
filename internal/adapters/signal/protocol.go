package signal

import (
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/media"
)

// Request methods.
const (
	MethodJoinRoom               = "joinRoom"
	MethodLeaveRoom              = "leaveRoom"
	MethodGetRouterRtpCaps       = "getRouterRtpCapabilities"
	MethodCreateWebRtcTransport  = "createWebRtcTransport"
	MethodConnectWebRtcTransport = "connectWebRtcTransport"
	MethodProduce                = "produce"
	MethodConsume                = "consume"
	MethodResume                 = "resume"
	MethodCloseProducer          = "closeProducer"
	MethodCloseTransport         = "closeTransport"
	MethodGetProducers           = "getProducers"
	MethodPing                   = "ping"
)

// reply holds the ack fields besides id and ok.
type reply map[string]any

// notification is the server-initiated envelope. It carries no id.
type notification struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func ackFrame(id uint64, r reply, err error) map[string]any {
	out := make(map[string]any, len(r)+2)
	for k, v := range r {
		out[k] = v
	}
	out["id"] = id
	out["ok"] = err == nil
	if err != nil {
		out["error"] = err.Error()
	}
	return out
}

type joinRoomRequest struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
}

type createTransportRequest struct {
	Direction string `json:"direction"`
}

type transportParams struct {
	ID             string               `json:"id"`
	IceParameters  media.IceParameters  `json:"iceParameters"`
	IceCandidates  []media.IceCandidate `json:"iceCandidates"`
	DtlsParameters media.DtlsParameters `json:"dtlsParameters"`
}

func newTransportParams(t *core.Transport) transportParams {
	return transportParams{
		ID:             t.ID,
		IceParameters:  t.Engine.IceParameters(),
		IceCandidates:  t.Engine.IceCandidates(),
		DtlsParameters: t.Engine.DtlsParameters(),
	}
}

type connectTransportRequest struct {
	TransportID    string               `json:"transportId"`
	DtlsParameters media.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *media.IceParameters `json:"iceParameters,omitempty"`
	IceCandidates  []media.IceCandidate `json:"iceCandidates,omitempty"`
}

type produceRequest struct {
	TransportID   string              `json:"transportId"`
	Kind          string              `json:"kind"`
	RtpParameters media.RtpParameters `json:"rtpParameters"`
}

type consumeRequest struct {
	TransportID     string                `json:"transportId"`
	ProducerID      string                `json:"producerId"`
	RtpCapabilities media.RtpCapabilities `json:"rtpCapabilities"`
}

type consumerParams struct {
	ID            string              `json:"id"`
	ProducerID    string              `json:"producerId"`
	Kind          domain.Kind         `json:"kind"`
	RtpParameters media.RtpParameters `json:"rtpParameters"`
}

type consumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

type producerRequest struct {
	ProducerID string `json:"producerId"`
}

type transportRequest struct {
	TransportID string `json:"transportId"`
}
