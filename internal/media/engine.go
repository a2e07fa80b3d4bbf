// Package media defines the boundary to the SFU media engine.
//
// The orchestration layer only ever talks to these interfaces; ICE, DTLS
// and RTP forwarding live behind them (see media/pion).
package media

import (
	"context"
	"errors"

	"github.com/dkeye/Stage/internal/domain"
)

//go:generate mockgen -destination=mediamock/engine_mock.go -package=mediamock . Router,Transport,Producer,Consumer

var (
	ErrClosed           = errors.New("media: closed")
	ErrUnknownProducer  = errors.New("media: unknown producer")
	ErrUnsupportedCodec = errors.New("media: unsupported codec")
	ErrInvalidRtp       = errors.New("media: invalid rtp parameters")
	ErrDtlsParameters   = errors.New("media: invalid dtls parameters")
	ErrAlreadyConnected = errors.New("media: connect already called")
)

// Worker is the media engine process. Its death invalidates every router.
type Worker interface {
	CreateRouter(ctx context.Context, codecs []RtpCodecCapability) (Router, error)
	// Died is signalled at most once with the fatal cause.
	Died() <-chan error
	Close() error
}

type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	CanConsume(producerID string, caps RtpCapabilities) bool
	Close() error
}

type TransportOptions struct {
	// Owner is informational, engines use it for logging only.
	Owner     string
	Direction domain.Direction
}

type ConnectOptions struct {
	DtlsParameters DtlsParameters
	// Remote ICE credentials and candidates are optional; engines that run
	// a full ICE agent need the credentials.
	IceParameters *IceParameters
	IceCandidates []IceCandidate
}

type ProducerOptions struct {
	Kind          domain.Kind
	RtpParameters RtpParameters
}

type ConsumerOptions struct {
	ProducerID      string
	RtpCapabilities RtpCapabilities
	Paused          bool
}

type Transport interface {
	ID() string
	IceParameters() IceParameters
	IceCandidates() []IceCandidate
	DtlsParameters() DtlsParameters
	Connect(ctx context.Context, opts ConnectOptions) error
	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	OnDtlsStateChange(func(DtlsState))
	Close() error
}

type Producer interface {
	ID() string
	Kind() domain.Kind
	RtpParameters() RtpParameters
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.Kind
	RtpParameters() RtpParameters
	Paused() bool
	Resume(ctx context.Context) error
	// OnProducerClose fires once when the source producer goes away.
	OnProducerClose(func())
	Close() error
}
