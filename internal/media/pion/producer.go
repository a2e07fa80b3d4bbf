package pion

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/media"
)

type Producer struct {
	id        string
	kind      domain.Kind
	params    media.RtpParameters
	transport *Transport
	relay     *Relay
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	receiver  *webrtc.RTPReceiver
	consumers map[string]*Consumer
}

func newProducer(t *Transport, kind domain.Kind, params media.RtpParameters) *Producer {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Producer{
		id:        id,
		kind:      kind,
		params:    params,
		transport: t,
		relay:     NewRelay(nil),
		logger:    t.logger.With().Str("producer", id).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		consumers: make(map[string]*Consumer),
	}
}

func (p *Producer) ID() string                         { return p.id }
func (p *Producer) Kind() domain.Kind                  { return p.kind }
func (p *Producer) RtpParameters() media.RtpParameters { return p.params }

func (p *Producer) start() {
	go func() {
		var pc panics.Catcher
		pc.Try(p.receive)
		if r := pc.Recovered(); r != nil {
			p.transport.router.worker.fail(fmt.Errorf("producer %s: %w", p.id, r.AsError()))
		}
	}()
}

// receive waits for DTLS, binds an RTPReceiver to the producer's ssrc
// and runs the relay until the producer closes.
func (p *Producer) receive() {
	if err := p.transport.waitReady(p.ctx); err != nil {
		return
	}
	codec, _ := p.params.MediaCodec()
	receiver, err := p.transport.router.api.NewRTPReceiver(codecType(p.kind), p.transport.dtls)
	if err != nil {
		p.logger.Error().Err(err).Msg("rtp receiver")
		return
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{{
		RTPCodingParameters: webrtc.RTPCodingParameters{
			SSRC:        webrtc.SSRC(p.params.Encodings[0].Ssrc),
			PayloadType: webrtc.PayloadType(codec.PayloadType),
		},
	}}})
	if err != nil {
		p.logger.Error().Err(err).Msg("rtp receive")
		_ = receiver.Stop()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = receiver.Stop()
		return
	}
	p.receiver = receiver
	p.mu.Unlock()

	p.relay.Src = receiver.Track()
	p.logger.Info().Msg("relay started")
	p.relay.loop(p.ctx, &p.logger)
}

// attach registers c as a consumer; false if the producer is gone.
func (p *Producer) attach(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	p.relay.AddOutTrack(c.id, c.out)
	return true
}

func (p *Producer) detach(consumerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, consumerID)
	p.relay.RemoveOutTrack(consumerID)
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	receiver := p.receiver
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = nil
	p.mu.Unlock()

	p.cancel()
	p.relay.markAllDelete()
	p.transport.router.removeProducer(p.id)
	p.transport.detachProducer(p.id)

	var err error
	if receiver != nil {
		err = receiver.Stop()
	}
	for _, c := range consumers {
		c.producerClosed()
	}
	p.logger.Info().Int("consumers", len(consumers)).Msg("producer closed")
	return err
}
