package pion

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/media"
)

type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	params    media.RtpParameters
	track     *webrtc.TrackLocalStaticRTP
	out       *OutTrack
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	paused          bool
	closed          bool
	sender          *webrtc.RTPSender
	onProducerClose func()
}

func newConsumer(t *Transport, src *Producer, capability media.RtpCodecCapability, paused bool) (*Consumer, error) {
	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(capabilityToPion(capability), id, src.id)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	ssrc := rand.Uint32()
	for ssrc == 0 {
		ssrc = rand.Uint32()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		id:        id,
		producer:  src,
		transport: t,
		track:     track,
		out:       NewOutTrack(track),
		logger:    t.logger.With().Str("consumer", id).Str("producer", src.id).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		paused:    paused,
		params: media.RtpParameters{
			Codecs: []media.RtpCodecParameters{{
				MimeType:     capability.MimeType,
				PayloadType:  capability.PreferredPayloadType,
				ClockRate:    capability.ClockRate,
				Channels:     capability.Channels,
				Parameters:   capability.Parameters,
				RtcpFeedback: capability.RtcpFeedback,
			}},
			Encodings: []media.RtpEncodingParameters{{Ssrc: ssrc}},
			Rtcp:      media.RtcpParameters{Cname: src.params.Rtcp.Cname, ReducedSize: true},
		},
	}
	if !paused {
		c.out.MarkOk()
	}
	return c, nil
}

func (c *Consumer) ID() string                         { return c.id }
func (c *Consumer) ProducerID() string                 { return c.producer.id }
func (c *Consumer) Kind() domain.Kind                  { return c.producer.kind }
func (c *Consumer) RtpParameters() media.RtpParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) start() {
	go c.send()
}

// send binds an RTPSender once DTLS is up and drains its RTCP so the
// interceptors keep running.
func (c *Consumer) send() {
	if err := c.transport.waitReady(c.ctx); err != nil {
		return
	}
	sender, err := c.transport.router.api.NewRTPSender(c.track, c.transport.dtls)
	if err != nil {
		c.logger.Error().Err(err).Msg("rtp sender")
		return
	}
	codec := c.params.Codecs[0]
	err = sender.Send(webrtc.RTPSendParameters{Encodings: []webrtc.RTPEncodingParameters{{
		RTPCodingParameters: webrtc.RTPCodingParameters{
			SSRC:        webrtc.SSRC(c.params.Encodings[0].Ssrc),
			PayloadType: webrtc.PayloadType(codec.PayloadType),
		},
	}}})
	if err != nil {
		c.logger.Error().Err(err).Msg("rtp send")
		_ = sender.Stop()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sender.Stop()
		return
	}
	c.sender = sender
	c.mu.Unlock()

	for {
		if _, _, err := sender.ReadRTCP(); err != nil {
			return
		}
	}
}

func (c *Consumer) Resume(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.out.MarkOk() {
		return media.ErrClosed
	}
	c.paused = false
	return nil
}

func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = fn
}

func (c *Consumer) producerClosed() {
	c.mu.Lock()
	fn := c.onProducerClose
	alreadyClosed := c.closed
	c.mu.Unlock()
	_ = c.Close()
	if fn != nil && !alreadyClosed {
		fn()
	}
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sender := c.sender
	c.mu.Unlock()

	c.cancel()
	c.out.MarkDelete()
	c.producer.detach(c.id)
	c.transport.detachConsumer(c.id)
	if sender != nil {
		return sender.Stop()
	}
	return nil
}
