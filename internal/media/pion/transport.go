package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/media"
)

type Transport struct {
	id        string
	router    *Router
	direction domain.Direction
	logger    zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	iceParams  media.IceParameters
	candidates []media.IceCandidate
	dtlsParams media.DtlsParameters

	// ready is closed once DTLS is up; done once the transport is closed.
	ready chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	connected bool
	closed    bool
	producers map[string]*Producer
	consumers map[string]*Consumer
	onDtls    []func(media.DtlsState)
}

func newTransport(ctx context.Context, r *Router, opts media.TransportOptions) (*Transport, error) {
	id := uuid.NewString()
	logger := log.With().Str("module", "media.pion").Str("transport", id).Str("owner", opts.Owner).Logger()

	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.worker.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice candidates: %w", err)
	}
	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls parameters: %w", err)
	}

	t := &Transport{
		id:         id,
		router:     r,
		direction:  opts.Direction,
		logger:     logger,
		gatherer:   gatherer,
		ice:        ice,
		dtls:       dtls,
		iceParams:  iceParametersFromPion(iceParams),
		dtlsParams: dtlsParametersFromPion(dtlsParams),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
	}
	for _, c := range candidates {
		t.candidates = append(t.candidates, iceCandidateFromPion(c))
	}
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		t.emitDtls(dtlsStateFromPion(s))
	})
	logger.Debug().Int("candidates", len(t.candidates)).Str("direction", string(opts.Direction)).Msg("transport gathered")
	return t, nil
}

func (t *Transport) ID() string                           { return t.id }
func (t *Transport) IceParameters() media.IceParameters   { return t.iceParams }
func (t *Transport) IceCandidates() []media.IceCandidate  { return t.candidates }
func (t *Transport) DtlsParameters() media.DtlsParameters { return t.dtlsParams }

func (t *Transport) OnDtlsStateChange(fn func(media.DtlsState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDtls = append(t.onDtls, fn)
}

func (t *Transport) emitDtls(s media.DtlsState) {
	t.mu.Lock()
	handlers := append([]func(media.DtlsState){}, t.onDtls...)
	t.mu.Unlock()
	t.logger.Debug().Str("dtls", string(s)).Msg("dtls state")
	for _, fn := range handlers {
		fn(s)
	}
}

// Connect records the remote parameters and starts ICE and DTLS in the
// background. Progress is reported through OnDtlsStateChange.
func (t *Transport) Connect(_ context.Context, opts media.ConnectOptions) error {
	remote, err := dtlsParametersToPion(opts.DtlsParameters)
	if err != nil {
		return err
	}
	if opts.IceParameters == nil {
		return fmt.Errorf("%w: remote ice parameters required", media.ErrDtlsParameters)
	}
	candidates := make([]webrtc.ICECandidate, 0, len(opts.IceCandidates))
	for _, c := range opts.IceCandidates {
		pc, err := iceCandidateToPion(c)
		if err != nil {
			return fmt.Errorf("%w: candidate: %w", media.ErrDtlsParameters, err)
		}
		candidates = append(candidates, pc)
	}

	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return media.ErrClosed
	case t.connected:
		t.mu.Unlock()
		return media.ErrAlreadyConnected
	}
	t.connected = true
	t.mu.Unlock()

	go t.handshake(iceParametersToPion(*opts.IceParameters), candidates, remote)
	return nil
}

func (t *Transport) handshake(remoteICE webrtc.ICEParameters, candidates []webrtc.ICECandidate, remote webrtc.DTLSParameters) {
	if len(candidates) > 0 {
		if err := t.ice.SetRemoteCandidates(candidates); err != nil {
			t.abort(fmt.Errorf("remote candidates: %w", err))
			return
		}
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, remoteICE, &role); err != nil {
		t.abort(fmt.Errorf("ice start: %w", err))
		return
	}
	if err := t.dtls.Start(remote); err != nil {
		t.abort(fmt.Errorf("dtls start: %w", err))
		return
	}
	close(t.ready)
	t.logger.Info().Msg("transport connected")
}

func (t *Transport) abort(err error) {
	select {
	case <-t.done:
		return
	default:
	}
	t.logger.Warn().Err(err).Msg("transport handshake failed")
	t.emitDtls(media.DtlsStateFailed)
}

// waitReady blocks until DTLS is up or the transport or ctx ends.
func (t *Transport) waitReady(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-t.done:
		return media.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Produce(_ context.Context, opts media.ProducerOptions) (media.Producer, error) {
	if err := media.ValidateRtpParameters(opts.Kind, opts.RtpParameters); err != nil {
		return nil, err
	}
	codec, _ := opts.RtpParameters.MediaCodec()
	if _, ok := media.MatchCodec(codec, t.router.caps); !ok {
		return nil, fmt.Errorf("%w: %s", media.ErrUnsupportedCodec, codec.MimeType)
	}
	if len(opts.RtpParameters.Encodings) == 0 || opts.RtpParameters.Encodings[0].Ssrc == 0 {
		return nil, fmt.Errorf("%w: encoding ssrc required", media.ErrInvalidRtp)
	}

	p := newProducer(t, opts.Kind, opts.RtpParameters)
	if err := t.trackProducer(p); err != nil {
		return nil, err
	}

	t.router.addProducer(p)
	p.start()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts media.ConsumerOptions) (media.Consumer, error) {
	src, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, media.ErrUnknownProducer
	}
	codec, _ := src.params.MediaCodec()
	if _, ok := media.MatchCodec(codec, opts.RtpCapabilities); !ok {
		return nil, fmt.Errorf("%w: %s", media.ErrUnsupportedCodec, codec.MimeType)
	}
	capability, ok := media.MatchCodec(codec, t.router.caps)
	if !ok {
		return nil, fmt.Errorf("%w: %s", media.ErrUnsupportedCodec, codec.MimeType)
	}

	c, err := newConsumer(t, src, capability, opts.Paused)
	if err != nil {
		return nil, err
	}
	if err := t.trackConsumer(c); err != nil {
		return nil, err
	}

	if !src.attach(c) {
		_ = c.Close()
		return nil, media.ErrUnknownProducer
	}
	c.start()
	return c, nil
}

// trackProducer registers p, or cancels it if the transport closed meanwhile.
func (t *Transport) trackProducer(p *Producer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		p.cancel()
		return media.ErrClosed
	}
	t.producers[p.id] = p
	return nil
}

func (t *Transport) trackConsumer(c *Consumer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		c.cancel()
		return media.ErrClosed
	}
	t.consumers[c.id] = c
	return nil
}

func (t *Transport) detachProducer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *Transport) detachConsumer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	t.router.removeTransport(t.id)

	var errs []error
	errs = append(errs, t.dtls.Stop())
	errs = append(errs, t.ice.Stop())
	errs = append(errs, t.gatherer.Close())
	t.logger.Info().Msg("transport closed")
	return errors.Join(errs...)
}
