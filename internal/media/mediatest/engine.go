// Package mediatest provides an in-memory media engine for tests.
//
// It keeps the same bookkeeping a real SFU does (transports own producers
// and consumers, closing a producer closes its consumers) without any
// network I/O, and lets tests inject engine faults per operation.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/media"
)

type Op string

const (
	OpCreateTransport Op = "createTransport"
	OpConnect         Op = "connect"
	OpProduce         Op = "produce"
	OpConsume         Op = "consume"
	OpResume          Op = "resume"
	OpClose           Op = "close"
)

type Worker struct {
	died    chan error
	dieOnce sync.Once
	mu      sync.Mutex
	routers []*Router
	closed  bool
}

func NewWorker() *Worker {
	return &Worker{died: make(chan error, 1)}
}

func (w *Worker) CreateRouter(_ context.Context, codecs []media.RtpCodecCapability) (media.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, media.ErrClosed
	}
	r, err := NewRouter(codecs...)
	if err != nil {
		return nil, err
	}
	w.routers = append(w.routers, r)
	return r, nil
}

// Die simulates a fatal worker crash.
func (w *Worker) Die(cause error) {
	w.dieOnce.Do(func() { w.died <- cause })
}

func (w *Worker) Died() <-chan error { return w.died }

func (w *Worker) Close() error {
	w.mu.Lock()
	routers := w.routers
	w.routers = nil
	w.closed = true
	w.mu.Unlock()
	for _, r := range routers {
		_ = r.Close()
	}
	return nil
}

type Router struct {
	id   string
	caps media.RtpCapabilities

	mu         sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	faults     map[Op]error
	closed     bool
	nextSsrc   uint32
}

// NewRouter builds a router with codecs, or media.DefaultCodecs when none are given.
func NewRouter(codecs ...media.RtpCodecCapability) (*Router, error) {
	if len(codecs) == 0 {
		codecs = media.DefaultCodecs()
	}
	caps, err := media.NewRtpCapabilities(codecs)
	if err != nil {
		return nil, err
	}
	return &Router{
		id:         uuid.NewString(),
		caps:       caps,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
		faults:     make(map[Op]error),
		nextSsrc:   10000,
	}, nil
}

// Fail makes the next call of op return err.
func (r *Router) Fail(op Op, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[op] = err
}

func (r *Router) fault(op Op) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err, ok := r.faults[op]
	if ok {
		delete(r.faults, op)
	}
	return err
}

// Live returns the number of open transports, producers and consumers.
func (r *Router) Live() (transports, producers, consumers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transports), len(r.producers), len(r.consumers)
}

func (r *Router) Transport(id string) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transports[id]
	return t, ok
}

func (r *Router) Consumer(id string) (*Consumer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consumers[id]
	return c, ok
}

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() media.RtpCapabilities { return r.caps }

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts media.TransportOptions) (media.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.fault(OpCreateTransport); err != nil {
		return nil, err
	}
	t := &Transport{
		id:        uuid.NewString(),
		router:    r,
		direction: opts.Direction,
		ice: media.IceParameters{
			UsernameFragment: uuid.NewString()[:8],
			Password:         uuid.NewString(),
			IceLite:          true,
		},
		candidates: []media.IceCandidate{{
			Foundation: "udpcandidate", Priority: 1076302079, Address: "127.0.0.1",
			Protocol: "udp", Port: 40000, Type: "host",
		}},
		dtls: media.DtlsParameters{
			Role:         media.DtlsRoleAuto,
			Fingerprints: []media.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB:CC"}},
		},
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, media.ErrClosed
	}
	r.transports[t.id] = t
	return t, nil
}

func (r *Router) CanConsume(producerID string, caps media.RtpCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return media.CanConsume(p.params, caps)
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()
	for _, t := range transports {
		_ = t.Close()
	}
	return nil
}

type Transport struct {
	id         string
	router     *Router
	direction  domain.Direction
	ice        media.IceParameters
	candidates []media.IceCandidate
	dtls       media.DtlsParameters

	mu        sync.Mutex
	connected bool
	closed    bool
	producers map[string]*Producer
	consumers map[string]*Consumer
	onDtls    []func(media.DtlsState)
}

func (t *Transport) ID() string                           { return t.id }
func (t *Transport) IceParameters() media.IceParameters   { return t.ice }
func (t *Transport) IceCandidates() []media.IceCandidate  { return t.candidates }
func (t *Transport) DtlsParameters() media.DtlsParameters { return t.dtls }

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Connect(ctx context.Context, opts media.ConnectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.router.fault(OpConnect); err != nil {
		return err
	}
	if len(opts.DtlsParameters.Fingerprints) == 0 {
		return media.ErrDtlsParameters
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return media.ErrClosed
	case t.connected:
		return media.ErrAlreadyConnected
	}
	t.connected = true
	return nil
}

func (t *Transport) Produce(ctx context.Context, opts media.ProducerOptions) (media.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.router.fault(OpProduce); err != nil {
		return nil, err
	}
	if err := media.ValidateRtpParameters(opts.Kind, opts.RtpParameters); err != nil {
		return nil, err
	}
	codec, _ := opts.RtpParameters.MediaCodec()
	if _, ok := media.MatchCodec(codec, t.router.caps); !ok {
		return nil, fmt.Errorf("%w: %s", media.ErrUnsupportedCodec, codec.MimeType)
	}
	p := &Producer{id: uuid.NewString(), kind: opts.Kind, params: opts.RtpParameters, transport: t}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, media.ErrClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	r := t.router
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts media.ConsumerOptions) (media.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.router.fault(OpConsume); err != nil {
		return nil, err
	}
	r := t.router
	r.mu.Lock()
	p, ok := r.producers[opts.ProducerID]
	r.nextSsrc++
	ssrc := r.nextSsrc
	r.mu.Unlock()
	if !ok {
		return nil, media.ErrUnknownProducer
	}
	codec, _ := p.params.MediaCodec()
	capability, ok := media.MatchCodec(codec, opts.RtpCapabilities)
	if !ok {
		return nil, fmt.Errorf("%w: %s", media.ErrUnsupportedCodec, codec.MimeType)
	}
	c := &Consumer{
		id:         uuid.NewString(),
		producerID: p.id,
		kind:       p.kind,
		paused:     opts.Paused,
		transport:  t,
		params: media.RtpParameters{
			Codecs: []media.RtpCodecParameters{{
				MimeType:    capability.MimeType,
				PayloadType: capability.PreferredPayloadType,
				ClockRate:   capability.ClockRate,
				Channels:    capability.Channels,
				Parameters:  capability.Parameters,
			}},
			Encodings: []media.RtpEncodingParameters{{Ssrc: ssrc}},
		},
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, media.ErrClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	r.mu.Lock()
	r.consumers[c.id] = c
	r.mu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = c.Close()
		return nil, media.ErrUnknownProducer
	}
	p.consumers = append(p.consumers, c)
	p.mu.Unlock()
	return c, nil
}

func (t *Transport) OnDtlsStateChange(fn func(media.DtlsState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDtls = append(t.onDtls, fn)
}

// SetDtlsState simulates a DTLS state transition reported by the engine.
func (t *Transport) SetDtlsState(s media.DtlsState) {
	t.mu.Lock()
	handlers := append([]func(media.DtlsState){}, t.onDtls...)
	t.mu.Unlock()
	for _, fn := range handlers {
		fn(s)
	}
}

func (t *Transport) Close() error {
	if err := t.router.fault(OpClose); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	t.router.mu.Lock()
	delete(t.router.transports, t.id)
	t.router.mu.Unlock()
	return nil
}

type Producer struct {
	id        string
	kind      domain.Kind
	params    media.RtpParameters
	transport *Transport

	mu        sync.Mutex
	closed    bool
	consumers []*Consumer
}

func (p *Producer) ID() string                         { return p.id }
func (p *Producer) Kind() domain.Kind                  { return p.kind }
func (p *Producer) RtpParameters() media.RtpParameters { return p.params }

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers := p.consumers
	p.consumers = nil
	p.mu.Unlock()

	r := p.transport.router
	r.mu.Lock()
	delete(r.producers, p.id)
	r.mu.Unlock()

	p.transport.mu.Lock()
	delete(p.transport.producers, p.id)
	p.transport.mu.Unlock()

	for _, c := range consumers {
		c.producerClosed()
	}
	return nil
}

type Consumer struct {
	id         string
	producerID string
	kind       domain.Kind
	params     media.RtpParameters
	transport  *Transport

	mu              sync.Mutex
	paused          bool
	closed          bool
	onProducerClose func()
}

func (c *Consumer) ID() string                         { return c.id }
func (c *Consumer) ProducerID() string                 { return c.producerID }
func (c *Consumer) Kind() domain.Kind                  { return c.kind }
func (c *Consumer) RtpParameters() media.RtpParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.transport.router.fault(OpResume); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
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
	c.mu.Unlock()

	r := c.transport.router
	r.mu.Lock()
	delete(r.consumers, c.id)
	r.mu.Unlock()

	c.transport.mu.Lock()
	delete(c.transport.consumers, c.id)
	c.transport.mu.Unlock()
	return nil
}
