package sfu

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/media"
	"github.com/dkeye/Stage/internal/media/mediatest"
)

type recorder struct {
	mu         sync.Mutex
	transports []string
	producers  []string
	consumers  map[domain.PeerID][]string
}

func newRecorder() *recorder {
	return &recorder{consumers: make(map[domain.PeerID][]string)}
}

func (r *recorder) TransportClosed(_ *core.Peer, t *core.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports = append(r.transports, t.ID)
}

func (r *recorder) ProducerClosed(_ *core.Peer, p *core.Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers = append(r.producers, p.ID)
}

func (r *recorder) ConsumerClosed(peer *core.Peer, c *core.Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[peer.ID()] = append(r.consumers[peer.ID()], c.ID)
}

func (r *recorder) consumersOf(id domain.PeerID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.consumers[id]...)
}

type fixture struct {
	coord  *Coordinator
	router *mediatest.Router
	rooms  *core.RoomManager
	rec    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	router, err := mediatest.NewRouter()
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	f := &fixture{coord: NewCoordinator(), router: router, rooms: core.NewRoomManager(), rec: newRecorder()}
	f.coord.SetRouter(router)
	f.coord.SetListener(f.rec)
	return f
}

func (f *fixture) join(t *testing.T, room, id string) *core.Peer {
	t.Helper()
	_, p, err := f.rooms.Join(domain.RoomID(room), domain.PeerID(id), id, nil)
	if err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	return p
}

func (f *fixture) connected(t *testing.T, p *core.Peer, dir domain.Direction) *core.Transport {
	t.Helper()
	ctx := context.Background()
	tr, err := f.coord.CreateTransport(ctx, p, dir)
	if err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	if err := f.coord.ConnectTransport(ctx, p, tr.ID, dtls()); err != nil {
		t.Fatalf("ConnectTransport: %v", err)
	}
	return tr
}

func (f *fixture) produce(t *testing.T, p *core.Peer) *core.Producer {
	t.Helper()
	tr, ok := p.Transport(domain.DirectionSend)
	if !ok {
		tr = f.connected(t, p, domain.DirectionSend)
	}
	pr, err := f.coord.Produce(context.Background(), p, tr.ID, domain.KindAudio, opus())
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	return pr
}

func (f *fixture) consume(t *testing.T, p *core.Peer, producerID string) *core.Consumer {
	t.Helper()
	tr, ok := p.Transport(domain.DirectionRecv)
	if !ok {
		tr = f.connected(t, p, domain.DirectionRecv)
	}
	c, err := f.coord.Consume(context.Background(), p, tr.ID, producerID, f.router.RtpCapabilities())
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	return c
}

func dtls() media.ConnectOptions {
	return media.ConnectOptions{DtlsParameters: media.DtlsParameters{
		Role:         media.DtlsRoleClient,
		Fingerprints: []media.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
	}}
}

func opus() media.RtpParameters {
	return media.RtpParameters{
		Codecs:    []media.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}},
		Encodings: []media.RtpEncodingParameters{{Ssrc: 4242}},
	}
}

func TestRouterNotInitialized(t *testing.T) {
	c := NewCoordinator()
	rooms := core.NewRoomManager()
	_, p, _ := rooms.Join("r", "a", "", nil)

	if _, err := c.RtpCapabilities(); !errors.Is(err, domain.ErrRouterNotInitialized) {
		t.Fatalf("RtpCapabilities err = %v", err)
	}
	if _, err := c.CreateTransport(context.Background(), p, domain.DirectionSend); !errors.Is(err, domain.ErrRouterNotInitialized) {
		t.Fatalf("CreateTransport err = %v", err)
	}
}

func TestCreateTransportOnePerDirection(t *testing.T) {
	f := newFixture(t)
	p := f.join(t, "r", "a")
	ctx := context.Background()

	if _, err := f.coord.CreateTransport(ctx, p, domain.DirectionSend); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.CreateTransport(ctx, p, domain.DirectionSend); !errors.Is(err, domain.ErrTransportExists) {
		t.Fatalf("second send transport err = %v", err)
	}
	if _, err := f.coord.CreateTransport(ctx, p, domain.DirectionRecv); err != nil {
		t.Fatalf("recv transport: %v", err)
	}
	if n, _, _ := f.router.Live(); n != 2 {
		t.Fatalf("engine transports = %d, want 2", n)
	}
}

func TestConnectTransport(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r", "a")
	b := f.join(t, "r", "b")
	ctx := context.Background()

	tr, err := f.coord.CreateTransport(ctx, a, domain.DirectionSend)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.coord.ConnectTransport(ctx, b, tr.ID, dtls()); !errors.Is(err, domain.ErrTransportNotFound) {
		t.Fatalf("foreign transport err = %v", err)
	}
	if err := f.coord.ConnectTransport(ctx, a, "nope", dtls()); !errors.Is(err, domain.ErrTransportNotFound) {
		t.Fatalf("unknown transport err = %v", err)
	}
	if err := f.coord.ConnectTransport(ctx, a, tr.ID, media.ConnectOptions{}); !errors.Is(err, domain.ErrBadRequest) {
		t.Fatalf("no fingerprints err = %v", err)
	}
	if err := f.coord.ConnectTransport(ctx, a, tr.ID, dtls()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if tr.State() != domain.TransportConnected {
		t.Fatalf("state = %s", tr.State())
	}
	if err := f.coord.ConnectTransport(ctx, a, tr.ID, dtls()); !errors.Is(err, domain.ErrTransportConnected) {
		t.Fatalf("second connect err = %v", err)
	}
}

func TestProduceNeedsConnectedSendTransport(t *testing.T) {
	f := newFixture(t)
	p := f.join(t, "r", "a")
	ctx := context.Background()

	if _, err := f.coord.Produce(ctx, p, "", domain.KindAudio, opus()); !errors.Is(err, domain.ErrNoSendTransport) {
		t.Fatalf("no transport err = %v", err)
	}
	tr, err := f.coord.CreateTransport(ctx, p, domain.DirectionSend)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Produce(ctx, p, tr.ID, domain.KindAudio, opus()); !errors.Is(err, domain.ErrNoSendTransport) {
		t.Fatalf("unconnected err = %v", err)
	}
	if err := f.coord.ConnectTransport(ctx, p, tr.ID, dtls()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Produce(ctx, p, tr.ID, domain.KindVideo, opus()); !errors.Is(err, domain.ErrBadRequest) {
		t.Fatalf("kind mismatch err = %v", err)
	}
	pr, err := f.coord.Produce(ctx, p, tr.ID, domain.KindAudio, opus())
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if got, _, ok := f.coord.Producer(pr.ID); !ok || got != pr || pr.Room != "r" {
		t.Fatalf("producer not indexed: %v %v", got, ok)
	}
}

func TestConsumeStartsPausedUntilResume(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r", "a")
	b := f.join(t, "r", "b")
	pr := f.produce(t, a)

	c := f.consume(t, b, pr.ID)
	ec, ok := f.router.Consumer(c.ID)
	if !ok {
		t.Fatal("engine consumer missing")
	}
	if !c.Paused() || !ec.Paused() {
		t.Fatal("consumer must start paused")
	}
	if err := f.coord.Resume(context.Background(), b, c.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if c.Paused() || ec.Paused() {
		t.Fatal("consumer still paused after resume")
	}
	if err := f.coord.Resume(context.Background(), a, c.ID); !errors.Is(err, domain.ErrConsumerNotFound) {
		t.Fatalf("resume by non-owner err = %v", err)
	}
}

func TestConsumeRejections(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r", "a")
	b := f.join(t, "r", "b")
	other := f.join(t, "elsewhere", "c")
	pr := f.produce(t, a)
	ctx := context.Background()

	if _, err := f.coord.Consume(ctx, b, "", pr.ID, f.router.RtpCapabilities()); !errors.Is(err, domain.ErrNoRecvTransport) {
		t.Fatalf("no recv transport err = %v", err)
	}
	tr := f.connected(t, b, domain.DirectionRecv)
	if _, err := f.coord.Consume(ctx, b, tr.ID, "missing", f.router.RtpCapabilities()); !errors.Is(err, domain.ErrProducerNotFound) {
		t.Fatalf("unknown producer err = %v", err)
	}
	videoOnly := media.RtpCapabilities{Codecs: []media.RtpCodecCapability{{Kind: "video", MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 101}}}
	if _, err := f.coord.Consume(ctx, b, tr.ID, pr.ID, videoOnly); !errors.Is(err, domain.ErrCannotConsume) {
		t.Fatalf("incompatible caps err = %v", err)
	}

	otr := f.connected(t, other, domain.DirectionRecv)
	if _, err := f.coord.Consume(ctx, other, otr.ID, pr.ID, f.router.RtpCapabilities()); !errors.Is(err, domain.ErrProducerNotFound) {
		t.Fatalf("cross-room consume err = %v", err)
	}
}

func TestEngineFaultIsWrapped(t *testing.T) {
	f := newFixture(t)
	p := f.join(t, "r", "a")
	boom := errors.New("boom")
	f.router.Fail(mediatest.OpCreateTransport, boom)

	_, err := f.coord.CreateTransport(context.Background(), p, domain.DirectionSend)
	if !errors.Is(err, domain.ErrMediaEngineFault) || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := p.Transport(domain.DirectionSend); ok {
		t.Fatal("failed transport recorded")
	}
}

type slowRouter struct {
	media.Router
	during func()
}

func (r slowRouter) CreateWebRtcTransport(ctx context.Context, opts media.TransportOptions) (media.Transport, error) {
	r.during()
	return r.Router.CreateWebRtcTransport(ctx, opts)
}

func TestDisconnectDuringCreateTransport(t *testing.T) {
	f := newFixture(t)
	p := f.join(t, "r", "a")
	f.coord.SetRouter(slowRouter{Router: f.router, during: func() { _ = f.coord.CloseAllFor(p) }})

	_, err := f.coord.CreateTransport(context.Background(), p, domain.DirectionSend)
	if !errors.Is(err, domain.ErrPeerNotFound) {
		t.Fatalf("err = %v", err)
	}
	if n, _, _ := f.router.Live(); n != 0 {
		t.Fatalf("engine transports leaked: %d", n)
	}
}

func TestCloseAllForReleasesEverything(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r", "a")
	b := f.join(t, "r", "b")
	prA := f.produce(t, a)
	prB := f.produce(t, b)
	f.consume(t, a, prB.ID)
	cB := f.consume(t, b, prA.ID)

	if err := f.coord.CloseAllFor(a); err != nil {
		t.Fatalf("CloseAllFor: %v", err)
	}
	if f.coord.Owns(a.ID()) {
		t.Fatal("a still owns resources")
	}
	if got := f.rec.consumersOf(b.ID()); len(got) != 1 || got[0] != cB.ID {
		t.Fatalf("b consumer notifications = %v", got)
	}
	if _, ok := b.Consumer(cB.ID); ok {
		t.Fatal("b kept consumer of a closed producer")
	}
	transports, producers, consumers := f.router.Live()
	if transports != 2 || producers != 1 || consumers != 0 {
		t.Fatalf("live = %d/%d/%d, want 2/1/0", transports, producers, consumers)
	}
	if got := f.coord.Stats(); got != (Stats{Transports: 2, Producers: 1}) {
		t.Fatalf("stats = %+v", got)
	}

	if err := f.coord.CloseAllFor(a); err != nil {
		t.Fatalf("second CloseAllFor: %v", err)
	}
}

func TestCloseAllForContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r", "a")
	f.connected(t, a, domain.DirectionSend)
	f.connected(t, a, domain.DirectionRecv)
	f.router.Fail(mediatest.OpClose, errors.New("stuck"))

	if err := f.coord.CloseAllFor(a); err == nil {
		t.Fatal("expected the close failure to be reported")
	}
	if n, _, _ := f.router.Live(); n != 1 {
		t.Fatalf("engine transports = %d, want only the failed one", n)
	}
	if f.coord.Owns(a.ID()) {
		t.Fatal("index still references a")
	}
}

func TestCloseProducerClosesItsConsumers(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r", "a")
	b := f.join(t, "r", "b")
	pr := f.produce(t, a)
	c := f.consume(t, b, pr.ID)

	if _, err := f.coord.CloseProducer(b, pr.ID); !errors.Is(err, domain.ErrProducerNotFound) {
		t.Fatalf("close by non-owner err = %v", err)
	}
	if _, err := f.coord.CloseProducer(a, pr.ID); err != nil {
		t.Fatalf("CloseProducer: %v", err)
	}
	if got := f.rec.consumersOf(b.ID()); len(got) != 1 || got[0] != c.ID {
		t.Fatalf("consumer notifications = %v", got)
	}
	if _, _, ok := f.coord.Producer(pr.ID); ok {
		t.Fatal("producer still indexed")
	}
}

func TestDtlsFailureClosesTransport(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r", "a")
	pr := f.produce(t, a)
	tr, _ := a.Transport(domain.DirectionSend)

	et, ok := f.router.Transport(tr.ID)
	if !ok {
		t.Fatal("engine transport missing")
	}
	et.SetDtlsState(media.DtlsStateFailed)

	if _, ok := a.Transport(domain.DirectionSend); ok {
		t.Fatal("transport still attached")
	}
	if _, ok := a.Producer(pr.ID); ok {
		t.Fatal("producer still attached")
	}
	if len(f.rec.transports) != 1 || len(f.rec.producers) != 1 {
		t.Fatalf("notifications transports=%v producers=%v", f.rec.transports, f.rec.producers)
	}
	// Our own close reports DTLS closed again; nothing must fire twice.
	et.SetDtlsState(media.DtlsStateClosed)
	if len(f.rec.transports) != 1 {
		t.Fatalf("transport closed notified %d times", len(f.rec.transports))
	}
}

func TestReap(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r", "a")
	b := f.join(t, "r", "b")
	pr := f.produce(t, a)
	c := f.consume(t, b, pr.ID)
	idle, err := f.coord.CreateTransport(context.Background(), a, domain.DirectionRecv)
	if err != nil {
		t.Fatal(err)
	}

	policy := ReapPolicy{TransportConnectTimeout: time.Minute, ConsumerResumeTimeout: time.Minute}
	if got := f.coord.Reap(time.Now(), policy); got != (ReapResult{}) {
		t.Fatalf("early reap = %+v", got)
	}
	got := f.coord.Reap(time.Now().Add(2*time.Minute), policy)
	if got != (ReapResult{Transports: 1, Consumers: 1}) {
		t.Fatalf("reap = %+v", got)
	}
	if _, ok := a.FindTransport(idle.ID); ok {
		t.Fatal("idle transport survived")
	}
	if _, ok := b.Consumer(c.ID); ok {
		t.Fatal("paused consumer survived")
	}
	if got := f.coord.Reap(time.Now().Add(time.Hour), ReapPolicy{}); got != (ReapResult{}) {
		t.Fatalf("disabled policy reaped %+v", got)
	}
}

type hookRouter struct {
	media.Router
	after func()
}

func (r hookRouter) CreateWebRtcTransport(ctx context.Context, opts media.TransportOptions) (media.Transport, error) {
	t, err := r.Router.CreateWebRtcTransport(ctx, opts)
	if err != nil {
		return nil, err
	}
	return hookTransport{Transport: t, after: r.after}, nil
}

// hookTransport runs after once the engine created a producer or consumer.
type hookTransport struct {
	media.Transport
	after func()
}

func (t hookTransport) Produce(ctx context.Context, opts media.ProducerOptions) (media.Producer, error) {
	p, err := t.Transport.Produce(ctx, opts)
	t.after()
	return p, err
}

func (t hookTransport) Consume(ctx context.Context, opts media.ConsumerOptions) (media.Consumer, error) {
	c, err := t.Transport.Consume(ctx, opts)
	t.after()
	return c, err
}

func TestDisconnectDuringProduceAndConsume(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r", "a")
	pr := f.produce(t, a)

	var disconnect func()
	f.coord.SetRouter(hookRouter{Router: f.router, after: func() {
		if disconnect != nil {
			disconnect()
		}
	}})
	b := f.join(t, "r", "b")
	c := f.join(t, "r", "c")
	send := f.connected(t, b, domain.DirectionSend)
	recv := f.connected(t, c, domain.DirectionRecv)

	disconnect = func() { _ = f.coord.CloseAllFor(b) }
	if _, err := f.coord.Produce(context.Background(), b, send.ID, domain.KindAudio, opus()); !errors.Is(err, domain.ErrPeerNotFound) {
		t.Fatalf("produce err = %v", err)
	}
	disconnect = func() { _ = f.coord.CloseAllFor(c) }
	if _, err := f.coord.Consume(context.Background(), c, recv.ID, pr.ID, f.router.RtpCapabilities()); !errors.Is(err, domain.ErrPeerNotFound) {
		t.Fatalf("consume err = %v", err)
	}

	if f.coord.Owns(b.ID()) || f.coord.Owns(c.ID()) {
		t.Fatal("index still references a closed peer")
	}
	if got := f.coord.Stats(); got != (Stats{Transports: 1, Producers: 1}) {
		t.Fatalf("stats = %+v", got)
	}
	if transports, producers, consumers := f.router.Live(); transports != 1 || producers != 1 || consumers != 0 {
		t.Fatalf("live = %d/%d/%d, want 1/1/0", transports, producers, consumers)
	}
}

func TestCloseAllForRacingOperations(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r", "a")
	pr := f.produce(t, a)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		b := f.join(t, "r", "b")
		send := f.connected(t, b, domain.DirectionSend)
		recv := f.connected(t, b, domain.DirectionRecv)

		var wg sync.WaitGroup
		wg.Add(4)
		go func() {
			defer wg.Done()
			_, _ = f.coord.Produce(ctx, b, send.ID, domain.KindAudio, opus())
		}()
		go func() {
			defer wg.Done()
			_, _ = f.coord.Consume(ctx, b, recv.ID, pr.ID, f.router.RtpCapabilities())
		}()
		go func() {
			defer wg.Done()
			_, _ = f.coord.CreateTransport(ctx, b, domain.DirectionSend)
		}()
		go func() {
			defer wg.Done()
			_ = f.coord.CloseAllFor(b)
		}()
		wg.Wait()
		_ = f.coord.CloseAllFor(b)

		if f.coord.Owns(b.ID()) {
			t.Fatalf("round %d: index still references b", i)
		}
		f.rooms.Leave(b.ID())
	}
	if got := f.coord.Stats(); got != (Stats{Transports: 1, Producers: 1}) {
		t.Fatalf("stats = %+v", got)
	}
}

func TestReapSparesResourcesClaimedLate(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "r", "a")
	b := f.join(t, "r", "b")
	pr := f.produce(t, a)
	ctx := context.Background()
	policy := ReapPolicy{TransportConnectTimeout: time.Nanosecond, ConsumerResumeTimeout: time.Nanosecond}

	for i := 0; i < 50; i++ {
		c := f.consume(t, b, pr.ID)
		tr, err := f.coord.CreateTransport(ctx, a, domain.DirectionRecv)
		if err != nil {
			t.Fatalf("CreateTransport: %v", err)
		}

		var resumeErr, connectErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			resumeErr = f.coord.Resume(ctx, b, c.ID)
			connectErr = f.coord.ConnectTransport(ctx, a, tr.ID, dtls())
		}()
		go func() {
			defer wg.Done()
			f.coord.Reap(time.Now().Add(time.Second), policy)
		}()
		wg.Wait()

		if _, ok := b.Consumer(c.ID); ok != (resumeErr == nil) {
			t.Fatalf("round %d: resume err %v but consumer attached %v", i, resumeErr, ok)
		}
		if resumeErr == nil && c.Paused() {
			t.Fatalf("round %d: resumed consumer still paused", i)
		}
		if _, ok := a.FindTransport(tr.ID); ok != (connectErr == nil) {
			t.Fatalf("round %d: connect err %v but transport attached %v", i, connectErr, ok)
		}
		_, _ = f.coord.CloseTransport(a, tr.ID)
		_, _ = f.coord.CloseTransport(b, c.TransportID)
	}
}
