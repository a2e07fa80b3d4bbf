// Package pion is the media engine built on pion's ORTC API: one ICE and
// DTLS transport per media.Transport, an RTPReceiver per producer and a
// relay that copies its packets into one RTPSender per consumer.
package pion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/media"
)

type Settings struct {
	// ListenIP restricts gathering to one local address; empty or
	// unspecified listens everywhere.
	ListenIP string
	// AnnouncedIP replaces host candidate addresses, for servers behind 1:1 NAT.
	AnnouncedIP     string
	MinPort         uint16
	MaxPort         uint16
	IncludeLoopback bool
	StunURLs        []string
}

type Worker struct {
	settings Settings
	se       webrtc.SettingEngine

	died     chan error
	diedOnce sync.Once

	mu      sync.Mutex
	routers []*Router
	closed  bool
}

func NewWorker(s Settings) (*Worker, error) {
	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{}}
	if s.MinPort != 0 || s.MaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(s.MinPort, s.MaxPort); err != nil {
			return nil, fmt.Errorf("rtc port range: %w", err)
		}
	}
	if s.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{s.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if ip := net.ParseIP(s.ListenIP); ip != nil && !ip.IsUnspecified() {
		se.SetIPFilter(func(candidate net.IP) bool { return candidate.Equal(ip) })
	} else if s.ListenIP != "" && ip == nil {
		return nil, fmt.Errorf("listen ip %q is not an address", s.ListenIP)
	}
	se.SetIncludeLoopbackCandidate(s.IncludeLoopback)

	log.Info().Str("module", "media.pion").
		Str("listen_ip", s.ListenIP).Str("announced_ip", s.AnnouncedIP).
		Uint16("min_port", s.MinPort).Uint16("max_port", s.MaxPort).
		Msg("worker started")
	return &Worker{settings: s, se: se, died: make(chan error, 1)}, nil
}

func (w *Worker) CreateRouter(_ context.Context, codecs []media.RtpCodecCapability) (media.Router, error) {
	caps, err := media.NewRtpCapabilities(codecs)
	if err != nil {
		return nil, err
	}
	me, err := newMediaEngine(caps)
	if err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI interceptor: %w", err)
	}
	ir.Add(pli)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(w.se),
	)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, media.ErrClosed
	}
	r := newRouter(w, api, caps)
	w.routers = append(w.routers, r)
	log.Info().Str("module", "media.pion").Str("router", r.id).Int("codecs", len(caps.Codecs)).Msg("router created")
	return r, nil
}

func (w *Worker) iceServers() []webrtc.ICEServer {
	if len(w.settings.StunURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: w.settings.StunURLs}}
}

func (w *Worker) Died() <-chan error { return w.died }

// fail reports a fatal engine fault. Only the first cause is kept.
func (w *Worker) fail(cause error) {
	if cause == nil {
		cause = errors.New("unknown cause")
	}
	w.diedOnce.Do(func() {
		log.Error().Err(cause).Str("module", "media.pion").Msg("worker died")
		w.died <- cause
	})
}

func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := w.routers
	w.routers = nil
	w.mu.Unlock()

	var errs []error
	for _, r := range routers {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
