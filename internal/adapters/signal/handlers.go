package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/media"
)

var errInternal = errors.New("internal error")

type handlerFunc func(ctx context.Context, s *session, data []byte) (reply, error)

func (ctl *SignalWSController) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		MethodJoinRoom:               ctl.joinRoom,
		MethodLeaveRoom:              ctl.leaveRoom,
		MethodGetRouterRtpCaps:       ctl.getRouterRtpCapabilities,
		MethodCreateWebRtcTransport:  ctl.createWebRtcTransport,
		MethodConnectWebRtcTransport: ctl.connectWebRtcTransport,
		MethodProduce:                ctl.produce,
		MethodConsume:                ctl.consume,
		MethodResume:                 ctl.resume,
		MethodCloseProducer:          ctl.closeProducer,
		MethodCloseTransport:         ctl.closeTransport,
		MethodGetProducers:           ctl.getProducers,
		MethodPing:                   ctl.ping,
	}
}

// handle answers exactly one ack per decoded request.
func (ctl *SignalWSController) handle(s *session, raw []byte) {
	req, err := s.conn.codec.DecodeRequest(raw)
	if err != nil {
		ctl.ack(s, req, nil, err)
		return
	}

	var r reply
	if h, ok := ctl.handlers[req.Method]; ok {
		r, err = ctl.run(s, h, req)
	} else {
		err = fmt.Errorf("%w: unknown method %q", domain.ErrBadRequest, req.Method)
	}
	ctl.ack(s, req, r, err)

	if after := s.afterAck; after != nil {
		s.afterAck = nil
		if err == nil {
			after()
		}
	}
}

func (ctl *SignalWSController) run(s *session, h handlerFunc, req Request) (r reply, err error) {
	ctx := s.ctx
	if ctl.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ctl.opts.RequestTimeout)
		defer cancel()
	}

	var pc panics.Catcher
	pc.Try(func() { r, err = h(ctx, s, req.Data) })
	if rec := pc.Recovered(); rec != nil {
		log.Error().Str("module", "signal").Str("peer", string(s.peerID)).Str("method", req.Method).
			Str("panic", rec.String()).Msg("handler panic")
		s.afterAck = nil
		return nil, errInternal
	}
	return r, err
}

func (ctl *SignalWSController) ack(s *session, req Request, r reply, err error) {
	if err != nil {
		lvl := zerolog.DebugLevel
		if errors.Is(err, domain.ErrMediaEngineFault) {
			lvl = zerolog.WarnLevel
		}
		log.WithLevel(lvl).Err(err).Str("module", "signal").Str("peer", string(s.peerID)).
			Str("method", req.Method).Msg("request failed")
	}

	b, encErr := s.conn.codec.Encode(ackFrame(req.ID, r, err))
	if encErr != nil {
		log.Error().Err(encErr).Str("module", "signal").Str("method", req.Method).Msg("encode ack")
		return
	}
	if sendErr := s.conn.enqueue(b); errors.Is(sendErr, ErrBackpressure) {
		log.Warn().Str("module", "signal").Str("peer", string(s.peerID)).Msg("ack dropped, closing slow connection")
		s.cancel()
	}
}

func decode[T any](s *session, data []byte) (T, error) {
	var v T
	err := s.conn.codec.Decode(data, &v)
	return v, err
}

func required(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", domain.ErrBadRequest, field)
	}
	return nil
}

func (ctl *SignalWSController) joinRoom(_ context.Context, s *session, data []byte) (reply, error) {
	req, err := decode[joinRoomRequest](s, data)
	if err != nil {
		return nil, err
	}
	key := s.clientToken
	if key == "" {
		key = string(s.peerID)
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(key) {
		return nil, domain.ErrRateLimited
	}

	res, err := ctl.Orch.Join(s.peerID, req.SessionID, req.DisplayName, s.conn)
	if err != nil {
		return nil, err
	}
	peers := res.Peers
	if peers == nil {
		peers = []domain.PeerInfo{}
	}
	s.afterAck = func() { ctl.Orch.AnnounceExisting(s.peerID) }
	return reply{"peerId": s.peerID, "roomId": res.Room.ID(), "peers": peers}, nil
}

func (ctl *SignalWSController) leaveRoom(_ context.Context, s *session, _ []byte) (reply, error) {
	return nil, ctl.Orch.Leave(s.peerID)
}

func (ctl *SignalWSController) getRouterRtpCapabilities(context.Context, *session, []byte) (reply, error) {
	caps, err := ctl.Orch.RtpCapabilities()
	if err != nil {
		return nil, err
	}
	return reply{"rtpCapabilities": caps}, nil
}

func (ctl *SignalWSController) createWebRtcTransport(ctx context.Context, s *session, data []byte) (reply, error) {
	req, err := decode[createTransportRequest](s, data)
	if err != nil {
		return nil, err
	}
	dir, err := domain.ParseDirection(req.Direction)
	if err != nil {
		return nil, err
	}
	t, err := ctl.Orch.CreateTransport(ctx, s.peerID, dir)
	if err != nil {
		return nil, err
	}
	return reply{"params": newTransportParams(t)}, nil
}

func (ctl *SignalWSController) connectWebRtcTransport(ctx context.Context, s *session, data []byte) (reply, error) {
	req, err := decode[connectTransportRequest](s, data)
	if err != nil {
		return nil, err
	}
	if err := required("transportId", req.TransportID); err != nil {
		return nil, err
	}
	opts := media.ConnectOptions{
		DtlsParameters: req.DtlsParameters,
		IceParameters:  req.IceParameters,
		IceCandidates:  req.IceCandidates,
	}
	return nil, ctl.Orch.ConnectTransport(ctx, s.peerID, req.TransportID, opts)
}

func (ctl *SignalWSController) produce(ctx context.Context, s *session, data []byte) (reply, error) {
	req, err := decode[produceRequest](s, data)
	if err != nil {
		return nil, err
	}
	if err := required("transportId", req.TransportID); err != nil {
		return nil, err
	}
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	p, err := ctl.Orch.Produce(ctx, s.peerID, req.TransportID, kind, req.RtpParameters)
	if err != nil {
		return nil, err
	}
	return reply{"producerId": p.ID}, nil
}

func (ctl *SignalWSController) consume(ctx context.Context, s *session, data []byte) (reply, error) {
	req, err := decode[consumeRequest](s, data)
	if err != nil {
		return nil, err
	}
	if err := required("transportId", req.TransportID); err != nil {
		return nil, err
	}
	if err := required("producerId", req.ProducerID); err != nil {
		return nil, err
	}
	c, err := ctl.Orch.Consume(ctx, s.peerID, req.TransportID, req.ProducerID, req.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	return reply{"params": consumerParams{
		ID:            c.ID,
		ProducerID:    c.ProducerID,
		Kind:          c.Kind,
		RtpParameters: c.Engine.RtpParameters(),
	}}, nil
}

func (ctl *SignalWSController) resume(ctx context.Context, s *session, data []byte) (reply, error) {
	req, err := decode[consumerRequest](s, data)
	if err != nil {
		return nil, err
	}
	if err := required("consumerId", req.ConsumerID); err != nil {
		return nil, err
	}
	return nil, ctl.Orch.Resume(ctx, s.peerID, req.ConsumerID)
}

func (ctl *SignalWSController) closeProducer(_ context.Context, s *session, data []byte) (reply, error) {
	req, err := decode[producerRequest](s, data)
	if err != nil {
		return nil, err
	}
	if err := required("producerId", req.ProducerID); err != nil {
		return nil, err
	}
	return nil, ctl.Orch.CloseProducer(s.peerID, req.ProducerID)
}

func (ctl *SignalWSController) closeTransport(_ context.Context, s *session, data []byte) (reply, error) {
	req, err := decode[transportRequest](s, data)
	if err != nil {
		return nil, err
	}
	if err := required("transportId", req.TransportID); err != nil {
		return nil, err
	}
	return nil, ctl.Orch.CloseTransport(s.peerID, req.TransportID)
}

func (ctl *SignalWSController) getProducers(_ context.Context, s *session, _ []byte) (reply, error) {
	list, err := ctl.Orch.Producers(s.peerID)
	if err != nil {
		return nil, err
	}
	return reply{"producers": list}, nil
}

func (ctl *SignalWSController) ping(context.Context, *session, []byte) (reply, error) {
	return reply{"pong": true}, nil
}
