package pion

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/media"
)

func codecType(kind domain.Kind) webrtc.RTPCodecType {
	if kind == domain.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func feedbackToPion(fb []media.RtcpFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func capabilityToPion(c media.RtpCodecCapability) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  media.FmtpLine(c.Parameters),
		RTCPFeedback: feedbackToPion(c.RtcpFeedback),
	}
}

// newMediaEngine registers exactly the router codecs, under the payload
// types advertised to clients.
func newMediaEngine(caps media.RtpCapabilities) (*webrtc.MediaEngine, error) {
	me := &webrtc.MediaEngine{}
	for _, c := range caps.Codecs {
		kind, err := media.KindOfMime(c.MimeType)
		if err != nil {
			return nil, err
		}
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: capabilityToPion(c),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}
		if err := me.RegisterCodec(params, codecType(kind)); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}
	for _, ext := range caps.HeaderExtensions {
		kind := webrtc.RTPCodecTypeAudio
		if ext.Kind == string(domain.KindVideo) {
			kind = webrtc.RTPCodecTypeVideo
		}
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.URI}, kind); err != nil {
			return nil, fmt.Errorf("register extension %s: %w", ext.URI, err)
		}
	}
	return me, nil
}

func iceParametersFromPion(p webrtc.ICEParameters) media.IceParameters {
	return media.IceParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, IceLite: p.ICELite}
}

func iceParametersToPion(p media.IceParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.IceLite}
}

func iceCandidateFromPion(c webrtc.ICECandidate) media.IceCandidate {
	return media.IceCandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    c.Address,
		Protocol:   c.Protocol.String(),
		Port:       c.Port,
		Type:       c.Typ.String(),
		TCPType:    c.TCPType,
	}
}

func iceCandidateToPion(c media.IceCandidate) (webrtc.ICECandidate, error) {
	proto, err := webrtc.NewICEProtocol(c.Protocol)
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	typ, err := webrtc.NewICECandidateType(c.Type)
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	return webrtc.ICECandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    c.Address,
		Protocol:   proto,
		Port:       c.Port,
		Typ:        typ,
		Component:  1,
		TCPType:    c.TCPType,
	}, nil
}

func dtlsParametersFromPion(p webrtc.DTLSParameters) media.DtlsParameters {
	out := media.DtlsParameters{Role: media.DtlsRoleAuto}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, media.DtlsFingerprint{Algorithm: f.Algorithm, Value: strings.ToUpper(f.Value)})
	}
	return out
}

func dtlsParametersToPion(p media.DtlsParameters) (webrtc.DTLSParameters, error) {
	if len(p.Fingerprints) == 0 {
		return webrtc.DTLSParameters{}, fmt.Errorf("%w: no fingerprints", media.ErrDtlsParameters)
	}
	out := webrtc.DTLSParameters{}
	switch p.Role {
	case media.DtlsRoleClient:
		out.Role = webrtc.DTLSRoleClient
	case media.DtlsRoleServer:
		out.Role = webrtc.DTLSRoleServer
	case media.DtlsRoleAuto, "":
		out.Role = webrtc.DTLSRoleAuto
	default:
		return webrtc.DTLSParameters{}, fmt.Errorf("%w: role %q", media.ErrDtlsParameters, p.Role)
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out, nil
}

func dtlsStateFromPion(s webrtc.DTLSTransportState) media.DtlsState {
	switch s {
	case webrtc.DTLSTransportStateConnecting:
		return media.DtlsStateConnecting
	case webrtc.DTLSTransportStateConnected:
		return media.DtlsStateConnected
	case webrtc.DTLSTransportStateFailed:
		return media.DtlsStateFailed
	case webrtc.DTLSTransportStateClosed:
		return media.DtlsStateClosed
	default:
		return media.DtlsStateNew
	}
}
