package media

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dkeye/Stage/internal/domain"
)

const (
	dynamicPayloadMin = 96
	dynamicPayloadMax = 127
)

// NewRtpCapabilities validates the configured router codecs and assigns
// payload types to codecs that were configured without one.
func NewRtpCapabilities(codecs []RtpCodecCapability) (RtpCapabilities, error) {
	if len(codecs) == 0 {
		return RtpCapabilities{}, fmt.Errorf("%w: no codecs", ErrUnsupportedCodec)
	}
	used := make(map[uint8]bool, len(codecs))
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			if used[c.PreferredPayloadType] {
				return RtpCapabilities{}, fmt.Errorf("%w: duplicate payload type %d", ErrUnsupportedCodec, c.PreferredPayloadType)
			}
			used[c.PreferredPayloadType] = true
		}
	}

	next := uint8(dynamicPayloadMin)
	out := RtpCapabilities{Codecs: make([]RtpCodecCapability, 0, len(codecs))}
	for _, c := range codecs {
		kind, err := KindOfMime(c.MimeType)
		if err != nil {
			return RtpCapabilities{}, err
		}
		if c.Kind == "" {
			c.Kind = string(kind)
		} else if c.Kind != string(kind) {
			return RtpCapabilities{}, fmt.Errorf("%w: %s declared as %s", ErrUnsupportedCodec, c.MimeType, c.Kind)
		}
		if c.ClockRate == 0 {
			return RtpCapabilities{}, fmt.Errorf("%w: %s without clock rate", ErrUnsupportedCodec, c.MimeType)
		}
		if kind == domain.KindAudio && c.Channels == 0 {
			c.Channels = 1
		}
		// Static payload type 0 (PCMU) is legal, everything else needs a slot.
		if c.PreferredPayloadType == 0 && !strings.EqualFold(c.MimeType, "audio/PCMU") {
			for used[next] && next < dynamicPayloadMax {
				next++
			}
			if used[next] {
				return RtpCapabilities{}, fmt.Errorf("%w: out of dynamic payload types", ErrUnsupportedCodec)
			}
			c.PreferredPayloadType = next
			used[next] = true
		}
		out.Codecs = append(out.Codecs, c)
	}
	return out, nil
}

// KindOfMime returns the media kind encoded in a "kind/codec" mime type.
func KindOfMime(mime string) (domain.Kind, error) {
	prefix, _, ok := strings.Cut(mime, "/")
	if !ok {
		return "", fmt.Errorf("%w: mime type %q", ErrUnsupportedCodec, mime)
	}
	kind, err := domain.ParseKind(strings.ToLower(prefix))
	if err != nil {
		return "", fmt.Errorf("%w: mime type %q", ErrUnsupportedCodec, mime)
	}
	return kind, nil
}

// isFeatureCodec reports codecs that ride along with a media codec.
func isFeatureCodec(mime string) bool {
	_, name, _ := strings.Cut(strings.ToLower(mime), "/")
	switch name {
	case "rtx", "red", "ulpfec", "flexfec", "cn", "telephone-event":
		return true
	}
	return false
}

// MediaCodec returns the primary codec of the stream.
func (p RtpParameters) MediaCodec() (RtpCodecParameters, bool) {
	for _, c := range p.Codecs {
		if !isFeatureCodec(c.MimeType) {
			return c, true
		}
	}
	return RtpCodecParameters{}, false
}

// ValidateRtpParameters checks a producer's parameters before they reach the engine.
func ValidateRtpParameters(kind domain.Kind, p RtpParameters) error {
	codec, ok := p.MediaCodec()
	if !ok {
		return fmt.Errorf("%w: no media codec", ErrInvalidRtp)
	}
	k, err := KindOfMime(codec.MimeType)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRtp, err)
	}
	if k != kind {
		return fmt.Errorf("%w: %s codec for %s producer", ErrInvalidRtp, k, kind)
	}
	if codec.ClockRate == 0 {
		return fmt.Errorf("%w: codec without clock rate", ErrInvalidRtp)
	}
	return nil
}

// MatchCodec finds the capability compatible with codec.
func MatchCodec(codec RtpCodecParameters, caps RtpCapabilities) (RtpCodecCapability, bool) {
	for _, c := range caps.Codecs {
		if !strings.EqualFold(c.MimeType, codec.MimeType) || c.ClockRate != codec.ClockRate {
			continue
		}
		if kind, _ := KindOfMime(c.MimeType); kind == domain.KindAudio && channels(c.Channels) != channels(codec.Channels) {
			continue
		}
		if strings.EqualFold(codec.MimeType, "video/H264") &&
			param(c.Parameters, "packetization-mode", "0") != param(codec.Parameters, "packetization-mode", "0") {
			continue
		}
		return c, true
	}
	return RtpCodecCapability{}, false
}

// CanConsume is the admission check: a receiver declaring caps can decode
// a stream produced with params.
func CanConsume(params RtpParameters, caps RtpCapabilities) bool {
	codec, ok := params.MediaCodec()
	if !ok {
		return false
	}
	_, ok = MatchCodec(codec, caps)
	return ok
}

func channels(n uint16) uint16 {
	if n == 0 {
		return 1
	}
	return n
}

// param reads a codec parameter regardless of whether it was decoded from
// JSON (float64), YAML (int) or msgpack (int8..uint64).
func param(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	return fmt.Sprint(v)
}

// FmtpLine renders codec parameters as an SDP fmtp line, keys sorted.
func FmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fmt.Sprint(params[k]))
	}
	return strings.Join(parts, ";")
}
