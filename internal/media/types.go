package media

// The types below mirror the JSON shapes exchanged with browser clients,
// so they are passed through signaling verbatim.

type RtcpFeedback struct {
	Type      string `json:"type" mapstructure:"type"`
	Parameter string `json:"parameter,omitempty" mapstructure:"parameter"`
}

// RtpCodecCapability is one codec a router (or a receiving client) supports.
type RtpCodecCapability struct {
	Kind                 string         `json:"kind" mapstructure:"kind"`
	MimeType             string         `json:"mimeType" mapstructure:"mime_type"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty" mapstructure:"preferred_payload_type"`
	ClockRate            uint32         `json:"clockRate" mapstructure:"clock_rate"`
	Channels             uint16         `json:"channels,omitempty" mapstructure:"channels"`
	Parameters           map[string]any `json:"parameters,omitempty" mapstructure:"parameters"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty" mapstructure:"rtcp_feedback"`
}

type RtpHeaderExtension struct {
	Kind        string `json:"kind"`
	URI         string `json:"uri"`
	PreferredID int    `json:"preferredId"`
	Direction   string `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtxParameters struct {
	Ssrc uint32 `json:"ssrc"`
}

type RtpEncodingParameters struct {
	Ssrc       uint32         `json:"ssrc,omitempty"`
	Rid        string         `json:"rid,omitempty"`
	Rtx        *RtxParameters `json:"rtx,omitempty"`
	MaxBitrate uint32         `json:"maxBitrate,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

// RtpParameters describe one concrete stream, sent by a producer or delivered to a consumer.
type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp,omitempty"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsRole string

const (
	DtlsRoleAuto   DtlsRole = "auto"
	DtlsRoleClient DtlsRole = "client"
	DtlsRoleServer DtlsRole = "server"
)

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         DtlsRole          `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

type DtlsState string

const (
	DtlsStateNew        DtlsState = "new"
	DtlsStateConnecting DtlsState = "connecting"
	DtlsStateConnected  DtlsState = "connected"
	DtlsStateFailed     DtlsState = "failed"
	DtlsStateClosed     DtlsState = "closed"
)
