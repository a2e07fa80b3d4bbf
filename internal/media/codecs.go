package media

// DefaultCodecs is the router codec set used when the configuration has none.
func DefaultCodecs() []RtpCodecCapability {
	return []RtpCodecCapability{
		{
			Kind:                 "video",
			MimeType:             "video/VP8",
			ClockRate:            90000,
			PreferredPayloadType: 96,
			Parameters:           map[string]any{"x-google-start-bitrate": 1000},
		},
		{
			Kind:                 "video",
			MimeType:             "video/VP9",
			ClockRate:            90000,
			PreferredPayloadType: 97,
			Parameters:           map[string]any{"profile-id": 2, "x-google-start-bitrate": 1000},
		},
		{
			Kind:                 "video",
			MimeType:             "video/H264",
			ClockRate:            90000,
			PreferredPayloadType: 98,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "4d0032",
				"level-asymmetry-allowed": 1,
				"x-google-start-bitrate":  1000,
			},
		},
		{
			Kind:                 "video",
			MimeType:             "video/H264",
			ClockRate:            90000,
			PreferredPayloadType: 99,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": 1,
				"x-google-start-bitrate":  1000,
			},
		},
		{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PreferredPayloadType: 111},
		{Kind: "audio", MimeType: "audio/PCMU", ClockRate: 8000, PreferredPayloadType: 0},
		{Kind: "audio", MimeType: "audio/PCMA", ClockRate: 8000, PreferredPayloadType: 8},
		{Kind: "audio", MimeType: "audio/G722", ClockRate: 8000, PreferredPayloadType: 9},
		{Kind: "audio", MimeType: "audio/CN", ClockRate: 8000, PreferredPayloadType: 13},
		{Kind: "audio", MimeType: "audio/telephone-event", ClockRate: 8000, PreferredPayloadType: 126},
	}
}
