package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Port != 8080 || cfg.Mode != "release" || cfg.PingPeriod != 25*time.Second {
		t.Fatalf("defaults = %+v", cfg)
	}
	if len(cfg.Media.Codecs) == 0 {
		t.Fatal("default codec list is empty")
	}
	if cfg.Reap.Policy().Enabled() {
		t.Fatal("reaping must be off by default")
	}
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	path := writeConfig(t, `
mode: debug
port: 9000
request_timeout: 3s
join_rate:
  limit: 2
  interval: 1m
media:
  announced_ip: 203.0.113.7
  rtc_min_port: 41000
  rtc_max_port: 41100
  codecs:
    - kind: audio
      mime_type: audio/opus
      clock_rate: 48000
      channels: 2
reap:
  interval: 5s
  transport_connect_timeout: 30s
`)
	t.Setenv("STAGE_SECRET", "from-env")
	t.Setenv("STAGE_MEDIA_RTC_MAX_PORT", "41200")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--port=9100"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path, fs)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Mode != "debug" || cfg.Port != 9100 || cfg.Secret != "from-env" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.RequestTimeout != 3*time.Second || cfg.JoinRate.Limit != 2 || cfg.JoinRate.Interval != time.Minute {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Media.AnnouncedIP != "203.0.113.7" || cfg.Media.RtcMinPort != 41000 || cfg.Media.RtcMaxPort != 41200 {
		t.Fatalf("media = %+v", cfg.Media)
	}
	if len(cfg.Media.Codecs) != 1 || cfg.Media.Codecs[0].MimeType != "audio/opus" || cfg.Media.Codecs[0].ClockRate != 48000 {
		t.Fatalf("codecs = %+v", cfg.Media.Codecs)
	}
	if p := cfg.Reap.Policy(); p.TransportConnectTimeout != 30*time.Second || p.ConsumerResumeTimeout != 0 {
		t.Fatalf("reap = %+v", p)
	}
}

func TestUnsetFlagsDoNotOverrideFile(t *testing.T) {
	path := writeConfig(t, "port: 9000\n")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(path, fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("port = %d", cfg.Port)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"mode", "mode: loud\n", "mode"},
		{"ports", "media:\n  rtc_min_port: 5000\n  rtc_max_port: 4000\n", "rtc_min_port"},
		{"reap interval", "reap:\n  interval: 0s\n  consumer_resume_timeout: 5s\n", "reap.interval"},
		{"codec", "media:\n  codecs:\n    - kind: video\n      mime_type: audio/opus\n      clock_rate: 48000\n", "media.codecs"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFrom(writeConfig(t, tc.body), nil)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv("CONFIG_ENV", "")
	if got := Path(""); got != "config/config.dev.yaml" {
		t.Fatalf("Path = %q", got)
	}
	t.Setenv("CONFIG_ENV", "prod")
	if got := Path(""); got != "config/config.prod.yaml" {
		t.Fatalf("Path = %q", got)
	}
	if got := Path("stage"); got != "config/config.stage.yaml" {
		t.Fatalf("Path = %q", got)
	}
}

func TestLoadRecordsEnv(t *testing.T) {
	t.Setenv("CONFIG_ENV", "nowhere")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "nowhere" || cfg.Port != 8080 {
		t.Fatalf("cfg = %+v", cfg)
	}
}
