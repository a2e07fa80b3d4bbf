package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/Stage/internal/app/sfu"
	"github.com/dkeye/Stage/internal/media"
	"github.com/dkeye/Stage/internal/media/pion"
)

type Config struct {
	Env            string        `mapstructure:"-"`
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	StaticPath     string        `mapstructure:"static_path"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	Secret         string        `mapstructure:"secret"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	JoinRate RateConfig  `mapstructure:"join_rate"`
	Media    MediaConfig `mapstructure:"media"`
	Reap     ReapConfig  `mapstructure:"reap"`
}

type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type MediaConfig struct {
	ListenIP        string                     `mapstructure:"listen_ip"`
	AnnouncedIP     string                     `mapstructure:"announced_ip"`
	RtcMinPort      uint16                     `mapstructure:"rtc_min_port"`
	RtcMaxPort      uint16                     `mapstructure:"rtc_max_port"`
	IncludeLoopback bool                       `mapstructure:"include_loopback"`
	StunURLs        []string                   `mapstructure:"stun_urls"`
	Codecs          []media.RtpCodecCapability `mapstructure:"codecs"`
}

func (m MediaConfig) Settings() pion.Settings {
	return pion.Settings{
		ListenIP:        m.ListenIP,
		AnnouncedIP:     m.AnnouncedIP,
		MinPort:         m.RtcMinPort,
		MaxPort:         m.RtcMaxPort,
		IncludeLoopback: m.IncludeLoopback,
		StunURLs:        m.StunURLs,
	}
}

type ReapConfig struct {
	Interval                time.Duration `mapstructure:"interval"`
	TransportConnectTimeout time.Duration `mapstructure:"transport_connect_timeout"`
	ConsumerResumeTimeout   time.Duration `mapstructure:"consumer_resume_timeout"`
}

func (r ReapConfig) Policy() sfu.ReapPolicy {
	return sfu.ReapPolicy{
		TransportConnectTimeout: r.TransportConnectTimeout,
		ConsumerResumeTimeout:   r.ConsumerResumeTimeout,
	}
}

// flag name -> config key
var flagKeys = map[string]string{
	"mode":            "mode",
	"port":            "port",
	"static-path":     "static_path",
	"listen-ip":       "media.listen_ip",
	"announced-ip":    "media.announced_ip",
	"rtc-min-port":    "media.rtc_min_port",
	"rtc-max-port":    "media.rtc_max_port",
	"allowed-origins": "allowed_origins",
}

// RegisterFlags adds the overridable keys to fs. Flags only win over the
// file and environment when set explicitly.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("env", "", "config environment, selects config/config.<env>.yaml (default $CONFIG_ENV or dev)")
	fs.String("mode", "release", "gin mode: debug, release or test")
	fs.Int("port", 8080, "HTTP listen port")
	fs.String("static-path", "./web", "directory served under /static")
	fs.String("listen-ip", "0.0.0.0", "IP the media transports bind to")
	fs.String("announced-ip", "", "public IP announced in ICE candidates")
	fs.Uint16("rtc-min-port", 40000, "lowest UDP port for media")
	fs.Uint16("rtc-max-port", 49999, "highest UDP port for media")
	fs.StringSlice("allowed-origins", nil, "websocket origins allowed to connect (empty allows all)")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "25s")
	v.SetDefault("secret", "stage-dev-secret")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("send_buffer", 64)
	v.SetDefault("request_timeout", "10s")

	v.SetDefault("join_rate.limit", 5)
	v.SetDefault("join_rate.interval", "10s")

	v.SetDefault("media.listen_ip", "0.0.0.0")
	v.SetDefault("media.announced_ip", "")
	v.SetDefault("media.rtc_min_port", 40000)
	v.SetDefault("media.rtc_max_port", 49999)
	v.SetDefault("media.include_loopback", false)
	v.SetDefault("media.stun_urls", []string{})

	v.SetDefault("reap.interval", "30s")
	v.SetDefault("reap.transport_connect_timeout", "0s")
	v.SetDefault("reap.consumer_resume_timeout", "0s")
}

func envName(env string) string {
	if env == "" {
		env = os.Getenv("CONFIG_ENV")
	}
	if env == "" {
		env = "dev"
	}
	return env
}

func Path(env string) string {
	return fmt.Sprintf("config/config.%s.yaml", envName(env))
}

// Load resolves the environment from --env, then CONFIG_ENV, then "dev".
func Load(fs *pflag.FlagSet) (*Config, error) {
	env := ""
	if fs != nil {
		env, _ = fs.GetString("env")
	}
	env = envName(env)
	cfg, err := LoadFrom(Path(env), fs)
	if err != nil {
		return nil, err
	}
	cfg.Env = env
	return cfg, nil
}

// LoadFrom reads fileName if it exists; a missing file leaves defaults,
// STAGE_* variables and flags in effect.
func LoadFrom(fileName string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("STAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Media.Codecs) == 0 {
		cfg.Media.Codecs = media.DefaultCodecs()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("mode %q: want debug, release or test", c.Mode))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.PingPeriod <= 0 {
		errs = append(errs, errors.New("ping_period must be positive"))
	}
	if c.Secret == "" {
		errs = append(errs, errors.New("secret must not be empty"))
	}
	if c.Media.RtcMinPort > c.Media.RtcMaxPort {
		errs = append(errs, fmt.Errorf("media.rtc_min_port %d > media.rtc_max_port %d", c.Media.RtcMinPort, c.Media.RtcMaxPort))
	}
	if c.JoinRate.Limit > 0 && c.JoinRate.Interval <= 0 {
		errs = append(errs, errors.New("join_rate.interval must be positive when join_rate.limit is set"))
	}
	if c.Reap.Policy().Enabled() && c.Reap.Interval <= 0 {
		errs = append(errs, errors.New("reap.interval must be positive when reaping is enabled"))
	}
	if _, err := media.NewRtpCapabilities(c.Media.Codecs); err != nil {
		errs = append(errs, fmt.Errorf("media.codecs: %w", err))
	}
	return errors.Join(errs...)
}
