package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Relay RelayConfig `mapstructure:"relay"`
	Call  CallConfig  `mapstructure:"call"`
}

// RelayConfig tunes the room relay server.
type RelayConfig struct {
	RoomCapacity     int           `mapstructure:"room_capacity"`
	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	Backpressure     string        `mapstructure:"backpressure"` // kick or drop
}

// CallConfig tunes the call client.
type CallConfig struct {
	RelayURL     string        `mapstructure:"relay_url"`
	Room         string        `mapstructure:"room"`
	JoinTimeout  time.Duration `mapstructure:"join_timeout"`
	LeaveTimeout time.Duration `mapstructure:"leave_timeout"`
	Passive      bool          `mapstructure:"passive"`
	ICEServers   []string      `mapstructure:"ice_servers"`
	Audio        bool          `mapstructure:"audio"`
	Video        bool          `mapstructure:"video"`
	AudioFile    string        `mapstructure:"audio_file"`
	VideoFile    string        `mapstructure:"video_file"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults.
// Flags in fs, if any, override file values; so do VOICE_* env vars.
func Load(fs *pflag.FlagSet) (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env), fs)
}

func LoadFile(fileName string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")

	v.SetDefault("relay.room_capacity", 2)
	v.SetDefault("relay.join_rate_limit", 10)
	v.SetDefault("relay.join_rate_interval", "1m")
	v.SetDefault("relay.send_buffer", 32)
	v.SetDefault("relay.backpressure", "kick")

	v.SetDefault("call.relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("call.join_timeout", "10s")
	v.SetDefault("call.leave_timeout", "3s")
	v.SetDefault("call.passive", false)
	v.SetDefault("call.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("call.audio", true)
	v.SetDefault("call.video", false)
}

// flag name -> config key
var flagKeys = map[string]string{
	"port":         "port",
	"mode":         "mode",
	"log-level":    "log_level",
	"relay-url":    "call.relay_url",
	"room":         "call.room",
	"passive":      "call.passive",
	"join-timeout": "call.join_timeout",
	"audio-file":   "call.audio_file",
	"video-file":   "call.video_file",
	"video":        "call.video",
	"metrics-addr": "call.metrics_addr",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}
