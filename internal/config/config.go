package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Policy     string        `mapstructure:"backpressure_policy"`
	JoinRate   JoinRate      `mapstructure:"join_rate"`
	Client     Client        `mapstructure:"client"`
}

type JoinRate struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

// Client configures the peer side: signaling channel and negotiation.
type Client struct {
	ServerURL   string        `mapstructure:"server_url"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	ICEServers  []string      `mapstructure:"ice_servers"`
	EventBuffer int           `mapstructure:"event_buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("backpressure_policy", "kick")
	v.SetDefault("join_rate.limit", 10)
	v.SetDefault("join_rate.interval", "10s")
	v.SetDefault("client.server_url", "ws://localhost:8080/ws")
	v.SetDefault("client.retry_delay", "5s")
	v.SetDefault("client.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("client.event_buffer", 64)
}

func Load() (*Config, error) {
	return LoadWith(viper.New())
}

// LoadWith reads configuration into v, which may already carry bound flags.
// Precedence: flags, RELAY_* environment, config file, defaults.
func LoadWith(v *viper.Viper) (*Config, error) {
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PingPeriod >= cfg.PongWait {
		return nil, fmt.Errorf("ping_period %s must be shorter than pong_wait %s", cfg.PingPeriod, cfg.PongWait)
	}
	log.Debug().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}

// Level maps log_level to a zerolog level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
