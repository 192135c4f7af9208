package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	LogLevel   string        `mapstructure:"log_level"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	// Secret keys the operator cookie session.
	Secret string `mapstructure:"secret"`
	// JWTSecret signs meeting and account tokens.
	JWTSecret              string            `mapstructure:"jwt_secret"`
	DatabasePath           string            `mapstructure:"database_path"`
	TokenLifetime          time.Duration     `mapstructure:"token_lifetime"`
	DefaultMaxParticipants int               `mapstructure:"default_max_participants"`
	SendBuffer             int               `mapstructure:"send_buffer"`
	BroadcastRate          RateConfig        `mapstructure:"broadcast_rate"`
	ICEServers             []string          `mapstructure:"ice_servers"`
	MetricsPath            string            `mapstructure:"metrics_path"`
	Participant            ParticipantConfig `mapstructure:"participant"`
}

type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

// ParticipantConfig drives cmd/participant.
type ParticipantConfig struct {
	ServerURL        string         `mapstructure:"server_url"`
	SessionID        string         `mapstructure:"session_id"`
	DisplayName      string         `mapstructure:"display_name"`
	Email            string         `mapstructure:"email"`
	AccountToken     string         `mapstructure:"account_token"`
	FlagsPath        string         `mapstructure:"flags_path"`
	Devices          []DeviceConfig `mapstructure:"devices"`
	ReconnectTimeout time.Duration  `mapstructure:"reconnect_timeout"`
	TokenWarningLead time.Duration  `mapstructure:"token_warning_lead"`
	AnnouncementTTL  time.Duration  `mapstructure:"announcement_ttl"`
	PoorNetworkGrace time.Duration  `mapstructure:"poor_network_grace"`
	Redial           RedialConfig   `mapstructure:"redial"`
}

type DeviceConfig struct {
	ID     string `mapstructure:"id"`
	Label  string `mapstructure:"label"`
	Kind   string `mapstructure:"kind"`
	Listen string `mapstructure:"listen"`
}

type RedialConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

var ErrNoJWTSecret = errors.New("jwt_secret must be set in release mode")

// Load reads config/config.<CONFIG_ENV>.yaml; env vars prefixed with
// LIVESTAGE_ override file values.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("livestage")
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
	if cfg.Mode == "release" && cfg.JWTSecret == "" {
		return nil, ErrNoJWTSecret
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("database_path", "./livestage.db")
	v.SetDefault("token_lifetime", "4h")
	v.SetDefault("default_max_participants", 200)
	v.SetDefault("send_buffer", 32)
	v.SetDefault("broadcast_rate.limit", 20)
	v.SetDefault("broadcast_rate.interval", "1s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("metrics_path", "/metrics")

	v.SetDefault("participant.server_url", "http://localhost:8080")
	v.SetDefault("participant.session_id", "")
	v.SetDefault("participant.display_name", "")
	v.SetDefault("participant.email", "")
	v.SetDefault("participant.account_token", "")
	v.SetDefault("participant.flags_path", "./livestage-flags.json")
	v.SetDefault("participant.reconnect_timeout", "30s")
	v.SetDefault("participant.token_warning_lead", "30m")
	v.SetDefault("participant.announcement_ttl", "10s")
	v.SetDefault("participant.poor_network_grace", "10s")
	v.SetDefault("participant.redial.initial_interval", "500ms")
	v.SetDefault("participant.redial.max_interval", "5s")
}
