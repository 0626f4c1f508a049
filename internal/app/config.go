package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the TypeRush engine.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Results    ResultsConfig    `mapstructure:"results"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP/WebSocket server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// AuthConfig captures token verification settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures bearer token validation.
type JWTSettings struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// EngineConfig tunes the realtime coordination engine.
type EngineConfig struct {
	MaxConnectionsPerIdentity int           `mapstructure:"max_connections_per_identity"`
	CountdownDuration         time.Duration `mapstructure:"countdown_duration"`
	TestSessionTTL            time.Duration `mapstructure:"test_session_ttl"`
	RaceWaitingTTL            time.Duration `mapstructure:"race_waiting_ttl"`
	KeystrokeLogCap           int           `mapstructure:"keystroke_log_cap"`
	StatsBroadcastMinInterval time.Duration `mapstructure:"stats_broadcast_min_interval"`
	MaxWPMCeiling             int           `mapstructure:"max_wpm_ceiling"`
	SendQueueMaxMessages      int           `mapstructure:"send_queue_max_messages"`
	SendQueueMaxBytes         int           `mapstructure:"send_queue_max_bytes"`
	AllowSpectators           bool          `mapstructure:"allow_spectators"`
	RoomEmptyGrace            time.Duration `mapstructure:"room_empty_grace"`
}

// ResultsConfig describes the durable result sink.
type ResultsConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Countdown bounds enforced on top of configuration input.
const (
	MinCountdownDuration = 3 * time.Second
	MaxCountdownDuration = 10 * time.Second
)

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("TYPERUSH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	config.Engine.CountdownDuration = clampCountdown(config.Engine.CountdownDuration)

	return &config, nil
}

func clampCountdown(d time.Duration) time.Duration {
	if d < MinCountdownDuration {
		return MinCountdownDuration
	}
	if d > MaxCountdownDuration {
		return MaxCountdownDuration
	}
	return d
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("auth.jwt.issuer", "typerush")

	v.SetDefault("engine.max_connections_per_identity", 5)
	v.SetDefault("engine.countdown_duration", "5s")
	v.SetDefault("engine.test_session_ttl", "10m")
	v.SetDefault("engine.race_waiting_ttl", "60m")
	v.SetDefault("engine.keystroke_log_cap", 10000)
	v.SetDefault("engine.stats_broadcast_min_interval", "100ms")
	v.SetDefault("engine.max_wpm_ceiling", 300)
	v.SetDefault("engine.send_queue_max_messages", 256)
	v.SetDefault("engine.send_queue_max_bytes", 1048576)
	v.SetDefault("engine.allow_spectators", true)
	v.SetDefault("engine.room_empty_grace", "30s")

	v.SetDefault("results.driver", "sqlite")
	v.SetDefault("results.path", "./data/typerush.sqlite")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
