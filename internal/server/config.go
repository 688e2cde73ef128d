// Package server loads relay configuration from the environment and applies
// runtime defaults.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/Tyrowin/chatrelay/internal/backend"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/presence"
	"github.com/Tyrowin/chatrelay/internal/telemetry"
	"github.com/caarlos0/env/v11"
)

const (
	defaultPort            = ":8080"
	defaultMaxMessageSize  = 4096
	defaultBurst           = 10
	defaultWriteTimeout    = 10 * time.Second
	defaultPingInterval    = 54 * time.Second
	defaultBackendTimeout  = 5 * time.Second
	defaultPresenceTimeout = 2 * time.Second
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst int `env:"RATE_LIMIT_BURST" envDefault:"10"`
	// RefillSeconds is the time, in seconds, to refill a full burst.
	RefillSeconds  int `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1"`
	RefillInterval time.Duration
}

// BackendConfig locates the REST backend used for authentication and
// message storage.
type BackendConfig struct {
	Host         string        `env:"DATABASEBACKEND" envDefault:"http://localhost:8080"`
	AuthTimeout  time.Duration `env:"BACKEND_AUTH_TIMEOUT" envDefault:"5s"`
	StoreTimeout time.Duration `env:"BACKEND_STORE_TIMEOUT" envDefault:"5s"`
}

// BaseURL returns the backend API root.
func (c BackendConfig) BaseURL() string {
	return backend.BaseURL(c.Host)
}

// PresenceConfig enables Kafka presence events when Brokers is non-empty.
type PresenceConfig struct {
	Brokers []string      `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string        `env:"KAFKA_PRESENCE_TOPIC" envDefault:"user_state"`
	Timeout time.Duration `env:"PRESENCE_TIMEOUT" envDefault:"2s"`
}

// Config holds the relay configuration.
type Config struct {
	Port           string   `env:"SERVER_PORT" envDefault:":8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	MaxMessageSize int64    `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	RateLimit      RateLimitConfig

	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	PingInterval   time.Duration `env:"PING_INTERVAL" envDefault:"54s"`
	MetricsEnabled bool          `env:"METRICS_ENABLED" envDefault:"true"`

	Backend  BackendConfig
	Presence PresenceConfig
	Logging  logging.Config
	Tracing  telemetry.Config
}

// NewConfig returns a Config populated with default values for all settings.
func NewConfig() *Config {
	cfg := sanitizeConfig(Config{
		AllowedOrigins: []string{"*"},
		MetricsEnabled: true,
		Backend:        BackendConfig{Host: backend.DefaultHost},
		Presence:       PresenceConfig{Topic: presence.DefaultTopic},
		Logging:        logging.DefaultConfig(),
		Tracing:        telemetry.Config{SampleRatio: 1},
	})
	return &cfg
}

// NewConfigFromEnv loads a Config from environment variables, falling back to
// defaults for unset values.
func NewConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}

func sanitizeConfig(cfg Config) Config {
	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		if cfg.RateLimit.RefillSeconds <= 0 {
			cfg.RateLimit.RefillSeconds = 1
		}
		cfg.RateLimit.RefillInterval = time.Duration(cfg.RateLimit.RefillSeconds) * time.Second
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Backend.AuthTimeout <= 0 {
		cfg.Backend.AuthTimeout = defaultBackendTimeout
	}
	if cfg.Backend.StoreTimeout <= 0 {
		cfg.Backend.StoreTimeout = defaultBackendTimeout
	}

	brokers := cfg.Presence.Brokers[:0:0]
	for _, b := range cfg.Presence.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	cfg.Presence.Brokers = brokers
	if cfg.Presence.Topic == "" {
		cfg.Presence.Topic = presence.DefaultTopic
	}
	if cfg.Presence.Timeout <= 0 {
		cfg.Presence.Timeout = defaultPresenceTimeout
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}
