// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat service.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultPort           = ":8080"
	// Far above the largest valid chat frame, so oversized chat lines reach
	// validation instead of the transport read limit.
	defaultMaxMessageSize = 16384
	defaultMailboxSize    = 50
	// A joining connection receives up to four frames before any broadcast.
	minMailboxSize = 4
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"BURST" envDefault:"5"`
	RefillInterval time.Duration `env:"REFILL_INTERVAL" envDefault:"1s"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port             string          `env:"SERVER_PORT" envDefault:":8080"`
	AllowedOrigins   []string        `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080"`
	MaxMessageSize   int64           `env:"MAX_MESSAGE_SIZE" envDefault:"16384"`
	MailboxSize      int             `env:"MAILBOX_SIZE" envDefault:"50"`
	HistoryLimit     int             `env:"HISTORY_LIMIT" envDefault:"500"`
	HandshakeTimeout time.Duration   `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	PongWait         time.Duration   `env:"PONG_WAIT" envDefault:"60s"`
	PingPeriod       time.Duration   `env:"PING_PERIOD" envDefault:"54s"`
	WriteWait        time.Duration   `env:"WRITE_WAIT" envDefault:"10s"`
	ShutdownTimeout  time.Duration   `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
	LogLevel         string          `env:"LOG_LEVEL" envDefault:"info"`
	RateLimit        RateLimitConfig `envPrefix:"RATE_LIMIT_"`
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() Config {
	var cfg Config
	// Parsing against an empty environment only applies the envDefault tags.
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg.sanitize()
}

// LoadConfig reads the configuration from environment variables, falling back
// to defaults for anything unset or out of range.
func LoadConfig() (Config, error) {
	return loadConfig(env.Options{})
}

func loadConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg.sanitize(), nil
}

func (cfg Config) sanitize() Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if cfg.MailboxSize < minMailboxSize {
		cfg.MailboxSize = minMailboxSize
	}

	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}

	return cfg
}
