package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Store     StoreConfig
	Fetch     FetchConfig
	Worklet   WorkletConfig
	Auction   AuctionConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// StoreConfig holds interest group storage configuration.
type StoreConfig struct {
	Path string `envconfig:"STORE_PATH" default:"fledge.db"`
}

// FetchConfig holds untrusted-endpoint fetch configuration.
type FetchConfig struct {
	Timeout    time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
	RetryMax   int           `envconfig:"FETCH_RETRY_MAX" default:"3"`
	MaxBodyKiB int64         `envconfig:"FETCH_MAX_BODY_KIB" default:"1024"`
}

// WorkletConfig holds sandboxed script execution configuration.
type WorkletConfig struct {
	// Timeout of zero means no worklet-level deadline; callers layer one
	// through context cancellation.
	Timeout time.Duration `envconfig:"WORKLET_TIMEOUT" default:"0"`
}

// AuctionConfig holds auction policy configuration.
type AuctionConfig struct {
	// AllowedLogicPrefixes is the URL-prefix allowlist for bidding and
	// decision logic endpoints.
	AllowedLogicPrefixes []string `envconfig:"ALLOWED_LOGIC_PREFIXES"`
	// Hostname is the publisher hostname appended to trusted bidding
	// signals requests.
	Hostname string `envconfig:"PUBLISHER_HOSTNAME" default:"localhost"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Store: StoreConfig{
			Path: "fledge.db",
		},
		Fetch: FetchConfig{
			Timeout:    30 * time.Second,
			RetryMax:   3,
			MaxBodyKiB: 1024,
		},
		Worklet: WorkletConfig{},
		Auction: AuctionConfig{
			Hostname: "localhost",
		},
	}
}
