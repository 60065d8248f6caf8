package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds runtime configuration for the credentials-indexer service.
type Config struct {
	BeaconNodeURL        string        `env:"BEACON_NODE_URL,required,notEmpty"`
	DatabaseURL          string        `env:"DATABASE_URL,required,notEmpty"`
	PollIntervalSeconds  int           `env:"POLL_INTERVAL_SECONDS" envDefault:"12"`
	APIPort              int           `env:"PORT" envDefault:"3000"`
	QueueRefreshInterval time.Duration `env:"QUEUE_REFRESH_INTERVAL" envDefault:"1m"`
	LogLevel             string        `env:"LOG_LEVEL" envDefault:"info"`

	PollInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.BeaconNodeURL = strings.TrimRight(strings.TrimSpace(cfg.BeaconNodeURL), "/")
	if cfg.BeaconNodeURL == "" {
		return nil, fmt.Errorf("BEACON_NODE_URL is required")
	}
	if cfg.PollIntervalSeconds <= 0 {
		return nil, fmt.Errorf("invalid POLL_INTERVAL_SECONDS: %d", cfg.PollIntervalSeconds)
	}
	cfg.PollInterval = time.Duration(cfg.PollIntervalSeconds) * time.Second

	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d", cfg.APIPort)
	}
	if cfg.QueueRefreshInterval <= 0 {
		return nil, fmt.Errorf("invalid QUEUE_REFRESH_INTERVAL: %s", cfg.QueueRefreshInterval)
	}

	return &cfg, nil
}
