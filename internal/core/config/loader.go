package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/txtracker/internal/infra/node"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	// The wait endpoint long-polls, so writes get a generous deadline.
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Minute
	}
	if cfg.Server.SessionRateLimit.RequestsPerMinute == 0 {
		cfg.Server.SessionRateLimit.RequestsPerMinute = 120
		cfg.Server.SessionRateLimit.Burst = 20
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.URL == "" {
		cfg.Database.URL = "txtracker.db"
	}

	if cfg.Legacy.Driver == "" {
		cfg.Legacy.Driver = "bolt"
	}
	if cfg.Legacy.Driver == "bolt" && cfg.Legacy.Path == "" {
		cfg.Legacy.Path = "txtracker-legacy.db"
	}

	if cfg.Node.Timeout == 0 {
		cfg.Node.Timeout = 10 * time.Second
	}
	if cfg.Node.Retry.MaxAttempts == 0 {
		cfg.Node.Retry = node.DefaultRetryConfig
	}

	cfg.Listener = cfg.Listener.WithDefaults()
	cfg.Sessions.Config = cfg.Sessions.Config.WithDefaults()
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "memory"
	}
}

// Validate rejects combinations that cannot start.
func (c *AppConfig) Validate() error {
	switch c.Legacy.Driver {
	case "bolt", "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return fmt.Errorf("legacy driver redis requires redis.url")
		}
	default:
		return fmt.Errorf("unknown legacy driver %q", c.Legacy.Driver)
	}

	switch c.Sessions.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return fmt.Errorf("sessions backend redis requires redis.url")
		}
	default:
		return fmt.Errorf("unknown sessions backend %q", c.Sessions.Backend)
	}

	if c.Node.URL == "" {
		return fmt.Errorf("node.url is required")
	}
	return nil
}
