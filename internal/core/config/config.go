package config

import (
	"time"

	"github.com/vietddude/txtracker/internal/api"
	"github.com/vietddude/txtracker/internal/bridge"
	"github.com/vietddude/txtracker/internal/infra/node"
	redisclient "github.com/vietddude/txtracker/internal/infra/redis"
	"github.com/vietddude/txtracker/internal/infra/storage/sqlstore"
	"github.com/vietddude/txtracker/internal/listener"
	"github.com/vietddude/txtracker/internal/session"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   api.Config         `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database sqlstore.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	Legacy   LegacyConfig       `yaml:"legacy"`
	Node     node.Config        `yaml:"node"`
	Listener listener.Config    `yaml:"listener"`
	Sessions SessionsConfig     `yaml:"sessions"`
	Bridge   bridge.Config      `yaml:"bridge"`
	History  HistoryConfig      `yaml:"history"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// LegacyConfig selects the blob store holding the listener working set.
type LegacyConfig struct {
	Driver string `yaml:"driver"` // bolt, redis, memory
	Path   string `yaml:"path"`   // bolt file
}

// SessionsConfig selects the session registry backend.
type SessionsConfig struct {
	session.Config `yaml:",inline"`
	Backend        string `yaml:"backend"` // memory, redis
}

// HistoryConfig controls durable history retention.
type HistoryConfig struct {
	RetentionPeriod time.Duration `yaml:"retention_period"` // 0 = infinite
}
