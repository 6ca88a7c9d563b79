// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// IDList is a comma-separated list of Telegram user or chat IDs. Blank
// entries and surrounding spaces are ignored.
type IDList []int64

// Decode implements envconfig.Decoder.
func (l *IDList) Decode(value string) error {
	var ids IDList
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	*l = ids
	return nil
}

// Config holds the application configuration.
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"sqlite"`
	DatabasePath  string `envconfig:"DATABASE_PATH" default:"./data/announcements.db"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`

	RuleReloadInterval time.Duration `envconfig:"RULE_RELOAD_INTERVAL" default:"30s"`
	IngestMaxRetries   int           `envconfig:"INGEST_MAX_RETRIES" default:"3"`
	IngestRetryBackoff time.Duration `envconfig:"INGEST_RETRY_BACKOFF" default:"20ms"`
	SeedFile           string        `envconfig:"SEED_FILE"`

	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	AdminChatIDs     IDList `envconfig:"ADMIN_CHAT_IDS"`
	AllowedUsers     IDList `envconfig:"ALLOWED_USERS"`

	CollectTick time.Duration `envconfig:"COLLECT_TICK" default:"1m"`
	AuditTick   time.Duration `envconfig:"AUDIT_TICK" default:"1m"`

	// AuditGrace bounds how late a log entry may become visible to the
	// audit monitor after its creation time.
	AuditGrace time.Duration `envconfig:"AUDIT_GRACE" default:"1m"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("DATABASE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.StorageDriver)
	}
	if c.RuleReloadInterval <= 0 {
		return fmt.Errorf("RULE_RELOAD_INTERVAL must be > 0")
	}
	if c.IngestMaxRetries < 0 {
		return fmt.Errorf("INGEST_MAX_RETRIES must be >= 0")
	}
	if c.IngestRetryBackoff <= 0 {
		return fmt.Errorf("INGEST_RETRY_BACKOFF must be > 0")
	}
	if c.CollectTick <= 0 || c.AuditTick <= 0 {
		return fmt.Errorf("COLLECT_TICK and AUDIT_TICK must be > 0")
	}
	if c.AuditGrace <= 0 {
		return fmt.Errorf("AUDIT_GRACE must be > 0")
	}
	return nil
}

// BotEnabled reports whether the Telegram admin bot should run.
func (c *Config) BotEnabled() bool {
	return strings.TrimSpace(c.TelegramBotToken) != ""
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
