// Package config reads chora settings from the environment, after loading
// a .env file when one is present. Command-line flags override these values.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultResolver    = "none"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultBusyTimeout = 5 * time.Second
)

type Config struct {
	Store   StoreConfig
	Sync    SyncConfig
	Kernel  KernelConfig
	Logging LoggingConfig
}

type StoreConfig struct {
	Path        string
	BusyTimeout time.Duration
}

type SyncConfig struct {
	// SiteID pins this replica's site id. Empty means use the persisted one.
	SiteID   string
	Resolver string
}

type KernelConfig struct {
	// Path to a .cue or .yaml registry. Empty means the embedded default.
	Path string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment.
//
// With no arguments a .env file in the working directory is loaded if it
// exists. Named env files must exist. Variables already set in the
// environment win over file values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	} else {
		godotenv.Load()
	}

	busyMS, err := getEnvAsInt("CHORA_BUSY_TIMEOUT_MS", int(DefaultBusyTimeout/time.Millisecond))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Store: StoreConfig{
			Path:        getEnv("CHORA_DB", defaultDBPath()),
			BusyTimeout: time.Duration(busyMS) * time.Millisecond,
		},
		Sync: SyncConfig{
			SiteID:   getEnv("CHORA_SITE_ID", ""),
			Resolver: getEnv("CHORA_RESOLVER", DefaultResolver),
		},
		Kernel: KernelConfig{
			Path: getEnv("CHORA_KERNEL", ""),
		},
		Logging: LoggingConfig{
			Level:  strings.ToLower(getEnv("CHORA_LOG_LEVEL", DefaultLogLevel)),
			Format: strings.ToLower(getEnv("CHORA_LOG_FORMAT", DefaultLogFormat)),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that can be checked without opening anything.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("invalid CHORA_DB: empty path")
	}
	if c.Store.BusyTimeout <= 0 {
		return fmt.Errorf("invalid CHORA_BUSY_TIMEOUT_MS: must be positive")
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid CHORA_LOG_FORMAT %q (want text or json)", c.Logging.Format)
	}
	return nil
}

// SlogLevel parses Level ("debug", "info", "warn", "error").
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid CHORA_LOG_LEVEL %q: %w", l.Level, err)
	}
	return level, nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".chora", "chora.db")
	}
	return filepath.Join(home, ".chora", "chora.db")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}
