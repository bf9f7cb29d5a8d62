package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server    ServerSection    `toml:"server"`
	Limits    LimitsSection    `toml:"limits"`
	Retention RetentionSection `toml:"retention"`
}

type ServerSection struct {
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MaxMessageLength        int `toml:"max_message_length"`
	SessionTimeoutSeconds   int `toml:"session_timeout_seconds"`
	MaxChannelSubscriptions int `toml:"max_channel_subscriptions"`
}

type RetentionSection struct {
	CleanupIntervalMinutes int `toml:"cleanup_interval_minutes"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:     8080,
			MetricsPort:  9090,
			DatabasePath: "~/.drift/drift.db",
		},
		Limits: LimitsSection{
			MaxMessageLength:        4096,
			SessionTimeoutSeconds:   120,
			MaxChannelSubscriptions: 50,
		},
		Retention: RetentionSection{
			CleanupIntervalMinutes: 60,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default file
// if none exists, and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}
	path = expanded

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Can't write (permissions?), run on defaults anyway
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Variables follow the pattern DRIFT_SECTION_KEY, e.g. DRIFT_SERVER_HTTP_PORT=8081.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("DRIFT_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("DRIFT_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("DRIFT_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("DRIFT_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = limit
		}
	}
	if val := os.Getenv("DRIFT_LIMITS_SESSION_TIMEOUT_SECONDS"); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil {
			config.Limits.SessionTimeoutSeconds = timeout
		}
	}
	if val := os.Getenv("DRIFT_LIMITS_MAX_CHANNEL_SUBSCRIPTIONS"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxChannelSubscriptions = limit
		}
	}
	if val := os.Getenv("DRIFT_RETENTION_CLEANUP_INTERVAL_MINUTES"); val != "" {
		if minutes, err := strconv.Atoi(val); err == nil {
			config.Retention.CleanupIntervalMinutes = minutes
		}
	}

	return config
}

// writeDefaultConfig writes a documented default config file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Drift Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# DRIFT_SECTION_KEY (e.g., DRIFT_SERVER_HTTP_PORT=8081)

[server]
# Port for the public HTTP server (/ws endpoint)
http_port = 8080

# Internal port for /metrics and /health (set to 0 to disable)
metrics_port = 9090

# Path to SQLite database file
database_path = "~/.drift/drift.db"

[limits]
# Maximum message length in bytes
max_message_length = 4096

# Sessions idle longer than this are disconnected
session_timeout_seconds = 120

# Maximum channel subscriptions per session
max_channel_subscriptions = 50

[retention]
# How often to run the message retention sweep, in minutes
cleanup_interval_minutes = 60
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	cfg.MetricsPort = c.Server.MetricsPort

	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.SessionTimeoutSeconds != 0 {
		cfg.SessionTimeoutSeconds = c.Limits.SessionTimeoutSeconds
	}
	if c.Limits.MaxChannelSubscriptions != 0 {
		cfg.MaxChannelSubscriptions = c.Limits.MaxChannelSubscriptions
	}
	if c.Retention.CleanupIntervalMinutes != 0 {
		cfg.RetentionIntervalMin = c.Retention.CleanupIntervalMinutes
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
