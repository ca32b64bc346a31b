// Package config loads host configuration from YAML with environment
// overrides for the settings that vary between deployments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all modhost configuration.
type Config struct {
	// ModsDir is the directory whose subdirectories are mod packages.
	ModsDir string `yaml:"mods_dir"`

	// DatabasePath is the SQLite file backing persistent mod storage.
	DatabasePath string `yaml:"database_path"`

	// HostVersion is matched against manifest min/max host constraints.
	HostVersion string `yaml:"host_version"`

	// Runtime settings for sandbox runners
	Runtime RuntimeConfig `yaml:"runtime"`

	// Network broker settings
	Network NetworkConfig `yaml:"network"`

	// Validation settings
	Validation ValidationConfig `yaml:"validation"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// RuntimeConfig tunes the per-mod runner processes.
type RuntimeConfig struct {
	RunTimeout    string `yaml:"run_timeout"`
	InitTimeout   string `yaml:"init_timeout"`
	UnloadTimeout string `yaml:"unload_timeout"`

	// MaxStorageValueSize caps a single stored value, in bytes.
	MaxStorageValueSize int `yaml:"max_storage_value_size"`

	// WatchMods reloads mods whose packages change on disk.
	WatchMods bool `yaml:"watch_mods"`
}

// NetworkConfig tunes the host-side HTTP broker that proxies
// network.http requests on behalf of mods.
type NetworkConfig struct {
	RequestTimeout string `yaml:"request_timeout"`
	MaxBodySize    int64  `yaml:"max_body_size"`

	// AllowedHosts restricts outbound requests; empty allows any host.
	AllowedHosts []string `yaml:"allowed_hosts"`
}

// ValidationConfig tunes the package validator.
type ValidationConfig struct {
	// SkipIntegrity disables checksum and signature verification.
	// Development only.
	SkipIntegrity bool `yaml:"skip_integrity"`

	// TrustedKeys maps key IDs to base64 ed25519 public keys.
	TrustedKeys map[string]string `yaml:"trusted_keys"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ModsDir:      "mods",
		DatabasePath: "data/modhost.db",
		HostVersion:  "1.0.0",

		Runtime: RuntimeConfig{
			RunTimeout:          "5s",
			InitTimeout:         "15s",
			UnloadTimeout:       "5s",
			MaxStorageValueSize: 64 * 1024,
			WatchMods:           false,
		},

		Network: NetworkConfig{
			RequestTimeout: "30s",
			MaxBodySize:    1 << 20,
		},

		Validation: ValidationConfig{
			SkipIntegrity: false,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MODHOST_MODS_DIR"); v != "" {
		c.ModsDir = v
	}
	if v := os.Getenv("MODHOST_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("MODHOST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Duration parses a duration string from the config, falling back to
// def on empty or malformed values.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
