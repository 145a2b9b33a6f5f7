// Package config loads the bsync configuration.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (BEAVER_*)
//  2. Configuration file (.beaver/config.yaml)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the bsync configuration.
type Config struct {
	// API configures the coordination service connection
	API APIConfig `mapstructure:"api" yaml:"api"`

	// StorageDir is the root of the attachment storage tree,
	// laid out as <storage_dir>/<libraryID>/<itemKey>/<file>
	StorageDir string `mapstructure:"storage_dir" yaml:"storage_dir"`

	// DataDir holds the sync database and logs (default: ~/.beaver)
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// Sync configures session and queue behavior
	Sync SyncConfig `mapstructure:"sync" yaml:"sync"`

	// Watch configures the file watcher
	Watch WatchConfig `mapstructure:"watch" yaml:"watch"`

	// Dashboard configures the WebSocket dashboard
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`

	// Daemon configures background sweep intervals
	Daemon DaemonConfig `mapstructure:"daemon" yaml:"daemon"`
}

// APIConfig configures the coordination service connection.
type APIConfig struct {
	// BaseURL of the coordination service
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// Token is the bearer token for authentication
	Token string `mapstructure:"token" yaml:"token"`

	// UserID identifies the signed-in account
	UserID string `mapstructure:"user_id" yaml:"user_id"`

	// UploadAllowed reflects the account plan's upload entitlement
	UploadAllowed bool `mapstructure:"upload_allowed" yaml:"upload_allowed"`
}

// SyncConfig configures session and queue behavior.
type SyncConfig struct {
	// BatchSize is how many queue items a session claims per cycle
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// Concurrency is the number of parallel upload workers
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`

	// MaxAttempts before a queue item is failed permanently
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// VisibilityTimeout is how long a claimed item stays invisible
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`

	// RetryDelay is how long a transiently failed item is deferred
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// WatchConfig configures the file watcher.
type WatchConfig struct {
	// Enabled controls whether the daemon watches storage for changes
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// DebounceInterval is how long a file must be quiet before enqueue
	DebounceInterval time.Duration `mapstructure:"debounce_interval" yaml:"debounce_interval"`
}

// DashboardConfig configures the WebSocket dashboard.
type DashboardConfig struct {
	// Enabled controls whether the daemon serves the dashboard
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port to listen on
	Port int `mapstructure:"port" yaml:"port"`
}

// DaemonConfig configures background sweep intervals.
type DaemonConfig struct {
	// SyncInterval is how often a background session is started
	SyncInterval time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`

	// RepairInterval is how often divergence repair runs
	RepairInterval time.Duration `mapstructure:"repair_interval" yaml:"repair_interval"`
}

// DefaultDataDir returns ~/.beaver, falling back to .beaver in the
// working directory when the home directory cannot be determined.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".beaver"
	}
	return filepath.Join(home, ".beaver")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// DatabasePath returns the sync database location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "sync.db")
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath uses the default location; a missing config file is
// not an error, defaults and environment still apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("BEAVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(DefaultDataDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to path in YAML format. Used by `bsync init`.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600 because the file carries the API token.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://api.beaverapp.org")
	// Empty defaults keep these keys visible to AutomaticEnv.
	v.SetDefault("api.token", "")
	v.SetDefault("api.user_id", "")
	v.SetDefault("api.upload_allowed", true)
	v.SetDefault("storage_dir", "")
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("sync.batch_size", 20)
	v.SetDefault("sync.concurrency", 3)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.visibility_timeout", 30*time.Minute)
	v.SetDefault("sync.retry_delay", 10*time.Minute)

	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.debounce_interval", 500*time.Millisecond)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8787)

	v.SetDefault("daemon.sync_interval", 5*time.Minute)
	v.SetDefault("daemon.repair_interval", time.Hour)
}
