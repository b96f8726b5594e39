// Package config loads tablesync's runtime configuration from defaults,
// an optional YAML file, and environment variable overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Sync     SyncConfig     `yaml:"sync"`
	Remote   RemoteConfig   `yaml:"remote"`
	Log      LogConfig      `yaml:"log"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// StoreConfig contains embedded database settings.
type StoreConfig struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

// SyncConfig contains pull/push orchestration settings.
type SyncConfig struct {
	PageSize       int      `yaml:"page_size"`
	PushBatchSize  int      `yaml:"push_batch_size"`
	IdempotencyTTL Duration `yaml:"idempotency_ttl"`
}

// RemoteConfig contains settings for the remote table service client.
type RemoteConfig struct {
	BaseURL          string   `yaml:"base_url"`
	APIVersionHeader string   `yaml:"api_version_header"`
	APIVersionValue  string   `yaml:"api_version_value"`
	AuthToken        string   `yaml:"-"` // env-only, never in YAML
	RequestTimeout   Duration `yaml:"request_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SnapshotConfig contains local-store backup export settings.
type SnapshotConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Endpoint        string   `yaml:"endpoint"`
	Bucket          string   `yaml:"bucket"`
	Region          string   `yaml:"region"`
	UseSSL          *bool    `yaml:"use_ssl"`
	URLExpiry       Duration `yaml:"url_expiry"`
	AccessKeyID     string   `yaml:"-"` // env-only
	SecretAccessKey string   `yaml:"-"` // env-only
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// AsDuration returns d as a standard time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults -> YAML file -> env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("TABLESYNC_CONFIG_PATH", "config/tablesync.yaml")

	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Store: StoreConfig{
			Path:        "data/tablesync.db",
			BusyTimeout: Duration(5 * time.Second),
		},
		Sync: SyncConfig{
			PageSize:       50,
			PushBatchSize:  50,
			IdempotencyTTL: Duration(24 * time.Hour),
		},
		Remote: RemoteConfig{
			APIVersionHeader: "ZUMO-API-VERSION",
			APIVersionValue:  "3.0.0",
			RequestTimeout:   Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Snapshot: SnapshotConfig{
			Enabled:   false,
			URLExpiry: Duration(15 * time.Minute),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TABLESYNC_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TABLESYNC_BUSY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.BusyTimeout = Duration(d)
		}
	}

	if v := os.Getenv("TABLESYNC_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PageSize = n
		}
	}
	if v := os.Getenv("TABLESYNC_PUSH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PushBatchSize = n
		}
	}

	if v := os.Getenv("TABLESYNC_REMOTE_BASE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("TABLESYNC_REMOTE_AUTH_TOKEN"); v != "" {
		cfg.Remote.AuthToken = v
	}
	if v := os.Getenv("TABLESYNC_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.RequestTimeout = Duration(d)
		}
	}

	if v := os.Getenv("TABLESYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TABLESYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	if v := os.Getenv("TABLESYNC_SNAPSHOT_ENABLED"); v != "" {
		cfg.Snapshot.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TABLESYNC_SNAPSHOT_BUCKET"); v != "" {
		cfg.Snapshot.Bucket = v
	}
	if v := os.Getenv("TABLESYNC_SNAPSHOT_ENDPOINT"); v != "" {
		cfg.Snapshot.Endpoint = v
	}
	if v := os.Getenv("TABLESYNC_SNAPSHOT_REGION"); v != "" {
		cfg.Snapshot.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Snapshot.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Snapshot.SecretAccessKey = v
	}
}

// validate checks that required configuration values are set.
func (c *Config) validate() error {
	if c.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if c.Sync.PageSize <= 0 {
		return errors.New("sync.page_size must be positive")
	}
	if c.Snapshot.Enabled && c.Snapshot.Bucket == "" {
		return errors.New("snapshot.bucket is required when snapshot.enabled is true")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
