package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/lu-zhengda/mailsync/internal/scheduler"
)

// EnvBaseURL overrides api.base_url when set.
const EnvBaseURL = "MAILSYNC_BASE_URL"

// Config holds all mailsync configuration.
type Config struct {
	Sync     SyncConfig     `toml:"sync"`
	API      APIConfig      `toml:"api"`
	Log      LogConfig      `toml:"log"`
	Accounts AccountsConfig `toml:"accounts"`
}

// SyncConfig holds refresh and push settings. Durations are Go duration
// strings such as "30s" or "10m".
type SyncConfig struct {
	Preset      string        `toml:"preset"`
	Fast        time.Duration `toml:"fast"`
	Default     time.Duration `toml:"default"`
	Slow        time.Duration `toml:"slow"`
	BoostWindow time.Duration `toml:"boost_window"`
	MaxBackoff  time.Duration `toml:"max_backoff"`

	// RetryBudget is the number of failed pushes before a record is marked
	// failed and waits for `mailsync retry`.
	RetryBudget     int `toml:"retry_budget"`
	PushConcurrency int `toml:"push_concurrency"`
	// Retention is how long deleted mail stays in the trash before purge.
	Retention time.Duration `toml:"retention"`
}

// APIConfig holds the remote service endpoint.
type APIConfig struct {
	BaseURL           string        `toml:"base_url"`
	Timeout           time.Duration `toml:"timeout"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
	Burst             int           `toml:"burst"`
}

// LogConfig holds logging settings. An empty File logs to stderr.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// AccountsConfig holds account selection settings.
type AccountsConfig struct {
	// Default is the owner id used for the label catalog and the keyring
	// entry. Empty means the email of the last login.
	Default string `toml:"default"`
}

func defaults() Config {
	return Config{
		Sync: SyncConfig{
			Preset:          "default",
			Fast:            scheduler.DefaultFastInterval,
			Default:         scheduler.DefaultDefaultInterval,
			Slow:            scheduler.DefaultSlowInterval,
			BoostWindow:     time.Minute,
			MaxBackoff:      scheduler.DefaultMaxBackoff,
			RetryBudget:     3,
			PushConcurrency: 4,
			Retention:       30 * 24 * time.Hour,
		},
		API: APIConfig{
			BaseURL:           "http://localhost:8080/api",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads config from path. If path is empty, returns defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.API.BaseURL = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := scheduler.ParsePreset(c.Sync.Preset); err != nil {
		errs = append(errs, fmt.Errorf("sync.preset: %w", err))
	}
	for name, d := range map[string]time.Duration{
		"sync.fast":        c.Sync.Fast,
		"sync.default":     c.Sync.Default,
		"sync.slow":        c.Sync.Slow,
		"sync.max_backoff": c.Sync.MaxBackoff,
		"sync.retention":   c.Sync.Retention,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Sync.RetryBudget < 1 {
		errs = append(errs, fmt.Errorf("sync.retry_budget must be at least 1, got %d", c.Sync.RetryBudget))
	}
	if c.Sync.PushConcurrency < 1 {
		errs = append(errs, fmt.Errorf("sync.push_concurrency must be at least 1, got %d", c.Sync.PushConcurrency))
	}
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url must be set"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ConfigDir returns the mailsync config directory path.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mailsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "mailsync")
}

// DataDir returns the mailsync data directory path.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "mailsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "mailsync")
}
