package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration that must abort manager startup.
var ErrInvalid = errors.New("invalid configuration")

// Config contains runtime configuration for the memory store.
type Config struct {
	ServerName         string        `yaml:"server_name"`
	LogLevel           string        `yaml:"log_level"`
	StoragePath        string        `yaml:"storage_path"`
	MaxEntries         int           `yaml:"max_entries"`
	TrackAccess        bool          `yaml:"track_access"`
	BusyTimeoutMS      int           `yaml:"busy_timeout_ms"`
	DefaultSearchLimit int           `yaml:"default_search_limit"`
	Cleanup            CleanupConfig `yaml:"cleanup"`
	Vacuum             VacuumConfig  `yaml:"vacuum"`

	RetentionCheckIntervalSeconds int `yaml:"retention_check_interval_seconds"`

	// Legacy keys, folded into Cleanup by Load.
	AutoCleanup *bool `yaml:"auto_cleanup,omitempty"`
	CleanupDays *int  `yaml:"cleanup_days,omitempty"`
}

// VacuumConfig throttles compaction after deletions.
type VacuumConfig struct {
	MinIntervalMS int64 `yaml:"min_interval_ms"`
	MinDeletions  int   `yaml:"min_deletions"`
}

// MinInterval returns the throttle interval as a duration.
func (v VacuumConfig) MinInterval() time.Duration {
	return time.Duration(v.MinIntervalMS) * time.Millisecond
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	return Config{
		ServerName:                    "memstore",
		LogLevel:                      "info",
		StoragePath:                   filepath.Join(userHomeDir(), ".memstore", "memory.db"),
		MaxEntries:                    10000,
		TrackAccess:                   true,
		BusyTimeoutMS:                 5000,
		DefaultSearchLimit:            10,
		Cleanup:                       DefaultCleanup(),
		Vacuum:                        VacuumConfig{MinIntervalMS: 5 * 60 * 1000, MinDeletions: 100},
		RetentionCheckIntervalSeconds: 3600,
	}
}

// Load loads config from disk; if path does not exist, default config is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.FoldLegacy()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// FoldLegacy copies the legacy auto_cleanup/cleanup_days keys into the
// cleanup block and clears them.
func (c *Config) FoldLegacy() {
	if c.AutoCleanup != nil {
		c.Cleanup.Enabled = *c.AutoCleanup
		c.AutoCleanup = nil
	}
	if c.CleanupDays != nil {
		c.Cleanup.RetentionDays = *c.CleanupDays
		c.CleanupDays = nil
	}
}

// Validate checks configuration sanity. Every failure wraps ErrInvalid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StoragePath) == "" {
		return invalid("storage_path must not be empty")
	}
	if c.MaxEntries <= 0 {
		return invalid("max_entries must be > 0")
	}
	if c.BusyTimeoutMS < 0 {
		return invalid("busy_timeout_ms must be >= 0")
	}
	if c.DefaultSearchLimit <= 0 {
		return invalid("default_search_limit must be > 0")
	}
	if c.RetentionCheckIntervalSeconds <= 0 {
		return invalid("retention_check_interval_seconds must be > 0")
	}
	if c.Vacuum.MinIntervalMS < 0 {
		return invalid("vacuum.min_interval_ms must be >= 0")
	}
	if c.Vacuum.MinDeletions < 0 {
		return invalid("vacuum.min_deletions must be >= 0")
	}
	return c.Cleanup.Validate()
}

// EnsurePaths creates parent directories for config-managed paths.
func (c *Config) EnsurePaths() error {
	c.StoragePath = ExpandPath(c.StoragePath)
	parent := filepath.Dir(c.StoragePath)
	if parent == "." {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create storage parent dir: %w", err)
	}
	return nil
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
