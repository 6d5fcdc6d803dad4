// Package config loads voxsync settings from defaults, a TOML file and
// VOXSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. VOXSYNC_BACKEND_DSN.
const EnvPrefix = "VOXSYNC"

// Backend kinds.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendDynamo   = "dynamodb"
)

type UserConfig struct {
	UID string `mapstructure:"uid"`
}

type CacheConfig struct {
	Path                   string        `mapstructure:"path"`
	EmptyConversationGrace time.Duration `mapstructure:"empty_conversation_grace"`
}

type BackendConfig struct {
	Kind    string        `mapstructure:"kind"`
	DSN     string        `mapstructure:"dsn"`
	Table   string        `mapstructure:"table"`
	Region  string        `mapstructure:"region"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	PageLimit  int           `mapstructure:"page_limit"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type ReadTrackerConfig struct {
	Window time.Duration `mapstructure:"window"`
}

type NotifyConfig struct {
	RedisURL string `mapstructure:"redis_url"`
	Channel  string `mapstructure:"channel"`
}

type APIConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Verbose    bool   `mapstructure:"verbose"`
}

// Config is the resolved configuration.
type Config struct {
	User        UserConfig        `mapstructure:"user"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Backend     BackendConfig     `mapstructure:"backend"`
	Sync        SyncConfig        `mapstructure:"sync"`
	ReadTracker ReadTrackerConfig `mapstructure:"readtracker"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	API         APIConfig         `mapstructure:"api"`
	Log         LogConfig         `mapstructure:"log"`

	// Source is the file the config was read from, empty when none.
	Source string `mapstructure:"-"`
}

// DefaultPath returns ~/.config/voxsync/config.toml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "voxsync.toml"
	}
	return filepath.Join(dir, "voxsync", "config.toml")
}

// DefaultCachePath returns the cache database location under the user
// cache directory.
func DefaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "voxsync.db"
	}
	return filepath.Join(dir, "voxsync", "cache.db")
}

// New returns a viper instance with defaults and environment overrides
// registered. Callers may bind flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("user.uid", "")
	v.SetDefault("cache.path", DefaultCachePath())
	v.SetDefault("cache.empty_conversation_grace", time.Duration(0))
	v.SetDefault("backend.kind", BackendMemory)
	v.SetDefault("backend.dsn", "")
	v.SetDefault("backend.table", "voxsync")
	v.SetDefault("backend.region", "")
	v.SetDefault("backend.timeout", 10*time.Second)
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.page_limit", 100)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("readtracker.window", 2*time.Second)
	v.SetDefault("notify.redis_url", "")
	v.SetDefault("notify.channel", "voxsync:changes")
	v.SetDefault("api.addr", "127.0.0.1:7878")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.verbose", false)
	return v
}

// Load reads path into v and decodes the result. An empty path falls back
// to DefaultPath when that file exists, and to defaults and environment
// otherwise.
func Load(v *viper.Viper, path string) (*Config, error) {
	source := path
	if source == "" {
		if _, err := os.Stat(DefaultPath()); err == nil {
			source = DefaultPath()
		}
	}
	if source != "" {
		v.SetConfigFile(source)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", source, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Source = source
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with nothing but defaults applied.
func Default() *Config {
	var cfg Config
	_ = New().Unmarshal(&cfg)
	return &cfg
}

// ReadInterval re-reads path and returns the configured sync interval. The
// daemon calls it when the file changes.
func ReadInterval(path string) (time.Duration, error) {
	cfg, err := Load(New(), path)
	if err != nil {
		return 0, err
	}
	return cfg.Sync.Interval, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend.Kind {
	case BackendMemory:
	case BackendPostgres:
		if c.Backend.DSN == "" {
			errs = append(errs, errors.New("backend.dsn is required for postgres"))
		}
	case BackendDynamo:
		if c.Backend.Table == "" {
			errs = append(errs, errors.New("backend.table is required for dynamodb"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.kind %q is not one of memory, postgres, dynamodb", c.Backend.Kind))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.PageLimit <= 0 {
		errs = append(errs, errors.New("sync.page_limit must be positive"))
	}
	if c.Sync.MaxRetries <= 0 {
		errs = append(errs, errors.New("sync.max_retries must be positive"))
	}
	if c.ReadTracker.Window < 0 {
		errs = append(errs, errors.New("readtracker.window must not be negative"))
	}
	if c.Cache.EmptyConversationGrace < 0 {
		errs = append(errs, errors.New("cache.empty_conversation_grace must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Settings returns the configuration as nested maps keyed like the config
// file, with durations rendered as strings. Used for writing and display.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"user": map[string]any{"uid": c.User.UID},
		"cache": map[string]any{
			"path":                     c.Cache.Path,
			"empty_conversation_grace": c.Cache.EmptyConversationGrace.String(),
		},
		"backend": map[string]any{
			"kind":    c.Backend.Kind,
			"dsn":     c.Backend.DSN,
			"table":   c.Backend.Table,
			"region":  c.Backend.Region,
			"timeout": c.Backend.Timeout.String(),
		},
		"sync": map[string]any{
			"interval":    c.Sync.Interval.String(),
			"page_limit":  c.Sync.PageLimit,
			"max_retries": c.Sync.MaxRetries,
		},
		"readtracker": map[string]any{"window": c.ReadTracker.Window.String()},
		"notify": map[string]any{
			"redis_url": c.Notify.RedisURL,
			"channel":   c.Notify.Channel,
		},
		"api": map[string]any{
			"addr":       c.API.Addr,
			"jwt_secret": c.API.JWTSecret,
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"verbose":      c.Log.Verbose,
		},
	}
}

// Redacted returns Settings with secrets masked.
func (c *Config) Redacted() map[string]any {
	s := c.Settings()
	mask := func(section, key string) {
		m := s[section].(map[string]any)
		if val, _ := m[key].(string); val != "" && !IsSecretRef(val) {
			m[key] = "********"
		}
	}
	mask("api", "jwt_secret")
	mask("backend", "dsn")
	mask("notify", "redis_url")
	return s
}

// WriteFile writes cfg to path as TOML, creating parent directories. The
// file is written to a temporary name and renamed into place.
func WriteFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := toml.NewEncoder(tmp).Encode(cfg.Settings()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
