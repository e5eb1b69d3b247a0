// Package config handles configuration loading and management for hivemind.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/hivemind/internal/coordinator"
	"github.com/ShayCichocki/hivemind/internal/deadlock"
	"github.com/ShayCichocki/hivemind/internal/messaging"
	"github.com/ShayCichocki/hivemind/internal/recovery"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// ProjectFileName is the project-level override file.
const ProjectFileName = ".hivemind.yaml"

// EnvPrefix prefixes environment overrides, e.g. HIVEMIND_LOG_LEVEL.
const EnvPrefix = "HIVEMIND"

// Config holds all configuration for hivemind.
type Config struct {
	State       StateConfig       `mapstructure:"state"`
	Log         LogConfig         `mapstructure:"log"`
	Messaging   MessagingConfig   `mapstructure:"messaging"`
	Deadlock    DeadlockConfig    `mapstructure:"deadlock"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Audit       AuditConfig       `mapstructure:"audit"`
	TUI         TUIConfig         `mapstructure:"tui"`
}

// StateConfig locates the state database.
type StateConfig struct {
	// Path is the sqlite file. Empty means .hivemind/state.db in the project.
	Path string `mapstructure:"path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Path   string `mapstructure:"path"`
}

// MessagingConfig holds message delivery timing.
type MessagingConfig struct {
	// Timeouts maps a priority name to its pending timeout.
	Timeouts map[string]time.Duration `mapstructure:"timeouts"`
	Backoff  []time.Duration          `mapstructure:"backoff"`
	// MaxRetries bounds delivery retries. Zero means one per backoff entry.
	MaxRetries int           `mapstructure:"max_retries"`
	Retention  time.Duration `mapstructure:"retention"`
}

// DeadlockConfig holds resolver settings.
type DeadlockConfig struct {
	MaxAttempts          int `mapstructure:"max_attempts"`
	MaxChildrenForCancel int `mapstructure:"max_children_for_cancel"`
	// CounterStore is memory or redis.
	CounterStore string `mapstructure:"counter_store"`
}

// RecoveryConfig holds retry strategy settings.
type RecoveryConfig struct {
	Backoff []time.Duration `mapstructure:"backoff"`
}

// RedisConfig holds the connection used by the redis counter store.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Namespace string        `mapstructure:"namespace"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// CoordinatorConfig holds the coordinator loop intervals.
type CoordinatorConfig struct {
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	ResolveInterval  time.Duration `mapstructure:"resolve_interval"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	ArchiveInterval  time.Duration `mapstructure:"archive_interval"`
	ClaimTimeout     time.Duration `mapstructure:"claim_timeout"`
}

// AuditConfig holds optional audit mirrors.
type AuditConfig struct {
	// PostgresDSN enables the Postgres audit sink when set.
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (HIVEMIND_*)
// 2. Project config (.hivemind.yaml in current directory or parent)
// 3. User config (~/.config/hivemind/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v, err := NewViper()
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// NewViper builds the layered viper instance Load decodes. The project file,
// or the user file when there is none, becomes the watched config file.
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	user := GetUserConfigPath()
	hasUser := fileExists(user)
	if hasUser {
		if err := mergeFile(v, user); err != nil {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}
	if project := findProjectConfig(); project != "" {
		v.SetConfigFile(project)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config: %w", err)
		}
	} else if hasUser {
		v.SetConfigFile(user)
	}

	bindEnv(v)
	return v, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	bindEnv(v)
	return Decode(v)
}

// Decode unmarshals and validates v.
func Decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Audit.PostgresDSN = os.ExpandEnv(cfg.Audit.PostgresDSN)
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch re-decodes v whenever its config file changes and passes the result
// to fn. Invalid edits are reported with a nil Config.
func Watch(v *viper.Viper, fn func(*Config, error)) {
	v.OnConfigChange(func(fsnotify.Event) {
		// viper re-read only the watched file; restore the user layer
		// beneath it.
		if user := GetUserConfigPath(); user != v.ConfigFileUsed() && fileExists(user) {
			if err := mergeFile(v, user); err != nil {
				fn(nil, err)
				return
			}
			if err := v.MergeInConfig(); err != nil {
				fn(nil, fmt.Errorf("reading %s: %w", v.ConfigFileUsed(), err))
				return
			}
		}
		fn(Decode(v))
	})
	v.WatchConfig()
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Deadlock.CounterStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("deadlock.counter_store must be memory or redis, got %q", c.Deadlock.CounterStore)
	}
	if c.Deadlock.CounterStore == "redis" && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when deadlock.counter_store is redis")
	}
	if c.Deadlock.MaxAttempts < 1 {
		return errors.New("deadlock.max_attempts must be at least 1")
	}
	if _, err := c.MessagingPolicy(); err != nil {
		return err
	}
	return nil
}

// MessagingPolicy converts the messaging section into a channel policy.
// max_retries, when set, truncates or extends the backoff table; extra
// retries reuse the last delay.
func (c *Config) MessagingPolicy() (messaging.Policy, error) {
	p := messaging.DefaultPolicy()
	for name, d := range c.Messaging.Timeouts {
		pr, err := models.ParsePriority(strings.ToLower(name))
		if err != nil {
			return p, fmt.Errorf("messaging.timeouts: %w", err)
		}
		p.Timeouts[pr] = d
	}
	if len(c.Messaging.Backoff) > 0 {
		p.Backoff = append([]time.Duration(nil), c.Messaging.Backoff...)
	}
	if n := c.Messaging.MaxRetries; n > 0 {
		for len(p.Backoff) < n {
			p.Backoff = append(p.Backoff, p.Backoff[len(p.Backoff)-1])
		}
		p.Backoff = p.Backoff[:n]
	}
	if c.Messaging.Retention > 0 {
		p.Retention = c.Messaging.Retention
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("messaging: %w", err)
	}
	return p, nil
}

// LoopConfig converts the coordinator section into loop intervals.
func (c *Config) LoopConfig() coordinator.Config {
	return coordinator.Config{
		SweepInterval:    c.Coordinator.SweepInterval,
		ResolveInterval:  c.Coordinator.ResolveInterval,
		DispatchInterval: c.Coordinator.DispatchInterval,
		ArchiveInterval:  c.Coordinator.ArchiveInterval,
		ClaimTimeout:     c.Coordinator.ClaimTimeout,
	}
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return WriteFile(filepath.Join(userConfigDir, "config.yaml"), cfg)
}

// WriteFile writes cfg as YAML to path.
func WriteFile(path string, cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	for key, val := range settings(cfg) {
		v.Set(key, val)
	}
	return v.WriteConfig()
}

// settings flattens cfg into viper keys. Durations are written in their
// string form so files stay readable.
func settings(cfg *Config) map[string]any {
	durations := func(ds []time.Duration) []string {
		out := make([]string, len(ds))
		for i, d := range ds {
			out[i] = d.String()
		}
		return out
	}
	m := map[string]any{
		"state.path":                       cfg.State.Path,
		"log.level":                        cfg.Log.Level,
		"log.format":                       cfg.Log.Format,
		"log.path":                         cfg.Log.Path,
		"messaging.backoff":                durations(cfg.Messaging.Backoff),
		"messaging.max_retries":            cfg.Messaging.MaxRetries,
		"messaging.retention":              cfg.Messaging.Retention.String(),
		"deadlock.max_attempts":            cfg.Deadlock.MaxAttempts,
		"deadlock.max_children_for_cancel": cfg.Deadlock.MaxChildrenForCancel,
		"deadlock.counter_store":           cfg.Deadlock.CounterStore,
		"recovery.backoff":                 durations(cfg.Recovery.Backoff),
		"redis.addr":                       cfg.Redis.Addr,
		"redis.password":                   cfg.Redis.Password,
		"redis.db":                         cfg.Redis.DB,
		"redis.namespace":                  cfg.Redis.Namespace,
		"redis.ttl":                        cfg.Redis.TTL.String(),
		"coordinator.sweep_interval":       cfg.Coordinator.SweepInterval.String(),
		"coordinator.resolve_interval":     cfg.Coordinator.ResolveInterval.String(),
		"coordinator.dispatch_interval":    cfg.Coordinator.DispatchInterval.String(),
		"coordinator.archive_interval":     cfg.Coordinator.ArchiveInterval.String(),
		"coordinator.claim_timeout":        cfg.Coordinator.ClaimTimeout.String(),
		"audit.postgres_dsn":               cfg.Audit.PostgresDSN,
		"tui.refresh_rate":                 cfg.TUI.RefreshRate.String(),
	}
	for name, d := range cfg.Messaging.Timeouts {
		m["messaging.timeouts."+name] = d.String()
	}
	return m
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()
	for key, val := range settings(d) {
		v.SetDefault(key, val)
	}
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func mergeFile(v *viper.Viper, path string) error {
	fv := viper.New()
	fv.SetConfigFile(path)
	if err := fv.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := v.MergeConfigMap(fv.AllSettings()); err != nil {
		return fmt.Errorf("merging %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// getUserConfigDir returns the XDG config directory for hivemind.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "hivemind")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "hivemind")
	}
	return filepath.Join(home, ".config", "hivemind")
}

// findProjectConfig searches for .hivemind.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ProjectFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}

// ProjectRoot returns the directory holding the nearest .hivemind.yaml or
// .hivemind directory, falling back to the working directory.
func ProjectRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	for dir := cwd; ; {
		for _, name := range []string{ProjectFileName, ".hivemind"} {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd
		}
		dir = parent
	}
}

// Default returns a Config with default values.
func Default() *Config {
	policy := messaging.DefaultPolicy()
	timeouts := make(map[string]time.Duration, len(policy.Timeouts))
	for pr, d := range policy.Timeouts {
		timeouts[string(pr)] = d
	}
	loop := coordinator.DefaultConfig()
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Messaging: MessagingConfig{
			Timeouts:  timeouts,
			Backoff:   policy.Backoff,
			Retention: policy.Retention,
		},
		Deadlock: DeadlockConfig{
			MaxAttempts:          deadlock.DefaultMaxAttempts,
			MaxChildrenForCancel: deadlock.DefaultMaxChildrenToCancel,
			CounterStore:         "memory",
		},
		Recovery: RecoveryConfig{
			Backoff: append([]time.Duration(nil), recovery.DefaultBackoff...),
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Namespace: "default",
			TTL:       24 * time.Hour,
		},
		Coordinator: CoordinatorConfig{
			SweepInterval:    loop.SweepInterval,
			ResolveInterval:  loop.ResolveInterval,
			DispatchInterval: loop.DispatchInterval,
			ArchiveInterval:  loop.ArchiveInterval,
			ClaimTimeout:     loop.ClaimTimeout,
		},
		TUI: TUIConfig{RefreshRate: time.Second},
	}
}
