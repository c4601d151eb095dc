// Package config loads loupe's settings from YAML and LOUPE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lyndonlyu/loupe/internal/fileheader"
	"github.com/lyndonlyu/loupe/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. LOUPE_LOCK_TIMEOUT=5s.
const EnvPrefix = "LOUPE"

type RepositoryConfig struct {
	Dir        string `mapstructure:"dir" yaml:"dir" validate:"required"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
	IndexBatch int    `mapstructure:"index_batch" yaml:"index_batch" validate:"gte=1,lte=1000"`

	// Retention used by prune; zero disables a limit.
	MaxAgeDays  int `mapstructure:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
	MaxSessions int `mapstructure:"max_sessions" yaml:"max_sessions" validate:"gte=0"`
}

type LockConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	Backoff      time.Duration `mapstructure:"backoff" yaml:"backoff" validate:"gte=0"`
	IdleCheck    time.Duration `mapstructure:"idle_check" yaml:"idle_check" validate:"gte=0"`
	IdleRelease  time.Duration `mapstructure:"idle_release" yaml:"idle_release" validate:"gte=0"`
	RetainIdle   bool          `mapstructure:"retain_idle" yaml:"retain_idle"`
}

// MarshalYAML writes durations in their string form so Save output reads
// back through Load.
func (c LockConfig) MarshalYAML() (any, error) {
	return map[string]any{
		"timeout":       c.Timeout.String(),
		"poll_interval": c.PollInterval.String(),
		"backoff":       c.Backoff.String(),
		"idle_check":    c.IdleCheck.String(),
		"idle_release":  c.IdleRelease.String(),
		"retain_idle":   c.RetainIdle,
	}, nil
}

type SessionConfig struct {
	Product        string   `mapstructure:"product" yaml:"product" validate:"required"`
	Application    string   `mapstructure:"application" yaml:"application" validate:"required"`
	Version        string   `mapstructure:"version" yaml:"version"`
	Description    string   `mapstructure:"description" yaml:"description,omitempty"`
	Environment    string   `mapstructure:"environment" yaml:"environment,omitempty"`
	PromotionLevel string   `mapstructure:"promotion_level" yaml:"promotion_level,omitempty"`
	Properties     []string `mapstructure:"properties" yaml:"properties,omitempty"`
	FileVersion    string   `mapstructure:"file_version" yaml:"file_version" validate:"fileversion"`
}

// PropertyMap splits the key=value entries of Properties.
func (s SessionConfig) PropertyMap() map[string]string {
	m := make(map[string]string, len(s.Properties))
	for _, p := range s.Properties {
		k, v, _ := strings.Cut(p, "=")
		m[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return m
}

// ProtocolVersion returns the session file version to write.
func (s SessionConfig) ProtocolVersion() (major, minor int16, err error) {
	return parseFileVersion(s.FileVersion)
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type Config struct {
	Repository RepositoryConfig `mapstructure:"repository" yaml:"repository"`
	Lock       LockConfig       `mapstructure:"lock" yaml:"lock"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Logging    logger.Config    `mapstructure:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	BaseDir    string           `mapstructure:"-" yaml:"-"`
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loupe"
	}
	return filepath.Join(home, ".loupe")
}

func Default() *Config {
	base := defaultBaseDir()
	return &Config{
		Repository: RepositoryConfig{
			Dir:         filepath.Join(base, "repository"),
			Compress:    true,
			IndexBatch:  64,
			MaxAgeDays:  30,
			MaxSessions: 100,
		},
		Lock: LockConfig{
			Timeout:      10 * time.Second,
			PollInterval: 15 * time.Millisecond,
			Backoff:      100 * time.Millisecond,
			IdleCheck:    250 * time.Millisecond,
			IdleRelease:  time.Second,
			RetainIdle:   true,
		},
		Session: SessionConfig{
			Product:     "Loupe",
			Application: "loupe",
			FileVersion: fmt.Sprintf("%d.%d", fileheader.LatestMajorVersion, fileheader.LatestMinorVersion),
		},
		Logging: logger.DefaultConfig(),
		BaseDir: base,
	}
}

// DefaultPath is config.yaml under the default base directory.
func DefaultPath() string {
	return filepath.Join(defaultBaseDir(), "config.yaml")
}

// Load reads path on top of the defaults and applies LOUPE_* overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.BaseDir = def.BaseDir
	if cfg.Repository.Dir != "" {
		cfg.Repository.Dir = expandHome(cfg.Repository.Dir)
	}
	if cfg.Logging.File != "" {
		cfg.Logging.File = expandHome(cfg.Logging.File)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key with viper so environment overrides are
// seen even when the file omits the key.
func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("repository.dir", def.Repository.Dir)
	v.SetDefault("repository.compress", def.Repository.Compress)
	v.SetDefault("repository.index_batch", def.Repository.IndexBatch)
	v.SetDefault("repository.max_age_days", def.Repository.MaxAgeDays)
	v.SetDefault("repository.max_sessions", def.Repository.MaxSessions)

	v.SetDefault("lock.timeout", def.Lock.Timeout)
	v.SetDefault("lock.poll_interval", def.Lock.PollInterval)
	v.SetDefault("lock.backoff", def.Lock.Backoff)
	v.SetDefault("lock.idle_check", def.Lock.IdleCheck)
	v.SetDefault("lock.idle_release", def.Lock.IdleRelease)
	v.SetDefault("lock.retain_idle", def.Lock.RetainIdle)

	v.SetDefault("session.product", def.Session.Product)
	v.SetDefault("session.application", def.Session.Application)
	v.SetDefault("session.version", def.Session.Version)
	v.SetDefault("session.description", def.Session.Description)
	v.SetDefault("session.environment", def.Session.Environment)
	v.SetDefault("session.promotion_level", def.Session.PromotionLevel)
	v.SetDefault("session.properties", def.Session.Properties)
	v.SetDefault("session.file_version", def.Session.FileVersion)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.file", def.Logging.File)
	v.SetDefault("logging.max_size_mb", def.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", def.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", def.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", def.Logging.Compress)

	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
}

// Save writes cfg to path as YAML, creating the directory if needed.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}

// EnsureDirs creates the repository directory.
func (c *Config) EnsureDirs() error {
	return os.MkdirAll(c.Repository.Dir, 0o755)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func parseFileVersion(s string) (major, minor int16, err error) {
	ma, mi, ok := strings.Cut(s, ".")
	if !ok {
		return 0, 0, fmt.Errorf("file version %q: want major.minor", s)
	}
	a, err := strconv.ParseInt(ma, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("file version %q: %w", s, err)
	}
	b, err := strconv.ParseInt(mi, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("file version %q: %w", s, err)
	}
	return int16(a), int16(b), nil
}
