// Package config loads keeper settings from a YAML file and the environment.
//
// Values are layered: Default, then the file, then KEEPER_* variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/keeper/internal/core/observability/log"
	"github.com/zeusync/keeper/internal/core/resolver"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KEEPER_"

type Config struct {
	// DataDir holds one JSON file per store kind.
	DataDir     string            `yaml:"data_dir" env:"DATA_DIR"`
	Log         LogConfig         `yaml:"log" envPrefix:"LOG_"`
	Server      ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
	Persistence PersistenceConfig `yaml:"persistence" envPrefix:"PERSISTENCE_"`
	Migration   MigrationConfig   `yaml:"migration" envPrefix:"MIGRATION_"`
}

type LogConfig struct {
	Level    string `yaml:"level" env:"LEVEL"`
	Encoding string `yaml:"encoding" env:"ENCODING"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" env:"LISTEN_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type PersistenceConfig struct {
	// AutosaveInterval of zero disables periodic saves.
	AutosaveInterval time.Duration `yaml:"autosave_interval" env:"AUTOSAVE_INTERVAL"`
	Indent           bool          `yaml:"indent" env:"INDENT"`
	// MirrorPath enables the sqlite snapshot mirror when set.
	MirrorPath string `yaml:"mirror_path" env:"MIRROR_PATH"`
}

type MigrationConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	ResolverURL    string        `yaml:"resolver_url" env:"RESOLVER_URL"`
	BatchSize      int           `yaml:"batch_size" env:"BATCH_SIZE"`
	Concurrency    int           `yaml:"concurrency" env:"CONCURRENCY"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	RateDelay      time.Duration `yaml:"rate_delay" env:"RATE_DELAY"`
}

func Default() *Config {
	rc := resolver.DefaultConfig()
	return &Config{
		DataDir: "data",
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Persistence: PersistenceConfig{
			AutosaveInterval: 5 * time.Minute,
			Indent:           true,
		},
		Migration: MigrationConfig{
			Enabled:        true,
			ResolverURL:    rc.URL,
			BatchSize:      rc.BatchSize,
			Concurrency:    rc.Concurrency,
			RequestTimeout: rc.Timeout,
			RateDelay:      rc.RateDelay,
		},
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates it.
// The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg with KEEPER_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}

// Validate returns a joined error listing every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.DataDir == "" {
		invalid("data_dir must not be empty")
	}
	if _, ok := log.ParseLevel(c.Log.Level); !ok {
		invalid("log.level %q; valid values: debug, info, warn, error, silent", c.Log.Level)
	}
	if c.Log.Encoding != "json" && c.Log.Encoding != "console" {
		invalid("log.encoding %q; valid values: json, console", c.Log.Encoding)
	}
	if c.Server.ListenAddr == "" {
		invalid("server.listen_addr must not be empty")
	}
	if c.Server.ShutdownTimeout < 0 {
		invalid("server.shutdown_timeout must not be negative")
	}
	if c.Persistence.AutosaveInterval < 0 {
		invalid("persistence.autosave_interval must not be negative")
	}

	if c.Migration.Enabled {
		if u, err := url.Parse(c.Migration.ResolverURL); err != nil || u.Scheme == "" || u.Host == "" {
			invalid("migration.resolver_url %q is not an absolute URL", c.Migration.ResolverURL)
		}
		if c.Migration.BatchSize < 1 || c.Migration.BatchSize > resolver.MaxBatchSize {
			invalid("migration.batch_size %d; must be between 1 and %d", c.Migration.BatchSize, resolver.MaxBatchSize)
		}
		if c.Migration.Concurrency < 1 {
			invalid("migration.concurrency must be at least 1")
		}
		if c.Migration.RequestTimeout <= 0 {
			invalid("migration.request_timeout must be positive")
		}
		if c.Migration.RateDelay < 0 {
			invalid("migration.rate_delay must not be negative")
		}
	}
	return errors.Join(errs...)
}

// Path returns the data file of one store kind.
func (c *Config) Path(kind string) string {
	return filepath.Join(c.DataDir, kind+".json")
}

func (l LogConfig) Options() log.Options {
	level, _ := log.ParseLevel(l.Level)
	return log.Options{Level: level, Encoding: l.Encoding}
}

func (m MigrationConfig) ResolverConfig() resolver.Config {
	return resolver.Config{
		URL:         m.ResolverURL,
		BatchSize:   m.BatchSize,
		Concurrency: m.Concurrency,
		Timeout:     m.RequestTimeout,
		RateDelay:   m.RateDelay,
	}
}
