// Package config loads taxcore configuration from a YAML file with
// environment variable fallbacks for every field.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override or stand in for file settings.
const (
	EnvConfigPath  = "TAXCORE_CONFIG"
	EnvStoreDriver = "TAXCORE_STORE_DRIVER"
	EnvStorePath   = "TAXCORE_STORE_PATH"
	EnvStoreDSN    = "TAXCORE_STORE_DSN"
)

// Store selects and configures the persistence backend.
type Store struct {
	// Driver is one of "memory", "sqlite", or "postgres".
	Driver string `yaml:"driver"`
	// Path is the sqlite database file location.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
}

// Blob selects the archive backend. S3 settings come from the
// TAXCORE_BLOB_S3_* environment variables.
type Blob struct {
	Driver string `yaml:"driver"`
	FSRoot string `yaml:"fs_root"`
}

// Model configures the chat-completion endpoint used for rule merging.
// An empty base URL disables merging and aggregation degrades to the best
// single rule.
type Model struct {
	BaseURL        string `yaml:"base_url"`
	Name           string `yaml:"name"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Config is the root document of taxcore.yaml.
type Config struct {
	Store Store `yaml:"store"`
	Blob  Blob  `yaml:"blob"`
	Model Model `yaml:"model"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Store: Store{Driver: "memory"},
		Blob:  Blob{Driver: "fs"},
		Model: Model{TimeoutSeconds: 60, MaxRetries: 2},
	}
}

// Load reads the YAML file at path, merges it over Default, then applies
// environment overrides. A missing file is not an error; the defaults and
// environment alone are a valid configuration. An empty path falls back to
// TAXCORE_CONFIG and then to "taxcore.yaml".
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = "taxcore.yaml"
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvStoreDriver)); v != "" {
		cfg.Store.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorePath)); v != "" {
		cfg.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStoreDSN)); v != "" {
		cfg.Store.DSN = v
	}
}

func (c Config) validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Model.TimeoutSeconds < 0 {
		return fmt.Errorf("config: model timeout must not be negative")
	}
	if c.Model.MaxRetries < 0 {
		return fmt.Errorf("config: model max retries must not be negative")
	}
	return nil
}

// ModelTimeout returns the configured model timeout as a duration.
func (c Config) ModelTimeout() time.Duration {
	return time.Duration(c.Model.TimeoutSeconds) * time.Second
}
