// Package config loads the YAML configuration of a unit of work: log level,
// backing stores and commit options.
//
//	log_level: info
//	stores:
//	  main:  {driver: sqlite, path: ./app.db}
//	  audit: {driver: memory, deferred_constraints: true}
//	commit:
//	  max_passes: 0
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config is the root configuration document.
type Config struct {
	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level"`

	// Stores maps a store name, as used by model types, to its backend.
	Stores map[string]Store `yaml:"stores"`

	Commit Commit `yaml:"commit"`
}

// Store configures one backing store.
type Store struct {
	// Driver is memory or sqlite. Defaults to memory.
	Driver string `yaml:"driver"`

	// Path is the SQLite database file. Relative paths resolve against the
	// directory of the configuration file.
	Path string `yaml:"path,omitempty"`

	DeferredConstraints bool `yaml:"deferred_constraints,omitempty"`

	// TwoPhase enables Prepare on memory stores.
	TwoPhase bool `yaml:"two_phase,omitempty"`
}

// Commit configures the commit pipeline.
type Commit struct {
	// MaxPasses bounds the insert passes of a commit. Zero means the loop
	// runs until no progress is made.
	MaxPasses int `yaml:"max_passes"`
}

// Load reads and parses a configuration file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields, or fails validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes a configuration document, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with one memory store per name.
func Default(names ...string) *Config {
	cfg := &Config{Stores: make(map[string]Store)}
	for _, n := range names {
		cfg.Stores[n] = Store{}
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for name, s := range c.Stores {
		if s.Driver == "" {
			s.Driver = DriverMemory
		}
		c.Stores[name] = s
	}
}

func (c *Config) resolvePaths(base string) {
	for name, s := range c.Stores {
		if s.Driver == DriverSQLite && s.Path != "" && !filepath.IsAbs(s.Path) {
			s.Path = filepath.Join(base, s.Path)
			c.Stores[name] = s
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Commit.MaxPasses < 0 {
		return fmt.Errorf("commit.max_passes must not be negative, got %d", c.Commit.MaxPasses)
	}
	for _, name := range c.StoreNames() {
		s := c.Stores[name]
		switch s.Driver {
		case DriverMemory:
			if s.Path != "" {
				return fmt.Errorf("stores.%s: path is not supported by the memory driver", name)
			}
		case DriverSQLite:
			if s.Path == "" {
				return fmt.Errorf("stores.%s: path is required for the sqlite driver", name)
			}
			if s.TwoPhase {
				return fmt.Errorf("stores.%s: two_phase is not supported by the sqlite driver", name)
			}
		default:
			return fmt.Errorf("stores.%s: unknown driver %q (want memory or sqlite)", name, s.Driver)
		}
	}
	return nil
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// StoreNames returns the configured store names in sorted order.
func (c *Config) StoreNames() []string {
	names := make([]string, 0, len(c.Stores))
	for n := range c.Stores {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
