// Package config loads the coordinator configuration from a YAML or TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Migration selection strategies.
const (
	SelectionProximity = "proximity"
	SelectionOwnership = "ownership"
)

// Config is the coordinator configuration.
type Config struct {
	LogLevel   string   `json:"log_level" toml:"log_level" yaml:"log_level"`
	ListenAddr string   `json:"listen_addr" toml:"listen_addr" yaml:"listen_addr"`
	Shards     []string `json:"shards" toml:"shards" yaml:"shards"` // Connection strings, in shard id order

	VirtualNodesPerWeight int    `json:"virtual_nodes_per_weight" toml:"virtual_nodes_per_weight" yaml:"virtual_nodes_per_weight"`
	HashFunction          string `json:"hash_function" toml:"hash_function" yaml:"hash_function"`

	SampleSize         int    `json:"sample_size" toml:"sample_size" yaml:"sample_size"`
	MigrationSelection string `json:"migration_selection" toml:"migration_selection" yaml:"migration_selection"`
	ProximityThreshold uint32 `json:"proximity_threshold" toml:"proximity_threshold" yaml:"proximity_threshold"` // 0 derives it from SampleSize

	HealthCheckInterval time.Duration `json:"health_check_interval" toml:"health_check_interval" yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `json:"health_check_timeout" toml:"health_check_timeout" yaml:"health_check_timeout"`
	MaxFailedChecks     int           `json:"max_failed_checks" toml:"max_failed_checks" yaml:"max_failed_checks"`

	MaxConcurrentMigrations int           `json:"max_concurrent_migrations" toml:"max_concurrent_migrations" yaml:"max_concurrent_migrations"`
	MigrationTimeout        time.Duration `json:"migration_timeout" toml:"migration_timeout" yaml:"migration_timeout"`
}

// Default returns a configuration with every default applied and no shards.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the file at path, applies defaults and validates the result.
// The format is chosen by suffix: .yaml, .yml or .toml.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var cfg Config
	switch {
	case strings.HasSuffix(path, ".toml"):
		if _, err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown config format type: %s. Use .toml or .yaml suffix in filename", path)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.VirtualNodesPerWeight == 0 {
		c.VirtualNodesPerWeight = 150
	}
	if c.HashFunction == "" {
		c.HashFunction = "murmur3"
	}
	if c.SampleSize == 0 {
		c.SampleSize = 10000
	}
	if c.MigrationSelection == "" {
		c.MigrationSelection = SelectionProximity
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = 2 * time.Second
	}
	if c.MaxFailedChecks == 0 {
		c.MaxFailedChecks = 3
	}
	if c.MaxConcurrentMigrations == 0 {
		c.MaxConcurrentMigrations = 2
	}
	if c.MigrationTimeout == 0 {
		c.MigrationTimeout = 5 * time.Minute
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Shards) == 0 {
		errs = append(errs, errors.New("shards: at least one connection string is required"))
	}
	for i, s := range c.Shards {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, fmt.Errorf("shards[%d]: empty connection string", i))
		}
	}
	if c.VirtualNodesPerWeight < 0 {
		errs = append(errs, fmt.Errorf("virtual_nodes_per_weight: must be positive, got %d", c.VirtualNodesPerWeight))
	}
	switch c.HashFunction {
	case "murmur3", "city", "xxhash":
	default:
		errs = append(errs, fmt.Errorf("hash_function: unknown %q", c.HashFunction))
	}
	if c.SampleSize < 0 {
		errs = append(errs, fmt.Errorf("sample_size: must be positive, got %d", c.SampleSize))
	}
	switch c.MigrationSelection {
	case SelectionProximity, SelectionOwnership:
	default:
		errs = append(errs, fmt.Errorf("migration_selection: unknown %q", c.MigrationSelection))
	}
	if c.HealthCheckInterval < 0 || c.HealthCheckTimeout < 0 || c.MigrationTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.MaxFailedChecks < 0 {
		errs = append(errs, fmt.Errorf("max_failed_checks: must be positive, got %d", c.MaxFailedChecks))
	}
	if c.MaxConcurrentMigrations < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_migrations: must be positive, got %d", c.MaxConcurrentMigrations))
	}
	return errors.Join(errs...)
}
