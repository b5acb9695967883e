// Package config loads the load balancer's YAML configuration file and
// applies defaults for any key the file omits.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from either a bare number
// (interpreted as whole seconds, matching the original YAML config's plain
// integer fields) or a Go duration string such as "30s" or "1m30s" —
// adapted from the teacher's own caddy.Duration/UnmarshalJSON pattern.
type Duration time.Duration

// AsDuration returns d as a time.Duration for use with the standard library.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML satisfies yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Tag {
	case "!!str":
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("config: parsing duration %q: %w", value.Value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		var seconds int64
		if err := value.Decode(&seconds); err != nil {
			return fmt.Errorf("config: parsing duration: %w", err)
		}
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
}

// Defaults mirror get_config().get(key, default) in the original's
// src/utils/config.py — applied after parse rather than baked into a
// schema, so a sparse or empty config file is always valid.
const (
	DefaultAPIHost = "0.0.0.0"
	DefaultAPIPort = 8081

	DefaultLBHost    = "0.0.0.0"
	DefaultLBPort    = 8080
	DefaultLBTimeout = Duration(30 * time.Second)

	DefaultHealthCheckInterval = Duration(5 * time.Second)
	DefaultHealthCheckTimeout  = Duration(2 * time.Second)
	DefaultHealthCheckRetries  = 3

	DefaultStickyTTL             = Duration(300 * time.Second)
	DefaultStickyCleanupInterval = Duration(60 * time.Second)

	DefaultLoggingLevel = "info"
)

// APIConfig configures the admin REST API listener.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LBConfig configures the proxy listener and forwarder.
type LBConfig struct {
	Host    string   `yaml:"host"`
	Port    int      `yaml:"port"`
	Timeout Duration `yaml:"timeout"`
}

// MongoDBConfig configures the registry's Atlas connection.
type MongoDBConfig struct {
	Host     string `yaml:"host"`
	Name     string `yaml:"name"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HealthCheckConfig configures the background health-check loop.
type HealthCheckConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

// StickyConfig configures the sticky-session manager.
type StickyConfig struct {
	TTL             Duration `yaml:"ttl"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is the top-level configuration document, matching the key
// structure named in spec.md §6: api, lb, mongodb, health_check, logging,
// plus sticky for the sticky-session manager.
type Config struct {
	API         APIConfig         `yaml:"api"`
	LB          LBConfig          `yaml:"lb"`
	MongoDB     MongoDBConfig     `yaml:"mongodb"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Sticky      StickyConfig      `yaml:"sticky"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Load reads and parses the YAML file at path, then applies defaults to any
// zero-valued field. A missing file or malformed YAML is returned as an
// error — fatal at startup, per spec.md §6.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.API.Host == "" {
		cfg.API.Host = DefaultAPIHost
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = DefaultAPIPort
	}

	if cfg.LB.Host == "" {
		cfg.LB.Host = DefaultLBHost
	}
	if cfg.LB.Port == 0 {
		cfg.LB.Port = DefaultLBPort
	}
	if cfg.LB.Timeout <= 0 {
		cfg.LB.Timeout = DefaultLBTimeout
	}

	if cfg.HealthCheck.Interval <= 0 {
		cfg.HealthCheck.Interval = DefaultHealthCheckInterval
	}
	if cfg.HealthCheck.Timeout <= 0 {
		cfg.HealthCheck.Timeout = DefaultHealthCheckTimeout
	}
	if cfg.HealthCheck.Retries <= 0 {
		cfg.HealthCheck.Retries = DefaultHealthCheckRetries
	}

	if cfg.Sticky.TTL <= 0 {
		cfg.Sticky.TTL = DefaultStickyTTL
	}
	if cfg.Sticky.CleanupInterval <= 0 {
		cfg.Sticky.CleanupInterval = DefaultStickyCleanupInterval
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLoggingLevel
	}
}
