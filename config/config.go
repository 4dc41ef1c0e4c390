// Package config provides configuration loading and management for daebug.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete daebug server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Jobs   JobsConfig   `yaml:"jobs"`
	Pages  PagesConfig  `yaml:"pages"`
	Watch  WatchConfig  `yaml:"watch"`
}

// ServerConfig configures the HTTP listener and the log root.
type ServerConfig struct {
	// Host is the listen address (default: 127.0.0.1)
	Host string `yaml:"host"`
	// Port is the listen port (default: 8342)
	Port int `yaml:"port"`
	// Root is the directory holding the daebug/ log directory
	Root string `yaml:"root"`
}

// LogConfig configures process logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error (default: info)
	Level string `yaml:"level"`
	// File is an optional path that receives a JSON copy of the log
	File string `yaml:"file"`
}

// JobsConfig configures the job sweeper and reaper.
type JobsConfig struct {
	// Timeout is how long a dispatched job may run before timing out
	Timeout Duration `yaml:"timeout"`
	// SweepInterval is how often the sweeper runs
	SweepInterval Duration `yaml:"sweep_interval"`
	// RetentionAge is how long finished jobs are kept before removal
	RetentionAge Duration `yaml:"retention_age"`
}

// PagesConfig configures stale-page eviction.
type PagesConfig struct {
	// TTL is how long an unseen page stays registered
	TTL Duration `yaml:"ttl"`
	// EvictInterval is how often the evictor runs
	EvictInterval Duration `yaml:"evict_interval"`
}

// WatchConfig configures log file watching.
type WatchConfig struct {
	// DebounceDelay is how long to wait for more changes before reparsing
	DebounceDelay Duration `yaml:"debounce_delay"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8342,
			Root: ".",
		},
		Log: LogConfig{
			Level: "info",
		},
		Jobs: JobsConfig{
			Timeout:       Duration(30 * time.Second),
			SweepInterval: Duration(5 * time.Second),
			RetentionAge:  Duration(10 * time.Minute),
		},
		Pages: PagesConfig{
			TTL:           Duration(5 * time.Minute),
			EvictInterval: Duration(time.Minute),
		},
		Watch: WatchConfig{
			DebounceDelay: Duration(200 * time.Millisecond),
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.Root == "" {
		return fmt.Errorf("server.root is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	if c.Jobs.Timeout <= 0 {
		return fmt.Errorf("jobs.timeout must be positive")
	}
	if c.Jobs.SweepInterval <= 0 {
		return fmt.Errorf("jobs.sweep_interval must be positive")
	}
	if c.Jobs.RetentionAge <= 0 {
		return fmt.Errorf("jobs.retention_age must be positive")
	}
	if c.Pages.TTL <= 0 {
		return fmt.Errorf("pages.ttl must be positive")
	}
	if c.Pages.EvictInterval <= 0 {
		return fmt.Errorf("pages.evict_interval must be positive")
	}
	if c.Watch.DebounceDelay <= 0 {
		return fmt.Errorf("watch.debounce_delay must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Host != "" {
		c.Server.Host = other.Server.Host
	}
	if other.Server.Port != 0 {
		c.Server.Port = other.Server.Port
	}
	if other.Server.Root != "" {
		c.Server.Root = other.Server.Root
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.File != "" {
		c.Log.File = other.Log.File
	}

	// Jobs
	if other.Jobs.Timeout != 0 {
		c.Jobs.Timeout = other.Jobs.Timeout
	}
	if other.Jobs.SweepInterval != 0 {
		c.Jobs.SweepInterval = other.Jobs.SweepInterval
	}
	if other.Jobs.RetentionAge != 0 {
		c.Jobs.RetentionAge = other.Jobs.RetentionAge
	}

	// Pages
	if other.Pages.TTL != 0 {
		c.Pages.TTL = other.Pages.TTL
	}
	if other.Pages.EvictInterval != 0 {
		c.Pages.EvictInterval = other.Pages.EvictInterval
	}

	// Watch
	if other.Watch.DebounceDelay != 0 {
		c.Watch.DebounceDelay = other.Watch.DebounceDelay
	}
}
