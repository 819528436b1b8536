// Package config loads runtime settings from an optional YAML file, a
// .env file and CCMRT_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds everything needed to build a runtime and its surfaces.
type Config struct {
	// Database is the SQLite file backing persistent stores. Empty keeps
	// persistent stores in memory for the life of the process.
	Database string `yaml:"database"`

	// ResourceRoot resolves relative resource URLs on the file system.
	ResourceRoot string `yaml:"resource_root"`

	// HTTPTimeout bounds each remote fetch and exchange.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// ResourceCacheSize bounds the resource cache (entries).
	ResourceCacheSize int `yaml:"resource_cache_size"`

	// MaxInstances bounds constructions per instantiation flow.
	MaxInstances int `yaml:"max_instances"`

	// User and Token are attached to remote store requests.
	User  string `yaml:"user"`
	Token string `yaml:"token"`

	// Listen is the address of the reference store server.
	Listen string `yaml:"listen"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ResourceRoot:      ".",
		HTTPTimeout:       30 * time.Second,
		ResourceCacheSize: 1024,
		MaxInstances:      1000,
		Listen:            ":8080",
		LogLevel:          "info",
	}
}

// Load reads path (if non-empty), then .env, then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// a missing .env is normal
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv("CCMRT_" + name)); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v := strings.TrimSpace(getenv("CCMRT_" + name))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CCMRT_%s: %w", name, err)
		}
		*dst = n
		return nil
	}

	str("DATABASE", &c.Database)
	str("RESOURCE_ROOT", &c.ResourceRoot)
	str("USER", &c.User)
	str("TOKEN", &c.Token)
	str("LISTEN", &c.Listen)
	str("LOG_LEVEL", &c.LogLevel)
	if err := num("RESOURCE_CACHE_SIZE", &c.ResourceCacheSize); err != nil {
		return err
	}
	if err := num("MAX_INSTANCES", &c.MaxInstances); err != nil {
		return err
	}
	if v := strings.TrimSpace(getenv("CCMRT_HTTP_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CCMRT_HTTP_TIMEOUT: %w", err)
		}
		c.HTTPTimeout = d
	}
	return nil
}

// Validate rejects settings the runtime cannot work with.
func (c *Config) Validate() error {
	if c.ResourceCacheSize <= 0 {
		return fmt.Errorf("resource_cache_size must be positive, got %d", c.ResourceCacheSize)
	}
	if c.MaxInstances <= 0 {
		return fmt.Errorf("max_instances must be positive, got %d", c.MaxInstances)
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("http_timeout must not be negative")
	}
	return nil
}
