// Package config loads the small Dispatcher server configuration described
// in SPEC_FULL.md's [CONFIG] module addition: backend selection for the
// RunStore and EventLog, the HTTP listen address, and default agent policy
// floors applied when a brain's Agent block omits maxIterations/maxTokens.
// It deliberately says nothing about brain block-list definitions — the
// block-list builder DSL is out of scope (see spec.md Non-goals).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StoreBackend selects the RunStore implementation.
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreRedis  StoreBackend = "redis"
	StoreMongo  StoreBackend = "mongo"
)

// LogBackend selects the EventLog implementation.
type LogBackend string

const (
	LogMemory LogBackend = "memory"
	LogRedis  LogBackend = "redis"
)

// Config is the top-level, YAML-loadable Dispatcher configuration.
type Config struct {
	ListenAddr string `yaml:"listenAddr"`

	Store StoreBackend `yaml:"store"`
	Log   LogBackend   `yaml:"log"`

	Redis RedisConfig `yaml:"redis"`
	Mongo MongoConfig `yaml:"mongo"`

	// DefaultMaxIterations and DefaultMaxTokens are policy floors applied to
	// an AgentBlock's config when it omits them. Zero applies no floor, and an
	// agent block that also leaves the value unset runs without that limit.
	DefaultMaxIterations int `yaml:"defaultMaxIterations"`
	DefaultMaxTokens     int `yaml:"defaultMaxTokens"`
}

// RedisConfig configures the optional Redis-backed EventLog/RunStore.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MongoConfig configures the optional Mongo-backed RunStore.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// Default returns the configuration used when no file is supplied: an
// in-memory store and log, listening on port 8080 on all interfaces, with no
// default agent iteration or token limit.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Store:      StoreMemory,
		Log:        LogMemory,
	}
}

// Load reads and parses a YAML config file at path, filling in Default()
// for any field the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects a config naming an unknown backend.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis, StoreMongo:
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store)
	}
	switch c.Log {
	case LogMemory, LogRedis:
	default:
		return fmt.Errorf("config: unknown log backend %q", c.Log)
	}
	if c.Store == StoreMongo && c.Mongo.URI == "" {
		return fmt.Errorf("config: store %q requires mongo.uri", StoreMongo)
	}
	if (c.Store == StoreRedis || c.Log == LogRedis) && c.Redis.Addr == "" {
		return fmt.Errorf("config: redis backend requires redis.addr")
	}
	return nil
}
