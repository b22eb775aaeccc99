package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"

	"github.com/MSR806/writers-llm-backend/internal/queue"
)

// Backend selects the queue store implementation.
type Backend string

const (
	BackendPebble Backend = "pebble"
	BackendRedis  Backend = "redis"
)

// ProviderConfig declares one upstream provider. Kind selects the client:
// "openai" for any OpenAI-compatible endpoint, "anthropic" for the Anthropic
// messages API.
type ProviderConfig struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
}

// Config is the top-level configuration loaded from file and env.
type Config struct {
	HTTPAddr string `json:"httpAddr" env:"DISPATCH_HTTP_ADDR"`

	Backend       Backend `json:"backend" env:"DISPATCH_BACKEND"`
	DataDir       string  `json:"dataDir" env:"DISPATCH_DATA_DIR"`
	RedisAddr     string  `json:"redisAddr" env:"DISPATCH_REDIS_ADDR"`
	RedisPassword string  `json:"redisPassword" env:"DISPATCH_REDIS_PASSWORD"`
	RedisDB       int     `json:"redisDb" env:"DISPATCH_REDIS_DB"`
	Queue         string  `json:"queue" env:"DISPATCH_QUEUE"`

	Workers         int   `json:"workers" env:"DISPATCH_WORKERS"`
	LeaseMs         int64 `json:"leaseMs" env:"DISPATCH_LEASE_MS"`
	PollIntervalMs  int64 `json:"pollIntervalMs" env:"DISPATCH_POLL_INTERVAL_MS"`
	SweepIntervalMs int64 `json:"sweepIntervalMs" env:"DISPATCH_SWEEP_INTERVAL_MS"`
	MaxAttempts     int   `json:"maxAttempts" env:"DISPATCH_MAX_ATTEMPTS"`
	DefaultLane     string `json:"defaultLane" env:"DISPATCH_DEFAULT_LANE"`
	RetentionMs     int64 `json:"retentionMs" env:"DISPATCH_RETENTION_MS"`

	RequireIdentity bool `json:"requireIdentity" env:"DISPATCH_REQUIRE_IDENTITY"`

	Providers       []ProviderConfig `json:"providers"`
	DefaultProvider string           `json:"defaultProvider" env:"DISPATCH_DEFAULT_PROVIDER"`
	DefaultModel    string           `json:"defaultModel" env:"DISPATCH_DEFAULT_MODEL"`
	FailoverOrder   []string         `json:"failoverOrder" env:"DISPATCH_FAILOVER_ORDER" envSeparator:","`
	CallTimeoutMs   int64            `json:"callTimeoutMs" env:"DISPATCH_CALL_TIMEOUT_MS"`

	LogLevel  string `json:"logLevel" env:"DISPATCH_LOG_LEVEL"`
	LogFormat string `json:"logFormat" env:"DISPATCH_LOG_FORMAT"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		Backend:         BackendPebble,
		DataDir:         "./data",
		RedisAddr:       "127.0.0.1:6379",
		Queue:           "default",
		Workers:         4,
		LeaseMs:         30_000,
		PollIntervalMs:  100,
		SweepIntervalMs: 1_000,
		MaxAttempts:     3,
		DefaultLane:     string(queue.LaneDefault),
		RetentionMs:     24 * 60 * 60 * 1000,
		CallTimeoutMs:   60_000,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// Load builds the effective configuration: defaults, then the JSON file at
// path if non-empty, then DISPATCH_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendPebble, BackendRedis:
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.Backend == BackendPebble && c.DataDir == "" {
		return fmt.Errorf("config: dataDir is required for the pebble backend")
	}
	if c.Backend == BackendRedis && c.RedisAddr == "" {
		return fmt.Errorf("config: redisAddr is required for the redis backend")
	}
	if !queue.Lane(c.DefaultLane).Valid() {
		return fmt.Errorf("config: unknown default lane %q", c.DefaultLane)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive")
	}
	if c.LeaseMs <= 0 {
		return fmt.Errorf("config: leaseMs must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("config: maxAttempts must be positive")
	}
	names := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if names[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		names[p.Name] = true
		switch p.Kind {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("config: provider %q has unknown kind %q", p.Name, p.Kind)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("config: provider %q has no baseUrl", p.Name)
		}
	}
	if c.DefaultProvider != "" && !names[c.DefaultProvider] {
		return fmt.Errorf("config: default provider %q not declared", c.DefaultProvider)
	}
	for _, name := range c.FailoverOrder {
		if !names[name] {
			return fmt.Errorf("config: failover provider %q not declared", name)
		}
	}
	return nil
}
