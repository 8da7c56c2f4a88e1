package config

import (
	"fmt"
	"os"
	"time"

	"github.com/medlearn/aicache/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all aicache configuration.
type Config struct {
	Listen    string                `yaml:"listen"`
	DBPath    string                `yaml:"db_path"`
	Log       LogConfig             `yaml:"log"`
	Cache     CacheConfig           `yaml:"cache"`
	Models    ModelsConfig          `yaml:"models"`
	Providers []ProviderConfig      `yaml:"providers"`
	Pricing   []models.ModelPricing `yaml:"pricing"`
	Modes     map[string]ModeConfig `yaml:"modes"`
	Analytics AnalyticsConfig       `yaml:"analytics"`
	Auth      AuthConfig            `yaml:"auth"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
}

// CacheConfig controls the response cache.
// A TTL of zero or less stores entries without expiry.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Backend      string        `yaml:"backend"` // "sqlite" (default) or "redis"
	TTL          time.Duration `yaml:"ttl"`
	OpTimeout    time.Duration `yaml:"op_timeout"`
	SingleFlight bool          `yaml:"single_flight"`
	Redis        RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the shared Redis backend.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// ModelsConfig maps modes to the upstream model that serves them.
// Lookup order: Modes, then Families (by mode prefix), then Default.
type ModelsConfig struct {
	Default  string            `yaml:"default"`
	Families map[string]string `yaml:"families"`
	Modes    map[string]string `yaml:"modes"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "anthropic" (default) or "openai".
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Type    string        `yaml:"type"`
	Timeout time.Duration `yaml:"timeout"`
}

// ModeConfig describes how a mode is turned into a prompt.
// Prompt is a text/template executed against the request context.
type ModeConfig struct {
	Provider  string `yaml:"provider"`
	System    string `yaml:"system"`
	Prompt    string `yaml:"prompt"`
	MaxTokens int    `yaml:"max_tokens"`
}

// AnalyticsConfig controls the cache event batcher.
type AnalyticsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
}

// AuthConfig lists the bearer keys accepted by the HTTP surface.
// An empty list leaves the surface open.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "aicache.db",
		Log: LogConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
		Cache: CacheConfig{
			Enabled:   true,
			Backend:   "sqlite",
			TTL:       7 * 24 * time.Hour,
			OpTimeout: 2 * time.Second,
			Redis: RedisConfig{
				Prefix: "aicache",
			},
		},
		Models: ModelsConfig{
			Default: "claude-haiku-4-5",
		},
		Analytics: AnalyticsConfig{
			Enabled:       true,
			BufferSize:    100,
			FlushInterval: 10 * time.Second,
			RetentionDays: 30,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks the configuration for values the components cannot use.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}
	for i, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %d: %w", i, err)
		}
	}
	for mode, m := range c.Modes {
		if m.Provider == "" {
			continue
		}
		if _, ok := c.Provider(m.Provider); !ok {
			return fmt.Errorf("mode %q: unknown provider %q", mode, m.Provider)
		}
	}
	if c.Analytics.Enabled && c.Analytics.BufferSize <= 0 {
		return fmt.Errorf("analytics config: buffer_size must be positive")
	}
	return nil
}

// Validate checks the log level.
func (l *LogConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level: %q", l.Level)
	}
}

// Validate checks the backend selection.
func (c *CacheConfig) Validate() error {
	switch c.Backend {
	case "", "sqlite":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis backend requires redis.url")
		}
	default:
		return fmt.Errorf("unsupported cache backend: %q", c.Backend)
	}
	if c.OpTimeout < 0 {
		return fmt.Errorf("op_timeout must not be negative")
	}
	return nil
}

// Validate checks a provider definition.
func (p *ProviderConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.URL == "" {
		return fmt.Errorf("%s: url is required", p.Name)
	}
	switch p.Type {
	case "", "anthropic", "openai":
		return nil
	default:
		return fmt.Errorf("%s: unsupported type %q", p.Name, p.Type)
	}
}

// Provider returns the provider with the given name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
