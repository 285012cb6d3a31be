// Package config loads the service configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML file, and environment variables. Command-line flags are applied by the
// binary on top of the result.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration of the sectoragent service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Model     ModelConfig     `yaml:"model"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Memory    MemoryConfig    `yaml:"memory"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Auth      AuthConfig      `yaml:"auth"`

	// APIKeys are usually supplied through the environment.
	APIKeys APIKeys `yaml:"api_keys"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatabaseConfig configures durable storage.
type DatabaseConfig struct {
	// Path is the SQLite database file. Its directory is created on start.
	Path string `yaml:"path"`
}

// ModelConfig selects the generation provider.
type ModelConfig struct {
	// Provider is one of gemini, openai or anthropic.
	Provider     string  `yaml:"provider"`
	Name         string  `yaml:"name"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	SystemPrompt string  `yaml:"system_prompt"`
}

// EmbeddingConfig selects the embedder used by the vector index.
type EmbeddingConfig struct {
	// Provider is one of hash, gemini or openai. hash needs no network.
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// RetrievalConfig tunes the retrieval step of every turn.
type RetrievalConfig struct {
	TopK         int           `yaml:"top_k"`
	Threshold    float64       `yaml:"threshold"`
	Namespace    string        `yaml:"namespace"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	CacheMaxCost int64         `yaml:"cache_max_cost"`
}

// MemoryConfig bounds the in-process conversation memory.
type MemoryConfig struct {
	MaxSize         int           `yaml:"max_size"`
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// RateLimitConfig configures the per-user request limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// MetricsConfig configures the OpenTelemetry metric export.
type MetricsConfig struct {
	// Exporter is stdout or none.
	Exporter string        `yaml:"exporter"`
	Interval time.Duration `yaml:"interval"`
}

// AuthConfig lists the API callers.
type AuthConfig struct {
	Users []UserConfig `yaml:"users"`
}

// UserConfig maps a bearer token to a user.
type UserConfig struct {
	Token    string `yaml:"token"`
	ID       int64  `yaml:"id"`
	Email    string `yaml:"email"`
	FullName string `yaml:"full_name"`
}

// APIKeys holds provider credentials.
type APIKeys struct {
	Gemini    string `yaml:"gemini"`
	OpenAI    string `yaml:"openai"`
	Anthropic string `yaml:"anthropic"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":3000",
			CORSOrigins: []string{"*"},
		},
		Database: DatabaseConfig{Path: "data/sectoragent.db"},
		Model: ModelConfig{
			Provider:    "gemini",
			Name:        "gemini-2.0-flash",
			Temperature: 0.7,
			MaxTokens:   2048,
		},
		Embedding: EmbeddingConfig{
			Provider:   "hash",
			Dimensions: 256,
		},
		Retrieval: RetrievalConfig{
			TopK:         5,
			Threshold:    0.7,
			Namespace:    "default",
			CacheTTL:     5 * time.Minute,
			CacheMaxCost: 1000,
		},
		Memory: MemoryConfig{
			MaxSize:         50,
			RetentionDays:   30,
			CleanupInterval: time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Exporter: "stdout",
			Interval: time.Minute,
		},
	}
}

// Load reads the optional YAML file at path and applies environment
// overrides from the process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("GEMINI_API_KEY", &c.APIKeys.Gemini)
	str("OPENAI_API_KEY", &c.APIKeys.OpenAI)
	str("ANTHROPIC_API_KEY", &c.APIKeys.Anthropic)

	str("MODEL_PROVIDER", &c.Model.Provider)
	str("MODEL_NAME", &c.Model.Name)
	if v, ok := lookup("MODEL_TEMPERATURE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MODEL_TEMPERATURE: %w", err))
		} else {
			c.Model.Temperature = f
		}
	}
	num("MODEL_MAX_TOKENS", &c.Model.MaxTokens)

	str("EMBEDDING_PROVIDER", &c.Embedding.Provider)
	str("EMBEDDING_MODEL", &c.Embedding.Model)

	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Addr = ":" + v
	}
	str("DATABASE_PATH", &c.Database.Path)

	num("MAX_CONVERSATION_HISTORY", &c.Memory.MaxSize)
	num("MEMORY_RETENTION_DAYS", &c.Memory.RetentionDays)

	if v, ok := lookup("RATE_LIMIT_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_ENABLED: %w", err))
		} else {
			c.RateLimit.Enabled = b
		}
	}
	num("RATE_LIMIT_REQUESTS_PER_MINUTE", &c.RateLimit.RequestsPerMinute)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("METRICS_EXPORTER", &c.Metrics.Exporter)

	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.CORSOrigins = origins
	}
	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Model.Provider {
	case "gemini", "openai", "anthropic":
		if c.APIKey(c.Model.Provider) == "" {
			errs = append(errs, fmt.Errorf("model.provider %s requires an API key", c.Model.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown model.provider %q", c.Model.Provider))
	}
	switch c.Embedding.Provider {
	case "hash":
	case "gemini", "openai":
		if c.APIKey(c.Embedding.Provider) == "" {
			errs = append(errs, fmt.Errorf("embedding.provider %s requires an API key", c.Embedding.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embedding.provider %q", c.Embedding.Provider))
	}
	if c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1 {
		errs = append(errs, fmt.Errorf("retrieval.threshold %v must be within [0,1]", c.Retrieval.Threshold))
	}
	if c.Retrieval.TopK < 1 {
		errs = append(errs, fmt.Errorf("retrieval.top_k %d must be at least 1", c.Retrieval.TopK))
	}
	if c.Memory.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("memory.max_size %d must be at least 1", c.Memory.MaxSize))
	}
	if c.Memory.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("memory.retention_days %d must not be negative", c.Memory.RetentionDays))
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.requests_per_minute %d must be at least 1", c.RateLimit.RequestsPerMinute))
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := c.Logging.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("unknown logging.format %q", f))
	}
	switch c.Metrics.Exporter {
	case "stdout":
		if c.Metrics.Interval <= 0 {
			errs = append(errs, fmt.Errorf("metrics.interval %v must be positive", c.Metrics.Interval))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("unknown metrics.exporter %q", c.Metrics.Exporter))
	}
	tokens := make(map[string]bool)
	for i, u := range c.Auth.Users {
		if u.Token == "" {
			errs = append(errs, fmt.Errorf("auth.users[%d]: token is required", i))
		} else if tokens[u.Token] {
			errs = append(errs, fmt.Errorf("auth.users[%d]: duplicate token", i))
		}
		tokens[u.Token] = true
		if u.Email == "" {
			errs = append(errs, fmt.Errorf("auth.users[%d]: email is required", i))
		}
	}
	return errors.Join(errs...)
}

// APIKey returns the credential for the named provider.
func (c *Config) APIKey(provider string) string {
	switch provider {
	case "gemini":
		return c.APIKeys.Gemini
	case "openai":
		return c.APIKeys.OpenAI
	case "anthropic":
		return c.APIKeys.Anthropic
	}
	return ""
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid logging.level %q: %w", l.Level, err)
	}
	return level, nil
}
