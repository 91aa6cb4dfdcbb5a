package config

import (
	"context"
	"time"

	"github.com/hydrodiag/hydrodiag-ai/internal/events"
	"github.com/hydrodiag/hydrodiag-ai/internal/logging"
	"github.com/hydrodiag/hydrodiag-ai/internal/pkg/tracing"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/belief"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/engine"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/machine"
)

// Package config provides configuration management for hydrodiag-ai.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (HYDRODIAG_* prefix, "." replaced by "_")
//   2. .env files loaded by LoadDotEnv
//   3. YAML config file (default: /etc/hydrodiag/config.yaml)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. server:    listen address, allowed origins, rate limit, timeouts
//   2. knowledge: knowledge base directory and scenarios document
//   3. engine:    belief coefficients, machine thresholds, turn timeouts
//   4. llm:       provider ("openai" | "ollama" | "none"), api key, model, base url
//   5. artifacts: upload directory, size limit, analysis cache
//   6. sessions:  backend ("memory" | "redis" | "sqlite") and redis settings
//   7. database:  sqlite path for lessons and the sqlite session backend
//   8. events:    NATS domain event publishing
//   9. logging:   level, format, app and audit log rotation
//  10. tracing:   OTLP exporter

// Config contains all configuration fields.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Engine    EngineConfig    `mapstructure:"engine"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Events    events.Config   `mapstructure:"events"`
	Logging   logging.Config  `mapstructure:"logging"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// AllowedOrigins is a list of origins permitted for CORS and WebSocket
	// connections. Use ["*"] to allow any origin (development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// RateLimitPerMin is the per-client request budget. 0 disables limiting.
	RateLimitPerMin int `mapstructure:"rate_limit_per_min"`
	RateLimitBurst  int `mapstructure:"rate_limit_burst"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// KnowledgeConfig locates the knowledge base. Empty paths use the data
// embedded in the binary.
type KnowledgeConfig struct {
	Dir           string `mapstructure:"dir"`
	ScenariosPath string `mapstructure:"scenarios_path"`
}

// EngineConfig carries the reasoning coefficients.
type EngineConfig struct {
	Belief  belief.Params  `mapstructure:"belief"`
	Machine machine.Config `mapstructure:"machine"`
	Turn    engine.Config  `mapstructure:"turn"`
}

// LLMConfig configures the chat completion provider.
type LLMConfig struct {
	Provider  string        `mapstructure:"provider"`
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	BaseURL   string        `mapstructure:"base_url"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`

	// Configured is set by Validate when the provider can be built.
	Configured bool `mapstructure:"-"`
}

// ArtifactsConfig configures uploads and schematic analysis.
type ArtifactsConfig struct {
	UploadDir   string        `mapstructure:"upload_dir"`
	MaxUploadMB int           `mapstructure:"max_upload_mb"`
	CacheSize   int           `mapstructure:"cache_size"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// SessionsConfig selects the session backend.
type SessionsConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// DatabaseConfig locates the sqlite database.
type DatabaseConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file and sends each valid reload.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager(DefaultConfigPath)
}

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "/etc/hydrodiag/config.yaml"
