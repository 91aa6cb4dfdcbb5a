package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "HYDRODIAG"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string

	mu        sync.RWMutex
	config    *Config
	viper     *viper.Viper
	watchChan chan Config
	watchOnce sync.Once
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set are not overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	v := viper.New()

	if m.configPath != "" {
		v.SetConfigFile(m.configPath)
	}
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := readConfig(v, m.configPath); err != nil {
		return err
	}

	m.mu.Lock()
	m.viper = v
	m.mu.Unlock()

	return m.unmarshalConfig()
}

// readConfig reads the config file. A missing file is not an error.
func readConfig(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	m.mu.Lock()
	errs := m.config.Validate()
	m.mu.Unlock()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file and sends every reload that validates.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.watchOnce.Do(func() {
		m.mu.RLock()
		v := m.viper
		m.mu.RUnlock()
		if v == nil || m.configPath == "" {
			return
		}
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := m.unmarshalConfig(); err != nil {
				return
			}
			cfg := m.Get(ctx)
			if len(cfg.Validate()) > 0 {
				return
			}
			// Latest wins: replace an update nobody has read yet.
			select {
			case m.watchChan <- *cfg:
			default:
				select {
				case <-m.watchChan:
				default:
				}
				m.watchChan <- *cfg
			}
		})
		v.WatchConfig()
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	m.mu.RLock()
	v := m.viper
	m.mu.RUnlock()
	if v == nil {
		return m.Load(ctx)
	}
	if err := readConfig(v, m.configPath); err != nil {
		return err
	}
	return m.unmarshalConfig()
}

// setDefaults registers every key so that environment overrides reach
// Unmarshal.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.rate_limit_per_min", d.Server.RateLimitPerMin)
	v.SetDefault("server.rate_limit_burst", d.Server.RateLimitBurst)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	// Knowledge
	v.SetDefault("knowledge.dir", d.Knowledge.Dir)
	v.SetDefault("knowledge.scenarios_path", d.Knowledge.ScenariosPath)

	// Engine
	v.SetDefault("engine.belief.symptom_weight", d.Engine.Belief.SymptomWeight)
	v.SetDefault("engine.belief.observation_weight", d.Engine.Belief.ObservationWeight)
	v.SetDefault("engine.belief.penalty_factor", d.Engine.Belief.PenaltyFactor)
	v.SetDefault("engine.belief.top_k", d.Engine.Belief.TopK)
	v.SetDefault("engine.belief.artifact_boosts", d.Engine.Belief.ArtifactBoosts)
	v.SetDefault("engine.machine.high_confidence", d.Engine.Machine.HighConfidence)
	v.SetDefault("engine.machine.low_confidence", d.Engine.Machine.LowConfidence)
	v.SetDefault("engine.machine.max_fallback_rounds", d.Engine.Machine.MaxFallbackRounds)
	v.SetDefault("engine.machine.upload_endpoint", d.Engine.Machine.UploadEndpoint)
	v.SetDefault("engine.machine.accept", d.Engine.Machine.Accept)
	v.SetDefault("engine.turn.hypothesis_timeout", d.Engine.Turn.HypothesisTimeout)
	v.SetDefault("engine.turn.artifact_timeout", d.Engine.Turn.ArtifactTimeout)
	v.SetDefault("engine.turn.scenario_limit", d.Engine.Turn.ScenarioLimit)

	// LLM
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.timeout", d.LLM.Timeout)

	// Artifacts
	v.SetDefault("artifacts.upload_dir", d.Artifacts.UploadDir)
	v.SetDefault("artifacts.max_upload_mb", d.Artifacts.MaxUploadMB)
	v.SetDefault("artifacts.cache_size", d.Artifacts.CacheSize)
	v.SetDefault("artifacts.cache_ttl", d.Artifacts.CacheTTL)

	// Sessions
	v.SetDefault("sessions.backend", d.Sessions.Backend)
	v.SetDefault("sessions.redis_addr", d.Sessions.RedisAddr)
	v.SetDefault("sessions.redis_password", d.Sessions.RedisPassword)
	v.SetDefault("sessions.redis_db", d.Sessions.RedisDB)
	v.SetDefault("sessions.key_prefix", d.Sessions.KeyPrefix)
	v.SetDefault("sessions.ttl", d.Sessions.TTL)

	// Database
	v.SetDefault("database.sqlite_path", d.Database.SQLitePath)

	// Events
	v.SetDefault("events.enabled", d.Events.Enabled)
	v.SetDefault("events.url", d.Events.URL)
	v.SetDefault("events.subject_prefix", d.Events.Prefix)

	// Logging
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.app_log_path", d.Logging.AppLogPath)
	v.SetDefault("logging.audit_log_path", d.Logging.AuditLogPath)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)

	// Tracing
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.protocol", d.Tracing.Protocol)
	v.SetDefault("tracing.sampling_rate", d.Tracing.SamplingRate)
}

// unmarshalConfig decodes viper state into a fresh Config.
func (m *viperConfigManager) unmarshalConfig() error {
	m.mu.RLock()
	v := m.viper
	m.mu.RUnlock()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	applyEnvOverrides(cfg)

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// applyEnvOverrides applies well-known variables that do not carry the
// HYDRODIAG prefix.
func applyEnvOverrides(cfg *Config) {
	if cfg.LLM.APIKey == "" {
		if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
			cfg.LLM.APIKey = apiKey
		}
	}
	if cfg.LLM.BaseURL == "" {
		if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
			cfg.LLM.BaseURL = baseURL
		}
	}
	if addr := os.Getenv("REDIS_URL"); addr != "" && cfg.Sessions.RedisAddr == DefaultConfig().Sessions.RedisAddr {
		cfg.Sessions.RedisAddr = strings.TrimPrefix(addr, "redis://")
	}
}
