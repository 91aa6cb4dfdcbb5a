package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors. It
// also sets LLM.Configured.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Host != "" && net.ParseIP(c.Server.Host) == nil && c.Server.Host != "localhost" {
		add("server.host", "host must be an IP address or localhost, got %q", c.Server.Host)
	}
	if c.Server.RateLimitPerMin < 0 {
		add("server.rate_limit_per_min", "rate_limit_per_min cannot be negative, got %d", c.Server.RateLimitPerMin)
	}
	if c.Server.RateLimitBurst < 0 {
		add("server.rate_limit_burst", "rate_limit_burst cannot be negative, got %d", c.Server.RateLimitBurst)
	}

	// Knowledge
	if dir := c.Knowledge.Dir; dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			add("knowledge.dir", "knowledge directory does not exist: %s", dir)
		}
	}
	if p := c.Knowledge.ScenariosPath; p != "" {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			add("knowledge.scenarios_path", "scenarios file does not exist: %s", p)
		}
	}

	// Engine: belief coefficients
	b := c.Engine.Belief
	for _, f := range []struct {
		field string
		value float64
	}{
		{"engine.belief.symptom_weight", b.SymptomWeight},
		{"engine.belief.observation_weight", b.ObservationWeight},
		{"engine.belief.penalty_factor", b.PenaltyFactor},
	} {
		if f.value < 0 || f.value > 1 {
			add(f.field, "must be between 0 and 1, got %.2f", f.value)
		}
	}
	if b.TopK < 1 {
		add("engine.belief.top_k", "top_k must be at least 1, got %d", b.TopK)
	}
	for i, boost := range b.ArtifactBoosts {
		field := fmt.Sprintf("engine.belief.artifact_boosts[%d]", i)
		if boost.Cause == "" {
			add(field, "cause is required")
		}
		if _, err := regexp.Compile(boost.Pattern); err != nil || boost.Pattern == "" {
			add(field, "pattern must be a non-empty regular expression")
		}
		if boost.Delta < 0 || boost.Delta > 1 {
			add(field, "delta must be between 0 and 1, got %.2f", boost.Delta)
		}
	}

	// Engine: machine thresholds, 0 < low < high <= 1
	mc := c.Engine.Machine
	if mc.LowConfidence <= 0 || mc.HighConfidence > 1 || mc.LowConfidence >= mc.HighConfidence {
		add("engine.machine", "thresholds must satisfy 0 < low_confidence < high_confidence <= 1, got low=%.2f high=%.2f",
			mc.LowConfidence, mc.HighConfidence)
	}
	if mc.MaxFallbackRounds < 0 {
		add("engine.machine.max_fallback_rounds", "max_fallback_rounds cannot be negative, got %d", mc.MaxFallbackRounds)
	}

	// Engine: turn
	if c.Engine.Turn.HypothesisTimeout < 0 {
		add("engine.turn.hypothesis_timeout", "hypothesis_timeout cannot be negative")
	}
	if c.Engine.Turn.ArtifactTimeout < 0 {
		add("engine.turn.artifact_timeout", "artifact_timeout cannot be negative")
	}
	if c.Engine.Turn.ScenarioLimit < 0 {
		add("engine.turn.scenario_limit", "scenario_limit cannot be negative, got %d", c.Engine.Turn.ScenarioLimit)
	}

	// LLM. A missing key is not fatal: the service runs offline.
	switch strings.ToLower(c.LLM.Provider) {
	case "openai":
		c.LLM.Configured = c.LLM.APIKey != ""
		if c.LLM.Configured && c.LLM.Model == "" {
			add("llm.model", "model is required when an API key is set")
		}
	case "ollama":
		c.LLM.Configured = true
	case "none", "":
		c.LLM.Configured = false
	default:
		add("llm.provider", "invalid provider '%s', must be one of: openai, ollama, none", c.LLM.Provider)
	}
	if c.LLM.MaxTokens < 0 {
		add("llm.max_tokens", "max_tokens cannot be negative, got %d", c.LLM.MaxTokens)
	}

	// Artifacts
	if c.Artifacts.UploadDir == "" {
		add("artifacts.upload_dir", "upload_dir is required")
	}
	if c.Artifacts.MaxUploadMB < 1 {
		add("artifacts.max_upload_mb", "max_upload_mb must be at least 1, got %d", c.Artifacts.MaxUploadMB)
	}
	if c.Artifacts.CacheSize < 0 {
		add("artifacts.cache_size", "cache_size cannot be negative, got %d", c.Artifacts.CacheSize)
	}

	// Sessions
	switch c.Sessions.Backend {
	case "memory", "sqlite":
	case "redis":
		if _, _, err := net.SplitHostPort(c.Sessions.RedisAddr); err != nil {
			add("sessions.redis_addr", "invalid address format (expected host:port): %v", err)
		}
		if c.Sessions.RedisDB < 0 {
			add("sessions.redis_db", "redis_db cannot be negative, got %d", c.Sessions.RedisDB)
		}
	default:
		add("sessions.backend", "invalid backend '%s', must be one of: memory, redis, sqlite", c.Sessions.Backend)
	}
	if c.Sessions.TTL < 0 {
		add("sessions.ttl", "ttl cannot be negative")
	}

	// Database
	if c.Database.SQLitePath == "" {
		add("database.sqlite_path", "sqlite_path is required")
	}

	// Events
	if c.Events.Enabled && c.Events.URL == "" {
		add("events.url", "url is required when events are enabled")
	}

	// Logging
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		add("logging.level", "invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		add("logging.format", "invalid log format '%s', must be one of: json, console", c.Logging.Format)
	}
	if c.Logging.AuditLogPath == "" {
		add("logging.audit_log_path", "audit_log_path is required")
	}

	// Tracing
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate", "sampling_rate must be between 0 and 1, got %.2f", c.Tracing.SamplingRate)
	}
	if p := strings.ToLower(c.Tracing.Protocol); p != "" && p != "http" && p != "grpc" {
		add("tracing.protocol", "invalid protocol '%s', must be one of: http, grpc", c.Tracing.Protocol)
	}

	return errs
}
