package config

import (
	"time"

	"github.com/hydrodiag/hydrodiag-ai/internal/events"
	"github.com/hydrodiag/hydrodiag-ai/internal/logging"
	"github.com/hydrodiag/hydrodiag-ai/internal/pkg/tracing"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/belief"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/engine"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/machine"
)

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8000
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.RateLimitPerMin = 120
	cfg.Server.RateLimitBurst = 20
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 120 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	// Knowledge defaults: embedded data
	cfg.Knowledge.Dir = ""
	cfg.Knowledge.ScenariosPath = ""

	// Engine defaults
	cfg.Engine.Belief = belief.DefaultParams()
	cfg.Engine.Machine = machine.DefaultConfig()
	cfg.Engine.Turn = engine.DefaultConfig()

	// LLM defaults
	cfg.LLM.Provider = "openai"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.BaseURL = ""
	cfg.LLM.MaxTokens = 1024
	cfg.LLM.Timeout = 60 * time.Second

	// Artifact defaults
	cfg.Artifacts.UploadDir = "uploads"
	cfg.Artifacts.MaxUploadMB = 20
	cfg.Artifacts.CacheSize = 256
	cfg.Artifacts.CacheTTL = time.Hour

	// Session defaults
	cfg.Sessions.Backend = "memory"
	cfg.Sessions.RedisAddr = "localhost:6379"
	cfg.Sessions.RedisDB = 0
	cfg.Sessions.KeyPrefix = "session:"
	cfg.Sessions.TTL = 0

	// Database defaults
	cfg.Database.SQLitePath = "data/hydrodiag.db"

	// Events defaults: disabled
	cfg.Events = events.Config{URL: "nats://localhost:4222", Prefix: events.DefaultPrefix}

	cfg.Logging = logging.DefaultConfig()
	cfg.Tracing = tracing.DefaultConfig()

	return cfg
}
