package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hydrodiag/hydrodiag-ai/internal/artifact"
	"github.com/hydrodiag/hydrodiag-ai/internal/audit"
	"github.com/hydrodiag/hydrodiag-ai/internal/cache"
	"github.com/hydrodiag/hydrodiag-ai/internal/config"
	"github.com/hydrodiag/hydrodiag-ai/internal/db"
	"github.com/hydrodiag/hydrodiag-ai/internal/events"
	"github.com/hydrodiag/hydrodiag-ai/internal/knowledge"
	"github.com/hydrodiag/hydrodiag-ai/internal/llm/adapter"
	"github.com/hydrodiag/hydrodiag-ai/internal/memory/scenarios"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/hypothesis"
	"github.com/hydrodiag/hydrodiag-ai/internal/server"
	"github.com/hydrodiag/hydrodiag-ai/internal/sessionstore"
)

const redisPingTimeout = 5 * time.Second

// loadKnowledge loads the knowledge base and scenario library, from disk
// when configured and from the embedded copies otherwise.
func loadKnowledge(cfg config.KnowledgeConfig) (*knowledge.Base, *scenarios.Store, error) {
	var (
		kb  *knowledge.Base
		err error
	)
	if cfg.Dir != "" {
		kb, err = knowledge.LoadDir(cfg.Dir)
	} else {
		kb, err = knowledge.Default()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load knowledge base: %w", err)
	}

	var library *scenarios.Store
	if cfg.ScenariosPath != "" {
		library, err = scenarios.LoadFile(cfg.ScenariosPath)
	} else {
		library, err = scenarios.Default()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load scenarios: %w", err)
	}
	return kb, library, nil
}

func openDatabase(cfg config.DatabaseConfig) (db.Store, error) {
	if cfg.SQLitePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := db.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

// openSessions builds the configured session backend. The returned checks
// are served by /health.
func openSessions(ctx context.Context, cfg config.SessionsConfig, store db.Store, logger *zap.Logger, auditLog audit.Logger) (*sessionstore.Store, map[string]server.HealthCheck, func(), error) {
	opts := []sessionstore.Option{
		sessionstore.WithLogger(logger.Named("sessions")),
		sessionstore.WithAudit(auditLog),
	}
	checks := map[string]server.HealthCheck{}

	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		backend := sessionstore.NewRedisBackend(client, cfg.KeyPrefix, cfg.TTL)

		pctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := backend.Ping(pctx); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		checks["sessions"] = backend.Ping
		return sessionstore.New(backend, opts...), checks, func() { client.Close() }, nil

	case "sqlite":
		checks["sessions"] = store.Ping
		return sessionstore.New(sessionstore.NewSQLBackend(store), opts...), checks, func() {}, nil

	default:
		return sessionstore.NewMemoryStore(opts...), checks, func() {}, nil
	}
}

// buildModels returns the hypothesis generator and artifact analyzer. Without
// a chat model the generator reads the question bank and artifacts are not
// analyzed.
func buildModels(cfg config.LLMConfig, artifacts config.ArtifactsConfig, kb *knowledge.Base, logger *zap.Logger) (hypothesis.Generator, artifact.Analyzer) {
	client, err := adapter.New(adapter.Config{
		Provider:  adapter.ProviderType(cfg.Provider),
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		MaxTokens: cfg.MaxTokens,
		Timeout:   cfg.Timeout,
	})
	if err != nil {
		if !errors.Is(err, adapter.ErrDisabled) {
			logger.Error("LLM provider unavailable, running offline", zap.Error(err))
		} else {
			logger.Info("No LLM provider configured, running offline")
		}
		return hypothesis.NewBankGenerator(kb), artifact.NopAnalyzer
	}

	logger.Info("LLM provider configured", zap.String("provider", cfg.Provider), zap.String("model", cfg.Model))
	analyzer := artifact.NewCachingAnalyzer(
		artifact.NewVisionAnalyzer(client, logger.Named("vision")),
		cache.New[artifact.Analysis](artifacts.CacheSize, artifacts.CacheTTL),
	)
	return hypothesis.NewLLMGenerator(client, logger.Named("hypothesis")), analyzer
}

func openPublisher(cfg events.Config, logger *zap.Logger) (events.Publisher, error) {
	if !cfg.Enabled {
		return events.NopPublisher{}, nil
	}
	pub, err := events.NewNATSPublisher(cfg, logger.Named("events"))
	if err != nil {
		return nil, err
	}
	return pub, nil
}
