package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hydrodiag/hydrodiag-ai/internal/artifact"
	"github.com/hydrodiag/hydrodiag-ai/internal/audit"
	"github.com/hydrodiag/hydrodiag-ai/internal/config"
	"github.com/hydrodiag/hydrodiag-ai/internal/events"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/hypothesis"
)

func TestLoadKnowledgeDefaults(t *testing.T) {
	kb, library, err := loadKnowledge(config.KnowledgeConfig{})
	require.NoError(t, err)
	assert.NotEmpty(t, kb.Causes())
	assert.Positive(t, library.Len())

	_, _, err = loadKnowledge(config.KnowledgeConfig{Dir: t.TempDir()})
	assert.Error(t, err, "an empty directory is missing the graph files")

	_, _, err = loadKnowledge(config.KnowledgeConfig{ScenariosPath: filepath.Join(t.TempDir(), "none.json")})
	assert.Error(t, err)
}

func TestOpenSessionsBackends(t *testing.T) {
	ctx := context.Background()
	store, err := openDatabase(config.DatabaseConfig{SQLitePath: filepath.Join(t.TempDir(), "data", "test.db")})
	require.NoError(t, err)
	defer store.Close()

	mr := miniredis.RunT(t)

	tests := []struct {
		name    string
		cfg     config.SessionsConfig
		backend string
		checks  []string
	}{
		{"memory", config.SessionsConfig{Backend: "memory"}, "memory", nil},
		{"sqlite", config.SessionsConfig{Backend: "sqlite"}, "sqlite", []string{"sessions"}},
		{"redis", config.SessionsConfig{Backend: "redis", RedisAddr: mr.Addr(), KeyPrefix: "session:"}, "redis", []string{"sessions"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sessions, checks, closeFn, err := openSessions(ctx, tc.cfg, store, zap.NewNop(), audit.NewNopLogger())
			require.NoError(t, err)
			defer closeFn()

			assert.Equal(t, tc.backend, sessions.Backend())
			assert.Len(t, checks, len(tc.checks))
			for _, name := range tc.checks {
				assert.NoError(t, checks[name](ctx))
			}

			sess, err := sessions.Get(ctx, "wire-test")
			require.NoError(t, err)
			assert.Equal(t, "wire-test", sess.ID)
		})
	}
}

func TestOpenSessionsRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, _, _, err := openSessions(context.Background(), config.SessionsConfig{Backend: "redis", RedisAddr: addr}, nil, zap.NewNop(), audit.NewNopLogger())
	assert.Error(t, err)
}

func TestBuildModelsOffline(t *testing.T) {
	kb, _, err := loadKnowledge(config.KnowledgeConfig{})
	require.NoError(t, err)

	gen, analyzer := buildModels(config.LLMConfig{Provider: "none"}, config.ArtifactsConfig{}, kb, zap.NewNop())
	assert.IsType(t, &hypothesis.BankGenerator{}, gen)
	analysis, err := analyzer.Analyze(context.Background(), artifact.Input{ID: "a.png", MediaType: artifact.MediaPNG})
	require.NoError(t, err)
	assert.True(t, analysis.Empty())

	gen, _ = buildModels(config.LLMConfig{Provider: "openai"}, config.ArtifactsConfig{}, kb, zap.NewNop())
	assert.IsType(t, &hypothesis.BankGenerator{}, gen, "no API key")

	gen, analyzer = buildModels(config.LLMConfig{Provider: "openai", APIKey: "sk-test", Model: "gpt-4o-mini"}, config.ArtifactsConfig{CacheSize: 8}, kb, zap.NewNop())
	assert.IsType(t, &hypothesis.LLMGenerator{}, gen)
	assert.IsType(t, &artifact.CachingAnalyzer{}, analyzer)

	gen, _ = buildModels(config.LLMConfig{Provider: "ollama", Model: "llava"}, config.ArtifactsConfig{CacheSize: 8}, kb, zap.NewNop())
	assert.IsType(t, &hypothesis.LLMGenerator{}, gen, "ollama needs no key")
}

func TestOpenPublisherDisabled(t *testing.T) {
	pub, err := openPublisher(events.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, events.NopPublisher{}, pub)
}
