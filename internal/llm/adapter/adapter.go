package adapter

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hydrodiag/hydrodiag-ai/internal/llm/provider/ollama"
	"github.com/hydrodiag/hydrodiag-ai/internal/llm/provider/openai"
	"github.com/hydrodiag/hydrodiag-ai/internal/llm/types"
)

// Package adapter selects the chat completion provider from configuration.
//
// Supported Providers:
//   1. openai: OpenAI or any OpenAI-compatible endpoint via BaseURL
//   2. ollama: a local Ollama instance, no API key
//   3. none:   no provider; callers fall back to offline behaviour

// ProviderType names an LLM provider.
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderOllama ProviderType = "ollama"
	ProviderNone   ProviderType = "none"
)

// ErrDisabled is returned by New when no provider is configured.
var ErrDisabled = errors.New("llm provider disabled")

// Config configures the provider.
type Config struct {
	Provider  ProviderType
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// New builds the configured provider. It returns ErrDisabled for the none
// provider, and also for openai when no API key is available.
func New(cfg Config) (types.ChatCompleter, error) {
	switch ProviderType(strings.ToLower(string(cfg.Provider))) {
	case ProviderNone, "":
		return nil, ErrDisabled

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai: %w: no API key", ErrDisabled)
		}
		client, err := openai.NewOpenAIClient(cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		client.SetBaseURL(cfg.BaseURL)
		client.SetMaxTokens(cfg.MaxTokens)
		if cfg.Timeout > 0 {
			client.SetHTTPClient(&http.Client{Timeout: cfg.Timeout})
		}
		return client, nil

	case ProviderOllama:
		client := ollama.NewOllamaClient(cfg.BaseURL, cfg.Model)
		client.SetMaxTokens(cfg.MaxTokens)
		if cfg.Timeout > 0 {
			client.SetHTTPClient(&http.Client{Timeout: cfg.Timeout})
		}
		return client, nil

	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.Provider)
	}
}
