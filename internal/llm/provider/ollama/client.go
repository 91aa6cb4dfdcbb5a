package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hydrodiag/hydrodiag-ai/internal/llm/types"
)

// Package ollama provides a client for a local Ollama instance.
//
// Images are sent in the native images field, so vision models such as
// llava or llama3.2-vision can read uploaded schematics without leaving
// the machine.

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3.2-vision"
	DefaultTimeout = 120 * time.Second
)

// Client implements types.ChatCompleter for the Ollama chat API.
type Client struct {
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// NewOllamaClient creates a client for the Ollama instance at baseURL.
func NewOllamaClient(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// Chat implements types.ChatCompleter.
func (c *Client) Chat(ctx context.Context, req types.ChatRequest) (*types.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		m, err := toOllamaMessage(msg)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	request := ollamaChatRequest{
		Model:    c.model,
		Messages: messages,
	}
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if req.Temperature != nil || maxTokens > 0 {
		request.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: maxTokens}
	}
	if req.JSONMode {
		request.Format = "json"
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Ollama API error (status %d): %s", resp.StatusCode, string(data))
	}

	var chatResponse ollamaChatResponse
	if err := json.Unmarshal(data, &chatResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &types.ChatResponse{
		Content:      chatResponse.Message.Content,
		Model:        chatResponse.Model,
		FinishReason: chatResponse.DoneReason,
		Usage: types.TokenUsage{
			PromptTokens:     chatResponse.PromptEvalCount,
			CompletionTokens: chatResponse.EvalCount,
			TotalTokens:      chatResponse.PromptEvalCount + chatResponse.EvalCount,
		},
	}, nil
}

// toOllamaMessage flattens text parts into Content and moves inline
// images into Images. Ollama does not fetch remote image URLs.
func toOllamaMessage(msg types.Message) (ollamaMessage, error) {
	out := ollamaMessage{Role: msg.Role, Content: msg.Content}
	if len(msg.Parts) == 0 {
		return out, nil
	}

	var text []string
	for _, p := range msg.Parts {
		switch p.Type {
		case types.PartImageURL:
			_, payload, ok := strings.Cut(p.ImageURL, ";base64,")
			if !ok || !strings.HasPrefix(p.ImageURL, "data:") {
				return ollamaMessage{}, fmt.Errorf("ollama: only inline data: images are supported")
			}
			out.Images = append(out.Images, payload)
		default:
			text = append(text, p.Text)
		}
	}
	out.Content = strings.Join(text, "\n")
	return out, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// SetMaxTokens caps the completion length (num_predict).
func (c *Client) SetMaxTokens(n int) {
	if n > 0 {
		c.maxTokens = n
	}
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.httpClient = hc
	}
}
