package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrodiag/hydrodiag-ai/internal/llm/types"
)

func TestNewOllamaClientDefaults(t *testing.T) {
	c := NewOllamaClient("", "")
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, DefaultModel, c.Model())

	c = NewOllamaClient("http://gpu-box:11434/", "llava")
	assert.Equal(t, "http://gpu-box:11434", c.baseURL)
	assert.Equal(t, "llava", c.Model())
}

func TestChat(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"llava","message":{"role":"assistant","content":"{\"components\":[\"pump\"]}"},"done_reason":"stop","prompt_eval_count":40,"eval_count":12}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "llava")
	c.SetMaxTokens(256)
	resp, err := c.Chat(context.Background(), types.ChatRequest{
		JSONMode:    true,
		Temperature: types.Float(0.1),
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "Describe the circuit."},
			{Role: types.RoleUser, Parts: []types.ContentPart{
				{Type: types.PartText, Text: "What components are shown?"},
				{Type: types.PartImageURL, ImageURL: "data:image/png;base64,iVBORw0KGgo="},
			}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, `{"components":["pump"]}`, resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, types.TokenUsage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52}, resp.Usage)

	assert.Equal(t, "llava", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, "json", got.Format)
	require.NotNil(t, got.Options)
	assert.Equal(t, 256, got.Options.NumPredict)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "What components are shown?", got.Messages[1].Content)
	assert.Equal(t, []string{"iVBORw0KGgo="}, got.Messages[1].Images)
}

func TestChatErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model \"llava\" not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()
	c := NewOllamaClient(srv.URL, "llava")

	_, err := c.Chat(context.Background(), types.ChatRequest{})
	assert.Error(t, err, "no messages")

	_, err = c.Chat(context.Background(), types.ChatRequest{Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")

	_, err = c.Chat(context.Background(), types.ChatRequest{Messages: []types.Message{{Role: types.RoleUser, Parts: []types.ContentPart{
		{Type: types.PartImageURL, ImageURL: "https://example.com/circuit.png"},
	}}}})
	assert.ErrorContains(t, err, "only inline data: images")
}
