package types

import "context"

// Roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a message in a conversation. Parts, when set, carry
// multimodal content and take precedence over Content.
type Message struct {
	Role    string        `json:"role"`              // user, assistant, system
	Content string        `json:"content,omitempty"` // message text
	Parts   []ContentPart `json:"parts,omitempty"`
}

// Content part types
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"` // http(s) or data: URL
}

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	Messages    []Message
	Temperature *float64
	MaxTokens   int

	// JSONMode asks the provider to return a single JSON object.
	JSONMode bool
}

// ChatResponse is the first choice of a chat completion.
type ChatResponse struct {
	Content      string
	Model        string
	FinishReason string
	Usage        TokenUsage
}

// TokenUsage reports token consumption of a request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompleter is implemented by every LLM provider.
type ChatCompleter interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Float returns a pointer to v, for optional request fields.
func Float(v float64) *float64 { return &v }
