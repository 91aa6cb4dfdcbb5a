package hypothesis

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	llmtypes "github.com/hydrodiag/hydrodiag-ai/internal/llm/types"
	"github.com/hydrodiag/hydrodiag-ai/internal/memory/scenarios"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/prompt"
	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

const defaultTemperature = 0.2

// LLMGenerator asks a chat model for a structured diagnosis.
type LLMGenerator struct {
	client      llmtypes.ChatCompleter
	temperature float64
	logger      *zap.Logger
}

// NewLLMGenerator creates a generator over client.
func NewLLMGenerator(client llmtypes.ChatCompleter, logger *zap.Logger) *LLMGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMGenerator{
		client:      client,
		temperature: defaultTemperature,
		logger:      logger,
	}
}

// Generate implements Generator. Transport failures are returned as errors;
// replies that do not parse become a zero-confidence result.
func (g *LLMGenerator) Generate(ctx context.Context, req Request) (types.Diagnosis, error) {
	user := prompt.RenderHypothesisPrompt(Input(req))

	resp, err := g.client.Chat(ctx, llmtypes.ChatRequest{
		Messages: []llmtypes.Message{
			{Role: llmtypes.RoleSystem, Content: prompt.HypothesisSystemPrompt},
			{Role: llmtypes.RoleUser, Content: user},
		},
		Temperature: llmtypes.Float(g.temperature),
		JSONMode:    true,
	})
	if err != nil {
		return types.Diagnosis{}, fmt.Errorf("hypothesis chat: %w", err)
	}

	d := Parse(resp.Content)
	g.logger.Debug("Hypothesis generated",
		zap.String("session_id", req.SessionID),
		zap.String("model", resp.Model),
		zap.Float64("confidence", d.Confidence),
		zap.Int("questions", len(d.ClarifyingQuestions)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return d, nil
}

// Input converts a request into the prompt template input.
func Input(req Request) prompt.HypothesisInput {
	in := prompt.HypothesisInput{
		Issue:     req.Complaint,
		Latest:    req.LatestMessage,
		Knowledge: scenarios.Format(req.Scenarios),
	}
	for _, c := range req.TopCauses {
		in.Candidates = append(in.Candidates, prompt.Candidate{Cause: c.Cause, Score: c.Score})
	}
	for _, qa := range req.QA {
		in.Answers = append(in.Answers, prompt.QA{Question: qa.Question, Answer: qa.Answer})
	}
	return in
}
