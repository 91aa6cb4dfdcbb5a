package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hydrodiag/hydrodiag-ai/internal/cache"
	"github.com/hydrodiag/hydrodiag-ai/internal/llm"
	"github.com/hydrodiag/hydrodiag-ai/internal/llm/types"
	"github.com/hydrodiag/hydrodiag-ai/internal/metrics"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/belief"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/prompt"
)

// Analysis is the structure extracted from a schematic.
type Analysis struct {
	Components  []belief.Component `json:"components"`
	Connections [][]string         `json:"connections"`
}

// Empty reports whether nothing was recognized.
func (a Analysis) Empty() bool {
	return len(a.Components) == 0 && len(a.Connections) == 0
}

// Input is the artifact handed to an analyzer.
type Input struct {
	ID        string
	MediaType string
	Data      []byte
}

// Analyzer extracts components and connections from an artifact. An error
// means no analysis ran; unreadable content is an empty Analysis.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (Analysis, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, in Input) (Analysis, error)

// Analyze implements Analyzer.
func (f AnalyzerFunc) Analyze(ctx context.Context, in Input) (Analysis, error) {
	return f(ctx, in)
}

// NopAnalyzer recognizes nothing. It is used when no vision model is
// configured.
var NopAnalyzer Analyzer = AnalyzerFunc(func(context.Context, Input) (Analysis, error) {
	return Analysis{}, nil
})

// ParseAnalysis decodes a model reply. Anything unparseable is empty.
func ParseAnalysis(raw string) Analysis {
	block, ok := llm.ExtractJSONBlock(raw)
	if !ok {
		return Analysis{}
	}
	var a Analysis
	if err := json.Unmarshal([]byte(block), &a); err != nil {
		return Analysis{}
	}
	return a
}

// VisionAnalyzer sends the artifact to a multimodal chat model as a data URL.
type VisionAnalyzer struct {
	client types.ChatCompleter
	logger *zap.Logger
}

// NewVisionAnalyzer creates an analyzer over client.
func NewVisionAnalyzer(client types.ChatCompleter, logger *zap.Logger) *VisionAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VisionAnalyzer{client: client, logger: logger}
}

// Analyze implements Analyzer.
func (v *VisionAnalyzer) Analyze(ctx context.Context, in Input) (Analysis, error) {
	url := fmt.Sprintf("data:%s;base64,%s", in.MediaType, base64.StdEncoding.EncodeToString(in.Data))

	resp, err := v.client.Chat(ctx, types.ChatRequest{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: prompt.SchematicSystemPrompt},
			{Role: types.RoleUser, Parts: []types.ContentPart{
				{Type: types.PartText, Text: prompt.SchematicUserPrompt},
				{Type: types.PartImageURL, ImageURL: url},
			}},
		},
		JSONMode: true,
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("schematic analysis: %w", err)
	}

	a := ParseAnalysis(resp.Content)
	v.logger.Debug("Schematic analyzed",
		zap.String("artifact_id", in.ID),
		zap.Int("components", len(a.Components)),
		zap.Int("connections", len(a.Connections)),
	)
	return a, nil
}

// CachingAnalyzer memoizes analyses by content hash.
type CachingAnalyzer struct {
	next  Analyzer
	cache *cache.Cache[Analysis]
}

// NewCachingAnalyzer wraps next with c.
func NewCachingAnalyzer(next Analyzer, c *cache.Cache[Analysis]) *CachingAnalyzer {
	return &CachingAnalyzer{next: next, cache: c}
}

// Analyze implements Analyzer. Failed analyses are not cached.
func (c *CachingAnalyzer) Analyze(ctx context.Context, in Input) (Analysis, error) {
	sum := sha256.Sum256(in.Data)
	key := "schematic:" + hex.EncodeToString(sum[:])

	if a, ok := c.cache.Get(key); ok {
		metrics.CacheHits.WithLabelValues("schematic").Inc()
		return a, nil
	}
	metrics.CacheMisses.WithLabelValues("schematic").Inc()
	a, err := c.next.Analyze(ctx, in)
	if err != nil {
		return a, err
	}
	c.cache.Set(key, a)
	return a, nil
}

// WithTimeout bounds every call of a by d.
func WithTimeout(a Analyzer, d time.Duration) Analyzer {
	if d <= 0 {
		return a
	}
	return AnalyzerFunc(func(ctx context.Context, in Input) (Analysis, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return a.Analyze(ctx, in)
	})
}
