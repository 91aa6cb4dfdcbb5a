// Package hypothesis defines the open-ended hypothesis generator consulted
// when the knowledge graph is exhausted or inconclusive.
package hypothesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hydrodiag/hydrodiag-ai/internal/llm"
	"github.com/hydrodiag/hydrodiag-ai/internal/memory/scenarios"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/belief"
	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

// ErrTimeout is returned when generation exceeds its deadline.
var ErrTimeout = errors.New("hypothesis generation timed out")

// QAPair is an answered question.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Request is everything the generator is told about the conversation.
type Request struct {
	SessionID     string
	Complaint     string
	LatestMessage string
	TopCauses     []belief.Belief
	QA            []QAPair
	Tags          []string

	// Scenarios is filled by the caller from the scenario retriever.
	Scenarios []scenarios.Scenario
}

// RetrievalText is the text used to look up similar scenarios.
func (r Request) RetrievalText() string {
	parts := []string{r.Complaint}
	if r.LatestMessage != "" && r.LatestMessage != r.Complaint {
		parts = append(parts, r.LatestMessage)
	}
	for _, qa := range r.QA {
		parts = append(parts, "Q: "+qa.Question+"\nA: "+qa.Answer)
	}
	return strings.Join(parts, "\n")
}

// Generator produces a structured diagnosis. Implementations return an
// error only when no result could be obtained at all; non-conforming model
// output is reported as a zero-confidence result instead.
type Generator interface {
	Generate(ctx context.Context, req Request) (types.Diagnosis, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (types.Diagnosis, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (types.Diagnosis, error) {
	return f(ctx, req)
}

// rawDiagnosis accepts the loosely typed fields models tend to emit.
type rawDiagnosis struct {
	ClarifyingQuestions []string    `json:"clarifying_questions"`
	DiagnosticSteps     []string    `json:"diagnostic_steps"`
	LikelyCause         *string     `json:"likely_cause"`
	RecommendedSolution *string     `json:"recommended_solution"`
	FailureModeTags     []string    `json:"failure_mode_tags"`
	Confidence          json.Number `json:"confidence"`
	Rationale           string      `json:"rationale"`
}

// Parse converts a model reply into a Diagnosis. Anything that is not a
// conforming JSON object becomes a zero-confidence result carrying the raw
// text.
func Parse(raw string) types.Diagnosis {
	block, ok := llm.ExtractJSONBlock(raw)
	if !ok {
		return types.EmptyDiagnosis(raw)
	}

	var r rawDiagnosis
	dec := json.NewDecoder(strings.NewReader(block))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return types.EmptyDiagnosis(raw)
	}

	confidence, err := r.Confidence.Float64()
	if err != nil {
		confidence = 0
	}

	return types.Diagnosis{
		ClarifyingQuestions: nonEmpty(r.ClarifyingQuestions),
		DiagnosticSteps:     nonEmpty(r.DiagnosticSteps),
		LikelyCause:         nullable(r.LikelyCause),
		RecommendedSolution: nullable(r.RecommendedSolution),
		FailureModeTags:     nonEmpty(r.FailureModeTags),
		Confidence:          clamp(confidence),
		Rationale:           r.Rationale,
	}
}

// Failed is the degraded result used when generation errors out.
func Failed(err error) types.Diagnosis {
	d := types.EmptyDiagnosis("")
	if err != nil {
		d.Rationale = "hypothesis generation failed: " + err.Error()
	}
	return d
}

// WithTimeout bounds every call of g by d. A deadline overrun is reported
// as ErrTimeout.
func WithTimeout(g Generator, d time.Duration) Generator {
	if d <= 0 {
		return g
	}
	return GeneratorFunc(func(ctx context.Context, req Request) (types.Diagnosis, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		type result struct {
			d   types.Diagnosis
			err error
		}
		done := make(chan result, 1)
		go func() {
			d, err := g.Generate(ctx, req)
			done <- result{d, err}
		}()

		select {
		case r := <-done:
			if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return types.Diagnosis{}, fmt.Errorf("%w after %s", ErrTimeout, d)
			}
			return r.d, r.err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return types.Diagnosis{}, fmt.Errorf("%w after %s", ErrTimeout, d)
			}
			return types.Diagnosis{}, ctx.Err()
		}
	})
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func nullable(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || strings.EqualFold(v, "null") {
		return nil
	}
	return &v
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
