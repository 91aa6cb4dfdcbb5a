package hypothesis

import (
	"context"

	"github.com/hydrodiag/hydrodiag-ai/internal/knowledge"
	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

// BankGenerator is the offline generator used when no chat model is
// configured. It asks the question bank entries for the session's tags and
// suggests the knowledge-base checks of the leading candidate. It never
// claims a cause.
type BankGenerator struct {
	kb *knowledge.Base
}

// NewBankGenerator creates an offline generator.
func NewBankGenerator(kb *knowledge.Base) *BankGenerator {
	return &BankGenerator{kb: kb}
}

// Generate implements Generator.
func (g *BankGenerator) Generate(_ context.Context, req Request) (types.Diagnosis, error) {
	d := types.EmptyDiagnosis("")
	d.Rationale = "No language model configured; suggestions come from the question bank."

	seen := make(map[string]bool)
	for _, qa := range req.QA {
		seen[qa.Question] = true
	}
	for _, tag := range req.Tags {
		for _, q := range g.kb.QuestionBank(tag) {
			if !seen[q] {
				seen[q] = true
				d.ClarifyingQuestions = append(d.ClarifyingQuestions, q)
			}
		}
	}

	if len(req.TopCauses) > 0 {
		top := req.TopCauses[0].Cause
		for _, ct := range g.kb.TestsForCause(top) {
			if t, ok := g.kb.Test(ct.Test); ok {
				d.DiagnosticSteps = append(d.DiagnosticSteps, t.Question)
			}
		}
		d.FailureModeTags = append(d.FailureModeTags, top)
	}
	return d, nil
}
