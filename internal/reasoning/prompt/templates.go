package prompt

// Package prompt holds the system prompts and user prompt templates sent to
// the hypothesis generator and the schematic analyzer.

import (
	"fmt"
	"strings"
)

// ─── System prompts ───────────────────────────────────────────────────────────

// HypothesisSystemPrompt constrains the hypothesis generator to the
// structured diagnosis record.
const HypothesisSystemPrompt = `You are a hydraulic diagnostics expert.
Return ONLY strict minified JSON with this schema (no markdown, no extra text):
{
  "clarifying_questions": string[],
  "diagnostic_steps": string[],
  "likely_cause": string|null,
  "recommended_solution": string|null,
  "failure_mode_tags": string[],
  "confidence": number
}
Rules:
- Use the signals and retrieved scenarios to craft targeted checks.
- Steps must be concrete: specify port, tool, expected values, and decision criteria.
- If overall confidence < 0.6, set likely_cause to null and include 2-3 clarifying_questions.
- Do not hallucinate specifications. If unknown, ask for the spec or cite a general check.`

// SchematicSystemPrompt asks the vision model for components and
// connections of a hydraulic schematic.
const SchematicSystemPrompt = `You are reading a hydraulic schematic. Return ONLY minified JSON:
{"components":[{"label":string,"type":string}], "connections":[[string,string], ...]}
Types: pump, relief_valve, check_valve, filter, pressure_line, return_line, manifold, directional_valve, cylinder, motor, accumulator, cooler, pressure_gauge.`

// SchematicUserPrompt accompanies the schematic image.
const SchematicUserPrompt = "Extract components and connections."

// ─── User prompt templates ────────────────────────────────────────────────────

const hypothesisTemplate = `Issue: {{.Issue}}
{{.Latest}}
Brain context (top candidates):
{{.Candidates}}

Prior answers:
{{.Answers}}

Relevant knowledge:
{{.Knowledge}}`

// Candidate is one ranked cause in the brain context.
type Candidate struct {
	Cause string
	Score float64
}

// QA is an answered question.
type QA struct {
	Question string
	Answer   string
}

// HypothesisInput is everything rendered into the hypothesis user prompt.
type HypothesisInput struct {
	Issue      string
	Latest     string
	Candidates []Candidate
	Answers    []QA
	Knowledge  string
}

// RenderHypothesisPrompt renders the user prompt for the hypothesis
// generator.
func RenderHypothesisPrompt(in HypothesisInput) string {
	latest := ""
	if in.Latest != "" && in.Latest != in.Issue {
		latest = "Latest message: " + in.Latest + "\n"
	}

	candidates := "none"
	if len(in.Candidates) > 0 {
		lines := make([]string, 0, len(in.Candidates))
		for _, c := range in.Candidates {
			lines = append(lines, fmt.Sprintf("%s: %.2f", c.Cause, c.Score))
		}
		candidates = strings.Join(lines, "\n")
	}

	answers := "None"
	if len(in.Answers) > 0 {
		lines := make([]string, 0, len(in.Answers))
		for _, qa := range in.Answers {
			lines = append(lines, fmt.Sprintf("Q: %s\nA: %s", qa.Question, qa.Answer))
		}
		answers = strings.Join(lines, "\n")
	}

	knowledge := in.Knowledge
	if knowledge == "" {
		knowledge = "No matching scenarios."
	}

	// One pass, so placeholders inside user text are left alone.
	rendered := strings.NewReplacer(
		"{{.Issue}}", in.Issue,
		"{{.Latest}}", latest,
		"{{.Candidates}}", candidates,
		"{{.Answers}}", answers,
		"{{.Knowledge}}", knowledge,
	).Replace(hypothesisTemplate)
	return strings.TrimSpace(rendered)
}
