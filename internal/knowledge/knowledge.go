// Package knowledge holds the static symptom/cause/test graph the diagnostic
// engine reasons over.
//
// A Base is built once at startup and never mutated afterwards, so a single
// value can be shared by every session and goroutine without locking.
package knowledge

import (
	"fmt"
	"sort"
	"strings"
)

// Symptom tags used to pick clarifying questions
const (
	TagSlowCylinder = "slow_cylinder"
	TagUnderLoad    = "under_load"
	TagOverheating  = "overheating"
)

// DefaultQuestionBank is used when the loaded graph ships no question bank.
var DefaultQuestionBank = map[string][]string{
	TagSlowCylinder: {
		"Is the cylinder always slow, or only under load?",
		"How long has this symptom been present?",
		"Is there any noise or vibration during movement?",
	},
	TagUnderLoad: {
		"What is the current system pressure under load?",
		"Does the actuator behave differently when unloaded?",
		"Any changes in fluid temperature recently?",
	},
	TagOverheating: {
		"Is the hydraulic fluid visually discolored or foaming?",
		"What is the tank or reservoir temperature after 10 minutes of runtime?",
		"Has the system been running continuously or intermittently?",
	},
}

// Base is a validated, indexed, read-only knowledge graph.
type Base struct {
	graph    Graph
	causes   map[string]Cause
	tests    map[string]Test
	fixes    map[string]string
	bank     map[string][]string
	warnings []string
}

// New indexes g. Edges that reference an unknown cause, symptom or test are
// dropped and reported through Warnings.
func New(g Graph, bank map[string][]string) *Base {
	b := &Base{
		causes: make(map[string]Cause, len(g.Causes)),
		tests:  make(map[string]Test, len(g.Tests)),
		fixes:  make(map[string]string),
		bank:   bank,
	}
	if len(b.bank) == 0 {
		b.bank = DefaultQuestionBank
	}

	for _, c := range g.Causes {
		if _, dup := b.causes[c.ID]; dup {
			b.warn("duplicate cause %q ignored", c.ID)
			continue
		}
		b.causes[c.ID] = c
		b.graph.Causes = append(b.graph.Causes, c)
	}
	for _, t := range g.Tests {
		if _, dup := b.tests[t.ID]; dup {
			b.warn("duplicate test %q ignored", t.ID)
			continue
		}
		b.tests[t.ID] = t
		b.graph.Tests = append(b.graph.Tests, t)
	}

	symptoms := make(map[string]bool, len(g.Symptoms))
	for _, s := range g.Symptoms {
		symptoms[s.ID] = true
	}
	b.graph.Symptoms = append(b.graph.Symptoms, g.Symptoms...)

	for _, e := range g.Edges.SymptomToCause {
		switch {
		case !symptoms[e.Symptom]:
			b.warn("symptom_to_cause %s->%s: unknown symptom", e.Symptom, e.Cause)
		case !b.hasCause(e.Cause):
			b.warn("symptom_to_cause %s->%s: unknown cause", e.Symptom, e.Cause)
		default:
			b.graph.Edges.SymptomToCause = append(b.graph.Edges.SymptomToCause, e)
		}
	}
	for _, e := range g.Edges.CauseToTest {
		switch {
		case !b.hasCause(e.Cause):
			b.warn("cause_to_test %s->%s: unknown cause", e.Cause, e.Test)
		case !b.hasTest(e.Test):
			b.warn("cause_to_test %s->%s: unknown test", e.Cause, e.Test)
		default:
			b.graph.Edges.CauseToTest = append(b.graph.Edges.CauseToTest, e)
		}
	}
	for _, e := range g.Edges.CauseToFix {
		if !b.hasCause(e.Cause) {
			b.warn("cause_to_fix %s: unknown cause", e.Cause)
			continue
		}
		b.graph.Edges.CauseToFix = append(b.graph.Edges.CauseToFix, e)
		// First fix wins.
		if _, ok := b.fixes[e.Cause]; !ok {
			b.fixes[e.Cause] = e.Fix
		}
	}

	return b
}

func (b *Base) warn(format string, args ...interface{}) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func (b *Base) hasCause(id string) bool {
	_, ok := b.causes[id]
	return ok
}

func (b *Base) hasTest(id string) bool {
	_, ok := b.tests[id]
	return ok
}

// Graph returns the validated graph. Callers must not modify it.
func (b *Base) Graph() Graph {
	return b.graph
}

// Symptoms returns all symptoms in load order.
func (b *Base) Symptoms() []Symptom { return b.graph.Symptoms }

// Causes returns all causes in load order.
func (b *Base) Causes() []Cause { return b.graph.Causes }

// Tests returns all tests in load order.
func (b *Base) Tests() []Test { return b.graph.Tests }

// Edges returns the validated edge lists.
func (b *Base) Edges() Edges { return b.graph.Edges }

// Warnings lists linkage problems found while indexing.
func (b *Base) Warnings() []string { return b.warnings }

// Cause looks up a cause by id.
func (b *Base) Cause(id string) (Cause, bool) {
	c, ok := b.causes[id]
	return c, ok
}

// Test looks up a test by id.
func (b *Base) Test(id string) (Test, bool) {
	t, ok := b.tests[id]
	return t, ok
}

// FixFor returns the remedy recorded for a cause. ok is false when no
// remedy is known.
func (b *Base) FixFor(causeID string) (fix string, ok bool) {
	fix, ok = b.fixes[causeID]
	return fix, ok
}

// TestsForCause returns the cause_to_test edges of a cause, most
// discriminative first.
func (b *Base) TestsForCause(causeID string) []CauseTest {
	var out []CauseTest
	for _, e := range b.graph.Edges.CauseToTest {
		if e.Cause == causeID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Discriminative > out[j].Discriminative
	})
	return out
}

// ClassifySymptoms returns the ids of every symptom with an alias occurring
// in text, case-insensitively, in knowledge base order.
func (b *Base) ClassifySymptoms(text string) []string {
	lower := strings.ToLower(text)
	var ids []string
	for _, s := range b.graph.Symptoms {
		for _, alias := range s.Aliases {
			if alias != "" && strings.Contains(lower, strings.ToLower(alias)) {
				ids = append(ids, s.ID)
				break
			}
		}
	}
	return ids
}

// ClassifyTags maps free text onto the coarse symptom tags that key the
// question bank.
func ClassifyTags(text string) []string {
	t := strings.ToLower(text)
	var tags []string
	if strings.Contains(t, "slow") {
		tags = append(tags, TagSlowCylinder)
	}
	if strings.Contains(t, "under load") {
		tags = append(tags, TagUnderLoad)
	}
	if strings.Contains(t, "hot") || strings.Contains(t, "overheat") {
		tags = append(tags, TagOverheating)
	}
	return tags
}

// QuestionBank returns the clarifying questions for a tag.
func (b *Base) QuestionBank(tag string) []string {
	return b.bank[tag]
}

// QuestionBanks returns a copy of every tag's clarifying questions.
func (b *Base) QuestionBanks() map[string][]string {
	out := make(map[string][]string, len(b.bank))
	for tag, qs := range b.bank {
		out[tag] = append([]string(nil), qs...)
	}
	return out
}
