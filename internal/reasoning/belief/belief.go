// Package belief maintains the relative-weight distribution over candidate
// causes and picks the next diagnostic test.
//
// Scores are renormalized to sum to 1 after every mutation. They are not
// calibrated probabilities; they only respond monotonically to evidence.
package belief

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hydrodiag/hydrodiag-ai/internal/knowledge"
)

// Belief is the score of one cause.
type Belief struct {
	Cause string  `json:"cause"`
	Score float64 `json:"score"`
}

// Beliefs is an ordered distribution. Order is insertion order and breaks
// ties in Top and TopN.
type Beliefs []Belief

// Params carries the tunable coefficients of the belief engine.
type Params struct {
	// SymptomWeight scales symptom_to_cause weights when seeding.
	SymptomWeight float64 `json:"symptom_weight" mapstructure:"symptom_weight"`

	// ObservationWeight scales cause_to_test discriminative weights on update.
	ObservationWeight float64 `json:"observation_weight" mapstructure:"observation_weight"`

	// PenaltyFactor multiplies a cause whose fix was rejected.
	PenaltyFactor float64 `json:"penalty_factor" mapstructure:"penalty_factor"`

	// TopK bounds the causes considered by test selection.
	TopK int `json:"top_k" mapstructure:"top_k"`

	// ArtifactBoosts are fixed increments applied when an analyzed artifact
	// contains a matching component type.
	ArtifactBoosts []ArtifactBoost `json:"artifact_boosts" mapstructure:"artifact_boosts"`
}

// ArtifactBoost adds Delta to Cause when any component type matches Pattern
// (a case-insensitive regular expression).
type ArtifactBoost struct {
	Pattern string  `json:"pattern" mapstructure:"pattern"`
	Cause   string  `json:"cause" mapstructure:"cause"`
	Delta   float64 `json:"delta" mapstructure:"delta"`
}

// DefaultParams returns the stock coefficients.
func DefaultParams() Params {
	return Params{
		SymptomWeight:     0.3,
		ObservationWeight: 0.2,
		PenaltyFactor:     0.3,
		TopK:              3,
		ArtifactBoosts: []ArtifactBoost{
			{Pattern: "relief", Cause: "relief_misadjusted", Delta: 0.1},
			{Pattern: "cylinder", Cause: "load_excessive", Delta: 0.05},
		},
	}
}

// Component is the subset of an analyzed artifact component the engine
// reasons over.
type Component struct {
	Label string `json:"label"`
	Type  string `json:"type"`
}

// Engine applies evidence to beliefs using a knowledge base.
type Engine struct {
	kb     *knowledge.Base
	params Params
	boosts []compiledBoost
}

type compiledBoost struct {
	re    *regexp.Regexp
	cause string
	delta float64
}

// NewEngine creates a belief engine. Malformed boost patterns are matched as
// literal substrings.
func NewEngine(kb *knowledge.Base, params Params) *Engine {
	e := &Engine{kb: kb, params: params}
	for _, b := range params.ArtifactBoosts {
		re, err := regexp.Compile("(?i)" + b.Pattern)
		if err != nil {
			re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(b.Pattern))
		}
		e.boosts = append(e.boosts, compiledBoost{re: re, cause: b.Cause, delta: b.Delta})
	}
	return e
}

// Params returns the engine's coefficients.
func (e *Engine) Params() Params {
	return e.params
}

// Initialize seeds every cause at its prior, adds SymptomWeight x weight for
// each edge from a matched symptom, clamps to [0,1] and renormalizes.
func (e *Engine) Initialize(symptomIDs []string) Beliefs {
	causes := e.kb.Causes()
	b := make(Beliefs, 0, len(causes))
	for _, c := range causes {
		b = append(b, Belief{Cause: c.ID, Score: c.Prior})
	}

	matched := make(map[string]bool, len(symptomIDs))
	for _, id := range symptomIDs {
		matched[id] = true
	}
	for _, edge := range e.kb.Edges().SymptomToCause {
		if !matched[edge.Symptom] {
			continue
		}
		if i := b.index(edge.Cause); i >= 0 {
			b[i].Score = clamp(b[i].Score + e.params.SymptomWeight*edge.Weight)
		}
	}

	b.Normalize()
	return b
}

// Observe classifies observation against the test's expected rule and moves
// every linked cause by ObservationWeight x discriminative, up when abnormal
// and down when normal. It reports whether the observation was abnormal.
func (e *Engine) Observe(b Beliefs, testID, observation string) bool {
	abnormal := e.adjust(b, testID, observation)
	b.Normalize()
	return abnormal
}

// adjust applies Observe without renormalizing.
func (e *Engine) adjust(b Beliefs, testID, observation string) bool {
	abnormal := false
	if t, ok := e.kb.Test(testID); ok {
		abnormal = IsAbnormal(t, observation)
	}

	sign := -1.0
	if abnormal {
		sign = 1.0
	}
	for _, edge := range e.kb.Edges().CauseToTest {
		if edge.Test != testID {
			continue
		}
		if i := b.index(edge.Cause); i >= 0 {
			b[i].Score = clamp(b[i].Score + sign*e.params.ObservationWeight*edge.Discriminative)
		}
	}
	return abnormal
}

// Penalize multiplies one cause's score by factor and renormalizes. A
// non-positive factor uses the configured PenaltyFactor.
func (e *Engine) Penalize(b Beliefs, causeID string, factor float64) {
	if factor <= 0 {
		factor = e.params.PenaltyFactor
	}
	if i := b.index(causeID); i >= 0 {
		b[i].Score *= factor
	}
	b.Normalize()
}

// ApplyArtifact folds component types recognized in an artifact into
// beliefs. Each boost applies at most once per artifact.
func (e *Engine) ApplyArtifact(b *Beliefs, components []Component) bool {
	changed := false
	for _, boost := range e.boosts {
		hit := false
		for _, c := range components {
			if boost.re.MatchString(c.Type) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		if _, known := e.kb.Cause(boost.cause); !known {
			continue
		}
		b.add(boost.cause, boost.delta)
		changed = true
	}
	if changed {
		b.Normalize()
	}
	return changed
}

var (
	affirmative = regexp.MustCompile(`(?i)\b(y|yes|yeah|yep|true|1)\b`)
	number      = regexp.MustCompile(`-?\d{1,3}(?:,\d{3})+(?:\.\d+)?|-?\d+(?:\.\d+)?`)
)

// IsAbnormal reports whether observation falls outside the test's normal
// band. Boolean tests are abnormal on an affirmative answer. Numeric tests
// use the answer itself or the first number in it (thousands separators
// allowed); with no number they
// fall back to the boolean reading.
func IsAbnormal(t knowledge.Test, observation string) bool {
	obs := strings.TrimSpace(observation)
	if t.Expected.Type == knowledge.ExpectBoolean {
		return affirmative.MatchString(obs)
	}

	v, ok := parseNumber(obs)
	if !ok {
		return affirmative.MatchString(obs)
	}
	if t.Expected.NormalMin != nil && v < *t.Expected.NormalMin {
		return true
	}
	if t.Expected.NormalMax != nil && v > *t.Expected.NormalMax {
		return true
	}
	return false
}

func parseNumber(s string) (float64, bool) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, true
	}
	m := number.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	return v, err == nil
}

// Normalize rescales scores to sum to 1. An all-zero distribution becomes
// uniform.
func (b Beliefs) Normalize() {
	if len(b) == 0 {
		return
	}
	sum := 0.0
	for _, x := range b {
		sum += x.Score
	}
	if sum <= 0 {
		u := 1 / float64(len(b))
		for i := range b {
			b[i].Score = u
		}
		return
	}
	for i := range b {
		b[i].Score /= sum
	}
}

// Top returns the highest scoring cause. Ties go to the earliest entry. An
// empty distribution yields ("", 0).
func (b Beliefs) Top() (string, float64) {
	best, score := "", 0.0
	for i, x := range b {
		if i == 0 || x.Score > score {
			best, score = x.Cause, x.Score
		}
	}
	return best, score
}

// TopExcluding is Top restricted to causes not in exclude.
func (b Beliefs) TopExcluding(exclude []string) (string, float64) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	best, score, found := "", 0.0, false
	for _, x := range b {
		if skip[x.Cause] {
			continue
		}
		if !found || x.Score > score {
			best, score, found = x.Cause, x.Score, true
		}
	}
	return best, score
}

// TopN returns the n highest scoring causes, stable on ties.
func (b Beliefs) TopN(n int) []Belief {
	sorted := make([]Belief, len(b))
	copy(sorted, b)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})
	if n >= 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// Score returns a cause's score, or 0 when absent.
func (b Beliefs) Score(causeID string) float64 {
	if i := b.index(causeID); i >= 0 {
		return b[i].Score
	}
	return 0
}

// Sum returns the total mass of the distribution.
func (b Beliefs) Sum() float64 {
	sum := 0.0
	for _, x := range b {
		sum += x.Score
	}
	return sum
}

// Clone returns an independent copy.
func (b Beliefs) Clone() Beliefs {
	if b == nil {
		return nil
	}
	out := make(Beliefs, len(b))
	copy(out, b)
	return out
}

func (b Beliefs) index(causeID string) int {
	for i, x := range b {
		if x.Cause == causeID {
			return i
		}
	}
	return -1
}

func (b *Beliefs) add(causeID string, delta float64) {
	if i := b.index(causeID); i >= 0 {
		(*b)[i].Score = clamp((*b)[i].Score + delta)
		return
	}
	*b = append(*b, Belief{Cause: causeID, Score: clamp(delta)})
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
