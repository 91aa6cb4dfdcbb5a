package knowledge

// Symptom is a reportable condition. Aliases are matched as
// case-insensitive substrings of free text.
type Symptom struct {
	ID      string   `json:"id" yaml:"id"`
	Aliases []string `json:"aliases" yaml:"aliases"`
}

// Cause is a candidate root cause with its prior belief.
type Cause struct {
	ID        string  `json:"id" yaml:"id"`
	Component string  `json:"component" yaml:"component"`
	Prior     float64 `json:"prior" yaml:"prior"`
}

// Expected type values
const (
	ExpectBoolean = "boolean"
	ExpectNumeric = "numeric"
)

// Expected is the normal/abnormal decision boundary of a test.
type Expected struct {
	Type      string   `json:"type" yaml:"type"`
	NormalMin *float64 `json:"normal_min,omitempty" yaml:"normal_min,omitempty"`
	NormalMax *float64 `json:"normal_max,omitempty" yaml:"normal_max,omitempty"`
}

// Test is a diagnostic probe put to the operator.
type Test struct {
	ID       string   `json:"id" yaml:"id"`
	Question string   `json:"question" yaml:"question"`
	Expected Expected `json:"expected" yaml:"expected"`
	Safety   string   `json:"safety,omitempty" yaml:"safety,omitempty"`
}

// SymptomCause links a symptom to a cause it implies.
type SymptomCause struct {
	Symptom string  `json:"symptom" yaml:"symptom"`
	Cause   string  `json:"cause" yaml:"cause"`
	Weight  float64 `json:"weight" yaml:"weight"`
}

// CauseTest links a cause to a test that discriminates it.
type CauseTest struct {
	Cause          string  `json:"cause" yaml:"cause"`
	Test           string  `json:"test" yaml:"test"`
	Discriminative float64 `json:"discriminative" yaml:"discriminative"`
}

// CauseFix is the recommended remedy for a cause.
type CauseFix struct {
	Cause string `json:"cause" yaml:"cause"`
	Fix   string `json:"fix" yaml:"fix"`
}

// Edges holds every weighted relation of the graph.
type Edges struct {
	SymptomToCause []SymptomCause `json:"symptom_to_cause" yaml:"symptom_to_cause"`
	CauseToTest    []CauseTest    `json:"cause_to_test" yaml:"cause_to_test"`
	CauseToFix     []CauseFix     `json:"cause_to_fix" yaml:"cause_to_fix"`
}

// Graph is the raw knowledge graph as read from disk.
type Graph struct {
	Symptoms []Symptom `json:"symptoms" yaml:"symptoms"`
	Causes   []Cause   `json:"causes" yaml:"causes"`
	Tests    []Test    `json:"tests" yaml:"tests"`
	Edges    Edges     `json:"edges" yaml:"edges"`
}
