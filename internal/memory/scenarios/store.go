package scenarios

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Package scenarios retrieves past troubleshooting scenarios similar to a
// complaint.
//
// Retrieval is keyword based: a scenario scores one point for every failure
// mode tag that occurs in the query text. Only scenarios with at least one
// matching tag are returned, best first.
//
// Resolved sessions can be indexed back into the store so later sessions
// benefit from them.

//go:embed data/scenarios.json
var defaultScenarios []byte

// DefaultLimit is the number of scenarios handed to the hypothesis generator.
const DefaultLimit = 3

// Scenario is a documented past failure.
type Scenario struct {
	ID              string   `json:"scenario_id,omitempty"`
	Title           string   `json:"title,omitempty"`
	Description     string   `json:"description,omitempty"`
	Symptoms        []string `json:"symptoms,omitempty"`
	Questions       []string `json:"questions,omitempty"`
	Steps           []string `json:"steps,omitempty"`
	RootCause       string   `json:"root_cause,omitempty"`
	Solution        string   `json:"solution,omitempty"`
	FailureModeTags []string `json:"failure_mode_tags,omitempty"`
}

// Name returns the best available label for the scenario.
func (s Scenario) Name() string {
	switch {
	case s.Title != "":
		return s.Title
	case s.ID != "":
		return s.ID
	}
	return "Unknown"
}

// Retriever finds scenarios relevant to free text.
type Retriever interface {
	// Retrieve returns up to limit scenarios ranked by tag overlap with text.
	Retrieve(ctx context.Context, text string, limit int) []Scenario
}

// Store is an in-memory keyword Retriever that can be extended at runtime.
type Store struct {
	mu        sync.RWMutex
	scenarios []Scenario
}

// NewStore creates a store over the given scenarios.
func NewStore(items []Scenario) *Store {
	return &Store{scenarios: append([]Scenario(nil), items...)}
}

// Default returns a store over the scenarios shipped with the binary.
func Default() (*Store, error) {
	return Parse(defaultScenarios)
}

// LoadFile reads a JSON array of scenarios from disk.
func LoadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenarios: %w", err)
	}
	return Parse(data)
}

// Parse builds a store from a JSON array of scenarios.
func Parse(data []byte) (*Store, error) {
	var items []Scenario
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	return NewStore(items), nil
}

// Add indexes another scenario.
func (s *Store) Add(sc Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios = append(s.scenarios, sc)
}

// Len returns the number of indexed scenarios.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scenarios)
}

// Retrieve implements Retriever.
func (s *Store) Retrieve(ctx context.Context, text string, limit int) []Scenario {
	if limit <= 0 {
		limit = DefaultLimit
	}
	input := strings.ToLower(text)

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		scenario Scenario
		score    int
	}
	var hits []scored
	for _, sc := range s.scenarios {
		n := 0
		for _, tag := range sc.FailureModeTags {
			if tag != "" && strings.Contains(input, strings.ToLower(tag)) {
				n++
			}
		}
		if n > 0 {
			hits = append(hits, scored{scenario: sc, score: n})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].score > hits[j].score
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]Scenario, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.scenario)
	}
	return out
}

// Format renders scenarios as prompt context.
func Format(items []Scenario) string {
	if len(items) == 0 {
		return "No matching scenarios."
	}
	if len(items) > DefaultLimit {
		items = items[:DefaultLimit]
	}

	blocks := make([]string, 0, len(items))
	for i, sc := range items {
		lines := []string{fmt.Sprintf("Scenario %d: %s", i+1, sc.Name())}
		if sc.Description != "" {
			lines = append(lines, "  Description: "+sc.Description)
		}
		if len(sc.Symptoms) > 0 {
			lines = append(lines, "  Symptoms: "+strings.Join(sc.Symptoms, "; "))
		}
		if len(sc.Questions) > 0 {
			lines = append(lines, "  Questions: "+strings.Join(sc.Questions, " | "))
		}
		if len(sc.Steps) > 0 {
			lines = append(lines, "  Steps: "+strings.Join(sc.Steps, " -> "))
		}
		if sc.RootCause != "" {
			lines = append(lines, "  Root Cause: "+sc.RootCause)
		}
		if sc.Solution != "" {
			lines = append(lines, "  Solution: "+sc.Solution)
		}
		if len(sc.FailureModeTags) > 0 {
			lines = append(lines, "  Tags: "+strings.Join(sc.FailureModeTags, ", "))
		}
		blocks = append(blocks, strings.Join(lines, "\n"))
	}
	return strings.Join(blocks, "\n---\n")
}
