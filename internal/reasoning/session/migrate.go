package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/belief"
)

// record mirrors Session with the fields whose shape changed across schema
// versions left raw.
type record struct {
	Session
	Questions json.RawMessage `json:"questions"`
	Beliefs   json.RawMessage `json:"beliefs"`
}

// Encode serializes a session at the current schema version.
func Encode(s *Session) ([]byte, error) {
	s.SchemaVersion = SchemaVersion
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return data, nil
}

// Decode parses a stored session and upgrades it to the current schema.
// migrated is true when the stored bytes differ in shape from what Encode
// would write and should be persisted again. A malformed record yields a
// fresh default session together with an error describing the damage.
func Decode(id string, data []byte, now time.Time) (s *Session, migrated bool, err error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return New(id, now), true, fmt.Errorf("decode session %s: %w", id, err)
	}

	s = &rec.Session
	migrated = s.SchemaVersion < SchemaVersion

	questions, legacyQ, err := decodeQuestions(rec.Questions)
	if err != nil {
		return New(id, now), true, fmt.Errorf("decode session %s questions: %w", id, err)
	}
	s.Questions = questions

	beliefs, legacyB, err := decodeBeliefs(rec.Beliefs)
	if err != nil {
		return New(id, now), true, fmt.Errorf("decode session %s beliefs: %w", id, err)
	}
	s.Beliefs = beliefs

	if legacyQ || legacyB {
		migrated = true
	}
	if s.ID != id {
		s.ID = id
		migrated = true
	}
	if !s.Stage.Valid() {
		migrated = true
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
		migrated = true
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}

	s.applyDefaults()
	return s, migrated, nil
}

// decodeQuestions accepts the current object form as well as the legacy
// form where queued questions were bare strings.
func decodeQuestions(raw json.RawMessage) ([]Question, bool, error) {
	if isNull(raw) {
		return nil, false, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false, err
	}

	out := make([]Question, 0, len(items))
	legacy := false
	for _, item := range items {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			out = append(out, Question{Text: text})
			legacy = true
			continue
		}
		var q Question
		if err := json.Unmarshal(item, &q); err != nil {
			return nil, false, err
		}
		if q.Text == "" {
			legacy = true
			continue
		}
		out = append(out, q)
	}
	return out, legacy, nil
}

// decodeBeliefs accepts the ordered array form and the legacy object form.
// Object keys carry no order, so they are sorted for determinism.
func decodeBeliefs(raw json.RawMessage) (belief.Beliefs, bool, error) {
	if isNull(raw) {
		return nil, false, nil
	}

	var ordered belief.Beliefs
	if err := json.Unmarshal(raw, &ordered); err == nil {
		return ordered, false, nil
	}

	var legacy map[string]float64
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, false, err
	}
	keys := make([]string, 0, len(legacy))
	for k := range legacy {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(belief.Beliefs, 0, len(keys))
	for _, k := range keys {
		out = append(out, belief.Belief{Cause: k, Score: legacy[k]})
	}
	return out, true, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
