// Package machine is the diagnostic conversation controller. Step is a pure
// transition function over a session: it never performs IO itself, and
// instead returns effects (artifact analysis, hypothesis generation) for
// the caller to run and feed back as events.
package machine

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/hydrodiag/hydrodiag-ai/internal/artifact"
	"github.com/hydrodiag/hydrodiag-ai/internal/knowledge"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/belief"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/hypothesis"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/session"
	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

// Conversation copy
const (
	VerifyPrompt       = "Did that resolve the issue? (yes/no)"
	confirmFallback    = "Confirm readings match spec."
	confirmedRationale = "User confirmed resolution."
	resolvedNote       = `This diagnosis is complete. Send "reset" to start a new one.`

	requestSchematicInitial = "Please upload the hydraulic schematic that includes the affected loop (pump → relief → control/manifold → actuator → return)."
	requestSchematicLoop    = "Please upload the hydraulic schematic for this loop. Mark suspected components if possible."
	requestSchematicLow     = "Confidence is low. Please upload the hydraulic schematic that includes this loop."
	requestArtifactNotFound = "File not found on server. Please re-upload."
)

var (
	tipsInitial = []string{
		"Include the relief valve section and case-drain path.",
		"If you have multiple sheets, upload the one with the actuator circuit.",
	}
	tipsLoop = []string{"Include relief valve section and case-drain path."}
)

var (
	yesPattern = regexp.MustCompile(`^(y|yes|yep|yeah|resolved|fixed|works)`)
	noPattern  = regexp.MustCompile(`^(n|no|nope|not yet|didn'?t|still)`)
)

// Config holds the machine's thresholds.
type Config struct {
	HighConfidence    float64  `json:"high_confidence" mapstructure:"high_confidence"`
	LowConfidence     float64  `json:"low_confidence" mapstructure:"low_confidence"`
	MaxFallbackRounds int      `json:"max_fallback_rounds" mapstructure:"max_fallback_rounds"`
	UploadEndpoint    string   `json:"upload_endpoint" mapstructure:"upload_endpoint"`
	Accept            []string `json:"accept" mapstructure:"accept"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		HighConfidence:    0.70,
		LowConfidence:     0.45,
		MaxFallbackRounds: 3,
		UploadEndpoint:    "/upload",
		Accept:            append([]string(nil), artifact.AcceptedMediaTypes...),
	}
}

// Machine sequences a diagnostic conversation over a knowledge base.
type Machine struct {
	kb      *knowledge.Base
	beliefs *belief.Engine
	cfg     Config
	now     func() time.Time
}

// New creates a machine. A nil clock uses time.Now.
func New(kb *knowledge.Base, beliefs *belief.Engine, cfg Config, clock func() time.Time) *Machine {
	if clock == nil {
		clock = time.Now
	}
	def := DefaultConfig()
	if cfg.HighConfidence <= 0 {
		cfg.HighConfidence = def.HighConfidence
	}
	if cfg.LowConfidence <= 0 {
		cfg.LowConfidence = def.LowConfidence
	}
	if cfg.MaxFallbackRounds < 0 {
		cfg.MaxFallbackRounds = 0
	}
	if cfg.UploadEndpoint == "" {
		cfg.UploadEndpoint = def.UploadEndpoint
	}
	if len(cfg.Accept) == 0 {
		cfg.Accept = def.Accept
	}
	return &Machine{kb: kb, beliefs: beliefs, cfg: cfg, now: clock}
}

// Config returns the effective configuration.
func (m *Machine) Config() Config {
	return m.cfg
}

// IsReset reports whether text is the reset command.
func IsReset(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), "reset")
}

// Step applies ev to s in place and returns what the caller should do next.
func (m *Machine) Step(s *session.Session, ev Event) Outcome {
	now := m.now()
	s.UpdatedAt = now

	switch ev := ev.(type) {
	case Message:
		return m.onMessage(s, ev, now)
	case ArtifactAnalyzed:
		return m.onArtifactAnalyzed(s, ev, now)
	case ArtifactUnavailable:
		return m.needArtifact(s, requestArtifactNotFound, nil)
	case HypothesisReady:
		return m.onHypothesis(s, ev, now)
	}
	return failure(s, fmt.Sprintf("unsupported event %T", ev))
}

func (m *Machine) onMessage(s *session.Session, msg Message, now time.Time) Outcome {
	s.History = append(s.History, msg.Text)

	switch s.Stage {
	case session.StageInit:
		return m.start(s, msg.Text, now)

	case session.StageGathering:
		return m.gather(s, msg.Text, now)

	case session.StageVerifying, session.StageProposing:
		return m.verify(s, msg.Text, now)

	case session.StageAwaitingArtifacts:
		id := strings.TrimSpace(msg.ArtifactID)
		if id == "" {
			return m.needArtifact(s, fmt.Sprintf("Artifact ID missing. Please upload via %s and resend.", m.cfg.UploadEndpoint), nil)
		}
		return Outcome{Effect: AnalyzeArtifact{ArtifactID: id}}

	case session.StageDiagnosing:
		return m.diagnose(s)

	case session.StageResolved:
		return reply(&types.Result{
			Status:    types.StatusDiagnosis,
			Stage:     string(session.StageResolved),
			Diagnosis: s.Diagnosis,
			Message:   resolvedNote,
		})
	}

	return Outcome{Reply: &types.Result{
		Status:  types.StatusError,
		Stage:   string(s.Stage),
		Message: "Unhandled session stage.",
		Error:   fmt.Sprintf("unhandled session stage %q", s.Stage),
	}}
}

// start classifies the opening complaint and seeds beliefs.
func (m *Machine) start(s *session.Session, text string, now time.Time) Outcome {
	s.Tags = nonNil(knowledge.ClassifyTags(text))
	s.SymptomIDs = nonNil(m.kb.ClassifySymptoms(text))
	s.Beliefs = m.beliefs.Initialize(s.SymptomIDs)
	s.AskedTests = []string{}
	return m.advance(s, now, requestSchematicInitial, tipsInitial)
}

// gather consumes an answer to the pending test, or to the next queued
// question when no test is pending.
func (m *Machine) gather(s *session.Session, text string, now time.Time) Outcome {
	if id := s.PendingTestID; id != "" {
		m.beliefs.Observe(s.Beliefs, id, text)
		s.AskedTests = append(s.AskedTests, id)
		s.PendingTestID = ""
		answerTest(s, id, text, now)
		return m.advance(s, now, requestSchematicLoop, tipsLoop).with(SignalTestAnswered)
	}

	if i := s.NextUnanswered(); i >= 0 {
		answer(s, i, text, now)
	}
	if i := s.NextUnanswered(); i >= 0 {
		q := &s.Questions[i]
		if q.AskedAt == nil {
			q.AskedAt = timePtr(now)
		}
		return reply(&types.Result{
			Status:       types.StatusContinue,
			Stage:        string(session.StageGathering),
			NextQuestion: q.Text,
		})
	}

	s.Stage = session.StageDiagnosing
	return m.diagnose(s)
}

// verify interprets the answer to "did the fix work".
func (m *Machine) verify(s *session.Session, text string, now time.Time) Outcome {
	switch parseYesNo(text) {
	case answerYes:
		cause := s.ProposedCauseID
		_, score := s.Beliefs.Top()
		d := types.Diagnosis{
			ClarifyingQuestions: []string{},
			DiagnosticSteps:     []string{},
			LikelyCause:         stringPtr(cause),
			RecommendedSolution: s.ProposedFix,
			FailureModeTags:     []string{cause},
			Confidence:          round2(score),
			Rationale:           confirmedRationale,
		}
		s.Stage = session.StageResolved
		s.Diagnosis = &d
		return reply(&types.Result{
			Status:    types.StatusDiagnosis,
			Stage:     string(session.StageResolved),
			Diagnosis: &d,
		}, SignalFixConfirmed, SignalResolved)

	case answerNo:
		if cause := s.ProposedCauseID; cause != "" {
			m.beliefs.Penalize(s.Beliefs, cause, 0)
			s.TriedCauses = append(s.TriedCauses, cause)
		}
		s.ResolutionAttempts++
		s.ClearProposal()
		return m.advance(s, now, requestSchematicLoop, tipsLoop).with(SignalFixRejected)
	}

	prompt := s.VerificationPrompt
	if prompt == "" {
		prompt = VerifyPrompt
	}
	return reply(&types.Result{
		Status:       types.StatusContinue,
		Stage:        string(session.StageVerifying),
		NextQuestion: prompt,
	})
}

// advance picks the next move from the current beliefs: propose an untried
// confident cause, ask the most discriminating test, ask once for a
// schematic when confidence is low, or fall back to hypothesis generation.
func (m *Machine) advance(s *session.Session, now time.Time, request string, tips []string) Outcome {
	cause, score := s.Beliefs.TopExcluding(s.TriedCauses)
	if cause != "" && score >= m.cfg.HighConfidence {
		return m.propose(s, cause, score)
	}

	if id, ok := m.beliefs.SelectNextTest(s.Beliefs, s.AskedTests); ok {
		return m.askTest(s, id, now)
	}

	if score < m.cfg.LowConfidence && len(s.Artifacts) == 0 {
		return m.requestArtifact(s, request, tips)
	}

	s.Stage = session.StageDiagnosing
	return m.diagnose(s)
}

func (m *Machine) propose(s *session.Session, cause string, score float64) Outcome {
	var fix *string
	if f, ok := m.kb.FixFor(cause); ok {
		fix = &f
	}

	step := confirmFallback
	for _, link := range m.kb.TestsForCause(cause) {
		if t, ok := m.kb.Test(link.Test); ok {
			step = "Confirm: " + t.Question
			break
		}
	}

	s.Stage = session.StageVerifying
	s.ProposedCauseID = cause
	s.ProposedFix = fix
	s.VerificationPrompt = VerifyPrompt

	return reply(&types.Result{
		Status:              types.StatusProposedFix,
		Stage:               string(session.StageVerifying),
		Cause:               cause,
		Confidence:          round2(score),
		DiagnosticSteps:     []string{step},
		RecommendedSolution: fix,
		Verify:              VerifyPrompt,
	}, SignalFixProposed)
}

func (m *Machine) askTest(s *session.Session, testID string, now time.Time) Outcome {
	t, _ := m.kb.Test(testID)
	s.Stage = session.StageGathering
	s.PendingTestID = testID
	s.Questions = append(s.Questions, session.Question{
		Text:    t.Question,
		TestID:  testID,
		AskedAt: timePtr(now),
	})
	return reply(&types.Result{
		Status:       types.StatusContinue,
		Stage:        string(session.StageGathering),
		NextQuestion: t.Question,
		Safety:       t.Safety,
	}, SignalTestAsked)
}

func (m *Machine) requestArtifact(s *session.Session, request string, tips []string) Outcome {
	s.Stage = session.StageAwaitingArtifacts
	s.PendingArtifactKind = session.ArtifactSchematic
	return m.needArtifact(s, request, tips).with(SignalArtifactRequested)
}

func (m *Machine) needArtifact(s *session.Session, request string, tips []string) Outcome {
	return reply(&types.Result{
		Status:         types.StatusNeedArtifact,
		Stage:          string(s.Stage),
		Request:        request,
		UploadEndpoint: m.cfg.UploadEndpoint,
		Accept:         append([]string(nil), m.cfg.Accept...),
		Tips:           append([]string(nil), tips...),
	})
}

// diagnose hands the conversation to the hypothesis generator.
func (m *Machine) diagnose(s *session.Session) Outcome {
	req := hypothesis.Request{
		SessionID: s.ID,
		Complaint: s.Complaint(),
		TopCauses: s.Beliefs.TopN(3),
		Tags:      append([]string(nil), s.Tags...),
	}
	if n := len(s.History); n > 0 {
		req.LatestMessage = s.History[n-1]
	}
	for _, q := range s.Questions {
		if q.Answered() {
			req.QA = append(req.QA, hypothesis.QAPair{Question: q.Text, Answer: s.Responses[q.Text]})
		}
	}
	return Outcome{Effect: GenerateHypothesis{Request: req}}
}

func (m *Machine) onArtifactAnalyzed(s *session.Session, ev ArtifactAnalyzed, now time.Time) Outcome {
	m.beliefs.ApplyArtifact(&s.Beliefs, ev.Components)

	kind := s.PendingArtifactKind
	if kind == "" {
		kind = session.ArtifactSchematic
	}
	s.Artifacts = append(s.Artifacts, session.Artifact{
		ID:         ev.ArtifactID,
		Kind:       kind,
		Path:       ev.Path,
		MediaType:  ev.MediaType,
		Components: len(ev.Components),
		AnalyzedAt: now,
	})
	s.PendingArtifactKind = ""

	return m.advance(s, now, requestSchematicLoop, tipsLoop).with(SignalArtifactApplied)
}

func (m *Machine) onHypothesis(s *session.Session, ev HypothesisReady, now time.Time) Outcome {
	d := ev.Result
	if ev.Err != nil {
		d = hypothesis.Failed(ev.Err)
	}
	fillEmpty(&d)

	if len(d.ClarifyingQuestions) > 0 && s.AutoLoopCount < m.cfg.MaxFallbackRounds {
		existing := make(map[string]bool, len(s.Questions))
		for _, q := range s.Questions {
			existing[q.Text] = true
		}
		for _, text := range d.ClarifyingQuestions {
			if text != "" && !existing[text] {
				existing[text] = true
				s.Questions = append(s.Questions, session.Question{Text: text})
			}
		}

		if i := s.NextUnanswered(); i >= 0 {
			s.AutoLoopCount++
			s.Stage = session.StageGathering
			q := &s.Questions[i]
			if q.AskedAt == nil {
				q.AskedAt = timePtr(now)
			}
			return reply(&types.Result{
				Status:       types.StatusContinue,
				Stage:        string(session.StageGathering),
				NextQuestion: q.Text,
			}, SignalQuestionsQueued)
		}
	}

	if d.Confidence < m.cfg.LowConfidence && len(s.Artifacts) == 0 {
		return m.requestArtifact(s, requestSchematicLow, tipsLoop)
	}

	s.Stage = session.StageResolved
	s.Diagnosis = &d
	return reply(&types.Result{
		Status:    types.StatusDiagnosis,
		Stage:     string(session.StageResolved),
		Diagnosis: &d,
	}, SignalHypothesisApplied, SignalResolved)
}

func answerTest(s *session.Session, testID, text string, now time.Time) {
	for i := len(s.Questions) - 1; i >= 0; i-- {
		if s.Questions[i].TestID == testID && !s.Questions[i].Answered() {
			answer(s, i, text, now)
			return
		}
	}
}

func answer(s *session.Session, i int, text string, now time.Time) {
	q := &s.Questions[i]
	q.AnsweredAt = timePtr(now)
	s.Responses[q.Text] = strings.TrimSpace(text)
}

type yesNo int

const (
	answerUnknown yesNo = iota
	answerYes
	answerNo
)

func parseYesNo(text string) yesNo {
	t := strings.ToLower(strings.TrimSpace(text))
	switch {
	case yesPattern.MatchString(t):
		return answerYes
	case noPattern.MatchString(t):
		return answerNo
	}
	return answerUnknown
}

func reply(r *types.Result, sigs ...Signal) Outcome {
	return Outcome{Reply: r, Signals: sigs}
}

func failure(s *session.Session, msg string) Outcome {
	return Outcome{Reply: &types.Result{
		Status: types.StatusError,
		Stage:  string(s.Stage),
		Error:  msg,
	}}
}

func fillEmpty(d *types.Diagnosis) {
	if d.ClarifyingQuestions == nil {
		d.ClarifyingQuestions = []string{}
	}
	if d.DiagnosticSteps == nil {
		d.DiagnosticSteps = []string{}
	}
	if d.FailureModeTags == nil {
		d.FailureModeTags = []string{}
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}
