package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/hydrodiag/hydrodiag-ai/internal/artifact"
	"github.com/hydrodiag/hydrodiag-ai/internal/audit"
	"github.com/hydrodiag/hydrodiag-ai/internal/db"
	"github.com/hydrodiag/hydrodiag-ai/internal/events"
	"github.com/hydrodiag/hydrodiag-ai/internal/memory/scenarios"
	"github.com/hydrodiag/hydrodiag-ai/internal/metrics"
	"github.com/hydrodiag/hydrodiag-ai/internal/pkg/tracing"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/hypothesis"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/machine"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/session"
	"github.com/hydrodiag/hydrodiag-ai/internal/sessionstore"
	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

// maxEffects bounds the effect loop of a single turn.
const maxEffects = 4

// Result messages
const (
	msgReset        = "Session reset. Describe the problem to start a new diagnosis."
	msgConflict     = "This session was updated by another request. Please resend your message."
	msgUnavailable  = "Session storage is unavailable. Please try again."
	msgDidNotSettle = "The turn did not settle. Please resend your message."
)

// Deps are the collaborators of the engine. Machine and Sessions are
// required; the rest default to no-ops.
type Deps struct {
	Machine   *machine.Machine
	Sessions  SessionStore
	Generator hypothesis.Generator
	Analyzer  artifact.Analyzer
	Artifacts ArtifactReader
	Scenarios scenarios.Retriever
	Lessons   LessonRecorder
	Publisher events.Publisher
	Audit     audit.Logger
	Logger    *zap.Logger
	Clock     func() time.Time
}

// engineImpl is the concrete Engine.
type engineImpl struct {
	cfg       Config
	machine   *machine.Machine
	sessions  SessionStore
	generator hypothesis.Generator
	analyzer  artifact.Analyzer
	artifacts ArtifactReader
	scenarios scenarios.Retriever
	lessons   LessonRecorder
	publisher events.Publisher
	auditLog  audit.Logger
	logger    *zap.Logger
	now       func() time.Time

	locks *keyedMutex

	// Subscribers (session ID → list of subscribers)
	subsMu      sync.Mutex
	subscribers map[string][]*Subscriber
}

// New creates an Engine.
func New(cfg Config, deps Deps) (Engine, error) {
	if deps.Machine == nil {
		return nil, errors.New("engine: machine is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("engine: session store is required")
	}
	def := DefaultConfig()
	if cfg.ScenarioLimit <= 0 {
		cfg.ScenarioLimit = def.ScenarioLimit
	}

	e := &engineImpl{
		cfg:         cfg,
		machine:     deps.Machine,
		sessions:    deps.Sessions,
		generator:   deps.Generator,
		analyzer:    deps.Analyzer,
		artifacts:   deps.Artifacts,
		scenarios:   deps.Scenarios,
		lessons:     deps.Lessons,
		publisher:   deps.Publisher,
		auditLog:    deps.Audit,
		logger:      deps.Logger,
		now:         deps.Clock,
		locks:       newKeyedMutex(),
		subscribers: make(map[string][]*Subscriber),
	}
	if e.generator == nil {
		e.generator = hypothesis.GeneratorFunc(func(context.Context, hypothesis.Request) (types.Diagnosis, error) {
			return types.EmptyDiagnosis(""), nil
		})
	}
	e.generator = hypothesis.WithTimeout(e.generator, cfg.HypothesisTimeout)
	if e.analyzer == nil {
		e.analyzer = artifact.NopAnalyzer
	}
	e.analyzer = artifact.WithTimeout(e.analyzer, cfg.ArtifactTimeout)
	if e.publisher == nil {
		e.publisher = events.NopPublisher{}
	}
	if e.auditLog == nil {
		e.auditLog = audit.NewNopLogger()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Subscribe registers a channel to receive the turns of a session.
func (e *engineImpl) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{Ch: make(chan TurnEvent, 64)}
	e.subsMu.Lock()
	e.subscribers[sessionID] = append(e.subscribers[sessionID], sub)
	e.subsMu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (e *engineImpl) Unsubscribe(sessionID string, sub *Subscriber) {
	e.subsMu.Lock()
	subs := e.subscribers[sessionID]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			close(s.Ch)
			break
		}
	}
	if len(subs) == 0 {
		delete(e.subscribers, sessionID)
	} else {
		e.subscribers[sessionID] = subs
	}
	e.subsMu.Unlock()
}

// publish sends an event to all subscribers of the given session.
func (e *engineImpl) publish(id string, ev TurnEvent) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, s := range e.subscribers[id] {
		select {
		case s.Ch <- ev:
		default:
		}
	}
}

// ─── Public interface ─────────────────────────────────────────────────────────

func (e *engineImpl) Session(ctx context.Context, sessionID string) (*session.Session, error) {
	return e.sessions.Lookup(ctx, sessionID)
}

func (e *engineImpl) Reset(ctx context.Context, sessionID string) *types.Result {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	unlock := e.locks.Lock(sessionID)
	defer unlock()

	res := e.reset(ctx, sessionID)
	res.SessionID = sessionID
	e.publish(sessionID, TurnEvent{
		SessionID: sessionID,
		Type:      "reset",
		Result:    res,
		Timestamp: e.now(),
	})
	return res
}

func (e *engineImpl) HandleMessage(ctx context.Context, sessionID, text, artifactID string) *types.Result {
	start := e.now()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if audit.GetCorrelationID(ctx) == "" {
		ctx = audit.WithCorrelationID(ctx, audit.GenerateCorrelationID())
	}
	ctx, span := tracing.StartSpanWithAttributes(ctx, "engine.turn",
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	unlock := e.locks.Lock(sessionID)
	defer unlock()

	var res *types.Result
	eventType := "turn"
	if machine.IsReset(text) {
		res = e.reset(ctx, sessionID)
		eventType = "reset"
	} else {
		res = e.turn(ctx, sessionID, text, artifactID)
	}
	res.SessionID = sessionID

	span.SetAttributes(
		attribute.String("turn.status", string(res.Status)),
		attribute.String("turn.stage", res.Stage),
	)
	metrics.TurnsTotal.WithLabelValues(res.Stage, string(res.Status)).Inc()
	metrics.TurnDuration.Observe(time.Since(start).Seconds())

	e.publish(sessionID, TurnEvent{
		SessionID: sessionID,
		Type:      eventType,
		Text:      text,
		Result:    res,
		Timestamp: e.now(),
	})
	e.emit(ctx, events.TypeTurnHandled, sessionID, map[string]interface{}{
		"stage":  res.Stage,
		"status": string(res.Status),
	})
	return res
}

// ─── Turn loop ────────────────────────────────────────────────────────────────

func (e *engineImpl) reset(ctx context.Context, id string) *types.Result {
	sess, err := e.sessions.Reset(ctx, id)
	if err != nil {
		return e.storeFailure(ctx, id, string(session.StageInit), err)
	}
	metrics.SessionsReset.Inc()
	_ = e.auditLog.LogSessionReset(ctx, id)
	e.emit(ctx, events.TypeSessionReset, id, nil)
	return &types.Result{
		Status:  types.StatusReset,
		Stage:   string(sess.Stage),
		Message: msgReset,
	}
}

func (e *engineImpl) turn(ctx context.Context, id, text, artifactID string) *types.Result {
	sess, err := e.sessions.Get(ctx, id)
	if err != nil {
		return e.storeFailure(ctx, id, "", err)
	}
	started := sess.CreatedAt

	var ev machine.Event = machine.Message{Text: text, ArtifactID: artifactID}
	for i := 0; i <= maxEffects; i++ {
		proposed := sess.ProposedCauseID
		from := sess.Stage
		out := e.machine.Step(sess, ev)

		if err := machine.ValidateTransition(from, sess.Stage); err != nil {
			e.logger.Error("machine produced invalid transition",
				zap.String("session_id", id), zap.Error(err))
		}

		if err := e.sessions.Save(ctx, sess); err != nil {
			return e.storeFailure(ctx, id, string(sess.Stage), err)
		}
		e.record(ctx, sess, proposed, out, started)

		if out.Reply != nil {
			if _, score := sess.Beliefs.Top(); len(sess.Beliefs) > 0 {
				metrics.TopBeliefScore.Observe(score)
			}
			return out.Reply
		}
		if i == maxEffects {
			break
		}
		ev = e.execute(ctx, sess, out.Effect)
	}

	e.logger.Error("turn exceeded effect budget", zap.String("session_id", id))
	return &types.Result{
		Status:  types.StatusError,
		Stage:   string(sess.Stage),
		Message: msgDidNotSettle,
		Error:   fmt.Sprintf("more than %d effects in one turn", maxEffects),
	}
}

// execute runs an effect and returns the event carrying its result.
func (e *engineImpl) execute(ctx context.Context, sess *session.Session, eff machine.Effect) machine.Event {
	switch eff := eff.(type) {
	case machine.AnalyzeArtifact:
		return e.analyze(ctx, sess, eff.ArtifactID)
	case machine.GenerateHypothesis:
		return e.hypothesize(ctx, sess, eff.Request)
	}
	return machine.HypothesisReady{Err: fmt.Errorf("unsupported effect %T", eff)}
}

func (e *engineImpl) analyze(ctx context.Context, sess *session.Session, artifactID string) machine.Event {
	if e.artifacts == nil {
		return machine.ArtifactUnavailable{ArtifactID: artifactID, Reason: "artifact storage disabled"}
	}
	info, data, err := e.artifacts.Read(artifactID)
	if err != nil {
		_ = e.auditLog.Log(ctx, audit.NewEvent(audit.EventArtifactMissing).
			WithSession(sess.ID, string(sess.Stage)).
			WithTarget(session.ArtifactSchematic, artifactID).
			WithError(err, "artifact_unavailable").
			WithResult(audit.ResultFailure))
		return machine.ArtifactUnavailable{ArtifactID: artifactID, Reason: err.Error()}
	}

	ctx, span := tracing.StartSpanWithAttributes(ctx, "artifact.analyze",
		attribute.String("session.id", sess.ID),
		attribute.String("artifact.id", artifactID),
		attribute.String("artifact.media_type", info.MediaType),
	)
	defer span.End()

	start := time.Now()
	analysis, err := e.analyzer.Analyze(ctx, artifact.Input{ID: info.ID, MediaType: info.MediaType, Data: data})
	metrics.ExternalCallDuration.WithLabelValues("artifact").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ExternalCallsTotal.WithLabelValues("artifact", "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("artifact analysis failed",
			zap.String("session_id", sess.ID),
			zap.String("artifact_id", artifactID),
			zap.Error(err),
		)
		analysis = artifact.Analysis{}
	} else {
		metrics.ExternalCallsTotal.WithLabelValues("artifact", "ok").Inc()
	}
	span.SetAttributes(attribute.Int("artifact.components", len(analysis.Components)))

	return machine.ArtifactAnalyzed{
		ArtifactID:  info.ID,
		Path:        info.Path,
		MediaType:   info.MediaType,
		Components:  analysis.Components,
		Connections: len(analysis.Connections),
	}
}

func (e *engineImpl) hypothesize(ctx context.Context, sess *session.Session, req hypothesis.Request) machine.Event {
	req.SessionID = sess.ID
	if e.scenarios != nil {
		req.Scenarios = e.scenarios.Retrieve(ctx, req.RetrievalText(), e.cfg.ScenarioLimit)
	}

	ctx, span := tracing.StartSpanWithAttributes(ctx, "hypothesis.generate",
		attribute.String("session.id", sess.ID),
		attribute.Int("hypothesis.scenarios", len(req.Scenarios)),
		attribute.Int("hypothesis.qa", len(req.QA)),
	)
	defer span.End()

	start := time.Now()
	d, err := e.generator.Generate(ctx, req)
	metrics.ExternalCallDuration.WithLabelValues("hypothesis").Observe(time.Since(start).Seconds())
	if err != nil {
		result := "error"
		if errors.Is(err, hypothesis.ErrTimeout) {
			result = "timeout"
		}
		metrics.ExternalCallsTotal.WithLabelValues("hypothesis", result).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("hypothesis generation failed", zap.String("session_id", sess.ID), zap.Error(err))
		_ = e.auditLog.Log(ctx, audit.NewEvent(audit.EventHypothesisFailed).
			WithSession(sess.ID, string(sess.Stage)).
			WithError(err, result).
			WithResult(audit.ResultFailure))
		return machine.HypothesisReady{Err: err}
	}
	metrics.ExternalCallsTotal.WithLabelValues("hypothesis", "ok").Inc()
	span.SetAttributes(attribute.Float64("hypothesis.confidence", d.Confidence))
	return machine.HypothesisReady{Result: d}
}

// ─── Side channels ────────────────────────────────────────────────────────────

// record emits audit entries, metrics and domain events for the signals of
// one step. proposed is the cause under verification before the step.
func (e *engineImpl) record(ctx context.Context, sess *session.Session, proposed string, out machine.Outcome, started time.Time) {
	id := sess.ID
	for _, sig := range out.Signals {
		switch sig {
		case machine.SignalTestAsked:
			_ = e.auditLog.Log(ctx, audit.NewEvent(audit.EventTestAsked).
				WithSession(id, string(sess.Stage)).
				WithTarget("test", sess.PendingTestID).
				WithResult(audit.ResultPending))

		case machine.SignalFixProposed:
			confidence := 0.0
			if out.Reply != nil {
				confidence = out.Reply.Confidence
			}
			metrics.FixesTotal.WithLabelValues("proposed").Inc()
			_ = e.auditLog.LogFixProposed(ctx, id, sess.ProposedCauseID, confidence)
			e.emit(ctx, events.TypeFixProposed, id, map[string]interface{}{
				"cause":      sess.ProposedCauseID,
				"confidence": confidence,
			})

		case machine.SignalFixConfirmed:
			metrics.FixesTotal.WithLabelValues("confirmed").Inc()
			_ = e.auditLog.LogFixVerdict(ctx, id, proposed, true)

		case machine.SignalFixRejected:
			metrics.FixesTotal.WithLabelValues("rejected").Inc()
			_ = e.auditLog.LogFixVerdict(ctx, id, proposed, false)

		case machine.SignalArtifactRequested:
			_ = e.auditLog.Log(ctx, audit.NewEvent(audit.EventArtifactRequested).
				WithSession(id, string(sess.Stage)).
				WithTarget("artifact_kind", sess.PendingArtifactKind).
				WithResult(audit.ResultPending))

		case machine.SignalArtifactApplied:
			if n := len(sess.Artifacts); n > 0 {
				a := sess.Artifacts[n-1]
				_ = e.auditLog.LogArtifactAnalyzed(ctx, id, a.ID, a.Components)
			}

		case machine.SignalHypothesisApplied:
			confidence := 0.0
			if sess.Diagnosis != nil {
				confidence = sess.Diagnosis.Confidence
			}
			_ = e.auditLog.Log(ctx, audit.NewEvent(audit.EventHypothesisGenerated).
				WithSession(id, string(sess.Stage)).
				WithConfidence(confidence).
				WithResult(audit.ResultSuccess))

		case machine.SignalResolved:
			e.resolved(ctx, sess, out.Has(machine.SignalFixConfirmed), started)
		}
	}
}

// resolved records the lesson of a finished session and announces it.
func (e *engineImpl) resolved(ctx context.Context, sess *session.Session, confirmed bool, started time.Time) {
	d := sess.Diagnosis
	if d == nil {
		return
	}
	cause := ""
	if d.LikelyCause != nil {
		cause = *d.LikelyCause
	}
	solution := ""
	if d.RecommendedSolution != nil {
		solution = *d.RecommendedSolution
	}

	_ = e.auditLog.LogDiagnosisResolved(ctx, sess.ID, cause, d.Confidence, e.now().Sub(started))
	e.emit(ctx, events.TypeDiagnosisResolved, sess.ID, map[string]interface{}{
		"cause":      cause,
		"solution":   solution,
		"confidence": d.Confidence,
		"confirmed":  confirmed,
		"tags":       d.FailureModeTags,
	})

	if e.lessons == nil {
		return
	}
	tags, _ := json.Marshal(d.FailureModeTags)
	rec := &db.LessonRecord{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		Complaint:  sess.Complaint(),
		Cause:      cause,
		Solution:   solution,
		Tags:       string(tags),
		Confidence: d.Confidence,
		Confirmed:  confirmed,
		CreatedAt:  e.now(),
	}
	if err := e.lessons.AppendLesson(ctx, rec); err != nil {
		e.logger.Warn("failed to record lesson", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (e *engineImpl) emit(ctx context.Context, eventType, sessionID string, data map[string]interface{}) {
	if err := e.publisher.Publish(ctx, events.New(eventType, sessionID, data)); err != nil {
		e.logger.Debug("event publish failed",
			zap.String("type", eventType),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

func (e *engineImpl) storeFailure(ctx context.Context, id, stage string, err error) *types.Result {
	if errors.Is(err, sessionstore.ErrConflict) {
		_ = e.auditLog.Log(ctx, audit.NewEvent(audit.EventTurnFailed).
			WithSession(id, stage).
			WithError(err, "conflict").
			WithResult(audit.ResultFailure))
		return &types.Result{
			Status:  types.StatusError,
			Stage:   stage,
			Message: msgConflict,
			Error:   err.Error(),
		}
	}
	e.logger.Error("session store failure", zap.String("session_id", id), zap.Error(err))
	return &types.Result{
		Status:  types.StatusError,
		Stage:   stage,
		Message: msgUnavailable,
		Error:   err.Error(),
	}
}
