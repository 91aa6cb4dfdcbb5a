package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrodiag/hydrodiag-ai/internal/artifact"
	"github.com/hydrodiag/hydrodiag-ai/internal/db"
	"github.com/hydrodiag/hydrodiag-ai/internal/events"
	"github.com/hydrodiag/hydrodiag-ai/internal/knowledge"
	"github.com/hydrodiag/hydrodiag-ai/internal/memory/scenarios"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/belief"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/hypothesis"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/machine"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/session"
	"github.com/hydrodiag/hydrodiag-ai/internal/sessionstore"
	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type fakeGenerator struct {
	mu       sync.Mutex
	result   types.Diagnosis
	err      error
	requests []hypothesis.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req hypothesis.Request) (types.Diagnosis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.result, f.err
}

type fakeAnalyzer struct {
	analysis artifact.Analysis
	err      error
	inputs   []artifact.Input
}

func (f *fakeAnalyzer) Analyze(_ context.Context, in artifact.Input) (artifact.Analysis, error) {
	f.inputs = append(f.inputs, in)
	return f.analysis, f.err
}

type fakeArtifacts map[string][]byte

func (f fakeArtifacts) Read(id string) (artifact.Info, []byte, error) {
	data, ok := f[id]
	if !ok {
		return artifact.Info{}, nil, artifact.ErrNotFound
	}
	return artifact.Info{ID: id, Path: "/uploads/" + id, MediaType: "image/png", Size: int64(len(data))}, data, nil
}

type fakeLessons struct {
	mu      sync.Mutex
	records []*db.LessonRecord
}

func (f *fakeLessons) AppendLesson(_ context.Context, rec *db.LessonRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

type fakeRetriever struct {
	texts []string
}

func (f *fakeRetriever) Retrieve(_ context.Context, text string, limit int) []scenarios.Scenario {
	f.texts = append(f.texts, text)
	return []scenarios.Scenario{{ID: "scn-1", Title: "Relief valve stuck"}}[:min(1, limit)]
}

// conflictStore fails every Save with ErrConflict.
type conflictStore struct {
	SessionStore
}

func (conflictStore) Save(context.Context, *session.Session) error {
	return sessionstore.ErrConflict
}

// ─────────────────────────────────────────────────────────────────────────────
// Fixtures
// ─────────────────────────────────────────────────────────────────────────────

// priorsKB has no symptoms or tests, so the first message decides between
// proposing the leading cause and asking for a schematic.
func priorsKB(priors map[string]float64) *knowledge.Base {
	var g knowledge.Graph
	for id, p := range priors {
		g.Causes = append(g.Causes, knowledge.Cause{ID: id, Prior: p})
		g.Edges.CauseToFix = append(g.Edges.CauseToFix, knowledge.CauseFix{Cause: id, Fix: "fix " + id})
	}
	return knowledge.New(g, nil)
}

type harness struct {
	engine    Engine
	sessions  *sessionstore.Store
	generator *fakeGenerator
	analyzer  *fakeAnalyzer
	lessons   *fakeLessons
	retriever *fakeRetriever
	events    *events.Recorder
}

func newHarness(t *testing.T, kb *knowledge.Base) *harness {
	t.Helper()
	clock := func() time.Time { return epoch }
	h := &harness{
		sessions:  sessionstore.NewMemoryStore(sessionstore.WithClock(clock)),
		generator: &fakeGenerator{result: types.EmptyDiagnosis("")},
		analyzer:  &fakeAnalyzer{},
		lessons:   &fakeLessons{},
		retriever: &fakeRetriever{},
		events:    &events.Recorder{},
	}
	m := machine.New(kb, belief.NewEngine(kb, belief.DefaultParams()), machine.DefaultConfig(), clock)
	e, err := New(DefaultConfig(), Deps{
		Machine:   m,
		Sessions:  h.sessions,
		Generator: h.generator,
		Analyzer:  h.analyzer,
		Artifacts: fakeArtifacts{"rig.png": []byte("png")},
		Scenarios: h.retriever,
		Lessons:   h.lessons,
		Publisher: h.events,
		Clock:     clock,
	})
	require.NoError(t, err)
	h.engine = e
	return h
}

// ─────────────────────────────────────────────────────────────────────────────
// Tests
// ─────────────────────────────────────────────────────────────────────────────

func TestNewRequiresMachineAndStore(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)

	kb := priorsKB(map[string]float64{"a": 1})
	m := machine.New(kb, belief.NewEngine(kb, belief.DefaultParams()), machine.DefaultConfig(), nil)
	_, err = New(DefaultConfig(), Deps{Machine: m})
	assert.Error(t, err)

	e, err := New(Config{}, Deps{Machine: m, Sessions: sessionstore.NewMemoryStore()})
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func TestConfirmedFixRecordsLesson(t *testing.T) {
	h := newHarness(t, priorsKB(map[string]float64{"a": 0.8, "b": 0.2}))
	ctx := context.Background()

	res := h.engine.HandleMessage(ctx, "s1", "valve leaking", "")
	require.Equal(t, types.StatusProposedFix, res.Status)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, "a", res.Cause)
	assert.Len(t, h.events.OfType(events.TypeFixProposed), 1)

	res = h.engine.HandleMessage(ctx, "s1", "yes, works now", "")
	require.Equal(t, types.StatusDiagnosis, res.Status)
	assert.Equal(t, string(session.StageResolved), res.Stage)

	require.Len(t, h.lessons.records, 1)
	rec := h.lessons.records[0]
	want := &db.LessonRecord{
		ID:         rec.ID,
		SessionID:  "s1",
		Complaint:  "valve leaking",
		Cause:      "a",
		Solution:   "fix a",
		Tags:       `["a"]`,
		Confidence: 0.8,
		Confirmed:  true,
		CreatedAt:  epoch,
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("lesson mismatch (-want +got):\n%s", diff)
	}

	resolved := h.events.OfType(events.TypeDiagnosisResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, true, resolved[0].Data["confirmed"])
	assert.Len(t, h.events.OfType(events.TypeTurnHandled), 2)

	stored, err := h.engine.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StageResolved, stored.Stage)
	assert.Equal(t, "a", stored.ProposedCauseID)
	assert.Equal(t, int64(3), stored.Version)
}

func TestArtifactTurnRunsEffects(t *testing.T) {
	h := newHarness(t, priorsKB(map[string]float64{
		"relief_misadjusted": 0.2,
		"load_excessive":     0.2,
		"pump_worn":          0.2,
	}))
	ctx := context.Background()

	res := h.engine.HandleMessage(ctx, "s1", "pump whines", "")
	require.Equal(t, types.StatusNeedArtifact, res.Status)

	cause := "Relief valve set too low"
	h.analyzer.analysis = artifact.Analysis{
		Components: []belief.Component{{Label: "RV1", Type: "relief_valve"}, {Label: "C1", Type: "cylinder"}},
	}
	h.generator.result = types.Diagnosis{LikelyCause: &cause, Confidence: 0.82, FailureModeTags: []string{"relief"}}

	res = h.engine.HandleMessage(ctx, "s1", "schematic attached", "rig.png")
	require.Equal(t, types.StatusDiagnosis, res.Status)
	require.NotNil(t, res.Diagnosis)
	assert.Equal(t, 0.82, res.Diagnosis.Confidence)

	require.Len(t, h.analyzer.inputs, 1)
	assert.Equal(t, "image/png", h.analyzer.inputs[0].MediaType)
	assert.Equal(t, []byte("png"), h.analyzer.inputs[0].Data)

	require.Len(t, h.generator.requests, 1)
	req := h.generator.requests[0]
	assert.Equal(t, "s1", req.SessionID)
	require.Len(t, req.Scenarios, 1)
	assert.Equal(t, "scn-1", req.Scenarios[0].ID)
	assert.Equal(t, []string{req.RetrievalText()}, h.retriever.texts)

	require.Len(t, h.lessons.records, 1)
	assert.Equal(t, cause, h.lessons.records[0].Cause)
	assert.False(t, h.lessons.records[0].Confirmed)

	stored, err := h.engine.Session(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, stored.Artifacts, 1)
	assert.Equal(t, "/uploads/rig.png", stored.Artifacts[0].Path)
}

func TestMissingArtifactAsksAgain(t *testing.T) {
	h := newHarness(t, priorsKB(map[string]float64{"a": 0.2, "b": 0.2, "c": 0.2}))
	ctx := context.Background()

	require.Equal(t, types.StatusNeedArtifact, h.engine.HandleMessage(ctx, "s1", "noisy", "").Status)

	res := h.engine.HandleMessage(ctx, "s1", "here", "missing.png")
	assert.Equal(t, types.StatusNeedArtifact, res.Status)
	assert.Equal(t, string(session.StageAwaitingArtifacts), res.Stage)
	assert.Empty(t, h.analyzer.inputs)
}

func TestAnalyzerFailureIsEmptyAnalysis(t *testing.T) {
	h := newHarness(t, priorsKB(map[string]float64{"a": 0.2, "b": 0.2, "c": 0.2}))
	ctx := context.Background()
	h.analyzer.err = errors.New("vision model down")

	h.engine.HandleMessage(ctx, "s1", "noisy", "")
	res := h.engine.HandleMessage(ctx, "s1", "here", "rig.png")
	assert.Equal(t, types.StatusDiagnosis, res.Status)
	assert.Len(t, h.analyzer.inputs, 1)
	assert.Len(t, h.generator.requests, 1)
}

func TestGeneratorFailureDegrades(t *testing.T) {
	h := newHarness(t, priorsKB(map[string]float64{"a": 0.2, "b": 0.2, "c": 0.2}))
	ctx := context.Background()
	h.generator.err = errors.New("llm unavailable")

	h.engine.HandleMessage(ctx, "s1", "noisy", "")
	res := h.engine.HandleMessage(ctx, "s1", "here", "rig.png")
	require.Equal(t, types.StatusDiagnosis, res.Status)
	require.NotNil(t, res.Diagnosis)
	assert.Zero(t, res.Diagnosis.Confidence)
	assert.Nil(t, res.Diagnosis.LikelyCause)
}

func TestResetIsIdempotent(t *testing.T) {
	h := newHarness(t, priorsKB(map[string]float64{"a": 0.8, "b": 0.2}))
	ctx := context.Background()

	h.engine.HandleMessage(ctx, "s1", "valve leaking", "")

	for i := 0; i < 2; i++ {
		res := h.engine.HandleMessage(ctx, "s1", "  RESET ", "")
		assert.Equal(t, types.StatusReset, res.Status)
		assert.Equal(t, string(session.StageInit), res.Stage)
	}

	stored, err := h.engine.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StageInit, stored.Stage)
	assert.Empty(t, stored.History)
	assert.Len(t, h.events.OfType(events.TypeSessionReset), 2)

	res := h.engine.Reset(ctx, "s2")
	assert.Equal(t, types.StatusReset, res.Status)
	assert.Equal(t, "s2", res.SessionID)
}

func TestEmptySessionIDIsAssigned(t *testing.T) {
	h := newHarness(t, priorsKB(map[string]float64{"a": 0.8, "b": 0.2}))

	res := h.engine.HandleMessage(context.Background(), "", "valve leaking", "")
	require.NotEmpty(t, res.SessionID)

	_, err := h.engine.Session(context.Background(), res.SessionID)
	assert.NoError(t, err)
}

func TestSaveConflictReturnsError(t *testing.T) {
	kb := priorsKB(map[string]float64{"a": 0.8, "b": 0.2})
	m := machine.New(kb, belief.NewEngine(kb, belief.DefaultParams()), machine.DefaultConfig(), nil)
	e, err := New(DefaultConfig(), Deps{Machine: m, Sessions: conflictStore{sessionstore.NewMemoryStore()}})
	require.NoError(t, err)

	res := e.HandleMessage(context.Background(), "s1", "valve leaking", "")
	assert.Equal(t, types.StatusError, res.Status)
	assert.Equal(t, msgConflict, res.Message)
	assert.Equal(t, "s1", res.SessionID)
}

func TestSubscriberReceivesTurns(t *testing.T) {
	h := newHarness(t, priorsKB(map[string]float64{"a": 0.8, "b": 0.2}))
	sub := h.engine.Subscribe("s1")

	h.engine.HandleMessage(context.Background(), "s1", "valve leaking", "")
	h.engine.HandleMessage(context.Background(), "s1", "reset", "")

	var got []TurnEvent
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Ch:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for turn event")
		}
	}
	assert.Equal(t, "turn", got[0].Type)
	assert.Equal(t, types.StatusProposedFix, got[0].Result.Status)
	assert.Equal(t, "reset", got[1].Type)

	h.engine.Unsubscribe("s1", sub)
	_, open := <-sub.Ch
	assert.False(t, open)
}

func TestConcurrentTurnsAreSerialized(t *testing.T) {
	h := newHarness(t, priorsKB(map[string]float64{"a": 0.2, "b": 0.2, "c": 0.2}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.engine.HandleMessage(ctx, "s1", "noisy", "")
			assert.NotEqual(t, types.StatusError, res.Status, res.Error)
		}()
	}
	wg.Wait()

	stored, err := h.engine.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, stored.History, 8)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same key acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	<-acquired
	unlockB()
	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, time.Millisecond)
}
