package hypothesis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrodiag/hydrodiag-ai/internal/knowledge"
	llmtypes "github.com/hydrodiag/hydrodiag-ai/internal/llm/types"
	"github.com/hydrodiag/hydrodiag-ai/internal/memory/scenarios"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/belief"
	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

type fakeChat struct {
	reply string
	err   error
	got   llmtypes.ChatRequest
}

func (f *fakeChat) Chat(_ context.Context, req llmtypes.ChatRequest) (*llmtypes.ChatResponse, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &llmtypes.ChatResponse{Content: f.reply, Model: "fake"}, nil
}

func TestParse(t *testing.T) {
	t.Run("conforming", func(t *testing.T) {
		d := Parse("```json\n" + `{"clarifying_questions":["What pressure?"],"diagnostic_steps":["Gauge P1"],` +
			`"likely_cause":"Relief valve set low","recommended_solution":"Reset relief","failure_mode_tags":["relief"],"confidence":0.82}` + "\n```")
		assert.Equal(t, []string{"What pressure?"}, d.ClarifyingQuestions)
		require.NotNil(t, d.LikelyCause)
		assert.Equal(t, "Relief valve set low", *d.LikelyCause)
		assert.InDelta(t, 0.82, d.Confidence, 1e-9)
		assert.Empty(t, d.RawText)
	})

	t.Run("confidence clamped", func(t *testing.T) {
		assert.Equal(t, 1.0, Parse(`{"confidence": 7}`).Confidence)
		assert.Equal(t, 0.0, Parse(`{"confidence": -2}`).Confidence)
	})

	t.Run("missing fields default empty", func(t *testing.T) {
		d := Parse(`{"likely_cause": null}`)
		assert.NotNil(t, d.ClarifyingQuestions)
		assert.NotNil(t, d.DiagnosticSteps)
		assert.NotNil(t, d.FailureModeTags)
		assert.Nil(t, d.LikelyCause)
		assert.Zero(t, d.Confidence)
	})

	t.Run("not json", func(t *testing.T) {
		d := Parse("I think it is the pump.")
		assert.Zero(t, d.Confidence)
		assert.Equal(t, "I think it is the pump.", d.RawText)
		assert.Empty(t, d.ClarifyingQuestions)
	})

	t.Run("malformed json", func(t *testing.T) {
		d := Parse(`{"confidence": 0.5,}`)
		assert.Zero(t, d.Confidence)
		assert.NotEmpty(t, d.RawText)
	})
}

func TestLLMGenerator(t *testing.T) {
	chat := &fakeChat{reply: `{"clarifying_questions":[],"diagnostic_steps":["Check relief"],"likely_cause":"relief","recommended_solution":"adjust","failure_mode_tags":[],"confidence":0.9}`}
	g := NewLLMGenerator(chat, nil)

	d, err := g.Generate(context.Background(), Request{
		Complaint:     "boom slow",
		LatestMessage: "2400 psi",
		TopCauses:     []belief.Belief{{Cause: "relief_misadjusted", Score: 0.61}},
		QA:            []QAPair{{Question: "Pressure?", Answer: "2400 psi"}},
		Scenarios:     []scenarios.Scenario{{Title: "Relief drift"}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)

	assert.True(t, chat.got.JSONMode)
	require.NotNil(t, chat.got.Temperature)
	assert.InDelta(t, 0.2, *chat.got.Temperature, 1e-9)
	require.Len(t, chat.got.Messages, 2)
	user := chat.got.Messages[1].Content
	assert.Contains(t, user, "Issue: boom slow")
	assert.Contains(t, user, "Latest message: 2400 psi")
	assert.Contains(t, user, "relief_misadjusted: 0.61")
	assert.Contains(t, user, "Q: Pressure?\nA: 2400 psi")
	assert.Contains(t, user, "Scenario 1: Relief drift")
}

func TestLLMGeneratorTransportError(t *testing.T) {
	g := NewLLMGenerator(&fakeChat{err: errors.New("connection refused")}, nil)
	_, err := g.Generate(context.Background(), Request{Complaint: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestBankGenerator(t *testing.T) {
	kb, err := knowledge.Default()
	require.NoError(t, err)
	g := NewBankGenerator(kb)

	first := knowledge.DefaultQuestionBank[knowledge.TagSlowCylinder][0]
	d, err := g.Generate(context.Background(), Request{
		Tags:      []string{knowledge.TagSlowCylinder, knowledge.TagUnderLoad},
		QA:        []QAPair{{Question: first, Answer: "only under load"}},
		TopCauses: []belief.Belief{{Cause: "relief_misadjusted", Score: 0.4}},
	})
	require.NoError(t, err)

	assert.NotContains(t, d.ClarifyingQuestions, first)
	assert.Len(t, d.ClarifyingQuestions, 5)
	assert.Nil(t, d.LikelyCause)
	assert.Zero(t, d.Confidence)
	assert.NotEmpty(t, d.DiagnosticSteps)
	assert.Equal(t, []string{"relief_misadjusted"}, d.FailureModeTags)
}

func TestWithTimeout(t *testing.T) {
	slow := GeneratorFunc(func(ctx context.Context, _ Request) (types.Diagnosis, error) {
		<-ctx.Done()
		return types.Diagnosis{}, ctx.Err()
	})

	_, err := WithTimeout(slow, 10*time.Millisecond).Generate(context.Background(), Request{})
	assert.True(t, errors.Is(err, ErrTimeout))

	fast := GeneratorFunc(func(context.Context, Request) (types.Diagnosis, error) {
		return types.Diagnosis{Confidence: 0.3}, nil
	})
	d, err := WithTimeout(fast, time.Second).Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 0.3, d.Confidence)
}

func TestRetrievalText(t *testing.T) {
	text := Request{
		Complaint:     "boom slow",
		LatestMessage: "boom slow",
		QA:            []QAPair{{Question: "Hot?", Answer: "yes"}},
	}.RetrievalText()
	assert.Equal(t, 1, strings.Count(text, "boom slow"))
	assert.Contains(t, text, "Q: Hot?\nA: yes")
}

func TestFailed(t *testing.T) {
	d := Failed(errors.New("boom"))
	assert.Zero(t, d.Confidence)
	assert.Contains(t, d.Rationale, "boom")
	assert.NotNil(t, d.ClarifyingQuestions)
}
