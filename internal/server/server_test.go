package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrodiag/hydrodiag-ai/internal/artifact"
	"github.com/hydrodiag/hydrodiag-ai/internal/config"
	"github.com/hydrodiag/hydrodiag-ai/internal/db"
	"github.com/hydrodiag/hydrodiag-ai/internal/knowledge"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/belief"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/engine"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/machine"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/session"
	"github.com/hydrodiag/hydrodiag-ai/internal/sessionstore"
	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

type testEnv struct {
	server    *Server
	handler   http.Handler
	engine    engine.Engine
	artifacts *artifact.Store
	lessons   db.Store
	kb        *knowledge.Base
}

type envOption func(*config.ServerConfig, *Deps)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	kb, err := knowledge.Default()
	require.NoError(t, err)

	m := machine.New(kb, belief.NewEngine(kb, belief.DefaultParams()), machine.DefaultConfig(), nil)
	eng, err := engine.New(engine.DefaultConfig(), engine.Deps{
		Machine:  m,
		Sessions: sessionstore.NewMemoryStore(),
	})
	require.NoError(t, err)

	store, err := artifact.NewStore(t.TempDir(), 1<<20)
	require.NoError(t, err)

	lessons, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { lessons.Close() })

	cfg := config.DefaultConfig().Server
	cfg.RateLimitPerMin = 0
	deps := Deps{
		Engine:    eng,
		Artifacts: store,
		Lessons:   lessons,
		Knowledge: kb,
		Version:   "test",
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	srv, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	return &testEnv{
		server:    srv,
		handler:   srv.Handler(),
		engine:    eng,
		artifacts: store,
		lessons:   lessons,
		kb:        kb,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header[http.CanonicalHeaderKey(k)] = v
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postAgent(t *testing.T, req types.AgentRequest) *types.Result {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	rec := e.do(t, http.MethodPost, "/agent", bytes.NewReader(body), http.Header{"Content-Type": {"application/json"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res types.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return &res
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if field != "" {
		part, err := w.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	} else {
		require.NoError(t, w.WriteField("note", "no file here"))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(config.ServerConfig{}, Deps{})
	assert.Error(t, err)

	env := newTestEnv(t)
	_, err = New(config.ServerConfig{}, Deps{Engine: env.engine})
	assert.Error(t, err)
	_, err = New(config.ServerConfig{}, Deps{Engine: env.engine, Artifacts: env.artifacts})
	assert.Error(t, err)
}

func TestAgentTurn(t *testing.T) {
	env := newTestEnv(t)

	res := env.postAgent(t, types.AgentRequest{Text: "Cylinder is slow and the pump is noisy"})
	require.NotEmpty(t, res.SessionID)
	assert.NotEqual(t, types.StatusError, res.Status)
	assert.NotEmpty(t, res.Stage)

	rec := env.do(t, http.MethodGet, "/api/v1/sessions/"+res.SessionID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sess session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, res.SessionID, sess.ID)
	assert.Equal(t, []string{"Cylinder is slow and the pump is noisy"}, sess.History)
	assert.Equal(t, res.Stage, string(sess.Stage))

	again := env.postAgent(t, types.AgentRequest{Text: "reset", SessionID: res.SessionID})
	assert.Equal(t, types.StatusReset, again.Status)
	assert.Equal(t, res.SessionID, again.SessionID)
}

func TestAgentRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/agent", strings.NewReader("{not json"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "invalid_request", errResp.Error)
}

func TestAgentMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/agent", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = env.do(t, http.MethodGet, "/nowhere", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/sessions/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	res := env.postAgent(t, types.AgentRequest{Text: "relief valve chatters", SessionID: "s-1"})
	require.Equal(t, "s-1", res.SessionID)

	rec = env.do(t, http.MethodDelete, "/api/v1/sessions/s-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reset types.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reset))
	assert.Equal(t, types.StatusReset, reset.Status)

	sess, err := env.engine.Session(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, session.StageInit, sess.Stage)
	assert.Empty(t, sess.History)
}

func TestUpload(t *testing.T) {
	env := newTestEnv(t)
	png := []byte("\x89PNG\r\n\x1a\nschematic")

	body, contentType := multipartBody(t, "file", "loop.PNG", png)
	rec := env.do(t, http.MethodPost, "/upload", body, http.Header{"Content-Type": {contentType}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var up types.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &up))
	assert.True(t, strings.HasSuffix(up.ArtifactID, ".png"))
	assert.Equal(t, "/uploads/"+up.ArtifactID, up.Path)
	assert.Equal(t, artifact.MediaPNG, up.MediaType)
	assert.Equal(t, int64(len(png)), up.Size)

	rec = env.do(t, http.MethodGet, up.Path, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, png, rec.Body.Bytes())
	assert.Equal(t, artifact.MediaPNG, rec.Header().Get("Content-Type"))

	rec = env.do(t, http.MethodGet, "/uploads/nothing.png", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadRejections(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		field    string
		filename string
		content  []byte
		want     int
	}{
		{"missing file field", "", "", nil, http.StatusBadRequest},
		{"unsupported extension", "file", "notes.txt", []byte("hello"), http.StatusUnsupportedMediaType},
		{"too large", "file", "big.pdf", bytes.Repeat([]byte("x"), 1<<20+1), http.StatusRequestEntityTooLarge},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body, contentType := multipartBody(t, tc.field, tc.filename, tc.content)
			rec := env.do(t, http.MethodPost, "/upload", body, http.Header{"Content-Type": {contentType}})
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	rec := env.do(t, http.MethodPost, "/upload", strings.NewReader("plain"), http.Header{"Content-Type": {"text/plain"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDiagnoses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, cause := range []string{"pump_worn", "relief_misadjusted", "pump_worn"} {
		require.NoError(t, env.lessons.AppendLesson(ctx, &db.LessonRecord{
			ID:         "l" + string(rune('1'+i)),
			SessionID:  "s" + string(rune('1'+i)),
			Complaint:  "slow cylinder",
			Cause:      cause,
			Solution:   "fix " + cause,
			Tags:       `["slow","noise"]`,
			Confidence: 0.8,
			Confirmed:  true,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	var out struct {
		Diagnoses []types.LessonRecord `json:"diagnoses"`
		Count     int                  `json:"count"`
	}

	rec := env.do(t, http.MethodGet, "/api/v1/diagnoses", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, 3, out.Count)
	assert.Equal(t, "l3", out.Diagnoses[0].ID, "newest first")
	assert.Equal(t, []string{"slow", "noise"}, out.Diagnoses[0].Tags)
	assert.Equal(t, base.Add(2*time.Minute).UnixMilli(), out.Diagnoses[0].CreatedAt)

	rec = env.do(t, http.MethodGet, "/api/v1/diagnoses?cause=pump_worn&limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "pump_worn", out.Diagnoses[0].Cause)

	for _, q := range []string{"limit=abc", "limit=0", "offset=-1"} {
		rec = env.do(t, http.MethodGet, "/api/v1/diagnoses?"+q, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestListDiagnosesWithoutStore(t *testing.T) {
	env := newTestEnv(t, func(_ *config.ServerConfig, d *Deps) { d.Lessons = nil })

	rec := env.do(t, http.MethodGet, "/api/v1/diagnoses", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestToLessonToleratesBadTags(t *testing.T) {
	got := toLesson(&db.LessonRecord{ID: "x", Tags: "not-json"})
	assert.Equal(t, []string{}, got.Tags)
}

func TestKnowledgeSummary(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/knowledge", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary types.KnowledgeSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, len(env.kb.Symptoms()), summary.Symptoms)
	assert.Equal(t, len(env.kb.Causes()), summary.Causes)
	assert.Equal(t, len(env.kb.Tests()), summary.Tests)
	assert.Positive(t, summary.Edges)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, func(_ *config.ServerConfig, d *Deps) {
		d.Checks = map[string]HealthCheck{
			"sessions": func(context.Context) error { return nil },
		}
	})
	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health types.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, map[string]string{"sessions": "ok"}, health.Checks)

	degraded := newTestEnv(t, func(_ *config.ServerConfig, d *Deps) {
		d.Checks = map[string]HealthCheck{
			"sessions": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		}
	})
	rec = degraded.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "connection refused", health.Checks["redis"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/v1/knowledge", nil, nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hydrodiag_http_requests_total")
	assert.Contains(t, rec.Body.String(), `endpoint="/api/v1/knowledge"`)
}

func TestCorrelationHeader(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil, http.Header{correlationHeader: {"corr-123"}})
	assert.Equal(t, "corr-123", rec.Header().Get(correlationHeader))

	rec = env.do(t, http.MethodGet, "/health", nil, nil)
	assert.NotEmpty(t, rec.Header().Get(correlationHeader))
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodOptions, "/agent", nil, http.Header{
		"Origin":                        {"http://localhost:3000"},
		"Access-Control-Request-Method": {http.MethodPost},
	})
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(t, http.MethodGet, "/health", nil, http.Header{"Origin": {"https://evil.example.com"}})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.ServerConfig, _ *Deps) {
		c.RateLimitPerMin = 60
		c.RateLimitBurst = 1
	})

	rec := env.do(t, http.MethodGet, "/api/v1/knowledge", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/knowledge", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health is exempt")
}

func TestRecoveryMiddleware(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t, func(c *config.ServerConfig, _ *Deps) {
		c.Host = "127.0.0.1"
		c.Port = 0
	})

	done := make(chan error, 1)
	go func() { done <- env.server.Start() }()

	require.Eventually(t, func() bool {
		env.server.mu.Lock()
		defer env.server.mu.Unlock()
		return env.server.httpServer != nil
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.server.Stop(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
