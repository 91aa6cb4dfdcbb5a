package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrodiag/hydrodiag-ai/internal/knowledge"
	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "diagctl dev\n", out)
}

func TestKBLint(t *testing.T) {
	out, err := execute(t, "", "kb", "lint", "--strict")
	require.NoError(t, err)
	assert.Contains(t, out, "causes:")
	assert.NotContains(t, out, "warning:")

	dir := t.TempDir()
	files := map[string]string{
		"symptoms.json": `[{"id":"noisy_pump","aliases":["noise"]}]`,
		"causes.json":   `[{"id":"pump_worn","component":"pump","prior":0.2}]`,
		"tests.json":    `[]`,
		"edges.yaml":    "symptom_to_cause:\n  - {symptom: noisy_pump, cause: air_ingress, weight: 0.5}\n",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}

	out, err = execute(t, "", "kb", "lint", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "warning: symptom_to_cause noisy_pump->air_ingress: unknown cause")

	_, err = execute(t, "", "kb", "lint", "--dir", dir, "--strict")
	assert.EqualError(t, err, "1 warning(s)")
}

func TestKBExportRoundTrip(t *testing.T) {
	want, err := knowledge.Default()
	require.NoError(t, err)

	for _, format := range []string{"yaml", "json"} {
		t.Run(format, func(t *testing.T) {
			dir := t.TempDir()
			out, err := execute(t, "", "kb", "export", "--format", format, "-o", dir)
			require.NoError(t, err)
			assert.Contains(t, out, filepath.Join(dir, "causes."+format))

			got, err := knowledge.LoadDir(dir)
			require.NoError(t, err)
			assert.Equal(t, want.Graph(), got.Graph())
			assert.Equal(t, want.QuestionBanks(), got.QuestionBanks())
			assert.Empty(t, got.Warnings())
		})
	}
}

func TestKBExportStdout(t *testing.T) {
	out, err := execute(t, "", "kb", "export", "--format", "json")
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	for _, key := range []string{"symptoms", "causes", "tests", "edges", "question_bank"} {
		assert.Contains(t, doc, key)
	}

	_, err = execute(t, "", "kb", "export", "--format", "toml")
	assert.Error(t, err)
}

func TestChatOffline(t *testing.T) {
	out, err := execute(t, "", "chat", "--offline", "--upload-dir", t.TempDir(),
		"-m", "the pump is noisy and the cylinder is slow", "-m", "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "session ")
	assert.Contains(t, out, "Session reset.")
}

func TestChatRemote(t *testing.T) {
	var turns []types.AgentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/agent":
			var req types.AgentRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			turns = append(turns, req)
			json.NewEncoder(w).Encode(types.Result{
				Status:       types.StatusContinue,
				SessionID:    "s-1",
				NextQuestion: "Is the suction strainer clean?",
			})
		case "/upload":
			file, header, err := r.FormFile("file")
			require.NoError(t, err)
			file.Close()
			json.NewEncoder(w).Encode(types.UploadResponse{
				ArtifactID: "a-1",
				MediaType:  "image/png",
				Path:       "/uploads/a-1",
				Size:       header.Size,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(types.ErrorResponse{Error: "not_found", Message: "Not found"})
		}
	}))
	defer srv.Close()

	schematic := filepath.Join(t.TempDir(), "circuit.png")
	require.NoError(t, os.WriteFile(schematic, []byte("\x89PNG\r\n\x1a\n"), 0o644))

	stdin := "pump whines\n\n/upload " + schematic + "\nquit\nnever sent\n"
	out, err := execute(t, stdin, "chat", "--server", srv.URL)
	require.NoError(t, err)

	require.Len(t, turns, 2)
	assert.Equal(t, types.AgentRequest{Text: "pump whines"}, turns[0])
	assert.Equal(t, types.AgentRequest{SessionID: "s-1", ArtifactID: "a-1"}, turns[1])
	assert.Contains(t, out, "session s-1")
	assert.Contains(t, out, "uploaded a-1 (image/png)")
	assert.Contains(t, out, "? Is the suction strainer clean?")
}

func TestRemoteClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(types.ErrorResponse{Error: "unsupported_media_type", Message: "Unsupported file type"})
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	_, err := execute(t, "", "upload", path, "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "415 unsupported_media_type")

	_, err = execute(t, "", "upload", filepath.Join(t.TempDir(), "missing.png"), "--server", srv.URL)
	assert.Error(t, err)
}

func TestPrintResult(t *testing.T) {
	cause := "pump_worn"
	fix := "Replace the pump"
	tests := []struct {
		name string
		res  types.Result
		want []string
	}{
		{"need artifact", types.Result{Status: types.StatusNeedArtifact, Request: "Upload the circuit schematic", Accept: []string{"image/png", "application/pdf"}},
			[]string{"upload requested: Upload the circuit schematic", "accepted: image/png, application/pdf"}},
		{"proposed fix", types.Result{Status: types.StatusProposedFix, Cause: cause, Confidence: 0.8, RecommendedSolution: &fix, Verify: "Did that fix it?"},
			[]string{"proposed fix for pump_worn (confidence 0.80)", "Replace the pump", "? Did that fix it?"}},
		{"diagnosis", types.Result{Status: types.StatusDiagnosis, Diagnosis: &types.Diagnosis{LikelyCause: &cause, Confidence: 0.5, FailureModeTags: []string{"pump"}}},
			[]string{"diagnosis: pump_worn (confidence 0.50)", "tags: pump"}},
		{"empty diagnosis", types.Result{Status: types.StatusDiagnosis}, []string{"diagnosis: (empty)"}},
		{"error", types.Result{Status: types.StatusError, Error: "boom"}, []string{"error: boom"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			printResult(&buf, &tc.res)
			for _, want := range tc.want {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}
