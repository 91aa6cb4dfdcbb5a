package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hydrodiag/hydrodiag-ai/internal/artifact"
	"github.com/hydrodiag/hydrodiag-ai/internal/db"
	"github.com/hydrodiag/hydrodiag-ai/internal/metrics"
	"github.com/hydrodiag/hydrodiag-ai/internal/sessionstore"
	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

const (
	maxAgentBody       = 1 << 20
	multipartMemory    = 8 << 20
	healthCheckTimeout = 2 * time.Second

	defaultDiagnosesLimit = 50
	maxDiagnosesLimit     = 500
)

// handleAgent runs one conversational turn. Turn outcomes, including
// failures, are returned as a Result with status 200.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var req types.AgentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAgentBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
		return
	}

	// The turn runs to completion even if the client goes away.
	ctx := context.WithoutCancel(r.Context())
	res := s.engine.HandleMessage(ctx, req.SessionID, req.Text, req.ArtifactID)
	writeJSON(w, http.StatusOK, res)
}

// handleUpload stores the multipart field "file" as a new artifact.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.artifacts.MaxBytes()+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.UploadsTotal.WithLabelValues("too_large").Inc()
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", artifact.ErrTooLarge.Error())
			return
		}
		metrics.UploadsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid_request", "expected a multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "no_file", "No file")
		return
	}
	defer file.Close()

	info, err := s.artifacts.Save(header.Filename, file)
	switch {
	case errors.Is(err, artifact.ErrUnsupportedMediaType):
		metrics.UploadsTotal.WithLabelValues("unsupported").Inc()
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", err.Error())
		return
	case errors.Is(err, artifact.ErrTooLarge):
		metrics.UploadsTotal.WithLabelValues("too_large").Inc()
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
		return
	case err != nil:
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		s.logger.Error("failed to store upload", zap.String("filename", header.Filename), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store upload")
		return
	}

	metrics.UploadsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("artifact uploaded",
		zap.String("artifact_id", info.ID),
		zap.String("media_type", info.MediaType),
		zap.Int64("size", info.Size),
	)
	writeJSON(w, http.StatusOK, types.UploadResponse{
		ArtifactID: info.ID,
		Path:       "/uploads/" + info.ID,
		MediaType:  info.MediaType,
		Size:       info.Size,
	})
}

// handleArtifact serves a stored artifact.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	info, err := s.artifacts.Stat(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", artifact.ErrNotFound.Error())
		return
	}
	w.Header().Set("Content-Type", info.MediaType)
	http.ServeFile(w, r, info.Path)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.engine.Session(r.Context(), id)
	if errors.Is(err, sessionstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+id)
		return
	}
	if err != nil {
		s.logger.Error("failed to load session", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleResetSession returns the session to its creation defaults.
func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	res := s.engine.Reset(context.WithoutCancel(r.Context()), mux.Vars(r)["id"])
	status := http.StatusOK
	if res.Status == types.StatusError {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListDiagnoses(w http.ResponseWriter, r *http.Request) {
	if s.lessons == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "diagnosis history is not configured")
		return
	}

	q := db.LessonQuery{
		Cause:     r.URL.Query().Get("cause"),
		SessionID: r.URL.Query().Get("session_id"),
	}
	var err error
	if q.Limit, err = intParam(r, "limit", defaultDiagnosesLimit); err != nil || q.Limit < 1 {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
		return
	}
	if q.Limit > maxDiagnosesLimit {
		q.Limit = maxDiagnosesLimit
	}
	if q.Offset, err = intParam(r, "offset", 0); err != nil || q.Offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "offset must be a non-negative integer")
		return
	}

	recs, err := s.lessons.ListLessons(r.Context(), q)
	if err != nil {
		s.logger.Error("failed to list diagnoses", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list diagnoses")
		return
	}

	out := make([]types.LessonRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toLesson(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"diagnoses": out,
		"count":     len(out),
	})
}

func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	edges := s.kb.Edges()
	writeJSON(w, http.StatusOK, types.KnowledgeSummary{
		Symptoms: len(s.kb.Symptoms()),
		Causes:   len(s.kb.Causes()),
		Tests:    len(s.kb.Tests()),
		Edges:    len(edges.SymptomToCause) + len(edges.CauseToTest) + len(edges.CauseToFix),
		Warnings: s.kb.Warnings(),
	})
}

// handleHealth reports "ok" when every check passes and "degraded" with a
// 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	health := types.HealthStatus{Status: "ok", Version: s.version}
	if len(s.checks) > 0 {
		health.Checks = make(map[string]string, len(s.checks))
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			health.Status = "degraded"
			health.Checks[name] = err.Error()
			continue
		}
		health.Checks[name] = "ok"
	}

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// toLesson converts a stored lesson to its API form.
func toLesson(rec *db.LessonRecord) types.LessonRecord {
	tags := []string{}
	if rec.Tags != "" {
		if err := json.Unmarshal([]byte(rec.Tags), &tags); err != nil {
			tags = []string{}
		}
	}
	return types.LessonRecord{
		ID:         rec.ID,
		SessionID:  rec.SessionID,
		Complaint:  rec.Complaint,
		Cause:      rec.Cause,
		Solution:   rec.Solution,
		Tags:       tags,
		Confidence: rec.Confidence,
		Confirmed:  rec.Confirmed,
		CreatedAt:  rec.CreatedAt.UnixMilli(),
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, types.ErrorResponse{Error: code, Message: message})
}
